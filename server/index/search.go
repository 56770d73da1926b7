package index

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cyp0633/caldora/server/component"
	"github.com/cyp0633/caldora/server/query"
	"github.com/cyp0633/caldora/server/storage"
)

// Row is one search result. The time-span fields are only filled by
// free-busy searches, which return a row per matching instance.
type Row struct {
	Name      string
	UID       string
	Type      string
	Organizer string

	Floating    bool
	Start       time.Time
	End         time.Time
	FBType      component.FBType
	Transparent bool
}

type rawRow struct {
	Name            string         `db:"NAME"`
	UID             sql.NullString `db:"UID"`
	Type            sql.NullString `db:"TYPE"`
	Organizer       sql.NullString `db:"ORGANIZER"`
	Float           sql.NullString `db:"FLOAT"`
	Start           sqlTime        `db:"START"`
	End             sqlTime        `db:"END"`
	FBType          sql.NullString `db:"FBTYPE"`
	Transparent     sql.NullString `db:"TRANSPARENT"`
	UserTransparent sql.NullString `db:"USERTRANSPARENT"`
}

func (r rawRow) row() Row {
	out := Row{
		Name:      r.Name,
		UID:       r.UID.String,
		Type:      r.Type.String,
		Organizer: r.Organizer.String,
		Floating:  r.Float.String == "Y",
		Start:     r.Start.Time,
		End:       r.End.Time,
		FBType:    component.FBTypeFromCode(r.FBType.String),
	}
	transp := r.Transparent.String
	// the requesting user's own setting wins
	if r.UserTransparent.Valid && r.UserTransparent.String != "" {
		transp = r.UserTransparent.String
	}
	out.Transparent = transp == "T"
	return out
}

// sqlTime scans the index's text timestamps, which the driver may already
// have turned into time.Time for DATE columns.
type sqlTime struct {
	time.Time
	Valid bool
}

func (t *sqlTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case string:
		return t.parse(x)
	case []byte:
		return t.parse(string(x))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", v)
	}
}

func (t *sqlTime) parse(s string) error {
	parsed, err := time.ParseInLocation(timeFormat, s, time.UTC)
	if err != nil {
		return err
	}
	t.Time, t.Valid = parsed, true
	return nil
}

// IndexedSearch finds resources matching filter using the index. Filters
// the index cannot express yield a query.IndexedSearchError and the caller
// should fall back to BruteForceSearch. When fbtype is set, rows carry
// instance time spans and the transparency userUID sees.
func (i *Index) IndexedSearch(filter *storage.Filter, userUID string, fbtype bool) ([]Row, error) {
	expr, err := query.Compile(filter, query.DefaultFields)
	if err != nil {
		return nil, err
	}

	if latest, isStart := filter.MaxTimeRange(); latest.IsPresent() {
		maxDate := latest.MustGet().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1)
		if isStart {
			maxDate = maxDate.AddDate(0, 0, 365)
		}
		if err := i.TestAndUpdateIndex(maxDate); err != nil {
			return nil, err
		}
	}

	stmt, args, err := generateSQL(expr, userUID, fbtype)
	if err != nil {
		return nil, err
	}
	var raw []rawRow
	if err := i.db.Select(&raw, stmt, args...); err != nil {
		return nil, fmt.Errorf("indexed search: %w", err)
	}
	return i.liveRows(raw)
}

// BruteForceSearch lists every indexed resource; the caller evaluates the
// filter itself.
func (i *Index) BruteForceSearch() ([]Row, error) {
	var raw []rawRow
	if err := i.db.Select(&raw, "SELECT NAME, UID, TYPE, ORGANIZER FROM RESOURCE ORDER BY NAME"); err != nil {
		return nil, fmt.Errorf("brute force search: %w", err)
	}
	return i.liveRows(raw)
}

// liveRows drops, and purges from the index, rows whose object is gone.
func (i *Index) liveRows(raw []rawRow) ([]Row, error) {
	live := map[string]bool{}
	out := make([]Row, 0, len(raw))
	for _, r := range raw {
		ok, seen := live[r.Name]
		if !seen {
			var err error
			if ok, err = i.objectExists(r.Name); err != nil {
				return nil, err
			}
			live[r.Name] = ok
		}
		if ok {
			out = append(out, r.row())
		}
	}
	return out, nil
}

// NotExpandedBeyond lists resources whose indexed instances stop before
// minDate.
func (i *Index) NotExpandedBeyond(minDate time.Time) ([]string, error) {
	var names []string
	if err := i.db.Select(&names,
		"SELECT NAME FROM RESOURCE WHERE RECURRANCE_MAX < ? ORDER BY NAME", formatTime(minDate),
	); err != nil {
		return nil, fmt.Errorf("not expanded beyond: %w", err)
	}
	return names, nil
}

// TestAndUpdateIndex re-expands every resource indexed only up to a date
// before minDate. Resources whose object has gone are removed.
func (i *Index) TestAndUpdateIndex(minDate time.Time) error {
	names, err := i.NotExpandedBeyond(minDate)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := i.reExpand(name, minDate); err != nil {
			return err
		}
	}
	return nil
}

func (i *Index) reExpand(name string, until time.Time) error {
	if i.objects == nil {
		return &InternalDataStoreError{Name: name, Err: fmt.Errorf("index has no object collection")}
	}
	cal, err := i.objects.Object(name)
	if storage.IsNotFound(err) {
		i.logger.Error("calendar resource missing, removing from index", "name", name, "collection", i.name)
		stalePurgesTotal.Inc()
		return i.DeleteResource(name)
	}
	if err != nil {
		return &InternalDataStoreError{Name: name, Err: err}
	}
	i.logger.Debug("re-expanding resource", "name", name, "until", until.Format(time.DateOnly))
	reexpansionsTotal.Inc()
	return i.addResource(name, cal, true, until)
}
