package index

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/cyp0633/caldora/server/component"
	"github.com/cyp0633/caldora/server/query"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
)

// AddResource indexes the calendar object stored under name, replacing any
// previous entry. recreate forces instance indexing even when expansion is
// delayed, and tolerates overrides that match no generated instance.
func (i *Index) AddResource(name string, cal component.Component, recreate bool) error {
	return i.addResource(name, cal, recreate, time.Time{})
}

func (i *Index) addResource(name string, cal component.Component, recreate bool, expandUntil time.Time) error {
	return i.inTx(func(tx *sqlx.Tx) error {
		return i.addToDB(tx, name, cal, recreate, expandUntil)
	})
}

func (i *Index) addToDB(tx *sqlx.Tx, name string, cal component.Component, recreate bool, expandUntil time.Time) error {
	uid := component.ResourceUID(cal)
	organizer := component.Organizer(cal)

	var expand time.Time
	indexInstances := false
	if component.Master(cal) == nil || !component.IsRecurring(cal) {
		// single instance or override-only: index everything
		expand = recurrence.MaxDate
		indexInstances = true
	} else {
		if recreate || !i.config.DelayedExpand {
			indexInstances = true
		}
		today := i.today()
		expand = today.AddDate(0, 0, i.config.ExpandAheadDays)
		if expandUntil.After(expand) {
			expand = expandUntil
		}
		if expand.After(today.AddDate(0, 0, i.config.ExpandMaxDays)) {
			return &query.IndexedSearchError{
				Reason: fmt.Sprintf("expanding %s to %s exceeds the index horizon", name, expand.Format(time.DateOnly)),
			}
		}
	}

	// Always expand, even when instances are not written, so invalid
	// recurrence data is rejected up front.
	instances, err := i.engine.ExpandCalendar(cal, expand, nil, recreate)
	if err != nil {
		var invalid *recurrence.InvalidOverriddenInstanceError
		if errors.As(err, &invalid) {
			i.logger.Error("invalid overridden instance", "rid", invalid.RID, "name", name, "collection", i.name)
		}
		return fmt.Errorf("index %s: %w", name, err)
	}

	var recurrenceMax any
	if !indexInstances {
		recurrenceMax = formatTime(recurrence.MinDate)
	} else if limit, ok := instances.Limit.Get(); ok {
		recurrenceMax = formatTime(limit)
	}

	if _, err := tx.Exec("DELETE FROM RESOURCE WHERE NAME = ?", name); err != nil {
		return fmt.Errorf("index %s: delete old entry: %w", name, err)
	}
	res, err := tx.Exec(
		"INSERT INTO RESOURCE (NAME, UID, TYPE, RECURRANCE_MAX, ORGANIZER) VALUES (?, ?, ?, ?, ?)",
		name, uid, component.MainType(cal).String(), recurrenceMax, organizer,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &storage.Error{Type: storage.ErrConflict, Message: fmt.Sprintf("uid %q already indexed", uid), Err: err}
		}
		return fmt.Errorf("index %s: insert resource: %w", name, err)
	}
	resourceID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("index %s: %w", name, err)
	}

	if indexInstances {
		users := map[string]int64{}
		for _, in := range instances.Instances() {
			transp := "F"
			if component.Transparent(in.Component) {
				transp = "T"
			}
			instanceID, err := insertTimespan(tx, resourceID, in.Floating(), in.Start.UTC(), in.End.UTC(), in.FBType.Code(), transp)
			if err != nil {
				return fmt.Errorf("index %s: %w", name, err)
			}
			if err := i.insertTransparency(tx, users, instanceID, component.PerUserTransparency(cal, in.Key())); err != nil {
				return fmt.Errorf("index %s: %w", name, err)
			}
		}

		// An open-ended row far in the future lets open time-ranges always
		// match unbounded recurrences.
		unbounded, err := component.IsRecurringUnbounded(cal)
		if err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
		if unbounded {
			code := component.FBUnknown.Code()
			// the occurrences of a cancelled series are all free unless a
			// THISANDFUTURE override carries them
			if instances.MasterCancelled && !slices.ContainsFunc(instances.Instances(), func(in *recurrence.Instance) bool { return in.Future }) {
				code = component.FBFree.Code()
			}
			transp := component.FBUnknown.Code()
			instanceID, err := insertTimespan(tx, resourceID, false, recurrence.MaxDate, recurrence.MaxDate.Add(time.Hour), code, transp)
			if err != nil {
				return fmt.Errorf("index %s: %w", name, err)
			}
			if err := i.insertTransparency(tx, users, instanceID, component.PerUserTransparency(cal, "")); err != nil {
				return fmt.Errorf("index %s: %w", name, err)
			}
		}
	}

	if _, err := i.bumpRevision(tx, name, false); err != nil {
		return err
	}
	i.logger.Debug("resource indexed", "name", name, "uid", uid, "instances", instances.Len(), "collection", i.name)
	return nil
}

func insertTimespan(tx *sqlx.Tx, resourceID int64, floating bool, start, end time.Time, fbtype, transp string) (int64, error) {
	float := "N"
	if floating {
		float = "Y"
	}
	res, err := tx.Exec(
		"INSERT INTO TIMESPAN (RESOURCEID, FLOAT, START, END, FBTYPE, TRANSPARENT) VALUES (?, ?, ?, ?, ?, ?)",
		resourceID, float, formatTime(start), formatTime(end), fbtype, transp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert timespan: %w", err)
	}
	return res.LastInsertId()
}

func (i *Index) insertTransparency(tx *sqlx.Tx, users map[string]int64, instanceID int64, entries []component.UserTransparency) error {
	for _, e := range entries {
		peruserID, ok := users[e.UserUID]
		if !ok {
			var err error
			peruserID, err = peruserIDFor(tx, e.UserUID)
			if err != nil {
				return err
			}
			users[e.UserUID] = peruserID
		}
		transp := "F"
		if e.Transparent {
			transp = "T"
		}
		if _, err := tx.Exec(
			"INSERT INTO TRANSPARENCY (PERUSERID, INSTANCEID, TRANSPARENT) VALUES (?, ?, ?)",
			peruserID, instanceID, transp,
		); err != nil {
			return fmt.Errorf("insert transparency: %w", err)
		}
	}
	return nil
}

// peruserIDFor returns the PERUSER row for a user, creating it on first use.
func peruserIDFor(tx *sqlx.Tx, userUID string) (int64, error) {
	var id int64
	err := tx.Get(&id, "SELECT PERUSERID FROM PERUSER WHERE USERUID = ?", userUID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup peruser %q: %w", userUID, err)
	}
	res, err := tx.Exec("INSERT INTO PERUSER (USERUID) VALUES (?)", userUID)
	if err != nil {
		return 0, fmt.Errorf("insert peruser %q: %w", userUID, err)
	}
	return res.LastInsertId()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// DeleteResource removes the entry for name and records the deletion in
// the revision log, whether or not the name was indexed.
func (i *Index) DeleteResource(name string) error {
	return i.inTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec("DELETE FROM RESOURCE WHERE NAME = ?", name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		if _, err := i.bumpRevision(tx, name, true); err != nil {
			return err
		}
		i.logger.Debug("resource removed from index", "name", name, "collection", i.name)
		return nil
	})
}

// ResourceExists reports whether name is indexed.
func (i *Index) ResourceExists(name string) (bool, error) {
	var count int
	if err := i.db.Get(&count, "SELECT COUNT(*) FROM RESOURCE WHERE NAME = ?", name); err != nil {
		return false, fmt.Errorf("resource exists %s: %w", name, err)
	}
	return count > 0, nil
}

// ResourcesExist returns the subset of names that are indexed, sorted.
func (i *Index) ResourcesExist(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In("SELECT NAME FROM RESOURCE WHERE NAME IN (?)", names)
	if err != nil {
		return nil, err
	}
	var found []string
	if err := i.db.Select(&found, i.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("resources exist: %w", err)
	}
	slices.Sort(found)
	return found, nil
}

// ResourceUIDForName returns the UID indexed under name, or "" when name is
// not indexed.
func (i *Index) ResourceUIDForName(name string) (string, error) {
	var uid sql.NullString
	err := i.db.Get(&uid, "SELECT UID FROM RESOURCE WHERE NAME = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("uid for %s: %w", name, err)
	}
	return uid.String, nil
}

// ResourceNamesForUID returns every name indexed with uid. Names whose
// object has disappeared are purged and left out.
func (i *Index) ResourceNamesForUID(uid string) ([]string, error) {
	var names []string
	if err := i.db.Select(&names, "SELECT NAME FROM RESOURCE WHERE UID = ? ORDER BY NAME", uid); err != nil {
		return nil, fmt.Errorf("names for uid %s: %w", uid, err)
	}
	out := names[:0]
	for _, name := range names {
		ok, err := i.objectExists(name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// ResourceNameForUID returns one name indexed with uid, or "".
func (i *Index) ResourceNameForUID(uid string) (string, error) {
	names, err := i.ResourceNamesForUID(uid)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[0], nil
}

// IsAllowedUID reports whether uid may be stored under a new name: no
// indexed resource outside excludeNames may already use it. Schedule
// collections allow any UID.
func (i *Index) IsAllowedUID(uid string, excludeNames ...string) (bool, error) {
	if i.kind == KindSchedule {
		return true, nil
	}
	names, err := i.ResourceNamesForUID(uid)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if !slices.Contains(excludeNames, name) {
			return false, nil
		}
	}
	return true, nil
}

// ComponentTypeCounts counts indexed resources per main component type.
func (i *Index) ComponentTypeCounts() (map[string]int, error) {
	var rows []struct {
		Type  string `db:"TYPE"`
		Count int    `db:"N"`
	}
	if err := i.db.Select(&rows, "SELECT TYPE, COUNT(TYPE) AS N FROM RESOURCE GROUP BY TYPE"); err != nil {
		return nil, fmt.Errorf("component type counts: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Type] = r.Count
	}
	return out, nil
}

// objectExists checks the backing collection for name, purging the index
// entry when the object is gone.
func (i *Index) objectExists(name string) (bool, error) {
	if i.objects == nil {
		return true, nil
	}
	_, err := i.objects.Object(name)
	if err == nil {
		return true, nil
	}
	if !storage.IsNotFound(err) {
		return false, &InternalDataStoreError{Name: name, Err: err}
	}
	i.logger.Error("calendar resource missing, removing from index", "name", name, "collection", i.name)
	stalePurgesTotal.Inc()
	if err := i.DeleteResource(name); err != nil {
		return false, err
	}
	return false, nil
}
