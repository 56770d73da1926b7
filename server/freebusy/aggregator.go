// Package freebusy computes free-busy time for a calendar user across
// several calendar collections, using each collection's index and an
// optional result cache.
package freebusy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cyp0633/caldora/server/component"
	"github.com/cyp0633/caldora/server/index"
	"github.com/cyp0633/caldora/server/period"
	"github.com/cyp0633/caldora/server/query"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
)

// Calendar is one collection contributing to a free-busy query.
type Calendar struct {
	// ID identifies the collection in cache keys.
	ID    string
	Index *index.Index
	// Timezone resolves floating times. nil means UTC.
	Timezone *time.Location
}

// Request describes a free-busy query.
type Request struct {
	// Organizer is the address of the organizer asking, if any.
	Organizer string
	// Attendee is the address of the user whose time is reported.
	Attendee string
	// UserUID selects the per-user transparency overrides that apply.
	UserUID   string
	Calendars []Calendar
	TimeRange period.Period
	// ExcludeUID names an event that must not count against its own
	// scheduling, e.g. the one being rescheduled.
	ExcludeUID string
	// SameCalendarUser is set when the requester is the attendee.
	SameCalendarUser bool
}

// Aggregator computes free-busy information
type Aggregator struct {
	config Config
	cache  Cache
	engine *recurrence.Engine
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithConfig sets cache and limit parameters.
func WithConfig(c Config) Option {
	return func(a *Aggregator) { a.config = c }
}

// WithCache sets the result cache. When unset and caching is enabled, an
// in-process MemoryCache is used.
func WithCache(c Cache) Option {
	return func(a *Aggregator) { a.cache = c }
}

// WithEngine sets the recurrence engine used for full evaluation.
func WithEngine(e *recurrence.Engine) Option {
	return func(a *Aggregator) { a.engine = e }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithClock overrides time.Now, which anchors the cache window.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		config: DefaultConfig,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.config.Normalize()
	if a.engine == nil {
		a.engine = recurrence.NewEngine()
	}
	if a.cache == nil && a.config.CacheEnabled {
		a.cache = NewMemoryCache(a.config.CacheSize, a.config.CacheTTL, a.config.CacheJitter)
	}
	if !a.config.CacheEnabled {
		a.cache = nil
	}
	return a
}

// Compute gathers busy time from every calendar in req. The returned info
// is normalized. A *QueryMaxResourcesError aborts the whole computation.
func (a *Aggregator) Compute(req Request) (*FBInfo, error) {
	if !req.TimeRange.Start.Before(req.TimeRange.End) {
		return nil, &storage.Error{Type: storage.ErrInvalidInput, Message: "free-busy time range is empty"}
	}
	info := &FBInfo{}
	matched := 0
	for _, cal := range req.Calendars {
		if err := a.calendar(req, cal, info, &matched); err != nil {
			return nil, err
		}
	}
	info.Normalize()
	a.logger.Debug("free-busy computed",
		"attendee", req.Attendee, "calendars", len(req.Calendars), "resources", matched,
		"busy", len(info.Busy), "tentative", len(info.Tentative), "unavailable", len(info.Unavailable))
	return info, nil
}

func (a *Aggregator) calendar(req Request, cal Calendar, info *FBInfo, matched *int) error {
	rows, err := a.rows(req, cal)
	if err != nil {
		return err
	}

	// Resources whose rows all carry a usable busy type are bucketed from
	// the index alone; the rest are evaluated against their data.
	full := map[string]bool{}
	for _, r := range rows {
		if r.Type != component.VEvent.String() || r.FBType == component.FBUnknown {
			full[r.Name] = true
		}
	}

	seen := map[string]bool{}
	var slow []string
	for _, r := range rows {
		if full[r.Name] {
			if !seen[r.Name] {
				seen[r.Name] = true
				slow = append(slow, r.Name)
			}
			continue
		}
		start, end := r.Start, r.End
		if r.Floating {
			start, end = period.ResolveFloating(start, cal.Timezone), period.ResolveFloating(end, cal.Timezone)
		}
		// cached rows may lie outside the request
		p, ok := period.Clip(period.New(start, end), req.TimeRange).Get()
		if !ok {
			continue
		}
		if !seen[r.Name] {
			seen[r.Name] = true
			if err := a.count(matched); err != nil {
				return err
			}
		}
		if a.excluded(req, r.UID, r.Organizer) || r.Transparent {
			continue
		}
		info.add(r.FBType, p)
	}

	if len(slow) == 0 {
		return nil
	}
	// expansions are cached per resource until the collection changes
	rev, err := cal.Index.Revision()
	if err != nil {
		return err
	}
	filter := busyFilter(req.TimeRange, cal.Timezone)
	for _, name := range slow {
		tag := fmt.Sprintf("%s/%s@%d", cal.ID, name, rev)
		if err := a.evaluate(req, cal, filter, name, tag, info, matched); err != nil {
			return err
		}
	}
	return nil
}

// rows returns the index rows for the calendar, from the cache when a
// valid entry covers the request.
func (a *Aggregator) rows(req Request, cal Calendar) ([]index.Row, error) {
	if a.cache == nil {
		return a.search(req, cal, req.TimeRange)
	}

	rev, err := cal.Index.Revision()
	if err != nil {
		return nil, err
	}
	key := cal.ID + ":" + req.UserUID
	token := strconv.FormatInt(rev, 10)
	if entry, ok := a.cache.Get(key); ok && entry.Token == token && entry.covers(req.TimeRange, a.config.margin()) {
		cacheHitsTotal.Inc()
		return entry.Rows, nil
	}
	cacheMissesTotal.Inc()

	tr := a.window(req.TimeRange)
	rows, err := a.search(req, cal, tr)
	if err != nil {
		return nil, err
	}
	a.cache.Set(&CacheEntry{Key: key, Token: token, TimeRange: tr, Rows: rows})
	return rows, nil
}

// window widens tr to the standard cache window when it fits inside it.
func (a *Aggregator) window(tr period.Period) period.Period {
	today := a.now().UTC().Truncate(24 * time.Hour)
	w := CacheEntry{TimeRange: period.New(
		today.AddDate(0, 0, -a.config.CacheDaysBack),
		today.AddDate(0, 0, a.config.CacheDaysForward),
	)}
	if w.covers(tr, a.config.margin()) {
		return w.TimeRange
	}
	return tr
}

func (a *Aggregator) search(req Request, cal Calendar, tr period.Period) ([]index.Row, error) {
	rows, err := cal.Index.IndexedSearch(busyFilter(tr, cal.Timezone), req.UserUID, true)
	if errors.Is(err, query.ErrIndexedSearch) {
		searchFallbacksTotal.Inc()
		a.logger.Info("free-busy index search unavailable, scanning collection", "calendar", cal.ID, "reason", err)
		return cal.Index.BruteForceSearch()
	}
	if err != nil {
		return nil, fmt.Errorf("free-busy search %s: %w", cal.ID, err)
	}
	return rows, nil
}

// evaluate loads one resource and adds its busy time after confirming it
// against filter. tag keys the engine's expansion cache.
func (a *Aggregator) evaluate(req Request, cal Calendar, filter *storage.Filter, name, tag string, info *FBInfo, matched *int) error {
	obj, err := cal.Index.Objects().Object(name)
	if storage.IsNotFound(err) {
		a.logger.Warn("free-busy resource vanished", "calendar", cal.ID, "name", name)
		return nil
	}
	if err != nil {
		return &index.InternalDataStoreError{Name: name, Err: err}
	}
	ok, err := filter.MatchesWith(a.engine, tag, obj)
	if err != nil {
		return fmt.Errorf("free-busy %s/%s: %w", cal.ID, name, err)
	}
	if !ok {
		return nil
	}
	if err := a.count(matched); err != nil {
		return err
	}
	if a.excluded(req, component.ResourceUID(obj), component.Organizer(obj)) {
		return nil
	}

	lower := req.TimeRange.Start
	instances, err := a.engine.ExpandCached(tag, obj, req.TimeRange.End, &lower, true)
	if err != nil {
		return fmt.Errorf("free-busy %s/%s: %w", cal.ID, name, err)
	}
	for _, in := range instances.Instances() {
		if in.Component.Name() == component.VEvent && a.transparent(req, obj, in) {
			continue
		}
		start, end := resolve(in.Start, cal.Timezone), resolve(in.End, cal.Timezone)
		if p, ok := period.Clip(period.New(start, end), req.TimeRange).Get(); ok {
			info.add(in.FBType, p)
		}
	}
	return nil
}

// transparent is the TRANSP the requesting user sees for an instance: their
// per-user value when present, otherwise the instance's own.
func (a *Aggregator) transparent(req Request, obj component.Component, in *recurrence.Instance) bool {
	if req.UserUID != "" {
		for _, ut := range component.PerUserTransparency(obj, in.Key()) {
			if ut.UserUID == req.UserUID {
				return ut.Transparent
			}
		}
	}
	return component.Transparent(in.Component)
}

func (a *Aggregator) count(matched *int) error {
	*matched++
	if a.config.MaxResults > 0 && *matched > a.config.MaxResults {
		limitExceededTotal.Inc()
		return &QueryMaxResourcesError{Limit: a.config.MaxResults, Actual: *matched}
	}
	return nil
}

// excluded applies the ExcludeUID rule: the event is skipped when the
// organizer asking is its organizer, or when the requester is the attendee
// and the event names no organizer of its own.
func (a *Aggregator) excluded(req Request, uid, organizer string) bool {
	if req.ExcludeUID == "" || uid != req.ExcludeUID {
		return false
	}
	if req.Organizer != "" && strings.EqualFold(organizer, req.Organizer) {
		return true
	}
	return req.SameCalendarUser && organizer == ""
}

func resolve(dt component.DateTime, tz *time.Location) time.Time {
	if dt.Floating {
		return period.ResolveFloating(dt.Time, tz)
	}
	return dt.UTC()
}

// busyFilter selects the components that can carry busy time.
func busyFilter(tr period.Period, tz *time.Location) *storage.Filter {
	start, end := tr.Start, tr.End
	return &storage.Filter{
		Child: &storage.ComponentFilter{
			Names: []string{component.VCalendar.String()},
			Components: []*storage.ComponentFilter{{
				Names:     []string{component.VEvent.String(), component.VFreeBusy.String(), component.VAvailability.String()},
				Qualifier: &storage.TimeRange{Start: &start, End: &end},
			}},
		},
		Timezone: tz,
	}
}
