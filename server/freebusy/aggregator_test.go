package freebusy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/caldora/server/index"
	"github.com/cyp0633/caldora/server/period"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/storage/memory"
)

var fixedNow = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func at(d, h int) time.Time {
	return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC)
}

func span(d1, h1, d2, h2 int) period.Period {
	return period.New(at(d1, h1), at(d2, h2))
}

// fixture is one user's calendar backed by the memory store and indexed.
type fixture struct {
	store *memory.Store
	idx   *index.Index
	cal   Calendar
}

func newFixture(t *testing.T, id string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New(nil)
	require.NoError(t, store.CreateCalendar(ctx, &storage.Calendar{ID: id, UserID: "user01", Name: id}))

	idx, err := index.Open("", storage.NewCollection(ctx, store, "user01", id),
		index.WithClock(clock), index.WithName(id))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return &fixture{store: store, idx: idx, cal: Calendar{ID: id, Index: idx}}
}

func (f *fixture) put(t *testing.T, name string, lines ...string) {
	t.Helper()
	ics := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//caldora//test//EN\r\n" +
		strings.Join(lines, "\r\n") + "\r\nEND:VCALENDAR\r\n"
	data, err := storage.DecodeCalendar(ics)
	require.NoError(t, err)
	obj := &storage.CalendarObject{ID: name, CalendarID: f.cal.ID, UserID: "user01", Data: data}
	require.NoError(t, f.store.CreateObject(context.Background(), obj))
	require.NoError(t, f.idx.AddResource(name, obj.Component(), false))
}

func event(uid string, start, end string, extra ...string) []string {
	lines := []string{"BEGIN:VEVENT", "UID:" + uid, "DTSTAMP:20240101T000000Z", "DTSTART:" + start, "DTEND:" + end}
	lines = append(lines, extra...)
	return append(lines, "END:VEVENT")
}

func uncached() Option {
	cfg := DefaultConfig
	cfg.CacheEnabled = false
	return WithConfig(cfg)
}

func request(tr period.Period, cals ...Calendar) Request {
	return Request{Attendee: "mailto:user01@example.com", UserUID: "user01", Calendars: cals, TimeRange: tr}
}

func TestCompute_EventStatus(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "busy.ics", event("busy", "20240102T100000Z", "20240102T110000Z")...)
	f.put(t, "transparent.ics", event("transp", "20240102T120000Z", "20240102T130000Z", "TRANSP:TRANSPARENT")...)
	f.put(t, "cancelled.ics", event("cancel", "20240102T130000Z", "20240102T140000Z", "STATUS:CANCELLED")...)
	f.put(t, "tentative.ics", event("tent", "20240102T140000Z", "20240102T150000Z", "STATUS:TENTATIVE")...)
	f.put(t, "todo.ics", "BEGIN:VTODO", "UID:todo", "DTSTAMP:20240101T000000Z", "DUE:20240102T160000Z", "END:VTODO")

	info, err := New(uncached()).Compute(request(span(2, 0, 3, 0), f.cal))
	require.NoError(t, err)
	assert.Equal(t, []period.Period{span(2, 10, 2, 11)}, info.Busy)
	assert.Equal(t, []period.Period{span(2, 14, 2, 15)}, info.Tentative)
	assert.Empty(t, info.Unavailable)
}

func TestCompute_ClipsToRange(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "long.ics", event("long", "20240102T080000Z", "20240102T180000Z")...)

	info, err := New(uncached()).Compute(request(span(2, 9, 2, 12), f.cal))
	require.NoError(t, err)
	assert.Equal(t, []period.Period{span(2, 9, 2, 12)}, info.Busy)
}

func TestCompute_Recurring(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "daily.ics", event("daily", "20240101T090000Z", "20240101T100000Z", "RRULE:FREQ=DAILY;COUNT=5")...)
	f.put(t, "overlap.ics", event("overlap", "20240102T093000Z", "20240102T103000Z")...)

	info, err := New(uncached()).Compute(request(span(2, 0, 4, 0), f.cal))
	require.NoError(t, err)
	assert.Equal(t, []period.Period{
		period.New(at(2, 9), at(2, 10).Add(30*time.Minute)),
		span(3, 9, 3, 10),
	}, info.Busy, "overlapping events merge")
}

func TestCompute_PerUserTransparency(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "shared.ics",
		"BEGIN:VEVENT",
		"UID:shared",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240102T100000Z",
		"DTEND:20240102T110000Z",
		"END:VEVENT",
		"BEGIN:X-CALENDARSERVER-PERUSER",
		"UID:shared",
		"X-CALENDARSERVER-PERUSER-UID:user01",
		"BEGIN:X-CALENDARSERVER-PERINSTANCE",
		"TRANSP:TRANSPARENT",
		"END:X-CALENDARSERVER-PERINSTANCE",
		"END:X-CALENDARSERVER-PERUSER",
	)
	agg := New(uncached())

	info, err := agg.Compute(request(span(2, 0, 3, 0), f.cal))
	require.NoError(t, err)
	assert.True(t, info.Empty(), "user01 marked the event transparent")

	req := request(span(2, 0, 3, 0), f.cal)
	req.UserUID = "user02"
	info, err = agg.Compute(req)
	require.NoError(t, err)
	assert.Equal(t, []period.Period{span(2, 10, 2, 11)}, info.Busy)
}

func TestCompute_PerUserOpaqueOverride(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "shared.ics",
		"BEGIN:VEVENT",
		"UID:shared",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240102T100000Z",
		"DTEND:20240102T110000Z",
		"TRANSP:TRANSPARENT",
		"END:VEVENT",
		"BEGIN:X-CALENDARSERVER-PERUSER",
		"UID:shared",
		"X-CALENDARSERVER-PERUSER-UID:user01",
		"BEGIN:X-CALENDARSERVER-PERINSTANCE",
		"TRANSP:OPAQUE",
		"END:X-CALENDARSERVER-PERINSTANCE",
		"END:X-CALENDARSERVER-PERUSER",
	)
	agg := New(uncached())

	info, err := agg.Compute(request(span(2, 0, 3, 0), f.cal))
	require.NoError(t, err)
	assert.Equal(t, []period.Period{span(2, 10, 2, 11)}, info.Busy, "user01 sees the event as opaque")

	req := request(span(2, 0, 3, 0), f.cal)
	req.UserUID = "user02"
	info, err = agg.Compute(req)
	require.NoError(t, err)
	assert.True(t, info.Empty(), "everyone else sees the shared TRANSP")
}

func TestCompute_VFreeBusy(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "fb.ics",
		"BEGIN:VFREEBUSY",
		"UID:fb",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240102T000000Z",
		"DTEND:20240103T000000Z",
		"FREEBUSY;FBTYPE=BUSY:20240102T090000Z/PT2H",
		"FREEBUSY;FBTYPE=FREE:20240102T120000Z/PT1H",
		"FREEBUSY;FBTYPE=BUSY-UNAVAILABLE:20240102T150000Z/20240102T160000Z",
		"END:VFREEBUSY",
	)

	info, err := New(uncached()).Compute(request(span(2, 0, 3, 0), f.cal))
	require.NoError(t, err)
	assert.Equal(t, []period.Period{span(2, 9, 2, 11)}, info.Busy)
	assert.Equal(t, []period.Period{span(2, 15, 2, 16)}, info.Unavailable)
	assert.Empty(t, info.Tentative)
}

var threePeriods = []string{
	"BEGIN:VFREEBUSY",
	"UID:fb",
	"DTSTAMP:20240101T000000Z",
	"DTSTART:20240102T000000Z",
	"DTEND:20240103T000000Z",
	"FREEBUSY;FBTYPE=BUSY:20240102T090000Z/PT1H",
	"FREEBUSY;FBTYPE=BUSY:20240102T110000Z/PT1H",
	"FREEBUSY;FBTYPE=BUSY:20240102T130000Z/PT1H",
	"END:VFREEBUSY",
}

func TestCompute_ExpansionError(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "fb.ics", threePeriods...)
	f.put(t, "a.ics", event("a", "20240102T150000Z", "20240102T160000Z")...)

	engine := recurrence.NewEngineWithConfig(recurrence.EngineConfig{MaxAllowedInstances: 2})
	info, err := New(uncached(), WithEngine(engine)).Compute(request(span(2, 0, 3, 0), f.cal))
	require.Error(t, err)
	assert.Nil(t, info)
	var tooMany *recurrence.TooManyInstancesError
	require.ErrorAs(t, err, &tooMany)
	assert.Equal(t, 2, tooMany.Limit)
	assert.Contains(t, err.Error(), "home/fb.ics")
}

func TestCompute_ExpansionCache(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "fb.ics", threePeriods...)

	engine := recurrence.NewEngineWithConfig(recurrence.DefaultEngineConfig)
	agg := New(uncached(), WithEngine(engine))
	req := request(span(2, 0, 3, 0), f.cal)

	first, err := agg.Compute(req)
	require.NoError(t, err)
	assert.Equal(t, []period.Period{span(2, 9, 2, 10), span(2, 11, 2, 12), span(2, 13, 2, 14)}, first.Busy)
	stats := engine.Cache().Stats()
	assert.Zero(t, stats.Hits)
	assert.Equal(t, int64(2), stats.Misses, "one expansion to match, one to bucket")

	second, err := agg.Compute(req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	stats = engine.Cache().Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)

	// a write moves the collection revision, so nothing stale is reused
	f.put(t, "a.ics", event("a", "20240102T150000Z", "20240102T160000Z")...)
	third, err := agg.Compute(req)
	require.NoError(t, err)
	assert.Len(t, third.Busy, 4)
	stats = engine.Cache().Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(4), stats.Misses)
}

func TestCompute_Availability(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "avail.ics",
		"BEGIN:VAVAILABILITY",
		"UID:avail",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240102T080000Z",
		"DTEND:20240102T180000Z",
		"BEGIN:AVAILABLE",
		"UID:avail-1",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240102T090000Z",
		"DTEND:20240102T170000Z",
		"END:AVAILABLE",
		"END:VAVAILABILITY",
	)

	info, err := New(uncached()).Compute(request(span(2, 0, 3, 0), f.cal))
	require.NoError(t, err)
	assert.Equal(t, []period.Period{span(2, 8, 2, 9), span(2, 17, 2, 18)}, info.Unavailable)
	assert.Empty(t, info.Busy)
}

func TestCompute_ExcludeUID(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "mine.ics", event("meeting", "20240102T100000Z", "20240102T110000Z",
		"ORGANIZER:mailto:boss@example.com", "ATTENDEE:mailto:user01@example.com")...)
	f.put(t, "solo.ics", event("solo", "20240102T100000Z", "20240102T110000Z")...)
	agg := New(uncached())

	tests := []struct {
		name     string
		uid      string
		org      string
		same     bool
		wantBusy bool
	}{
		{"organizer matches", "meeting", "mailto:BOSS@example.com", false, false},
		{"other organizer", "meeting", "mailto:other@example.com", false, true},
		{"same user, event has another organizer", "meeting", "mailto:other@example.com", true, true},
		{"same user, event has an organizer", "meeting", "", true, true},
		{"same user, no organizer on event", "solo", "", true, false},
		{"no organizer, other user", "solo", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(span(2, 0, 3, 0), f.cal)
			req.ExcludeUID = tt.uid
			req.Organizer = tt.org
			req.SameCalendarUser = tt.same
			info, err := agg.Compute(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBusy, len(info.Busy) > 0)
		})
	}
}

func TestCompute_MultipleCalendars(t *testing.T) {
	home := newFixture(t, "home")
	work := newFixture(t, "work")
	home.put(t, "a.ics", event("a", "20240102T100000Z", "20240102T110000Z")...)
	work.put(t, "b.ics", event("b", "20240102T103000Z", "20240102T120000Z")...)

	info, err := New(uncached()).Compute(request(span(2, 0, 3, 0), home.cal, work.cal))
	require.NoError(t, err)
	assert.Equal(t, []period.Period{span(2, 10, 2, 12)}, info.Busy)
}

func TestCompute_Floating(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	f := newFixture(t, "home")
	f.cal.Timezone = ny
	f.put(t, "float.ics", event("float", "20240102T090000", "20240102T100000")...)

	info, err := New(uncached()).Compute(request(span(2, 0, 3, 0), f.cal))
	require.NoError(t, err)
	assert.Equal(t, []period.Period{span(2, 14, 2, 15)}, info.Busy)
}

func TestCompute_MaxResources(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "1.ics", event("1", "20240102T100000Z", "20240102T110000Z")...)
	f.put(t, "2.ics", event("2", "20240102T120000Z", "20240102T130000Z")...)
	f.put(t, "3.ics", event("3", "20240102T140000Z", "20240102T150000Z")...)

	cfg := DefaultConfig
	cfg.CacheEnabled = false
	cfg.MaxResults = 2
	_, err := New(WithConfig(cfg)).Compute(request(span(2, 0, 3, 0), f.cal))
	var limitErr *QueryMaxResourcesError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 2, limitErr.Limit)
	assert.Equal(t, 3, limitErr.Actual)

	cfg.MaxResults = 3
	_, err = New(WithConfig(cfg)).Compute(request(span(2, 0, 3, 0), f.cal))
	assert.NoError(t, err)
}

func TestCompute_EmptyRange(t *testing.T) {
	_, err := New(uncached()).Compute(request(span(2, 0, 2, 0)))
	var serr *storage.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, storage.ErrInvalidInput, serr.Type)
}

func TestCompute_Cache(t *testing.T) {
	f := newFixture(t, "home")
	f.put(t, "a.ics", event("a", "20240102T100000Z", "20240102T110000Z")...)

	cache := NewMemoryCache(16, time.Hour, 0)
	agg := New(WithCache(cache), WithClock(clock))
	req := request(span(2, 0, 3, 0), f.cal)

	info, err := agg.Compute(req)
	require.NoError(t, err)
	assert.Len(t, info.Busy, 1)

	entry, ok := cache.Get("home:user01")
	require.True(t, ok)
	assert.Equal(t, "1", entry.Token)
	// widened to the standard window around today
	assert.Equal(t, period.New(at(1, 0).AddDate(0, 0, -7), at(1, 0).AddDate(0, 0, 84)), entry.TimeRange)

	// a write bumps the sync token, so the stale entry is not used
	f.put(t, "b.ics", event("b", "20240102T140000Z", "20240102T150000Z")...)
	info, err = agg.Compute(req)
	require.NoError(t, err)
	assert.Len(t, info.Busy, 2)

	entry, ok = cache.Get("home:user01")
	require.True(t, ok)
	assert.Equal(t, "2", entry.Token)

	// a valid entry answers without touching the index
	entry.Rows = nil
	info, err = agg.Compute(req)
	require.NoError(t, err)
	assert.True(t, info.Empty())

	// requests outside the window are cached for their own range
	far := request(span(1, 0, 2, 0), f.cal)
	far.TimeRange = period.New(at(1, 0).AddDate(1, 0, 0), at(2, 0).AddDate(1, 0, 0))
	_, err = agg.Compute(far)
	require.NoError(t, err)
	entry, ok = cache.Get("home:user01")
	require.True(t, ok)
	assert.Equal(t, far.TimeRange, entry.TimeRange)
}

func TestCompute_CacheDisabled(t *testing.T) {
	cache := NewMemoryCache(16, time.Hour, 0)
	f := newFixture(t, "home")
	cfg := DefaultConfig
	cfg.CacheEnabled = false
	agg := New(WithConfig(cfg), WithCache(cache))

	_, err := agg.Compute(request(span(2, 0, 3, 0), f.cal))
	require.NoError(t, err)
	assert.Zero(t, cache.Len())
}
