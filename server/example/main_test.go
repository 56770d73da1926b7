package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyp0633/caldora/internal/config"
	"github.com/cyp0633/caldora/server/freebusy"
	"github.com/cyp0633/caldora/server/index"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/storage/memory"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeICS(t *testing.T, dir, name, uid, start, end string) {
	t.Helper()
	ics := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//caldora//test//EN",
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTAMP:20240101T000000Z",
		"DTSTART:" + start,
		"DTEND:" + end,
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(ics), 0o600))
}

type env struct {
	store *memory.Store
	idx   *index.Index
}

func newEnv(t *testing.T, conf *config.Config, rdb redis.UniversalClient) *env {
	return newEnvFor(t, conf, rdb, &storage.Calendar{ID: calendarID, UserID: userID, Name: calendarID})
}

func newEnvFor(t *testing.T, conf *config.Config, rdb redis.UniversalClient, cal *storage.Calendar) *env {
	t.Helper()
	ctx := context.Background()
	store := memory.New(nil)
	require.NoError(t, store.CreateCalendar(ctx, cal))
	idx, err := openIndex(ctx, conf, store, recurrence.NewEngine(), rdb, quiet)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return &env{store: store, idx: idx}
}

func TestLoadDirAndPrint(t *testing.T) {
	dir := t.TempDir()
	writeICS(t, dir, "a.ics", "a", "20240102T090000Z", "20240102T100000Z")
	writeICS(t, dir, "b.ics", "b", "20240103T090000Z", "20240103T110000Z")
	writeICS(t, dir, "dup.ics", "a", "20240104T090000Z", "20240104T100000Z")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.ics"), []byte("not a calendar"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	conf := config.DefaultConfig()
	e := newEnv(t, conf, nil)

	loaded, err := loadDir(context.Background(), dir, e.store, e.idx, quiet)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded, "duplicate uid and broken file skipped")

	names, err := e.idx.ResourceNamesForUID("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ics"}, names)

	reserved, err := e.idx.IsReservedUID("a")
	require.NoError(t, err)
	assert.False(t, reserved, "claims released after the write")

	tr, err := parseRange("2024-01-01", "2024-01-08")
	require.NoError(t, err)
	agg := newAggregator(conf, recurrence.NewEngine(), nil, quiet)

	var out bytes.Buffer
	require.NoError(t, printFreeBusy(&out, agg, freebusy.Request{
		UserUID:   userID,
		Organizer: "mailto:alice@example.com",
		Calendars: []freebusy.Calendar{{ID: calendarID, Index: e.idx, Timezone: time.UTC}},
		TimeRange: tr,
	}))
	text := out.String()
	assert.Contains(t, text, "BEGIN:VFREEBUSY")
	assert.Contains(t, text, "ORGANIZER:mailto:alice@example.com")
	assert.Contains(t, text, "20240102T090000Z/20240102T100000Z")
	assert.Contains(t, text, "20240103T090000Z/20240103T110000Z")
}

func TestLoadDir_Reload(t *testing.T) {
	dir := t.TempDir()
	writeICS(t, dir, "a.ics", "a", "20240102T090000Z", "20240102T100000Z")
	e := newEnv(t, config.DefaultConfig(), nil)
	ctx := context.Background()

	loaded, err := loadDir(ctx, dir, e.store, e.idx, quiet)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)

	// an edited file replaces the stored object
	writeICS(t, dir, "a.ics", "a", "20240104T090000Z", "20240104T100000Z")
	loaded, err = loadDir(ctx, dir, e.store, e.idx, quiet)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	obj, err := e.store.GetObject(ctx, userID, calendarID, "a.ics")
	require.NoError(t, err)
	start, ok := obj.Component().Subcomponents()[0].Start()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), start.UTC())

	// one that cannot be indexed leaves the previous version in place
	broken := strings.Join([]string{
		"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//caldora//test//EN",
		"BEGIN:VEVENT", "UID:a", "DTSTAMP:20240101T000000Z",
		"DTSTART:20240105T090000Z", "DTEND:20240105T100000Z", "RRULE:FREQ=DAILY;COUNT=3",
		"END:VEVENT",
		"BEGIN:VEVENT", "UID:a", "DTSTAMP:20240101T000000Z", "RECURRENCE-ID:20240106T120000Z",
		"DTSTART:20240106T130000Z", "DTEND:20240106T140000Z",
		"END:VEVENT",
		"END:VCALENDAR", "",
	}, "\r\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.ics"), []byte(broken), 0o600))
	loaded, err = loadDir(ctx, dir, e.store, e.idx, quiet)
	require.NoError(t, err)
	assert.Zero(t, loaded)
	obj, err = e.store.GetObject(ctx, userID, calendarID, "a.ics")
	require.NoError(t, err)
	require.Len(t, obj.Component().Subcomponents(), 1)
	start, _ = obj.Component().Subcomponents()[0].Start()
	assert.Equal(t, time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC), start.UTC())
}

func TestBuildRequest(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	tr, err := parseRange("2024-01-01", "2024-01-08")
	require.NoError(t, err)

	tests := []struct {
		name      string
		calTZ     string
		organizer string
		wantTZ    *time.Location
		wantSame  bool
	}{
		{"owner timezone", "", "mailto:carol@example.com", shanghai, false},
		{"calendar timezone", "Europe/Berlin", "", berlin, false},
		{"owner asking", "", "MAILTO:bob@example.com", shanghai, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnvFor(t, config.DefaultConfig(), nil,
				&storage.Calendar{ID: calendarID, UserID: userID, TimeZone: tt.calTZ})
			e.store.PutUser(&storage.User{ID: userID, Address: "mailto:bob@example.com", Timezone: "Asia/Shanghai"})

			req, err := buildRequest(context.Background(), e.store, e.idx, tr, tt.organizer, "x")
			require.NoError(t, err)
			assert.Equal(t, "mailto:bob@example.com", req.Attendee)
			assert.Equal(t, userID, req.UserUID)
			assert.Equal(t, tt.wantSame, req.SameCalendarUser)
			require.Len(t, req.Calendars, 1)
			assert.Equal(t, tt.wantTZ.String(), req.Calendars[0].Timezone.String())
			assert.Same(t, e.idx, req.Calendars[0].Index)
		})
	}

	e := newEnv(t, config.DefaultConfig(), nil)
	_, err = buildRequest(context.Background(), e.store, e.idx, tr, "", "")
	assert.True(t, storage.IsNotFound(err), "owner must exist")
}

func TestScheduleCalendar(t *testing.T) {
	e := newEnvFor(t, config.DefaultConfig(), nil,
		&storage.Calendar{ID: calendarID, UserID: userID, Schedule: true})
	assert.Equal(t, index.KindSchedule, e.idx.Kind())

	dir := t.TempDir()
	writeICS(t, dir, "a.ics", "a", "20240102T090000Z", "20240102T100000Z")
	writeICS(t, dir, "b.ics", "a", "20240103T090000Z", "20240103T100000Z")
	loaded, err := loadDir(context.Background(), dir, e.store, e.idx, quiet)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded, "repeated uids allowed")

	_, err = openIndex(context.Background(), config.DefaultConfig(), memory.New(nil), recurrence.NewEngine(), nil, quiet)
	assert.True(t, storage.IsNotFound(err), "calendar must exist")
}

func TestLoadDir_Missing(t *testing.T) {
	e := newEnv(t, config.DefaultConfig(), nil)
	loaded, err := loadDir(context.Background(), filepath.Join(t.TempDir(), "none"), e.store, e.idx, quiet)
	require.NoError(t, err)
	assert.Zero(t, loaded)
}

func TestParseRange(t *testing.T) {
	tr, err := parseRange("2024-01-01", "2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, tr.Duration())

	_, err = parseRange("2024-01-02", "2024-01-01")
	assert.Error(t, err)
	_, err = parseRange("yesterday", "2024-01-01")
	assert.Error(t, err)
	_, err = parseRange("2024-01-01", "")
	assert.Error(t, err)
}

func TestPruneRevisions(t *testing.T) {
	e := newEnv(t, config.DefaultConfig(), nil)
	dir := t.TempDir()
	for _, uid := range []string{"r1", "r2", "r3"} {
		writeICS(t, dir, uid+".ics", uid, "20240102T090000Z", "20240102T100000Z")
	}
	_, err := loadDir(context.Background(), dir, e.store, e.idx, quiet)
	require.NoError(t, err)
	require.NoError(t, e.idx.DeleteResource("r1.ics"))
	require.NoError(t, e.idx.DeleteResource("r2.ics"))

	removed, err := pruneRevisions(e.idx, 10, quiet)
	require.NoError(t, err)
	assert.Zero(t, removed, "nothing older than the kept revisions")

	removed, err = pruneRevisions(e.idx, 0, quiet)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestRedisWiring(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	conf := config.DefaultConfig()
	e := newEnv(t, conf, rdb)

	require.NoError(t, e.idx.ReserveUID("held"))
	assert.NotEmpty(t, mr.Keys(), "reservations live in redis")

	dir := t.TempDir()
	writeICS(t, dir, "held.ics", "held", "20240102T090000Z", "20240102T100000Z")
	loaded, err := loadDir(context.Background(), dir, e.store, e.idx, quiet)
	require.NoError(t, err)
	assert.Zero(t, loaded, "uid claimed elsewhere")
	require.NoError(t, e.idx.UnreserveUID("held"))

	writeICS(t, dir, "free.ics", "free", "20240102T090000Z", "20240102T100000Z")
	loaded, err = loadDir(context.Background(), dir, e.store, e.idx, quiet)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	tr, err := parseRange("2024-01-01", "2024-01-08")
	require.NoError(t, err)
	agg := newAggregator(conf, recurrence.NewEngine(), rdb, quiet)
	var out bytes.Buffer
	require.NoError(t, printFreeBusy(&out, agg, freebusy.Request{
		UserUID:   userID,
		Calendars: []freebusy.Calendar{{ID: calendarID, Index: e.idx, Timezone: time.UTC}},
		TimeRange: tr,
	}))
	assert.Contains(t, out.String(), "FREEBUSY")
}

func TestWatch_Shutdown(t *testing.T) {
	e := newEnv(t, config.DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, config.MaintenanceConfig{PruneSchedule: "@every 1h"}, e.idx, quiet)
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}

	assert.Error(t, watch(context.Background(), config.MaintenanceConfig{PruneSchedule: "not a schedule"}, e.idx, quiet))
	assert.NoError(t, watch(context.Background(), config.MaintenanceConfig{}, e.idx, quiet))
}
