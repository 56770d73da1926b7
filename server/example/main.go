// Command example indexes a directory of iCalendar files and prints the
// owner's free-busy time as a VFREEBUSY.
//
//	go run ./server/example -dir ./testdata -start 2024-01-01 -end 2024-01-08
//
// With -watch it keeps running, periodically pruning the revision log on
// the configured maintenance schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-ical"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/cyp0633/caldora/internal/config"
	"github.com/cyp0633/caldora/server/freebusy"
	"github.com/cyp0633/caldora/server/index"
	"github.com/cyp0633/caldora/server/period"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/storage/memory"
)

const (
	userID     = "user01"
	calendarID = "calendar"
)

type flagConfig struct {
	configPath string
	dir        string
	start      string
	end        string
	timezone   string
	organizer  string
	attendee   string
	excludeUID string
	schedule   bool
	watch      bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", flags.configPath, err)
		os.Exit(1)
	}
	logger := conf.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, flags, logger); err != nil {
		logger.Error("example failed", "err", err)
		os.Exit(1)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig
	today := time.Now().UTC().Truncate(24 * time.Hour)

	flag.StringVar(&cfg.configPath, "config", "caldora.yaml", "Path to config file, created with defaults when missing")
	flag.StringVar(&cfg.dir, "dir", ".", "Directory of .ics files to index")
	flag.StringVar(&cfg.start, "start", today.Format(time.DateOnly), "Start of the free-busy range")
	flag.StringVar(&cfg.end, "end", today.AddDate(0, 0, 7).Format(time.DateOnly), "End of the free-busy range")
	flag.StringVar(&cfg.timezone, "tz", "UTC", "Owner's timezone, used for floating times")
	flag.StringVar(&cfg.organizer, "organizer", "", "ORGANIZER of the free-busy reply")
	flag.StringVar(&cfg.attendee, "attendee", "", "Calendar user address of the owner, reported as ATTENDEE")
	flag.StringVar(&cfg.excludeUID, "exclude-uid", "", "Ignore the event with this UID")
	flag.BoolVar(&cfg.schedule, "schedule", false, "Index the directory as a scheduling collection, allowing repeated UIDs")
	flag.BoolVar(&cfg.watch, "watch", false, "Keep running and prune revisions on schedule")
	flag.Parse()

	return cfg
}

func run(ctx context.Context, conf *config.Config, flags flagConfig, logger *slog.Logger) error {
	tr, err := parseRange(flags.start, flags.end)
	if err != nil {
		return err
	}
	tz, err := time.LoadLocation(flags.timezone)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", flags.timezone, err)
	}

	var rdb redis.UniversalClient
	if conf.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		defer rdb.Close()
	}

	engine := recurrence.NewEngineWithConfig(conf.Recurrence)
	store := memory.New(engine)
	store.PutUser(&storage.User{ID: userID, Address: flags.attendee, Timezone: tz.String()})
	if err := store.CreateCalendar(ctx, &storage.Calendar{ID: calendarID, UserID: userID, Name: calendarID, Schedule: flags.schedule}); err != nil {
		return err
	}

	idx, err := openIndex(ctx, conf, store, engine, rdb, logger)
	if err != nil {
		return err
	}
	defer idx.Close()

	loaded, err := loadDir(ctx, flags.dir, store, idx, logger)
	if err != nil {
		return err
	}
	logger.Info("calendar indexed", "dir", flags.dir, "resources", loaded, "kind", idx.Kind())

	agg := newAggregator(conf, engine, rdb, logger)
	req, err := buildRequest(ctx, store, idx, tr, flags.organizer, flags.excludeUID)
	if err != nil {
		return err
	}
	if err := printFreeBusy(os.Stdout, agg, req); err != nil {
		return err
	}
	if cache := engine.Cache(); cache != nil {
		stats := cache.Stats()
		logger.Debug("expansion cache", "entries", stats.Entries, "hits", stats.Hits, "misses", stats.Misses)
	}

	if !flags.watch {
		return nil
	}
	return watch(ctx, conf.Maintenance, idx, logger)
}

func parseRange(start, end string) (period.Period, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return period.Period{}, fmt.Errorf("start: %w", err)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return period.Period{}, fmt.Errorf("end: %w", err)
	}
	if !s.Before(e) {
		return period.Period{}, fmt.Errorf("start %s is not before end %s", start, end)
	}
	return period.New(s, e), nil
}

// openIndex opens the index of the owner's calendar. Scheduling calendars
// get a scheduling index, which allows repeated UIDs.
func openIndex(ctx context.Context, conf *config.Config, store storage.Storage, engine *recurrence.Engine, rdb redis.UniversalClient, logger *slog.Logger) (*index.Index, error) {
	cal, err := store.GetCalendar(ctx, userID, calendarID)
	if err != nil {
		return nil, err
	}
	opts := []index.Option{
		index.WithConfig(conf.Index.Config),
		index.WithEngine(engine),
		index.WithLogger(logger),
		index.WithName(cal.ID),
	}
	if cal.Schedule {
		opts = append(opts, index.WithKind(index.KindSchedule))
	}
	if rdb != nil {
		opts = append(opts, index.WithReserver(
			index.NewRedisReserver(rdb, cal.ID, conf.Index.ReservationTimeout, index.WithRedisLogger(logger)),
		))
	}
	return index.Open(conf.Index.Path, storage.NewCollection(ctx, store, userID, cal.ID), opts...)
}

// buildRequest describes the owner's free-busy over tr. Floating times
// resolve in the calendar's timezone, or the owner's when it has none. The
// owner asking about their own time counts as the same calendar user.
func buildRequest(ctx context.Context, store storage.Storage, idx *index.Index, tr period.Period, organizer, excludeUID string) (freebusy.Request, error) {
	user, err := store.GetUser(ctx, userID)
	if err != nil {
		return freebusy.Request{}, err
	}
	cal, err := store.GetCalendar(ctx, userID, calendarID)
	if err != nil {
		return freebusy.Request{}, err
	}
	return freebusy.Request{
		Organizer:        organizer,
		Attendee:         user.Address,
		UserUID:          user.ID,
		Calendars:        []freebusy.Calendar{{ID: cal.ID, Index: idx, Timezone: cal.Location(user)}},
		TimeRange:        tr,
		ExcludeUID:       excludeUID,
		SameCalendarUser: user.Address != "" && strings.EqualFold(organizer, user.Address),
	}, nil
}

func newAggregator(conf *config.Config, engine *recurrence.Engine, rdb redis.UniversalClient, logger *slog.Logger) *freebusy.Aggregator {
	opts := []freebusy.Option{
		freebusy.WithConfig(conf.FreeBusy),
		freebusy.WithEngine(engine),
		freebusy.WithLogger(logger),
	}
	if rdb != nil && conf.FreeBusy.CacheEnabled {
		opts = append(opts, freebusy.WithCache(freebusy.NewRedisCache(
			rdb, conf.Redis.Prefix, conf.FreeBusy.CacheTTL, conf.FreeBusy.CacheJitter,
			freebusy.WithCacheLogger(logger),
		)))
	}
	return freebusy.New(opts...)
}

func printFreeBusy(w io.Writer, agg *freebusy.Aggregator, req freebusy.Request) error {
	info, err := agg.Compute(req)
	if err != nil {
		return err
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//caldora//example//EN")
	cal.Children = append(cal.Children, freebusy.BuildVFreeBusy(info, req.Organizer, req.Attendee, req.TimeRange))
	return ical.NewEncoder(w).Encode(cal)
}

// watch runs the revision pruning job until ctx is cancelled.
func watch(ctx context.Context, conf config.MaintenanceConfig, idx *index.Index, logger *slog.Logger) error {
	if conf.PruneSchedule == "" {
		logger.Info("no prune schedule configured, exiting")
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(conf.PruneSchedule, func() {
		if _, err := pruneRevisions(idx, conf.KeepRevisions, logger); err != nil {
			logger.Error("prune revisions", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("prune schedule %q: %w", conf.PruneSchedule, err)
	}
	c.Start()
	logger.Info("watching", "prune_schedule", conf.PruneSchedule)

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("shutting down")
	return nil
}
