// Package index maintains a sqlite index of a calendar collection: one
// RESOURCE row per calendar object, one TIMESPAN row per expanded
// instance, per-user transparency and a revision log for sync.
package index

import (
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
)

//go:embed schema.sql
var schema string

//go:embed reserved.sql
var reservedSchema string

// Kind selects between a regular calendar collection and a scheduling
// inbox/outbox.
type Kind int

const (
	// KindRegular requires unique UIDs and supports reservations.
	KindRegular Kind = iota
	// KindSchedule allows repeated UIDs; reservations are no-ops.
	KindSchedule
)

func (k Kind) String() string {
	if k == KindSchedule {
		return "schedule"
	}
	return "regular"
}

// timeFormat is how instants are stored. Floating values store their wall
// clock in the same format.
const timeFormat = "2006-01-02 15:04:05"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

// Index is the calendar index of one collection.
type Index struct {
	db       *sqlx.DB
	objects  storage.Collection
	name     string
	kind     Kind
	config   Config
	engine   *recurrence.Engine
	reserver Reserver
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Index
type Option func(*Index)

// WithKind sets the collection kind. Default KindRegular.
func WithKind(k Kind) Option {
	return func(i *Index) { i.kind = k }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(i *Index) { i.logger = l }
}

// WithReserver replaces the sqlite RESERVED table with another reserver,
// e.g. a RedisReserver shared by several processes.
func WithReserver(r Reserver) Option {
	return func(i *Index) { i.reserver = r }
}

// WithClock overrides time.Now, used to compute the expansion horizon.
func WithClock(now func() time.Time) Option {
	return func(i *Index) { i.now = now }
}

// WithConfig sets expansion and reservation parameters.
func WithConfig(c Config) Option {
	return func(i *Index) { i.config = c }
}

// WithEngine sets the recurrence engine. Defaults to an uncached engine.
func WithEngine(e *recurrence.Engine) Option {
	return func(i *Index) { i.engine = e }
}

// WithName labels the collection in logs and reservation keys.
func WithName(name string) Option {
	return func(i *Index) { i.name = name }
}

// Open opens or creates the index database at path. An empty path or
// ":memory:" gives a private in-memory database. objects is the collection
// the index describes; it is consulted to re-expand resources and to detect
// rows whose object has gone.
func Open(path string, objects storage.Collection, opts ...Option) (*Index, error) {
	i := &Index{
		objects: objects,
		kind:    KindRegular,
		config:  DefaultConfig,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.config.Normalize()
	if i.engine == nil {
		i.engine = recurrence.NewEngine()
	}
	if path == "" {
		path = ":memory:"
	}
	if i.name == "" {
		i.name = path
	}

	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	// a single connection keeps :memory: databases shared and serializes
	// writers
	db.SetMaxOpenConns(1)

	if err := applySchema(db, i.kind); err != nil {
		db.Close()
		return nil, err
	}
	i.db = db

	if i.reserver == nil {
		if i.kind == KindSchedule {
			i.reserver = noopReserver{}
		} else {
			i.reserver = newSQLReserver(db, i.name, i.config.ReservationTimeout, i.now)
		}
	}

	i.logger.Debug("index opened", "path", path, "kind", i.kind.String())
	return i, nil
}

func applySchema(db *sqlx.DB, kind Kind) error {
	ddl := schema
	if kind == KindSchedule {
		ddl = strings.ReplaceAll(ddl, "{{UID_CONSTRAINT}}", "")
	} else {
		ddl = strings.ReplaceAll(ddl, "{{UID_CONSTRAINT}}", "UNIQUE") + reservedSchema
	}
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Kind reports the collection kind.
func (i *Index) Kind() Kind { return i.kind }

// Objects is the collection the index describes.
func (i *Index) Objects() storage.Collection { return i.objects }

// Close closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}

func (i *Index) today() time.Time {
	return i.now().UTC().Truncate(24 * time.Hour)
}

// inTx runs fn in a transaction, committing on success.
func (i *Index) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := i.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			i.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
