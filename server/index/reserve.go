package index

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// Reserver claims UIDs for the short window between accepting a new
// resource and indexing it. Reserve must fail atomically with a
// *ReservationError when the UID is already claimed.
type Reserver interface {
	Reserve(uid string) error
	Unreserve(uid string) error
	IsReserved(uid string) (bool, error)
}

// ReserveUID claims uid, failing with *ReservationError if it is taken.
func (i *Index) ReserveUID(uid string) error {
	err := i.reserver.Reserve(uid)
	var rerr *ReservationError
	if errors.As(err, &rerr) {
		reservationConflictsTotal.Inc()
		i.logger.Debug("uid already reserved", "uid", uid, "collection", i.name)
	}
	return err
}

// UnreserveUID releases a claim. Releasing an unclaimed UID is an error.
func (i *Index) UnreserveUID(uid string) error {
	return i.reserver.Unreserve(uid)
}

// IsReservedUID reports whether uid is currently claimed.
func (i *Index) IsReservedUID(uid string) (bool, error) {
	return i.reserver.IsReserved(uid)
}

// noopReserver serves schedule collections, where UIDs repeat freely.
type noopReserver struct{}

func (noopReserver) Reserve(string) error            { return nil }
func (noopReserver) Unreserve(string) error          { return nil }
func (noopReserver) IsReserved(string) (bool, error) { return false, nil }

// sqlReserver stores claims in the RESERVED table. Expired claims are
// removed lazily.
type sqlReserver struct {
	db         *sqlx.DB
	collection string
	timeout    time.Duration
	now        func() time.Time
}

func newSQLReserver(db *sqlx.DB, collection string, timeout time.Duration, now func() time.Time) *sqlReserver {
	return &sqlReserver{db: db, collection: collection, timeout: timeout, now: now}
}

func (r *sqlReserver) expiry() string {
	return formatTime(r.now().Add(-r.timeout))
}

func (r *sqlReserver) Reserve(uid string) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("reserve %s: %w", uid, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM RESERVED WHERE UID = ? AND TIME < ?", uid, r.expiry()); err != nil {
		return fmt.Errorf("reserve %s: %w", uid, err)
	}
	if _, err := tx.Exec("INSERT INTO RESERVED (UID, TIME) VALUES (?, ?)", uid, formatTime(r.now())); err != nil {
		if isUniqueViolation(err) {
			return &ReservationError{UID: uid, Collection: r.collection, Reserved: true}
		}
		return fmt.Errorf("reserve %s: %w", uid, err)
	}
	return tx.Commit()
}

func (r *sqlReserver) Unreserve(uid string) error {
	res, err := r.db.Exec("DELETE FROM RESERVED WHERE UID = ?", uid)
	if err != nil {
		return fmt.Errorf("unreserve %s: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ReservationError{UID: uid, Collection: r.collection, Reserved: false}
	}
	return nil
}

func (r *sqlReserver) IsReserved(uid string) (bool, error) {
	var reservedAt string
	err := r.db.Get(&reservedAt, "SELECT TIME FROM RESERVED WHERE UID = ?", uid)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is reserved %s: %w", uid, err)
	}
	res, err := r.db.Exec("DELETE FROM RESERVED WHERE UID = ? AND TIME < ?", uid, r.expiry())
	if err != nil {
		return false, fmt.Errorf("is reserved %s: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	return true, nil
}

// RedisReserver keeps claims in redis with SET NX and a TTL, so several
// processes serving the same collection see each other's claims.
type RedisReserver struct {
	client     redis.UniversalClient
	collection string
	ttl        time.Duration
	opTimeout  time.Duration
	logger     *slog.Logger
}

// RedisOption configures a RedisReserver
type RedisOption func(*RedisReserver)

// WithRedisLogger sets the logger
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *RedisReserver) { r.logger = l }
}

// WithOpTimeout bounds each redis round trip. Default 2s.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(r *RedisReserver) { r.opTimeout = d }
}

// NewRedisReserver creates a reserver for one collection. ttl is the claim
// lifetime.
func NewRedisReserver(client redis.UniversalClient, collection string, ttl time.Duration, opts ...RedisOption) *RedisReserver {
	r := &RedisReserver{
		client:     client,
		collection: collection,
		ttl:        ttl,
		opTimeout:  2 * time.Second,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisReserver) key(uid string) string {
	sum := sha1.Sum([]byte(uid + ":" + r.collection))
	return "reservation:" + hex.EncodeToString(sum[:])
}

func (r *RedisReserver) Reserve(uid string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	ok, err := r.client.SetNX(ctx, r.key(uid), "reserved", r.ttl).Result()
	if err != nil {
		r.logger.Error("redis reserve failed", "uid", uid, "error", err)
		return fmt.Errorf("reserve %s: %w", uid, err)
	}
	if !ok {
		return &ReservationError{UID: uid, Collection: r.collection, Reserved: true}
	}
	return nil
}

func (r *RedisReserver) Unreserve(uid string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	n, err := r.client.Del(ctx, r.key(uid)).Result()
	if err != nil {
		r.logger.Error("redis unreserve failed", "uid", uid, "error", err)
		return fmt.Errorf("unreserve %s: %w", uid, err)
	}
	if n == 0 {
		return &ReservationError{UID: uid, Collection: r.collection, Reserved: false}
	}
	return nil
}

func (r *RedisReserver) IsReserved(uid string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	n, err := r.client.Exists(ctx, r.key(uid)).Result()
	if err != nil {
		return false, fmt.Errorf("is reserved %s: %w", uid, err)
	}
	return n > 0, nil
}
