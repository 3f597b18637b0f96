// Package store is the persistence layer for energia: one SQLite database in
// WAL mode holding a table per market dataset plus the alert, analysis and
// task-run logs.
//
// All identifiers come from the table registry (tables.go); every value is
// bound as a parameter. Inserts are idempotent on each table's natural key.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/energia/dbopen"
)

var (
	// ErrUnknownTable is returned when a table name is not in the registry.
	ErrUnknownTable = errors.New("store: unknown table")

	// ErrUnknownColumn is returned when a filter, aggregate or record names
	// a column the table does not declare.
	ErrUnknownColumn = errors.New("store: unknown column")

	// ErrNotFound is returned by QueryOne and status updates when no row matches.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidArgument is returned for malformed operators, statuses,
	// retention windows or mixed-table batches.
	ErrInvalidArgument = errors.New("store: invalid argument")
)

// Recorder receives write counters. *observability.Metrics implements it.
type Recorder interface {
	AddInserted(table string, n int)
	AddPruned(table string, n int64)
}

// Store wraps the energia database.
type Store struct {
	DB      *sql.DB
	now     func() time.Time
	metrics Recorder
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for retention and window computations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics installs a write-counter recorder.
func WithMetrics(r Recorder) Option {
	return func(s *Store) { s.metrics = r }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps an already-opened database and applies the schema.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{DB: db, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if err := ApplySchema(ctx, db); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens (creating if needed) the database at path with the dbopen
// pragmas, then applies the schema.
func Open(ctx context.Context, path string, dbOpts []dbopen.Option, opts ...Option) (*Store, error) {
	dbOpts = append([]dbopen.Option{dbopen.WithMkdirAll()}, dbOpts...)
	db, err := dbopen.Open(path, dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s, err := New(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) addInserted(table string, n int) {
	if s.metrics != nil {
		s.metrics.AddInserted(table, n)
	}
}

func (s *Store) addPruned(table string, n int64) {
	if s.metrics != nil {
		s.metrics.AddPruned(table, n)
	}
}
