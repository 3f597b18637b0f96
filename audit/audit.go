// Package audit records operator actions (manual task runs, alert
// resolution, model analyses) in an audit_log table. Writes are either
// synchronous (Log) or buffered and flushed in batches (LogAsync).
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/energia/idgen"
	"github.com/hazyhaar/energia/kit"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	batchSize     = 32
	flushInterval = time.Second
	bufferSize    = 1024
)

// Entry is one audit_log row.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Action     string `json:"action"`
	Transport  string `json:"transport"`
	TraceID    string `json:"trace_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Parameters string `json:"parameters,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error_message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Logger is implemented by SQLiteLogger. A nil Logger is never called;
// callers check before logging.
type Logger interface {
	Log(ctx context.Context, e *Entry) error
	LogAsync(e *Entry)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id      TEXT PRIMARY KEY,
	timestamp     INTEGER NOT NULL,
	action        TEXT NOT NULL,
	transport     TEXT NOT NULL,
	trace_id      TEXT,
	remote_addr   TEXT,
	parameters    TEXT,
	status        TEXT NOT NULL,
	error_message TEXT,
	duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action, timestamp);
`

const insertSQL = `INSERT INTO audit_log
	(entry_id, timestamp, action, transport, trace_id, remote_addr, parameters, status, error_message, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteLogger writes entries to audit_log.
type SQLiteLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan *Entry
	done   chan struct{}
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator overrides the entry ID generator. Default: idgen.Prefixed("aud_", UUIDv7).
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.newID = gen }
}

// WithLogger sets the logger used for flush failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *SQLiteLogger) { l.logger = logger }
}

// NewSQLiteLogger starts the background flusher. Call Init before logging
// and Close to drain pending entries.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.UUIDv7()),
		logger: slog.Default(),
		ch:     make(chan *Entry, bufferSize),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.loop()
	return l
}

// Init creates the audit_log table.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: init: %w", err)
	}
	return nil
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Status == "" {
		e.Status = StatusSuccess
		if e.Error != "" {
			e.Status = StatusError
		}
	}
}

func insert(ctx context.Context, x interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, e *Entry) error {
	_, err := x.ExecContext(ctx, insertSQL,
		e.EntryID, e.Timestamp, e.Action, e.Transport, e.TraceID, e.RemoteAddr,
		e.Parameters, e.Status, e.Error, e.DurationMs)
	return err
}

// Log writes e immediately.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	if err := insert(ctx, l.db, e); err != nil {
		return fmt.Errorf("audit: log %s: %w", e.Action, err)
	}
	return nil
}

// LogAsync queues e for the next batch. When the buffer is full or the
// logger is closed the entry is written synchronously.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	l.mu.RLock()
	queued := false
	if !l.closed {
		select {
		case l.ch <- e:
			queued = true
		default:
		}
	}
	l.mu.RUnlock()
	if queued {
		return
	}
	if err := insert(context.Background(), l.db, e); err != nil {
		l.logger.Warn("audit: write failed", "action", e.Action, "error", err)
	}
}

func (l *SQLiteLogger) loop() {
	defer close(l.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, batchSize)
	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				l.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *SQLiteLogger) flush(batch []*Entry) {
	if len(batch) == 0 {
		return
	}
	ctx := context.Background()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		l.logger.Warn("audit: flush begin", "error", err, "dropped", len(batch))
		return
	}
	for _, e := range batch {
		if err := insert(ctx, tx, e); err != nil {
			tx.Rollback()
			l.logger.Warn("audit: flush insert", "error", err, "dropped", len(batch))
			return
		}
	}
	if err := tx.Commit(); err != nil {
		l.logger.Warn("audit: flush commit", "error", err, "dropped", len(batch))
	}
}

// Close flushes queued entries and stops the flusher. Safe to call twice.
func (l *SQLiteLogger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

// List returns the newest entries, optionally of one action.
func (l *SQLiteLogger) List(ctx context.Context, action string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT entry_id, timestamp, action, transport, COALESCE(trace_id, ''), COALESCE(remote_addr, ''),
		COALESCE(parameters, ''), status, COALESCE(error_message, ''), duration_ms
		FROM audit_log`
	args := []any{}
	if action != "" {
		q += ` WHERE action = ?`
		args = append(args, action)
	}
	q += ` ORDER BY timestamp DESC, entry_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Action, &e.Transport, &e.TraceID, &e.RemoteAddr,
			&e.Parameters, &e.Status, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Middleware records every call of the wrapped endpoint as action. The
// request is stored as JSON parameters.
func Middleware(l Logger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := FromContext(ctx, action, req)
			e.DurationMs = time.Since(start).Milliseconds()
			if err != nil {
				e.Error = err.Error()
			}
			l.LogAsync(e)
			return resp, err
		}
	}
}

// FromContext builds an Entry carrying the transport, trace ID and remote
// address found in ctx.
func FromContext(ctx context.Context, action string, params any) *Entry {
	e := &Entry{
		Action:     action,
		Transport:  kit.GetTransport(ctx),
		TraceID:    kit.GetTraceID(ctx),
		RemoteAddr: kit.GetRemoteAddr(ctx),
	}
	if params != nil {
		if b, err := json.Marshal(params); err == nil {
			e.Parameters = string(b)
		}
	}
	return e
}
