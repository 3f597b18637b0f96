package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SQLite primary result codes for lock contention.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// Retry policy shared by RunTx and Exec: 4 attempts, 50/100/200 ms apart.
const (
	retryAttempts = 4
	retryBase     = 50 * time.Millisecond
)

// ErrRetriesExhausted wraps the last BUSY error once every attempt failed.
var ErrRetriesExhausted = errors.New("dbopen: retries exhausted")

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, by result
// code when the driver exposes one, otherwise by message.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// retry calls op until it succeeds, fails with a non-BUSY error, or the
// attempts run out. op names the operation in logs and errors.
func retry(ctx context.Context, op string, fn func() error) error {
	delay := retryBase
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err = fn(); err == nil || !IsBusy(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		slog.Debug("dbopen: busy, retrying", "op", op, "attempt", attempt, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: %s: %w", op, ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, op, err)
}

// RunTx runs fn in a transaction, committing on nil and rolling back
// otherwise. The whole transaction is retried while SQLite reports BUSY,
// so fn must be safe to run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retry(ctx, "tx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs a single statement, retried while SQLite reports BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retry(ctx, "exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
