package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/energia/dbopen"
)

// DefaultRetentionDays is the age after which rows are pruned.
const DefaultRetentionDays = 90

// cutoff returns the stored form of now - days for t's time column.
func (s *Store) cutoff(t *Table, days int) string {
	c := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	if t.Daily {
		return FormatDate(c)
	}
	return FormatTime(c)
}

// PruneOlderThan deletes the rows of table whose time column is strictly
// older than now - days and returns how many were removed. Calling it again
// immediately removes nothing.
func (s *Store) PruneOlderThan(ctx context.Context, table string, days int) (int64, error) {
	t, err := Lookup(table)
	if err != nil {
		return 0, err
	}
	if days <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive, got %d days", ErrInvalidArgument, days)
	}
	res, err := dbopen.Exec(ctx, s.DB,
		"DELETE FROM "+t.Name+" WHERE "+t.TimeColumn+" < ?", s.cutoff(t, days))
	if err != nil {
		return 0, fmt.Errorf("store: prune %s: %w", t.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune %s: rows affected: %w", t.Name, err)
	}
	s.addPruned(t.Name, n)
	return n, nil
}

// PruneAll prunes every retained table. A failing table does not stop the
// others; the returned map holds the counts of the tables that succeeded.
// Concurrent readers may observe a table before or after its delete; no
// snapshot spans the whole pass.
func (s *Store) PruneAll(ctx context.Context, days int) (map[string]int64, error) {
	out := make(map[string]int64)
	var errs []error
	for _, t := range registry {
		if !t.Retained {
			continue
		}
		n, err := s.PruneOlderThan(ctx, t.Name, days)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[t.Name] = n
	}
	if len(errs) > 0 {
		s.logger.Warn("store: prune incomplete", "failed", len(errs))
	}
	return out, errors.Join(errs...)
}
