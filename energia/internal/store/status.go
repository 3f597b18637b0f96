package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/energia/dbopen"
)

// SetStatus moves the row id of table (alertas or restricciones) to status.
// Resolving stamps fecha_resolucion; reactivating clears it.
func (s *Store) SetStatus(ctx context.Context, table string, id int64, status string) error {
	t, err := Lookup(table)
	if err != nil {
		return err
	}
	if !t.Statuses {
		return fmt.Errorf("%w: %s has no status", ErrInvalidArgument, t.Name)
	}
	if status != StatusActive && status != StatusResolved {
		return fmt.Errorf("%w: status %q", ErrInvalidArgument, status)
	}

	var resolvedAt any
	if status == StatusResolved {
		resolvedAt = FormatTime(s.now())
	}
	res, err := dbopen.Exec(ctx, s.DB,
		"UPDATE "+t.Name+" SET estado = ?, fecha_resolucion = ? WHERE id = ?",
		status, resolvedAt, id)
	if err != nil {
		return fmt.Errorf("store: set status %s/%d: %w", t.Name, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set status %s/%d: %w", t.Name, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, t.Name, id)
	}
	return nil
}

// ResolveAlertsOlderThan resolves active alerts raised more than age ago
// and returns how many changed.
func (s *Store) ResolveAlertsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	now := s.now()
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE alertas SET estado = ?, fecha_resolucion = ?
		WHERE estado = ? AND fecha_hora < ?`,
		StatusResolved, FormatTime(now), StatusActive, FormatTime(now.Add(-age)))
	if err != nil {
		return 0, fmt.Errorf("store: resolve alerts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: resolve alerts: rows affected: %w", err)
	}
	return n, nil
}
