package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/energia/dbopen"
)

// TaskRun is one scheduler tick.
type TaskRun struct {
	ID         string    `json:"id"`
	Task       string    `json:"task"`
	Status     string    `json:"status"` // ok or error
	Affected   int64     `json:"affected"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// InsertTaskRun records a tick.
func (s *Store) InsertTaskRun(ctx context.Context, r *TaskRun) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO task_runs (id, task, status, affected, error, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Task, r.Status, r.Affected, r.Error, r.DurationMs, FormatTime(r.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert task run: %w", err)
	}
	return nil
}

// ListTaskRuns returns the newest ticks, optionally of one task.
func (s *Store) ListTaskRuns(ctx context.Context, task string, limit int) ([]*TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, task, status, affected, error, duration_ms, started_at FROM task_runs`
	var args []any
	if task != "" {
		q += ` WHERE task = ?`
		args = append(args, task)
	}
	q += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list task runs: %w", err)
	}
	defer rows.Close()

	result := []*TaskRun{}
	for rows.Next() {
		var r TaskRun
		var started string
		if err := rows.Scan(&r.ID, &r.Task, &r.Status, &r.Affected, &r.Error, &r.DurationMs, &started); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		r.StartedAt, _ = ParseTime(started)
		result = append(result, &r)
	}
	return result, rows.Err()
}
