package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/energia/dbopen"
)

// AsRecords converts a typed slice into []Record for InsertBatch.
func AsRecords[T Record](items []T) []Record {
	out := make([]Record, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// InsertIfAbsent inserts rec unless a row with the same natural key exists.
// It reports whether a row was written. Only uniqueness conflicts are
// absorbed: NOT NULL and CHECK violations are returned as errors.
func (s *Store) InsertIfAbsent(ctx context.Context, rec Record) (bool, error) {
	t, query, args, err := buildInsert(rec)
	if err != nil {
		return false, err
	}
	res, err := dbopen.Exec(ctx, s.DB, query, args...)
	if err != nil {
		return false, fmt.Errorf("store: insert %s: %w", t.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: insert %s: rows affected: %w", t.Name, err)
	}
	s.addInserted(t.Name, int(n))
	return n == 1, nil
}

// InsertBatch inserts every record inside one transaction and returns how
// many were new. All records must target the same table. If any record
// fails for a reason other than a duplicate key the transaction is rolled
// back and (0, err) is returned.
func (s *Store) InsertBatch(ctx context.Context, recs []Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	type stmt struct {
		query string
		args  []any
	}
	table := recs[0].Table()
	stmts := make([]stmt, len(recs))
	for i, rec := range recs {
		if rec.Table() != table {
			return 0, fmt.Errorf("%w: batch mixes %s and %s", ErrInvalidArgument, table, rec.Table())
		}
		_, q, args, err := buildInsert(rec)
		if err != nil {
			return 0, err
		}
		stmts[i] = stmt{q, args}
	}

	var inserted int
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		inserted = 0
		for i, st := range stmts {
			res, err := tx.ExecContext(ctx, st.query, st.args...)
			if err != nil {
				return fmt.Errorf("store: insert %s record %d: %w", table, i, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("store: insert %s record %d: rows affected: %w", table, i, err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.addInserted(table, inserted)
	return inserted, nil
}

// buildInsert validates rec against the registry and renders its INSERT.
// Columns follow registry order so identical column sets share SQL text.
func buildInsert(rec Record) (*Table, string, []any, error) {
	t, err := Lookup(rec.Table())
	if err != nil {
		return nil, "", nil, err
	}
	row := rec.Row()
	for col := range row {
		if col == "id" && t.Name != TableTaskRuns {
			return nil, "", nil, fmt.Errorf("%w: %s.id is assigned by the database", ErrUnknownColumn, t.Name)
		}
		if err := t.checkColumn(col); err != nil {
			return nil, "", nil, err
		}
	}

	cols := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, col := range t.Columns {
		v, ok := row[col]
		if !ok {
			continue
		}
		cols = append(cols, col)
		args = append(args, bindValue(t, col, v))
	}
	if len(cols) == 0 {
		return nil, "", nil, fmt.Errorf("%w: empty record for %s", ErrInvalidArgument, t.Name)
	}

	q := "INSERT INTO " + t.Name + " (" + strings.Join(cols, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ") ON CONFLICT DO NOTHING"
	return t, q, args, nil
}

// bindValue converts Go values to their stored form: times become UTC text
// (date-only on daily time columns).
func bindValue(t *Table, col string, v any) any {
	switch tv := v.(type) {
	case time.Time:
		if t.Daily && col == t.TimeColumn {
			return FormatDate(tv)
		}
		return FormatTime(tv)
	case *time.Time:
		if tv == nil {
			return nil
		}
		return bindValue(t, col, *tv)
	}
	return v
}
