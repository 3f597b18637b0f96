package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Op is a comparison operator usable in a Filter.
type Op string

const (
	Eq Op = "="
	Ne Op = "!="
	Gt Op = ">"
	Ge Op = ">="
	Lt Op = "<"
	Le Op = "<="
)

func (o Op) valid() bool {
	switch o {
	case Eq, Ne, Gt, Ge, Lt, Le:
		return true
	}
	return false
}

// Filter is one WHERE condition. Field must be a registry column; Value is
// always bound as a parameter.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where is shorthand for an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Op: Eq, Value: value}
}

// DefaultLimit applies when Query.Limit is zero.
const DefaultLimit = 100

// Query describes a parameterized read of one table.
type Query struct {
	Table     string
	Filters   []Filter
	Limit     int
	Ascending bool // default newest first
}

// whereClause renders filters as "WHERE a = ? AND b >= ?" with their args.
func whereClause(t *Table, filters []Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		if err := t.checkColumn(f.Field); err != nil {
			return "", nil, err
		}
		op := f.Op
		if op == "" {
			op = Eq
		}
		if !op.valid() {
			return "", nil, fmt.Errorf("%w: operator %q", ErrInvalidArgument, f.Op)
		}
		parts = append(parts, f.Field+" "+string(op)+" ?")
		args = append(args, bindValue(t, f.Field, f.Value))
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// Query returns the rows of q.Table matching every filter, ordered by the
// table's time column (newest first unless Ascending), at most Limit rows.
func (s *Store) Query(ctx context.Context, q Query) ([]Row, error) {
	t, err := Lookup(q.Table)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(t, q.Filters)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}

	sqlText := "SELECT " + t.selectList() + " FROM " + t.Name + where +
		" ORDER BY " + t.TimeColumn + " " + dir + ", id " + dir + " LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", t.Name, err)
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", t.Name, err)
	}
	return out, nil
}

// QueryOne returns the first row of q, or ErrNotFound.
func (s *Store) QueryOne(ctx context.Context, q Query) (Row, error) {
	q.Limit = 1
	rows, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, q.Table)
	}
	return rows[0], nil
}

// Latest returns the newest row of table, or ErrNotFound.
func (s *Store) Latest(ctx context.Context, table string, filters ...Filter) (Row, error) {
	return s.QueryOne(ctx, Query{Table: table, Filters: filters})
}

// Count returns the number of rows matching filters.
func (s *Store) Count(ctx context.Context, table string, filters ...Filter) (int64, error) {
	res, err := s.Aggregate(ctx, Aggregation{Table: table, Func: Count, Filters: filters})
	if err != nil {
		return 0, err
	}
	if len(res) == 0 || res[0].Value == nil {
		return 0, nil
	}
	return int64(*res[0].Value), nil
}

// AggFunc is an SQL aggregate function.
type AggFunc string

const (
	Sum   AggFunc = "SUM"
	Avg   AggFunc = "AVG"
	Max   AggFunc = "MAX"
	Min   AggFunc = "MIN"
	Count AggFunc = "COUNT"
)

// Aggregation computes Func(Column) over a table, optionally restricted to
// rows newer than now-Since and grouped by one column.
type Aggregation struct {
	Table   string
	Func    AggFunc
	Column  string // ignored for Count
	Since   time.Duration
	Filters []Filter
	GroupBy string
}

// AggResult is one aggregate value. Value is nil when SQL returns NULL
// (AVG/SUM/MAX over no rows). Group is "" when ungrouped.
type AggResult struct {
	Group string   `json:"group,omitempty"`
	Value *float64 `json:"value"`
}

// Aggregate runs a in SQL. Grouped results are ordered by value descending.
func (s *Store) Aggregate(ctx context.Context, a Aggregation) ([]AggResult, error) {
	t, err := Lookup(a.Table)
	if err != nil {
		return nil, err
	}
	expr, err := aggExpr(t, a.Func, a.Column)
	if err != nil {
		return nil, err
	}
	filters := s.windowFilters(t, a.Since, a.Filters)
	where, args, err := whereClause(t, filters)
	if err != nil {
		return nil, err
	}

	sqlText := "SELECT " + expr + " FROM " + t.Name + where
	if a.GroupBy != "" {
		if err := t.checkColumn(a.GroupBy); err != nil {
			return nil, err
		}
		sqlText = "SELECT " + a.GroupBy + ", " + expr + " AS v FROM " + t.Name + where +
			" GROUP BY " + a.GroupBy + " ORDER BY v DESC"
	}

	rows, err := s.DB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("store: aggregate %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []AggResult
	for rows.Next() {
		var r AggResult
		var v sql.NullFloat64
		if a.GroupBy != "" {
			var g sql.NullString
			if err := rows.Scan(&g, &v); err != nil {
				return nil, fmt.Errorf("store: aggregate %s: scan: %w", t.Name, err)
			}
			r.Group = g.String
		} else if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: aggregate %s: scan: %w", t.Name, err)
		}
		if v.Valid {
			f := v.Float64
			r.Value = &f
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AggregateValue is Aggregate without grouping, returning the single value.
func (s *Store) AggregateValue(ctx context.Context, a Aggregation) (*float64, error) {
	a.GroupBy = ""
	res, err := s.Aggregate(ctx, a)
	if err != nil || len(res) == 0 {
		return nil, err
	}
	return res[0].Value, nil
}

// GroupStat is SUM/AVG/COUNT of one column for one group.
type GroupStat struct {
	Group string  `json:"group"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Count int64   `json:"count"`
}

// GroupStats returns SUM, AVG and COUNT of column per groupBy value over
// the trailing window, ordered by SUM descending.
func (s *Store) GroupStats(ctx context.Context, table, column, groupBy string, since time.Duration) ([]GroupStat, error) {
	t, err := Lookup(table)
	if err != nil {
		return nil, err
	}
	for _, c := range []string{column, groupBy} {
		if err := t.checkColumn(c); err != nil {
			return nil, err
		}
	}
	where, args, err := whereClause(t, s.windowFilters(t, since, nil))
	if err != nil {
		return nil, err
	}

	sqlText := "SELECT " + groupBy + ", COALESCE(SUM(" + column + "), 0), COALESCE(AVG(" + column + "), 0), COUNT(*)" +
		" FROM " + t.Name + where + " GROUP BY " + groupBy + " ORDER BY 2 DESC"
	rows, err := s.DB.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("store: group stats %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []GroupStat
	for rows.Next() {
		var g GroupStat
		var name sql.NullString
		if err := rows.Scan(&name, &g.Sum, &g.Avg, &g.Count); err != nil {
			return nil, fmt.Errorf("store: group stats %s: scan: %w", t.Name, err)
		}
		g.Group = name.String
		out = append(out, g)
	}
	return out, rows.Err()
}

func aggExpr(t *Table, fn AggFunc, column string) (string, error) {
	switch fn {
	case Count:
		return "COUNT(*)", nil
	case Sum, Avg, Max, Min:
	default:
		return "", fmt.Errorf("%w: aggregate %q", ErrInvalidArgument, fn)
	}
	if err := t.checkColumn(column); err != nil {
		return "", err
	}
	return string(fn) + "(" + column + ")", nil
}

// windowFilters prepends "time column >= now-since" when since > 0.
func (s *Store) windowFilters(t *Table, since time.Duration, filters []Filter) []Filter {
	if since <= 0 {
		return filters
	}
	out := make([]Filter, 0, len(filters)+1)
	out = append(out, Filter{Field: t.TimeColumn, Op: Ge, Value: s.now().Add(-since)})
	return append(out, filters...)
}

// scanRows reads every row into a Row. TEXT comes back as string, INTEGER
// as int64, REAL as float64 and NULL as nil.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []Row{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
