// Package query is the read side of energia: per-dataset listing with
// filters and date ranges, grouped generation totals and the dashboard
// summary snapshot.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/energia/energia/internal/store"
)

var (
	// ErrInvalidInput marks client mistakes: bad limits, dates or hours.
	ErrInvalidInput = errors.New("query: invalid input")

	// ErrUnknownDataset is returned by List for names not in Datasets().
	ErrUnknownDataset = errors.New("query: unknown dataset")
)

// Service answers read queries over the Store.
type Service struct {
	store  *store.Store
	loc    *time.Location
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the zone for zone-less date bounds. Default: UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New builds a Service over st.
func New(st *store.Store, opts ...Option) *Service {
	s := &Service{store: st, loc: time.UTC, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// List returns rows of dataset matching p, newest first, at most p.Limit
// (or the dataset default). Filter keys the dataset does not declare are
// ignored; empty filter values are ignored.
func (s *Service) List(ctx context.Context, dataset string, p ListParams) ([]store.Row, error) {
	ds, ok := LookupDataset(dataset)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, dataset)
	}
	limit := p.Limit
	if limit == 0 {
		limit = ds.DefaultLimit
	}
	if limit < 1 || limit > MaxLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, MaxLimit)
	}

	var filters []store.Filter
	for _, key := range ds.Filters {
		v := p.Filters[key]
		if v == "" {
			v = ds.Defaults[key]
		}
		if v != "" {
			filters = append(filters, store.Where(key, v))
		}
	}

	t, err := store.Lookup(ds.Table)
	if err != nil {
		return nil, err
	}
	rangeFilters, err := s.rangeFilters(t, p.Start, p.End)
	if err != nil {
		return nil, err
	}
	filters = append(filters, rangeFilters...)

	return s.store.Query(ctx, store.Query{Table: ds.Table, Filters: filters, Limit: limit})
}

// rangeFilters turns start/end into inclusive bounds on t's time column.
func (s *Service) rangeFilters(t *store.Table, start, end string) ([]store.Filter, error) {
	var out []store.Filter
	var from, to time.Time
	if start != "" {
		b, err := parseBound(start, false, s.loc)
		if err != nil {
			return nil, err
		}
		from = b
		out = append(out, store.Filter{Field: t.TimeColumn, Op: store.Ge, Value: s.boundValue(t, b)})
	}
	if end != "" {
		b, err := parseBound(end, true, s.loc)
		if err != nil {
			return nil, err
		}
		to = b
		out = append(out, store.Filter{Field: t.TimeColumn, Op: store.Le, Value: s.boundValue(t, b)})
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return nil, fmt.Errorf("%w: start is after end", ErrInvalidInput)
	}
	return out, nil
}

// boundValue renders b for t: daily tables compare calendar dates in the
// service zone, timestamped tables compare UTC instants.
func (s *Service) boundValue(t *store.Table, b time.Time) any {
	if t.Daily {
		return b.In(s.loc).Format(dateOnly)
	}
	return b
}

// TipoTotal is the generation of one source type over a window.
type TipoTotal struct {
	TipoFuente string  `json:"tipo_fuente"`
	TotalMW    float64 `json:"total_mw"`
	PromedioMW float64 `json:"promedio_mw"`
	Registros  int64   `json:"registros"`
}

// MaxHours caps the GeneracionPorTipo window (one year).
const MaxHours = 24 * 366

// GeneracionPorTipo sums and averages generation per source type over the
// last hours (default 24), largest total first.
func (s *Service) GeneracionPorTipo(ctx context.Context, hours int) ([]TipoTotal, error) {
	if hours == 0 {
		hours = 24
	}
	if hours < 1 || hours > MaxHours {
		return nil, fmt.Errorf("%w: hours must be between 1 and %d", ErrInvalidInput, MaxHours)
	}
	stats, err := s.store.GroupStats(ctx, store.TableGeneracion, "generacion_mw", "tipo_fuente",
		time.Duration(hours)*time.Hour)
	if err != nil {
		return nil, err
	}
	out := make([]TipoTotal, 0, len(stats))
	for _, g := range stats {
		out = append(out, TipoTotal{TipoFuente: g.Group, TotalMW: g.Sum, PromedioMW: g.Avg, Registros: g.Count})
	}
	return out, nil
}
