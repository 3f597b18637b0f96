package query

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/energia/energia/internal/store"
)

// Summary is the dashboard snapshot. Pointer fields are null when their
// sub-query failed or found no data.
type Summary struct {
	Demanda       DemandaSummary       `json:"demanda"`
	Generacion    GeneracionSummary    `json:"generacion"`
	Precios       PreciosSummary       `json:"precios"`
	Restricciones RestriccionesSummary `json:"restricciones"`
	Alertas       AlertasSummary       `json:"alertas"`
	Timestamp     time.Time            `json:"timestamp"`
}

type DemandaSummary struct {
	Actual      *float64 `json:"actual"`
	Promedio24h *float64 `json:"promedio_24h"`
	Max24h      *float64 `json:"max_24h"`
}

type GeneracionSummary struct {
	PorTipo []store.AggResult `json:"por_tipo"`
	Total   *float64          `json:"total"`
}

type PreciosSummary struct {
	Actual      *float64 `json:"actual"`
	Promedio24h *float64 `json:"promedio_24h"`
}

type RestriccionesSummary struct {
	Activas  int64    `json:"activas"`
	Costo24h *float64 `json:"costo_24h"`
}

type AlertasSummary struct {
	Activas int64 `json:"activas"`
}

const day = 24 * time.Hour

// Summary composes the snapshot. Sub-queries run concurrently; each one
// that fails is logged and left null or zero, and the rest still fill in.
func (s *Service) Summary(ctx context.Context) *Summary {
	sum := &Summary{Timestamp: s.store.Now().UTC()}
	sum.Generacion.PorTipo = []store.AggResult{}

	var g errgroup.Group
	g.SetLimit(4)
	part := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				s.logger.Warn("query: summary part failed", "part", name, "error", err)
			}
			return nil
		})
	}

	part("demanda.actual", func() (err error) {
		sum.Demanda.Actual, err = s.latest(ctx, store.TableDemanda, "demanda_mw")
		return err
	})
	part("demanda.promedio_24h", func() (err error) {
		sum.Demanda.Promedio24h, err = s.agg(ctx, store.TableDemanda, store.Avg, "demanda_mw", day)
		return err
	})
	part("demanda.max_24h", func() (err error) {
		sum.Demanda.Max24h, err = s.agg(ctx, store.TableDemanda, store.Max, "demanda_mw", day)
		return err
	})
	part("generacion.por_tipo", func() error {
		res, err := s.store.Aggregate(ctx, store.Aggregation{
			Table: store.TableGeneracion, Func: store.Sum, Column: "generacion_mw",
			Since: time.Hour, GroupBy: "tipo_fuente",
		})
		if err != nil {
			return err
		}
		if res != nil {
			sum.Generacion.PorTipo = res
		}
		return nil
	})
	part("generacion.total", func() (err error) {
		sum.Generacion.Total, err = s.agg(ctx, store.TableGeneracion, store.Sum, "generacion_mw", time.Hour)
		return err
	})
	part("precios.actual", func() (err error) {
		sum.Precios.Actual, err = s.latest(ctx, store.TablePrecios, "precio_bolsa_cop_kwh")
		return err
	})
	part("precios.promedio_24h", func() (err error) {
		sum.Precios.Promedio24h, err = s.agg(ctx, store.TablePrecios, store.Avg, "precio_bolsa_cop_kwh", day)
		return err
	})
	part("restricciones.activas", func() (err error) {
		sum.Restricciones.Activas, err = s.store.Count(ctx, store.TableRestricciones, store.Where("estado", store.StatusActive))
		return err
	})
	part("restricciones.costo_24h", func() (err error) {
		sum.Restricciones.Costo24h, err = s.agg(ctx, store.TableRestricciones, store.Sum, "costo_restriccion_cop", day)
		return err
	})
	part("alertas.activas", func() (err error) {
		sum.Alertas.Activas, err = s.store.Count(ctx, store.TableAlertas, store.Where("estado", store.StatusActive))
		return err
	})

	_ = g.Wait()
	return sum
}

// latest returns column of the newest row, nil when the table is empty.
func (s *Service) latest(ctx context.Context, table, column string) (*float64, error) {
	row, err := s.store.Latest(ctx, table)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if row[column] == nil {
		return nil, nil
	}
	v := row.Float(column)
	return &v, nil
}

func (s *Service) agg(ctx context.Context, table string, fn store.AggFunc, column string, since time.Duration) (*float64, error) {
	return s.store.AggregateValue(ctx, store.Aggregation{Table: table, Func: fn, Column: column, Since: since})
}
