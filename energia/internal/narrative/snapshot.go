package narrative

import (
	"context"
	"time"

	"github.com/hazyhaar/energia/energia/internal/store"
)

// Snapshot is the data context sent along with every question.
type Snapshot struct {
	FechaAnalisis time.Time `json:"fecha_analisis"`
	Demanda       struct {
		Ultima      store.Row `json:"ultima"`
		Promedio24h float64   `json:"promedio_24h"`
		Max24h      float64   `json:"max_24h"`
		Min24h      float64   `json:"min_24h"`
	} `json:"demanda"`
	Generacion struct {
		PorTipo     []store.AggResult `json:"por_tipo"`
		TotalActual float64           `json:"total_actual"`
	} `json:"generacion"`
	Precios struct {
		BolsaActual store.Row `json:"bolsa_actual"`
		Promedio24h float64   `json:"promedio_24h"`
	} `json:"precios"`
	Restricciones struct {
		Activas       int64   `json:"activas"`
		CostoTotal24h float64 `json:"costo_total_24h"`
	} `json:"restricciones"`
	Transmision struct {
		Elementos []store.Row `json:"elementos"`
	} `json:"transmision"`
	Alertas struct {
		Activas []store.Row `json:"activas"`
	} `json:"alertas"`
}

// snapshotter reads a Snapshot from the store, stopping at the first
// error.
type snapshotter struct {
	st  *store.Store
	err error
}

func (s *snapshotter) value(ctx context.Context, table string, fn store.AggFunc, column string, since time.Duration) float64 {
	if s.err != nil {
		return 0
	}
	v, err := s.st.AggregateValue(ctx, store.Aggregation{Table: table, Func: fn, Column: column, Since: since})
	if err != nil {
		s.err = err
		return 0
	}
	if v == nil {
		return 0
	}
	return *v
}

func (s *snapshotter) rows(ctx context.Context, q store.Query) []store.Row {
	if s.err != nil {
		return nil
	}
	rows, err := s.st.Query(ctx, q)
	if err != nil {
		s.err = err
		return nil
	}
	return rows
}

func (s *snapshotter) first(ctx context.Context, table string) store.Row {
	if rows := s.rows(ctx, store.Query{Table: table, Limit: 1}); len(rows) > 0 {
		return rows[0]
	}
	return nil
}

// BuildSnapshot reads the current state of every dataset.
func BuildSnapshot(ctx context.Context, st *store.Store) (*Snapshot, error) {
	const day = 24 * time.Hour
	s := &snapshotter{st: st}
	snap := &Snapshot{FechaAnalisis: st.Now().UTC()}

	snap.Demanda.Ultima = s.first(ctx, store.TableDemanda)
	snap.Demanda.Promedio24h = s.value(ctx, store.TableDemanda, store.Avg, "demanda_mw", day)
	snap.Demanda.Max24h = s.value(ctx, store.TableDemanda, store.Max, "demanda_mw", day)
	snap.Demanda.Min24h = s.value(ctx, store.TableDemanda, store.Min, "demanda_mw", day)

	if s.err == nil {
		snap.Generacion.PorTipo, s.err = st.Aggregate(ctx, store.Aggregation{
			Table: store.TableGeneracion, Func: store.Sum, Column: "generacion_mw",
			Since: time.Hour, GroupBy: "tipo_fuente",
		})
	}
	snap.Generacion.TotalActual = s.value(ctx, store.TableGeneracion, store.Sum, "generacion_mw", time.Hour)

	snap.Precios.BolsaActual = s.first(ctx, store.TablePrecios)
	snap.Precios.Promedio24h = s.value(ctx, store.TablePrecios, store.Avg, "precio_bolsa_cop_kwh", day)

	if s.err == nil {
		snap.Restricciones.Activas, s.err = st.Count(ctx, store.TableRestricciones, store.Where("estado", store.StatusActive))
	}
	snap.Restricciones.CostoTotal24h = s.value(ctx, store.TableRestricciones, store.Sum, "costo_restriccion_cop", day)

	snap.Transmision.Elementos = s.rows(ctx, store.Query{Table: store.TableTransmision, Limit: 5})
	snap.Alertas.Activas = s.rows(ctx, store.Query{
		Table: store.TableAlertas, Filters: []store.Filter{store.Where("estado", store.StatusActive)}, Limit: 5,
	})

	if s.err != nil {
		return nil, s.err
	}
	if snap.Generacion.PorTipo == nil {
		snap.Generacion.PorTipo = []store.AggResult{}
	}
	return snap, nil
}
