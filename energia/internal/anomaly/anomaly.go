// Package anomaly runs the hourly rule pass that raises alertas rows from
// the latest stored readings, and expires stale ones.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hazyhaar/energia/energia/internal/narrative"
	"github.com/hazyhaar/energia/energia/internal/store"
)

// Alert types.
const (
	TipoDemandaAtipica  = "DEMANDA_ATIPICA"
	TipoPrecioEscasez   = "PRECIO_SOBRE_ESCASEZ"
	TipoSobrecarga      = "SOBRECARGA_TRANSMISION"
	TipoRestricciones   = "RESTRICCIONES_ELEVADAS"
	TipoDatosCongelados = "DATOS_CONGELADOS"
)

// Config holds the rule thresholds.
type Config struct {
	// DemandDeviationPct raises DEMANDA_ATIPICA when the latest demand
	// deviates from the 24h mean by more than this. Default: 15.
	DemandDeviationPct float64 `yaml:"demand_deviation_pct"`
	// UtilizationPct raises SOBRECARGA_TRANSMISION for elements at or above
	// it in the last hour. Default: 90.
	UtilizationPct float64 `yaml:"utilization_pct"`
	// MaxActiveRestrictions raises RESTRICCIONES_ELEVADAS above it. Default: 10.
	MaxActiveRestrictions int64 `yaml:"max_active_restrictions"`
	// ResolveAfter expires active alerts older than this. Default: 24h.
	ResolveAfter time.Duration `yaml:"resolve_after"`
	// StaleIntervals raises DATOS_CONGELADOS when a table's newest reading
	// is older than this many sync intervals. Default: 3.
	StaleIntervals int `yaml:"stale_intervals"`
	// StaleMinAge is the lowest staleness threshold, covering XM's
	// publication lag on short sync intervals. Default: 3h.
	StaleMinAge time.Duration `yaml:"stale_min_age"`
	// SyncIntervals maps each ingested table to its sync period. Tables
	// absent from it are not checked.
	SyncIntervals map[string]time.Duration `yaml:"-"`
}

func (c *Config) defaults() {
	if c.DemandDeviationPct <= 0 {
		c.DemandDeviationPct = 15
	}
	if c.UtilizationPct <= 0 {
		c.UtilizationPct = 90
	}
	if c.MaxActiveRestrictions <= 0 {
		c.MaxActiveRestrictions = 10
	}
	if c.ResolveAfter <= 0 {
		c.ResolveAfter = 24 * time.Hour
	}
	if c.StaleIntervals <= 0 {
		c.StaleIntervals = 3
	}
	if c.StaleMinAge <= 0 {
		c.StaleMinAge = 3 * time.Hour
	}
}

// staleAfter is the age past which the newest reading of a table synced
// every interval counts as frozen.
func (c *Config) staleAfter(interval time.Duration) time.Duration {
	return max(time.Duration(c.StaleIntervals)*interval, c.StaleMinAge)
}

// Analyst is the optional model-backed anomaly review. *narrative.Agent
// implements it.
type Analyst interface {
	Configured() bool
	DetectarAnomalias(ctx context.Context) (*narrative.Result, error)
}

// Recorder counts raised alerts. *observability.Metrics implements it.
type Recorder interface {
	AddAlert(tipo string)
}

// Detector evaluates the rules against the store.
type Detector struct {
	store   *store.Store
	cfg     Config
	analyst Analyst
	metrics Recorder
	logger  *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithAnalyst runs the model review after the rules when configured.
func WithAnalyst(a Analyst) Option {
	return func(d *Detector) { d.analyst = a }
}

// WithMetrics installs an alert counter.
func WithMetrics(r Recorder) Option {
	return func(d *Detector) { d.metrics = r }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// New builds a Detector.
func New(st *store.Store, cfg Config, opts ...Option) *Detector {
	cfg.defaults()
	d := &Detector{store: st, cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run evaluates every rule, writes the new alerts, resolves stale ones and,
// when an analyst is configured, asks it for a review. It returns the
// number of alerts raised. A failing rule does not stop the others.
func (d *Detector) Run(ctx context.Context) (int64, error) {
	var errs []error
	var candidates []store.Alerta
	for _, r := range []struct {
		name string
		fn   func(context.Context) ([]store.Alerta, error)
	}{
		{"demanda", d.demandDeviation},
		{"precios", d.priceAboveScarcity},
		{"transmision", d.overloadedElements},
		{"restricciones", d.tooManyRestrictions},
		{"frescura", d.staleTables},
	} {
		found, err := r.fn(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("anomaly: rule %s: %w", r.name, err))
			continue
		}
		candidates = append(candidates, found...)
	}

	var raised int64
	for _, a := range candidates {
		ok, err := d.store.InsertIfAbsent(ctx, a)
		if err != nil {
			errs = append(errs, fmt.Errorf("anomaly: write %s: %w", a.Tipo, err))
			continue
		}
		if ok {
			raised++
			if d.metrics != nil {
				d.metrics.AddAlert(a.Tipo)
			}
			d.logger.Warn("anomaly: alert raised", "tipo", a.Tipo, "componente", a.Componente, "severidad", a.Severidad)
		}
	}

	resolved, err := d.store.ResolveAlertsOlderThan(ctx, d.cfg.ResolveAfter)
	if err != nil {
		errs = append(errs, err)
	} else if resolved > 0 {
		d.logger.Info("anomaly: stale alerts resolved", "count", resolved)
	}

	if d.analyst != nil && d.analyst.Configured() {
		if res, err := d.analyst.DetectarAnomalias(ctx); err != nil {
			d.logger.Warn("anomaly: model review failed", "error", err)
		} else {
			d.logger.Info("anomaly: model review logged", "analysis_id", res.ID, "tokens", res.Tokens)
		}
	}

	return raised, errors.Join(errs...)
}

func (d *Detector) demandDeviation(ctx context.Context) ([]store.Alerta, error) {
	latest, err := d.store.Latest(ctx, store.TableDemanda)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	avg, err := d.store.AggregateValue(ctx, store.Aggregation{
		Table: store.TableDemanda, Func: store.Avg, Column: "demanda_mw", Since: 24 * time.Hour,
		Filters: []store.Filter{store.Where("region", latest.String("region"))},
	})
	if err != nil || avg == nil || *avg <= 0 {
		return nil, err
	}
	at, err := store.ParseTime(latest.String("fecha_hora"))
	if err != nil {
		return nil, err
	}

	actual := latest.Float("demanda_mw")
	dev := math.Abs(actual-*avg) / *avg * 100
	if dev <= d.cfg.DemandDeviationPct {
		return nil, nil
	}
	sev := "media"
	if dev > 2*d.cfg.DemandDeviationPct {
		sev = "alta"
	}
	return []store.Alerta{{
		FechaHora:   at,
		Tipo:        TipoDemandaAtipica,
		Severidad:   sev,
		Componente:  latest.String("region"),
		Descripcion: fmt.Sprintf("Demanda de %.0f MW se desvía %.1f%% del promedio de 24h (%.0f MW)", actual, dev, *avg),
		Valor:       &actual,
		Umbral:      avg,
	}}, nil
}

func (d *Detector) priceAboveScarcity(ctx context.Context) ([]store.Alerta, error) {
	latest, err := d.store.Latest(ctx, store.TablePrecios)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	bolsa := latest.Float("precio_bolsa_cop_kwh")
	escasez := latest.Float("precio_escasez_cop_kwh")
	if escasez <= 0 || bolsa <= escasez {
		return nil, nil
	}
	at, err := store.ParseTime(latest.String("fecha_hora"))
	if err != nil {
		return nil, err
	}
	return []store.Alerta{{
		FechaHora:   at,
		Tipo:        TipoPrecioEscasez,
		Severidad:   "alta",
		Componente:  "bolsa",
		Descripcion: fmt.Sprintf("Precio de bolsa %.2f COP/kWh supera el precio de escasez %.2f COP/kWh", bolsa, escasez),
		Valor:       &bolsa,
		Umbral:      &escasez,
	}}, nil
}

func (d *Detector) overloadedElements(ctx context.Context) ([]store.Alerta, error) {
	rows, err := d.store.Query(ctx, store.Query{
		Table: store.TableTransmision,
		Filters: []store.Filter{
			{Field: "fecha_hora", Op: store.Ge, Value: d.store.Now().Add(-time.Hour)},
			{Field: "utilizacion_pct", Op: store.Ge, Value: d.cfg.UtilizationPct},
		},
		Limit: 200,
	})
	if err != nil {
		return nil, err
	}
	umbral := d.cfg.UtilizationPct
	seen := map[string]bool{}
	var out []store.Alerta
	for _, r := range rows {
		elem := r.String("elemento")
		if seen[elem] {
			continue // newest reading per element only
		}
		seen[elem] = true
		at, err := store.ParseTime(r.String("fecha_hora"))
		if err != nil {
			continue
		}
		util := r.Float("utilizacion_pct")
		sev := "media"
		if util >= 100 {
			sev = "alta"
		}
		out = append(out, store.Alerta{
			FechaHora:   at,
			Tipo:        TipoSobrecarga,
			Severidad:   sev,
			Componente:  elem,
			Descripcion: fmt.Sprintf("Elemento %s al %.1f%% de su capacidad", elem, util),
			Valor:       &util,
			Umbral:      &umbral,
		})
	}
	return out, nil
}

func (d *Detector) tooManyRestrictions(ctx context.Context) ([]store.Alerta, error) {
	n, err := d.store.Count(ctx, store.TableRestricciones, store.Where("estado", store.StatusActive))
	if err != nil {
		return nil, err
	}
	if n <= d.cfg.MaxActiveRestrictions {
		return nil, nil
	}
	v, umbral := float64(n), float64(d.cfg.MaxActiveRestrictions)
	return []store.Alerta{{
		// One alert per hour at most.
		FechaHora:   d.store.Now().UTC().Truncate(time.Hour),
		Tipo:        TipoRestricciones,
		Severidad:   "media",
		Componente:  "SIN",
		Descripcion: fmt.Sprintf("%d restricciones activas (umbral %d)", n, d.cfg.MaxActiveRestrictions),
		Valor:       &v,
		Umbral:      &umbral,
	}}, nil
}

func (d *Detector) staleTables(ctx context.Context) ([]store.Alerta, error) {
	now := d.store.Now()
	tables := make([]string, 0, len(d.cfg.SyncIntervals))
	for t := range d.cfg.SyncIntervals {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var out []store.Alerta
	for _, table := range tables {
		latest, err := d.store.QueryOne(ctx, store.Query{Table: table})
		if store.IsNotFound(err) {
			continue // nothing ingested yet
		}
		if err != nil {
			return nil, err
		}
		tbl, err := store.Lookup(table)
		if err != nil {
			return nil, err
		}
		at, err := store.ParseTime(latest.String(tbl.TimeColumn))
		if err != nil {
			return nil, err
		}

		limit := d.cfg.staleAfter(d.cfg.SyncIntervals[table])
		age := now.Sub(at)
		if age <= limit {
			continue
		}
		sev := "media"
		if age > 2*limit {
			sev = "alta"
		}
		ageH, limitH := age.Hours(), limit.Hours()
		out = append(out, store.Alerta{
			// One alert per table and day while the data stays frozen.
			FechaHora:   now.UTC().Truncate(24 * time.Hour),
			Tipo:        TipoDatosCongelados,
			Severidad:   sev,
			Componente:  table,
			Descripcion: fmt.Sprintf("Último dato de %s es del %s (%.1f h sin actualizar, umbral %.1f h)", table, store.FormatTime(at), ageH, limitH),
			Valor:       &ageH,
			Umbral:      &limitH,
		})
	}
	return out, nil
}
