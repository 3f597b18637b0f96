package store

import (
	"fmt"
	"slices"
	"strings"
)

// Table describes one table of the registry. Only names listed here ever
// reach SQL text.
type Table struct {
	Name       string
	TimeColumn string   // ordering, windows and retention
	Daily      bool     // TimeColumn holds YYYY-MM-DD rather than YYYY-MM-DD HH:MM:SS
	Columns    []string // insertable columns, id excluded
	Key        []string // natural unique key
	Statuses   bool     // estado can move activa → resuelta
	Retained   bool     // pruned by PruneAll
}

// Table names.
const (
	TableDemanda          = "demanda"
	TableGeneracion       = "generacion"
	TablePrecios          = "precios_bolsa"
	TableRestricciones    = "restricciones"
	TableTransmision      = "transmision"
	TableAlertas          = "alertas"
	TablePerdidas         = "perdidas"
	TableComercializacion = "comercializacion"
	TableDistribucion     = "distribucion"
	TableCostoUnitario    = "costo_unitario"
	TableAnalisis         = "analisis_ia"
	TableTaskRuns         = "task_runs"
)

// Status values for alertas and restricciones.
const (
	StatusActive   = "activa"
	StatusResolved = "resuelta"
)

var registry = []*Table{
	{
		Name: TableDemanda, TimeColumn: "fecha_hora",
		Columns:  []string{"fecha_hora", "demanda_mw", "demanda_comercial_mw", "region"},
		Key:      []string{"fecha_hora", "region"},
		Retained: true,
	},
	{
		Name: TableGeneracion, TimeColumn: "fecha_hora",
		Columns:  []string{"fecha_hora", "tipo_fuente", "recurso", "generacion_mw", "capacidad_efectiva_mw", "empresa"},
		Key:      []string{"fecha_hora", "recurso"},
		Retained: true,
	},
	{
		Name: TablePrecios, TimeColumn: "fecha_hora",
		Columns:  []string{"fecha_hora", "precio_bolsa_cop_kwh", "precio_escasez_cop_kwh"},
		Key:      []string{"fecha_hora"},
		Retained: true,
	},
	{
		Name: TableRestricciones, TimeColumn: "fecha_hora",
		Columns: []string{"fecha_hora", "tipo_restriccion", "elemento_afectado", "causa",
			"costo_restriccion_cop", "energia_restringida_mwh", "region", "estado", "fecha_resolucion"},
		Key:      []string{"fecha_hora", "elemento_afectado"},
		Statuses: true,
		Retained: true,
	},
	{
		Name: TableTransmision, TimeColumn: "fecha_hora",
		Columns: []string{"fecha_hora", "elemento", "tipo_elemento", "voltaje_kv", "carga_mw",
			"capacidad_mw", "utilizacion_pct", "estado", "empresa"},
		Key:      []string{"fecha_hora", "elemento"},
		Retained: true,
	},
	{
		Name: TableAlertas, TimeColumn: "fecha_hora",
		Columns: []string{"fecha_hora", "tipo", "severidad", "componente", "descripcion",
			"valor", "umbral", "estado", "fecha_resolucion"},
		Key:      []string{"fecha_hora", "tipo", "componente"},
		Statuses: true,
		Retained: true,
	},
	{
		Name: TablePerdidas, TimeColumn: "fecha", Daily: true,
		Columns:  []string{"fecha", "tipo", "region", "perdidas_mwh", "porcentaje"},
		Key:      []string{"fecha", "tipo", "region"},
		Retained: true,
	},
	{
		Name: TableComercializacion, TimeColumn: "fecha_hora",
		Columns:  []string{"fecha_hora", "empresa", "energia_vendida_mwh", "precio_promedio_cop_kwh", "usuarios"},
		Key:      []string{"fecha_hora", "empresa"},
		Retained: true,
	},
	{
		Name: TableDistribucion, TimeColumn: "fecha", Daily: true,
		Columns: []string{"fecha", "empresa", "region", "energia_distribuida_mwh", "usuarios"},
		Key:     []string{"fecha", "empresa"},
	},
	{
		Name: TableCostoUnitario, TimeColumn: "fecha", Daily: true,
		Columns: []string{"fecha", "mercado", "generacion_g", "transmision_t", "distribucion_d",
			"comercializacion_c", "perdidas_pr", "restricciones_r", "cu_total"},
		Key: []string{"fecha", "mercado"},
	},
	{
		Name: TableAnalisis, TimeColumn: "fecha_analisis",
		Columns: []string{"tipo_analisis", "pregunta", "respuesta", "contexto_datos", "modelo_ia",
			"tokens_usados", "tiempo_respuesta_ms", "fecha_analisis"},
		// Append-only: never pruned.
	},
	{
		Name: TableTaskRuns, TimeColumn: "started_at",
		Columns:  []string{"id", "task", "status", "affected", "error", "duration_ms", "started_at"},
		Key:      []string{"id"},
		Retained: true,
	},
}

var byName = func() map[string]*Table {
	m := make(map[string]*Table, len(registry))
	for _, t := range registry {
		m[t.Name] = t
	}
	return m
}()

// Lookup returns the registry entry for name.
func Lookup(name string) (*Table, error) {
	t, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Tables returns every registered table in declaration order.
func Tables() []*Table {
	return slices.Clone(registry)
}

// HasColumn reports whether col is id or one of the table's columns.
func (t *Table) HasColumn(col string) bool {
	return col == "id" || slices.Contains(t.Columns, col)
}

func (t *Table) checkColumn(col string) error {
	if !t.HasColumn(col) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.Name, col)
	}
	return nil
}

// selectList is the explicit column list used by reads.
func (t *Table) selectList() string {
	if slices.Contains(t.Columns, "id") {
		return strings.Join(t.Columns, ", ")
	}
	return "id, " + strings.Join(t.Columns, ", ")
}
