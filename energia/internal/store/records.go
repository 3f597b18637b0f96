package store

import (
	"fmt"
	"strings"
	"time"
)

// Timestamp layouts. Stored times are UTC so that text comparison is
// chronological.
const (
	TimeLayout = "2006-01-02 15:04:05"
	DateLayout = "2006-01-02"
)

// FormatTime renders t as stored in fecha_hora-style columns.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// FormatDate renders t as stored in daily fecha columns.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseTime parses a stored timestamp or date (UTC).
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, DateLayout, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("store: unparseable time %q", s)
}

// Row is one table row keyed by column name. Reads return Rows as-is so
// the API can serialize them without a per-table struct.
type Row map[string]any

// String returns the column as a string, "" when absent or not a string.
func (r Row) String(col string) string {
	v, _ := r[col].(string)
	return v
}

// Float returns the column as a float64, 0 when absent or NULL.
func (r Row) Float(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns the column as an int64, 0 when absent or NULL.
func (r Row) Int(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// Record is anything insertable: it names its table and its column values.
type Record interface {
	Table() string
	Row() Row
}

// Values is a free-form Record, mainly for seeding read-only datasets.
type Values struct {
	TableName string
	Fields    Row
}

func (v Values) Table() string { return v.TableName }
func (v Values) Row() Row      { return v.Fields }

// Demanda is a real-time demand reading.
type Demanda struct {
	FechaHora          time.Time
	DemandaMW          float64
	DemandaComercialMW float64
	Region             string
}

func (Demanda) Table() string { return TableDemanda }
func (d Demanda) Row() Row {
	return Row{
		"fecha_hora":           FormatTime(d.FechaHora),
		"demanda_mw":           d.DemandaMW,
		"demanda_comercial_mw": d.DemandaComercialMW,
		"region":               orDefault(d.Region, "SIN"),
	}
}

// Generacion is the output of one generation resource.
type Generacion struct {
	FechaHora           time.Time
	TipoFuente          string
	Recurso             string
	GeneracionMW        float64
	CapacidadEfectivaMW float64
	Empresa             string
}

func (Generacion) Table() string { return TableGeneracion }
func (g Generacion) Row() Row {
	return Row{
		"fecha_hora":            FormatTime(g.FechaHora),
		"tipo_fuente":           orDefault(g.TipoFuente, "DESCONOCIDO"),
		"recurso":               g.Recurso,
		"generacion_mw":         g.GeneracionMW,
		"capacidad_efectiva_mw": g.CapacidadEfectivaMW,
		"empresa":               g.Empresa,
	}
}

// PrecioBolsa is one spot-price observation.
type PrecioBolsa struct {
	FechaHora     time.Time
	PrecioBolsa   float64 // COP/kWh
	PrecioEscasez float64 // COP/kWh
}

func (PrecioBolsa) Table() string { return TablePrecios }
func (p PrecioBolsa) Row() Row {
	return Row{
		"fecha_hora":             FormatTime(p.FechaHora),
		"precio_bolsa_cop_kwh":   p.PrecioBolsa,
		"precio_escasez_cop_kwh": p.PrecioEscasez,
	}
}

// Restriccion is a grid restriction on one element.
type Restriccion struct {
	FechaHora             time.Time
	TipoRestriccion       string
	ElementoAfectado      string
	Causa                 string
	CostoCOP              float64
	EnergiaRestringidaMWh float64
	Region                string
	Estado                string
}

func (Restriccion) Table() string { return TableRestricciones }
func (r Restriccion) Row() Row {
	return Row{
		"fecha_hora":              FormatTime(r.FechaHora),
		"tipo_restriccion":        r.TipoRestriccion,
		"elemento_afectado":       r.ElementoAfectado,
		"causa":                   r.Causa,
		"costo_restriccion_cop":   r.CostoCOP,
		"energia_restringida_mwh": r.EnergiaRestringidaMWh,
		"region":                  orDefault(r.Region, "SIN"),
		"estado":                  orDefault(r.Estado, StatusActive),
	}
}

// Transmision is the state of one transmission element.
type Transmision struct {
	FechaHora      time.Time
	Elemento       string
	TipoElemento   string
	VoltajeKV      float64
	CargaMW        float64
	CapacidadMW    float64
	UtilizacionPct float64
	Estado         string
	Empresa        string
}

func (Transmision) Table() string { return TableTransmision }
func (t Transmision) Row() Row {
	return Row{
		"fecha_hora":      FormatTime(t.FechaHora),
		"elemento":        t.Elemento,
		"tipo_elemento":   t.TipoElemento,
		"voltaje_kv":      t.VoltajeKV,
		"carga_mw":        t.CargaMW,
		"capacidad_mw":    t.CapacidadMW,
		"utilizacion_pct": t.UtilizacionPct,
		"estado":          orDefault(t.Estado, "normal"),
		"empresa":         t.Empresa,
	}
}

// Alerta is an alert raised by the anomaly pass.
type Alerta struct {
	FechaHora   time.Time
	Tipo        string
	Severidad   string // baja, media, alta
	Componente  string
	Descripcion string
	Valor       *float64
	Umbral      *float64
	Estado      string
}

func (Alerta) Table() string { return TableAlertas }
func (a Alerta) Row() Row {
	row := Row{
		"fecha_hora":  FormatTime(a.FechaHora),
		"tipo":        a.Tipo,
		"severidad":   orDefault(a.Severidad, "media"),
		"componente":  a.Componente,
		"descripcion": a.Descripcion,
		"estado":      orDefault(a.Estado, StatusActive),
	}
	if a.Valor != nil {
		row["valor"] = *a.Valor
	}
	if a.Umbral != nil {
		row["umbral"] = *a.Umbral
	}
	return row
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
