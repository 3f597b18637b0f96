package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/energia/dbopen"
)

// Analysis is one narrative-layer exchange kept in analisis_ia.
type Analysis struct {
	ID                int64     `json:"id"`
	TipoAnalisis      string    `json:"tipo_analisis"`
	Pregunta          string    `json:"pregunta"`
	Respuesta         string    `json:"respuesta"`
	ContextoDatos     string    `json:"contexto_datos"`
	ModeloIA          string    `json:"modelo_ia"`
	TokensUsados      int       `json:"tokens_usados"`
	TiempoRespuestaMs int64     `json:"tiempo_respuesta_ms"`
	FechaAnalisis     time.Time `json:"fecha_analisis"`
}

// InsertAnalysis appends a to the analysis log and returns its id.
// A zero FechaAnalisis is stamped with the store clock.
func (s *Store) InsertAnalysis(ctx context.Context, a *Analysis) (int64, error) {
	if a.FechaAnalisis.IsZero() {
		a.FechaAnalisis = s.now()
	}
	if a.TipoAnalisis == "" {
		a.TipoAnalisis = "general"
	}
	if a.ContextoDatos == "" {
		a.ContextoDatos = "{}"
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO analisis_ia (tipo_analisis, pregunta, respuesta, contexto_datos,
		modelo_ia, tokens_usados, tiempo_respuesta_ms, fecha_analisis)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TipoAnalisis, a.Pregunta, a.Respuesta, a.ContextoDatos,
		a.ModeloIA, a.TokensUsados, a.TiempoRespuestaMs, FormatTime(a.FechaAnalisis),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert analysis: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert analysis: %w", err)
	}
	a.ID = id
	s.addInserted(TableAnalisis, 1)
	return id, nil
}

// ListAnalyses returns the newest analyses, optionally of one type.
func (s *Store) ListAnalyses(ctx context.Context, tipo string, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, tipo_analisis, pregunta, respuesta, contexto_datos, modelo_ia,
		tokens_usados, tiempo_respuesta_ms, fecha_analisis FROM analisis_ia`
	var args []any
	if tipo != "" {
		q += ` WHERE tipo_analisis = ?`
		args = append(args, tipo)
	}
	q += ` ORDER BY fecha_analisis DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list analyses: %w", err)
	}
	defer rows.Close()

	result := []*Analysis{}
	for rows.Next() {
		var a Analysis
		var fecha string
		if err := rows.Scan(&a.ID, &a.TipoAnalisis, &a.Pregunta, &a.Respuesta, &a.ContextoDatos,
			&a.ModeloIA, &a.TokensUsados, &a.TiempoRespuestaMs, &fecha); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		a.FechaAnalisis, _ = ParseTime(fecha)
		result = append(result, &a)
	}
	return result, rows.Err()
}

// TypeCount is a per-type analysis count.
type TypeCount struct {
	Tipo  string `json:"tipo_analisis"`
	Total int64  `json:"total"`
}

// DayCount is a per-day analysis count.
type DayCount struct {
	Fecha string `json:"fecha"`
	Total int64  `json:"total"`
}

// AnalysisStats summarizes the analysis log.
type AnalysisStats struct {
	Total          int64       `json:"total_analisis"`
	PorTipo        []TypeCount `json:"por_tipo"`
	TokensTotales  int64       `json:"tokens_totales"`
	TiempoPromedio *float64    `json:"tiempo_promedio_ms"`
	UltimosDias    []DayCount  `json:"ultimos_7_dias"`
}

// AnalysisStats returns totals, per-type counts, token and latency figures
// and per-day counts over the last 7 days.
func (s *Store) AnalysisStats(ctx context.Context) (*AnalysisStats, error) {
	var st AnalysisStats
	var avg sql.NullFloat64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_usados), 0), AVG(tiempo_respuesta_ms) FROM analisis_ia`,
	).Scan(&st.Total, &st.TokensTotales, &avg)
	if err != nil {
		return nil, fmt.Errorf("store: analysis stats: %w", err)
	}
	if avg.Valid {
		st.TiempoPromedio = &avg.Float64
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT tipo_analisis, COUNT(*) FROM analisis_ia GROUP BY tipo_analisis ORDER BY 2 DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: analysis stats by type: %w", err)
	}
	st.PorTipo = []TypeCount{}
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.Tipo, &tc.Total); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: analysis stats by type: %w", err)
		}
		st.PorTipo = append(st.PorTipo, tc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.DB.QueryContext(ctx,
		`SELECT substr(fecha_analisis, 1, 10) AS dia, COUNT(*) FROM analisis_ia
		WHERE fecha_analisis >= ? GROUP BY dia ORDER BY dia DESC`,
		FormatTime(s.now().Add(-7*24*time.Hour)))
	if err != nil {
		return nil, fmt.Errorf("store: analysis stats by day: %w", err)
	}
	defer rows.Close()
	st.UltimosDias = []DayCount{}
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Fecha, &dc.Total); err != nil {
			return nil, fmt.Errorf("store: analysis stats by day: %w", err)
		}
		st.UltimosDias = append(st.UltimosDias, dc)
	}
	return &st, rows.Err()
}
