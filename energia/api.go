package energia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/energia/energia/internal/narrative"
	"github.com/hazyhaar/energia/energia/internal/query"
	"github.com/hazyhaar/energia/energia/internal/store"
	"github.com/hazyhaar/energia/shield"
)

// Version is reported by / and the MCP server.
const Version = "1.0.0"

// readTimeout bounds the store-only read routes.
const readTimeout = 30 * time.Second

// actionAnalizar is the audit action of free-form questions on any transport.
const actionAnalizar = "ia_analizar"

// envelope is the body shape shared by every JSON response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
	Path    string `json:"path,omitempty"`
}

// analysisBody is the flat body of the insight endpoints.
type analysisBody struct {
	Success bool `json:"success"`
	*narrative.Result
}

// NewRateLimiter builds the per-IP limiter from the config. /health and
// /metrics are never counted.
func (s *Service) NewRateLimiter() *shield.RateLimiter {
	return shield.NewRateLimiter(s.config.RateLimit.MaxRequests, s.config.RateLimit.Window, "/health", "/metrics")
}

// Handler builds the HTTP surface. rl may be nil to disable rate limiting.
func (s *Service) Handler(rl *shield.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Trace-ID", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"X-Trace-ID", "Mcp-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	for _, mw := range shield.DefaultAPIStack(rl, s.config.Production()) {
		r.Use(mw)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Error: "Endpoint no encontrado", Path: r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Error: "Método no permitido", Path: r.URL.Path})
	})

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "energia", Version: Version}, nil)
	s.RegisterMCP(mcpSrv)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(readTimeout))
			r.Get("/resumen", s.handleSummary)
			r.Get("/generacion/por-tipo", s.handleGeneracionPorTipo)
			r.Get("/{dataset}", s.handleList)
		})
		r.Post("/alertas/{id}/resolver", s.handleResolve(store.TableAlertas))
		r.Post("/restricciones/{id}/resolver", s.handleResolve(store.TableRestricciones))

		r.Get("/tareas", s.handleTaskRuns)
		r.Get("/tareas/programadas", s.handleTasks)
		r.Post("/tareas/ejecutar", s.handleRunIngestion)
		r.Post("/tareas/{name}/ejecutar", s.handleRunTask)

		r.Get("/auditoria", s.handleAudit)

		r.Route("/ia", func(r chi.Router) {
			r.Post("/analizar", s.handleAnalyze)
			r.Get("/resumen-dashboard", s.handlePreset(s.ResumenEjecutivo))
			r.Get("/anomalias", s.handlePreset(s.DetectarAnomalias))
			r.Post("/proyectar-demanda", s.handleProyectarDemanda)
			r.Get("/analizar-cu", s.handlePreset(s.AnalizarCU))
			r.Get("/historico", s.handleHistory)
			r.Get("/estadisticas", s.handleStats)
		})
	})
	return r
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	n := len(items)
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: items, Count: &n})
}

// writeError logs 5xx errors on the request logger and writes the error
// envelope.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Error("energia: request failed", "error", err, "status", code)
	}
	writeJSON(w, code, envelope{Error: publicMessage(err, s.config.Production())})
}

func queryInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", ErrInvalidInput, key, v)
	}
	return n, nil
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: body: %v", ErrInvalidInput, err)
}

// --- Handlers ---

func (s *Service) handleIndex(w http.ResponseWriter, _ *http.Request) {
	datos := map[string]string{
		"generacion_tipo": "GET /api/generacion/por-tipo",
		"resumen":         "GET /api/resumen",
	}
	for _, d := range query.Datasets() {
		datos[strings.ReplaceAll(d.Name, "-", "_")] = "GET /api/" + d.Name
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "API Energía Colombia",
		"version":     Version,
		"description": "API de Datos Energéticos + Agente IA",
		"endpoints": map[string]any{
			"datos": datos,
			"ia": map[string]string{
				"analizar":          "POST /api/ia/analizar",
				"resumen_dashboard": "GET /api/ia/resumen-dashboard",
				"anomalias":         "GET /api/ia/anomalias",
				"proyectar_demanda": "POST /api/ia/proyectar-demanda",
				"analizar_cu":       "GET /api/ia/analizar-cu",
				"historico":         "GET /api/ia/historico",
				"estadisticas":      "GET /api/ia/estadisticas",
			},
			"tareas": map[string]string{
				"historial":      "GET /api/tareas",
				"programa":       "GET /api/tareas/programadas",
				"ejecutar":       "POST /api/tareas/ejecutar",
				"ejecutar_tarea": "POST /api/tareas/{name}/ejecutar",
			},
			"auditoria": "GET /api/auditoria",
			"mcp":       "POST /mcp",
		},
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.Health(r.Context())
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	p, err := query.ParseListParams(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.List(r.Context(), chi.URLParam(r, "dataset"), p)
	if errors.Is(err, query.ErrUnknownDataset) {
		writeJSON(w, http.StatusNotFound, envelope{Error: "Endpoint no encontrado", Path: r.URL.Path})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, rows)
}

func (s *Service) handleGeneracionPorTipo(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	totals, err := s.GeneracionPorTipo(r.Context(), hours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, totals)
}

func (s *Service) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.Summary(r.Context()))
}

func (s *Service) handleResolve(table string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: id %q", ErrInvalidInput, chi.URLParam(r, "id")))
			return
		}
		err = s.Resolve(r.Context(), table, id)
		s.auditLog(r.Context(), "resolver_"+table, map[string]int64{"id": id}, err)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, map[string]any{"id": id, "estado": store.StatusResolved})
	}
}

func (s *Service) handleTaskRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit < 0 || limit > query.MaxLimit {
		s.writeError(w, r, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, query.MaxLimit))
		return
	}
	runs, err := s.TaskRuns(r.Context(), r.URL.Query().Get("task"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, runs)
}

func (s *Service) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeList(w, s.Tasks())
}

func (s *Service) handleRunIngestion(w http.ResponseWriter, r *http.Request) {
	runs := s.RunIngestion(r.Context())
	s.auditLog(r.Context(), "ejecutar_ingesta", map[string]int{"tareas": len(runs)}, nil)
	writeList(w, runs)
}

func (s *Service) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	run, err := s.RunTask(r.Context(), name)
	s.auditLog(r.Context(), "ejecutar_tarea", map[string]string{"task": name}, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, run)
}

func (s *Service) writeAnalysis(w http.ResponseWriter, r *http.Request, res *narrative.Result, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysisBody{Success: true, Result: res})
}

func (s *Service) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pregunta string `json:"pregunta"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// The agent reports a missing configuration before a blank question.
	res, err := s.Analyze(r.Context(), req.Pregunta)
	s.auditLog(r.Context(), actionAnalizar, req, err)
	s.writeAnalysis(w, r, res, err)
}

func (s *Service) handleProyectarDemanda(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Horizonte string `json:"horizonte"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ProyectarDemanda(r.Context(), req.Horizonte)
	s.writeAnalysis(w, r, res, err)
}

func (s *Service) handlePreset(fn func(ctx context.Context) (*narrative.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := fn(r.Context())
		s.writeAnalysis(w, r, res, err)
	}
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit < 0 || limit > query.MaxLimit {
		s.writeError(w, r, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, query.MaxLimit))
		return
	}
	list, err := s.AnalysisHistory(r.Context(), r.URL.Query().Get("tipo_analisis"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, list)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.AnalysisStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, stats)
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit < 0 || limit > query.MaxLimit {
		s.writeError(w, r, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, query.MaxLimit))
		return
	}
	entries, err := s.AuditTrail(r.Context(), r.URL.Query().Get("action"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeList(w, entries)
}
