package energia

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/energia/audit"
	"github.com/hazyhaar/energia/dbopen"
	"github.com/hazyhaar/energia/energia/internal/store"
	"github.com/hazyhaar/energia/energia/internal/xm"
	"github.com/hazyhaar/energia/observability"
)

var (
	testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	quiet   = slog.New(slog.NewTextHandler(io.Discard, nil))
)

const demandaPayload = `{"DemandaTiempoReal": [
	{"Fecha": "2026-03-10T10:00:00Z", "Demanda": 9500, "DemandaComercial": 9400, "Region": "SIN"},
	{"Fecha": "2026-03-10T11:00:00Z", "Demanda": 9700, "DemandaComercial": 9600, "Region": "SIN"}
]}`

type testEnv struct {
	svc     *Service
	st      *store.Store
	handler http.Handler
	metrics *observability.Metrics
}

// newTestEnv builds a Service over an in-memory store and a fake XM that
// only serves the demand endpoint.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(ctx, dbopen.OpenMemory(t), store.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/consumos/demanda/DemandaTiempoReal" {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, demandaPayload)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	}))
	t.Cleanup(upstream.Close)

	cfg := &Config{
		Env:      "test",
		Timezone: "UTC",
		XM:       xm.Config{BaseURL: upstream.URL + "/ws"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	trail := audit.NewSQLiteLogger(st.DB, audit.WithLogger(quiet))
	require.NoError(t, trail.Init())
	t.Cleanup(func() { trail.Close() })

	m := observability.NewMetrics("energia_test")
	svc, err := New(st, cfg, quiet, WithUpstreamClient(upstream.Client()), WithMetrics(m), WithAudit(trail))
	require.NoError(t, err)

	return &testEnv{svc: svc, st: st, handler: svc.Handler(svc.NewRateLimiter()), metrics: m}
}

func (e *testEnv) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func seedDemanda(t *testing.T, st *store.Store, recs ...store.Demanda) {
	t.Helper()
	_, err := st.InsertBatch(context.Background(), store.AsRecords(recs))
	require.NoError(t, err)
}

func TestAPI_Health(t *testing.T) {
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["environment"])
	assert.Equal(t, false, body["ai"])
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
}

func TestAPI_Index(t *testing.T) {
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodGet, "/", "")

	require.Equal(t, http.StatusOK, rec.Code)
	endpoints := body["endpoints"].(map[string]any)
	datos := endpoints["datos"].(map[string]any)
	assert.Equal(t, "GET /api/costo-unitario", datos["costo_unitario"])
	assert.Equal(t, "GET /api/generacion/por-tipo", datos["generacion_tipo"])
}

func TestAPI_NotFoundEnvelope(t *testing.T) {
	// WHAT: Unknown routes and unknown datasets answer the 404 envelope.
	e := newTestEnv(t, nil)
	for _, path := range []string{"/nada", "/api/carbon"} {
		rec, body := e.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "Endpoint no encontrado", body["error"])
		assert.Equal(t, path, body["path"])
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodDelete, "/api/resumen", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestAPI_ListLimitNewestFirst(t *testing.T) {
	// WHAT: limit=L returns at most L rows, newest first, with count.
	e := newTestEnv(t, nil)
	for i := 0; i < 5; i++ {
		seedDemanda(t, e.st, store.Demanda{FechaHora: testNow.Add(-time.Duration(i) * time.Hour), DemandaMW: float64(9000 + i)})
	}

	rec, body := e.do(t, http.MethodGet, "/api/demanda?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["count"])

	data := body["data"].([]any)
	require.Len(t, data, 2)
	first := data[0].(map[string]any)
	second := data[1].(map[string]any)
	assert.Equal(t, "2026-03-10 12:00:00", first["fecha_hora"])
	assert.Greater(t, first["fecha_hora"], second["fecha_hora"])
}

func TestAPI_ListInclusiveDateRange(t *testing.T) {
	// WHAT: start=2024-01-01&end=2024-01-02 keeps both whole days, newest first.
	e := newTestEnv(t, nil)
	seedDemanda(t, e.st,
		store.Demanda{FechaHora: time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC)},
		store.Demanda{FechaHora: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		store.Demanda{FechaHora: time.Date(2024, 1, 2, 23, 30, 0, 0, time.UTC)},
		store.Demanda{FechaHora: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
	)

	rec, body := e.do(t, http.MethodGet, "/api/demanda?start=2024-01-01&end=2024-01-02", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, "2024-01-02 23:30:00", data[0].(map[string]any)["fecha_hora"])
	assert.Equal(t, "2024-01-01 00:00:00", data[1].(map[string]any)["fecha_hora"])
}

func TestAPI_ListInvalidInput(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, q := range []string{"limit=abc", "limit=0", "limit=5000", "start=ayer", "start=2024-02-01&end=2024-01-01"} {
		rec, body := e.do(t, http.MethodGet, "/api/demanda?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, false, body["success"], q)
		assert.NotEmpty(t, body["error"], q)
	}
}

func TestAPI_GeneracionPorTipo(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.st.InsertBatch(context.Background(), store.AsRecords([]store.Generacion{
		{FechaHora: testNow.Add(-time.Hour), TipoFuente: "HIDRAULICA", Recurso: "A", GeneracionMW: 100},
		{FechaHora: testNow.Add(-time.Hour), TipoFuente: "HIDRAULICA", Recurso: "B", GeneracionMW: 50},
		{FechaHora: testNow.Add(-time.Hour), TipoFuente: "TERMICA", Recurso: "C", GeneracionMW: 80},
	}))
	require.NoError(t, err)

	rec, body := e.do(t, http.MethodGet, "/api/generacion/por-tipo?hours=6", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].([]any)
	require.Len(t, data, 2)
	top := data[0].(map[string]any)
	assert.Equal(t, "HIDRAULICA", top["tipo_fuente"])
	assert.InDelta(t, 150, top["total_mw"], 0.001)
	assert.EqualValues(t, 2, top["registros"])

	rec, _ = e.do(t, http.MethodGet, "/api/generacion/por-tipo?hours=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_SummaryDegradesWithoutPrices(t *testing.T) {
	// WHAT: With no price rows precios.actual is null and demand still fills in.
	e := newTestEnv(t, nil)
	seedDemanda(t, e.st, store.Demanda{FechaHora: testNow.Add(-time.Hour), DemandaMW: 9800})

	rec, body := e.do(t, http.MethodGet, "/api/resumen", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	precios := data["precios"].(map[string]any)
	assert.Nil(t, precios["actual"])
	demanda := data["demanda"].(map[string]any)
	assert.InDelta(t, 9800, demanda["actual"], 0.001)
}

func TestAPI_ResolveAlert(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := e.st.InsertIfAbsent(ctx, store.Alerta{
		FechaHora: testNow, Tipo: "PRECIO_ESCASEZ", Componente: "BOLSA", Descripcion: "precio alto",
	})
	require.NoError(t, err)
	row, err := e.st.Latest(ctx, store.TableAlertas)
	require.NoError(t, err)
	id := row.Int("id")

	rec, body := e.do(t, http.MethodGet, "/api/alertas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, _ = e.do(t, http.MethodPost, "/api/alertas/"+itoa(id)+"/resolver", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Default estado=activa filter now hides it.
	_, body = e.do(t, http.MethodGet, "/api/alertas", "")
	assert.EqualValues(t, 0, body["count"])
	_, body = e.do(t, http.MethodGet, "/api/alertas?estado=resuelta", "")
	assert.EqualValues(t, 1, body["count"])

	rec, _ = e.do(t, http.MethodPost, "/api/alertas/999/resolver", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/api/alertas/x/resolver", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_AnalyzeNotConfigured(t *testing.T) {
	// WHAT: Without an API key the analyze endpoint answers the configuration
	// message and writes no analysis row.
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodPost, "/api/ia/analizar", `{"pregunta": "¿Cuál es el precio de bolsa actual?"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Agente IA no configurado. Verifica OPENROUTER_API_KEY.", body["error"])

	n, err := e.st.Count(context.Background(), store.TableAnalisis)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAPI_AnalyzeRequiresQuestion(t *testing.T) {
	var modelCalls atomic.Int32
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		modelCalls.Add(1)
		http.Error(w, "unexpected", http.StatusInternalServerError)
	}))
	t.Cleanup(model.Close)

	e := newTestEnv(t, func(c *Config) {
		c.AI.APIKey = "sk-test-123456789"
		c.AI.BaseURL = model.URL
	})
	for _, b := range []string{`{}`, `{"pregunta": "   "}`, ""} {
		rec, body := e.do(t, http.MethodPost, "/api/ia/analizar", b)
		assert.Equal(t, http.StatusBadRequest, rec.Code, b)
		assert.Equal(t, `Campo "pregunta" es requerido`, body["error"], b)
	}
	rec, _ := e.do(t, http.MethodPost, "/api/ia/analizar", `{"pregunta": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, modelCalls.Load())
}

func TestAPI_AnalyzeBlankNotConfigured(t *testing.T) {
	// WHAT: Without an API key a blank question still gets the
	// configuration answer.
	// WHY: Clients must learn the layer is off before fixing their input.
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodPost, "/api/ia/analizar", `{"pregunta": "  "}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Agente IA no configurado. Verifica OPENROUTER_API_KEY.", body["error"])
}

func TestAPI_AnalyzeConfigured(t *testing.T) {
	// WHAT: With a model configured the answer comes back flat with
	// success, respuesta, tokens and tiempo_ms, and is logged.
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"El precio es estable."}}],"usage":{"total_tokens":42}}`)
	}))
	t.Cleanup(model.Close)

	e := newTestEnv(t, func(c *Config) {
		c.AI.APIKey = "sk-test-123456789"
		c.AI.BaseURL = model.URL
	})
	rec, body := e.do(t, http.MethodPost, "/api/ia/analizar", `{"pregunta": "precio de bolsa"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "El precio es estable.", body["respuesta"])
	assert.EqualValues(t, 42, body["tokens"])
	assert.Equal(t, "precios", body["tipo_analisis"])
	assert.Contains(t, body, "tiempo_ms")

	_, body = e.do(t, http.MethodGet, "/api/ia/historico?tipo_analisis=precios", "")
	assert.EqualValues(t, 1, body["count"])
	_, body = e.do(t, http.MethodGet, "/api/ia/estadisticas", "")
	stats := body["data"].(map[string]any)
	assert.EqualValues(t, 1, stats["total_analisis"])
}

func TestAPI_RunIngestion(t *testing.T) {
	// WHAT: POST /api/tareas/ejecutar runs the four ingestion tasks once;
	// the upstream 404s are recorded as failed runs, demand rows land.
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodPost, "/api/tareas/ejecutar", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, body["count"])
	runs := body["data"].([]any)
	byTask := map[string]map[string]any{}
	for _, r := range runs {
		m := r.(map[string]any)
		byTask[m["task"].(string)] = m
	}
	assert.Equal(t, "ok", byTask[TaskDemanda]["status"])
	assert.EqualValues(t, 2, byTask[TaskDemanda]["affected"])
	assert.Equal(t, "error", byTask[TaskGeneracion]["status"])
	assert.Equal(t, "error", byTask[TaskPrecios]["status"])

	n, err := e.st.Count(context.Background(), store.TableDemanda)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// A second pass finds nothing new.
	run, err := e.svc.RunTask(context.Background(), TaskDemanda)
	require.NoError(t, err)
	assert.Zero(t, run.Affected)

	_, body = e.do(t, http.MethodGet, "/api/tareas?task=demanda", "")
	assert.EqualValues(t, 2, body["count"])
}

func TestAPI_RunUnknownTask(t *testing.T) {
	e := newTestEnv(t, nil)
	rec, _ := e.do(t, http.MethodPost, "/api/tareas/nada/ejecutar", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ScheduledTasks(t *testing.T) {
	e := newTestEnv(t, nil)
	rec, body := e.do(t, http.MethodGet, "/api/tareas/programadas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 6, body["count"])
}

func TestAPI_RateLimit(t *testing.T) {
	// WHAT: The third request in a window of two is refused; /health is exempt.
	e := newTestEnv(t, func(c *Config) { c.RateLimit.MaxRequests = 2 })
	for i := 0; i < 2; i++ {
		rec, _ := e.do(t, http.MethodGet, "/api/demanda", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := e.do(t, http.MethodGet, "/api/demanda", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_InternalErrorHiddenInProduction(t *testing.T) {
	// WHAT: Storage failures are 500s; production hides the message.
	for _, env := range []string{"test", EnvProduction} {
		e := newTestEnv(t, func(c *Config) { c.Env = env })
		_, err := e.st.DB.Exec("DROP TABLE demanda")
		require.NoError(t, err)

		rec, body := e.do(t, http.MethodGet, "/api/demanda", "")
		require.Equal(t, http.StatusInternalServerError, rec.Code, env)
		if env == EnvProduction {
			assert.Equal(t, "Error interno del servidor", body["error"])
		} else {
			assert.Contains(t, body["error"], "demanda")
		}
	}
}

func TestAPI_Metrics(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(t, http.MethodGet, "/api/demanda", "")

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "energia_test_http_requests_total")
}

func TestAPI_CORS(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:8050")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:8050", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestAPI_AuditTrail(t *testing.T) {
	// WHAT: Manual task runs and resolutions land in the audit trail.
	// WHY: Operators need to know who triggered an out-of-schedule sync.
	e := newTestEnv(t, nil)
	ctx := context.Background()

	rec, _ := e.do(t, http.MethodPost, "/api/tareas/demanda/ejecutar", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(t, http.MethodPost, "/api/alertas/999/resolver", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Eventually(t, func() bool {
		entries, err := e.svc.AuditTrail(ctx, "", 10)
		return err == nil && len(entries) == 2
	}, 3*time.Second, 50*time.Millisecond)

	rec, body := e.do(t, http.MethodGet, "/api/auditoria?action=ejecutar_tarea", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	entry := data[0].(map[string]any)
	assert.Equal(t, "success", entry["status"])
	assert.Equal(t, "http", entry["transport"])
	assert.Equal(t, `{"task":"demanda"}`, entry["parameters"])
	assert.NotEmpty(t, entry["trace_id"])

	entries, err := e.svc.AuditTrail(ctx, "resolver_alertas", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.StatusError, entries[0].Status)
}
