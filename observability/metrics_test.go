package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hazyhaar/energia/trace"
)

func TestMetrics_NilSafe(t *testing.T) {
	// WHAT: Every recording method tolerates a nil *Metrics.
	// WHY: Store, scheduler and clients are built without metrics in tests.
	var m *Metrics
	m.ObserveTask("demanda", time.Second, nil)
	m.AddInserted("demanda", 3)
	m.AddPruned("demanda", 3)
	m.ObserveUpstream("demanda", time.Second, errors.New("x"))
	m.AddAlert("DEMANDA_ANOMALA")
	m.ObserveLLM("general", 10, nil)
	m.RecordQuery(context.Background(), &trace.Entry{Op: "Exec"})
	if h := m.Middleware(http.NotFoundHandler()); h == nil {
		t.Fatal("nil middleware")
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics("test")

	m.ObserveTask("demanda", 10*time.Millisecond, nil)
	m.ObserveTask("demanda", 10*time.Millisecond, errors.New("boom"))
	m.AddInserted("demanda", 5)
	m.AddInserted("demanda", 0)
	m.ObserveLLM("precios", 120, nil)
	m.RecordQuery(context.Background(), &trace.Entry{Op: "Exec", Err: errors.New("x")})

	if got := testutil.ToFloat64(m.TaskRuns.WithLabelValues("demanda", "ok")); got != 1 {
		t.Fatalf("task ok runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TaskRuns.WithLabelValues("demanda", "error")); got != 1 {
		t.Fatalf("task error runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RowsInserted.WithLabelValues("demanda")); got != 5 {
		t.Fatalf("rows inserted = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.LLMTokens); got != 120 {
		t.Fatalf("tokens = %v, want 120", got)
	}
	if got := testutil.ToFloat64(m.DBQueryErrors.WithLabelValues("exec")); got != 1 {
		t.Fatalf("db errors = %v, want 1", got)
	}
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m := NewMetrics("test")
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Post("/api/alertas/{id}/resolver", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/alertas/42/resolver", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/api/alertas/{id}/resolver", "404"))
	if got != 1 {
		t.Fatalf("requests by pattern = %v, want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("energia")
	m.AddInserted("precios_bolsa", 2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `energia_store_rows_inserted_total{table="precios_bolsa"} 2`) {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
