package xm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string]int
}

func (r *recorder) ObserveUpstream(endpoint string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls, r.errs = map[string]int{}, map[string]int{}
	}
	r.calls[endpoint]++
	if err != nil {
		r.errs[endpoint]++
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithHTTPClient(srv.Client())}, opts...)
	c, err := New(Config{BaseURL: srv.URL + "/ws", Location: time.UTC}, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestDemanda_Normalizes(t *testing.T) {
	// WHAT: Fields map to the demand record; strings are coerced; region
	// defaults happen at the record level.
	var gotPath, gotUA string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotUA = r.URL.Path, r.Header.Get("User-Agent")
		w.Write([]byte(`{"DemandaTiempoReal": [
			{"Fecha": "2026-03-10T10:00:00", "Demanda": 9500.5, "DemandaComercial": "9400,25", "Region": "CARIBE"},
			{"Fecha": "2026-03-10T11:00:00", "Demanda": null}
		]}`))
	})

	got, err := c.Demanda(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/ws/consumos/demanda/DemandaTiempoReal" {
		t.Errorf("path = %q", gotPath)
	}
	if gotUA != "API-Energia-MME/1.0" {
		t.Errorf("user agent = %q", gotUA)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].DemandaMW != 9500.5 || got[0].DemandaComercialMW != 9400.25 || got[0].Region != "CARIBE" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].DemandaMW != 0 || got[1].Row()["region"] != "SIN" {
		t.Errorf("second = %+v", got[1])
	}
	want := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	if !got[0].FechaHora.Equal(want) {
		t.Errorf("fecha = %v, want %v", got[0].FechaHora, want)
	}
}

func TestFetch_MissingKeyIsEmpty(t *testing.T) {
	// WHAT: An envelope without the expected key yields no records and no error.
	// WHY: Upstream schema drift must not fail the tick.
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Otro": [{"Fecha": "2026-03-10"}]}`))
	})
	got, err := c.Precios(context.Background())
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d records, want 0", len(got))
	}
}

func TestFetch_NonObjectEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1, 2, 3]`))
	})
	got, err := c.Generacion(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v; want empty, nil", got, err)
	}
}

func TestFetch_KeyNotArray(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Transmision": "mantenimiento"}`))
	})
	got, err := c.Transmision(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v; want empty, nil", got, err)
	}
}

func TestFetch_HTTPError(t *testing.T) {
	rec := &recorder{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}, WithMetrics(rec))

	got, err := c.Restricciones(context.Background())
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d records, want 0", len(got))
	}
	if rec.calls["restricciones"] != 1 || rec.errs["restricciones"] != 1 {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestFetch_MalformedJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"PreciosBolsa": [`))
	})
	got, err := c.Precios(context.Background())
	if err == nil {
		t.Fatal("expected decode error")
	}
	if len(got) != 0 {
		t.Fatalf("got %d records, want 0", len(got))
	}
}

func TestFetch_Timeout(t *testing.T) {
	// WHAT: The configured timeout bounds each call.
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(block); srv.Close() })

	c, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := c.Demanda(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout not applied")
	}
}

func TestFetch_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"PreciosBolsa": []}`))
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, MaxBytes: 8})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Precios(context.Background()); err == nil {
		t.Fatal("expected size error")
	}
}

func TestFetch_SkipsBadFecha(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"GeneracionPorTipo": [
			{"Fecha": "ayer", "Recurso": "A", "GeneracionReal": 1},
			{"Recurso": "B", "GeneracionReal": 2},
			{"Fecha": "2026-03-10 08:00:00", "Recurso": "C", "GeneracionReal": "3", "Empresa": "EPM"},
			"basura"
		]}`))
	})
	got, err := c.Generacion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Recurso != "C" || got[0].GeneracionMW != 3 {
		t.Fatalf("got %+v", got)
	}
	if got[0].Row()["tipo_fuente"] != "DESCONOCIDO" {
		t.Fatalf("tipo_fuente default = %v", got[0].Row()["tipo_fuente"])
	}
}

func TestFetch_IdentityFallbackAndSkip(t *testing.T) {
	// WHAT: Per-type generation items key on TipoFuente; items with no
	// identity at all are dropped instead of colliding on insert.
	// WHY: Two anonymous readings at one timestamp share a natural key and
	// the second would vanish as a duplicate.
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ws/generacion/GeneracionPorTipo":
			w.Write([]byte(`{"GeneracionPorTipo": [
				{"Fecha": "2026-03-10T08:00:00", "TipoFuente": "HIDRAULICA", "GeneracionReal": 6000},
				{"Fecha": "2026-03-10T08:00:00", "TipoFuente": "TERMICA", "GeneracionReal": 2000},
				{"Fecha": "2026-03-10T08:00:00", "GeneracionReal": 50}
			]}`))
		case "/ws/transmision/EstadoSTN":
			w.Write([]byte(`{"Transmision": [
				{"Fecha": "2026-03-10T08:00:00", "Elemento": "L1", "Utilizacion": 40},
				{"Fecha": "2026-03-10T08:00:00", "Elemento": "  ", "Utilizacion": 95}
			]}`))
		default:
			http.NotFound(w, r)
		}
	})

	gen, err := c.Generacion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(gen) != 2 {
		t.Fatalf("got %d generation records, want 2", len(gen))
	}
	if gen[0].Recurso != "HIDRAULICA" || gen[1].Recurso != "TERMICA" {
		t.Fatalf("recurso = %q, %q", gen[0].Recurso, gen[1].Recurso)
	}

	tx, err := c.Transmision(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tx) != 1 || tx[0].Elemento != "L1" {
		t.Fatalf("transmision = %+v", tx)
	}
}

func TestRestricciones_FieldMap(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Restricciones": [{"Fecha": "2026-03-10T09:00:00Z", "TipoRestriccion": "Operativa",
			"Elemento": "LINEA-1", "Causa": "Mantenimiento", "Costo": "1500000", "EnergiaRestringida": 12.5}]}`))
	})
	got, err := c.Restricciones(context.Background())
	if err != nil || len(got) != 1 {
		t.Fatalf("got %v, %v", got, err)
	}
	r := got[0]
	if r.ElementoAfectado != "LINEA-1" || r.CostoCOP != 1500000 || r.EnergiaRestringidaMWh != 12.5 {
		t.Fatalf("record = %+v", r)
	}
	row := r.Row()
	if row["estado"] != "activa" || row["region"] != "SIN" {
		t.Fatalf("defaults = %v", row)
	}
}

func TestFetchRaw(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": true}`))
	})
	doc, err := c.FetchRaw(context.Background(), "/cualquier/ruta")
	if err != nil {
		t.Fatal(err)
	}
	m, ok := doc.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("doc = %v", doc)
	}
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	for _, u := range []string{"ftp://xm.com.co", "https://xm.com.co/ws?x=1", "not a url"} {
		if _, err := New(Config{BaseURL: u}); err == nil {
			t.Errorf("New(%q) succeeded", u)
		}
	}
}
