package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/energia/dbopen"
	"github.com/hazyhaar/energia/energia/internal/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type taskRecorder struct {
	mu   sync.Mutex
	runs map[string][]error
}

func (r *taskRecorder) ObserveTask(task string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[string][]error{}
	}
	r.runs[task] = append(r.runs[task], err)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(context.Background(), dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunner_RecordsSuccessAndFailure(t *testing.T) {
	// WHAT: Each run writes a task_runs row with status, count and error.
	// WHY: Failed ticks must be visible without reading logs.
	st := openStore(t)
	rec := &taskRecorder{}
	r := NewRunner(st, WithRecorder(rec), WithRunnerLogger(quiet))
	ctx := context.Background()

	run, err := r.Run(ctx, "demanda", func(context.Context) (int64, error) { return 24, nil })
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "ok" || run.Affected != 24 || run.ID == "" {
		t.Fatalf("run = %+v", run)
	}

	boom := errors.New("upstream 503")
	run, err = r.Run(ctx, "precios", func(context.Context) (int64, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if run.Status != "error" || run.Error != "upstream 503" {
		t.Fatalf("run = %+v", run)
	}

	runs, err := st.ListTaskRuns(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("persisted %d runs, want 2", len(runs))
	}
	if len(rec.runs["demanda"]) != 1 || rec.runs["precios"][0] == nil {
		t.Fatalf("metrics = %+v", rec.runs)
	}
}

func TestRunner_RecoversPanic(t *testing.T) {
	st := openStore(t)
	r := NewRunner(st, WithRunnerLogger(quiet))

	run, err := r.Run(context.Background(), "limpieza", func(context.Context) (int64, error) {
		panic("nil map")
	})
	if err == nil {
		t.Fatal("expected error from panic")
	}
	if run.Status != "error" {
		t.Fatalf("status = %q", run.Status)
	}
}

func TestRunner_RecordsAfterCancel(t *testing.T) {
	st := openStore(t)
	r := NewRunner(st, WithRunnerLogger(quiet))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := r.Run(ctx, "generacion", func(ctx context.Context) (int64, error) {
		cancel()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	runs, _ := st.ListTaskRuns(context.Background(), "generacion", 1)
	if len(runs) != 1 {
		t.Fatal("cancelled run not recorded")
	}
}

func TestAdd_Validation(t *testing.T) {
	s := New(NewRunner(nil, WithRunnerLogger(quiet)), Config{}, quiet)
	noop := func(context.Context) (int64, error) { return 0, nil }

	if err := s.Add("demanda", "*/5 * * * *", noop); err != nil {
		t.Fatalf("valid spec: %v", err)
	}
	if err := s.Add("precios", "0 */15 * * * *", noop); err != nil {
		t.Fatalf("seconds spec: %v", err)
	}
	if err := s.Add("anomalias", "@hourly", noop); err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if err := s.Add("demanda", "*/5 * * * *", noop); err == nil {
		t.Fatal("duplicate name accepted")
	}
	if err := s.Add("roto", "cada cinco minutos", noop); err == nil {
		t.Fatal("invalid spec accepted")
	}
	if got := len(s.Tasks()); got != 3 {
		t.Fatalf("tasks = %d, want 3", got)
	}
}

func TestRunNow(t *testing.T) {
	st := openStore(t)
	s := New(NewRunner(st, WithRunnerLogger(quiet)), Config{}, quiet)
	if err := s.Add("demanda", "@daily", func(context.Context) (int64, error) { return 3, nil }); err != nil {
		t.Fatal(err)
	}

	run, err := s.RunNow(context.Background(), "demanda")
	if err != nil || run.Affected != 3 {
		t.Fatalf("run = %+v, err = %v", run, err)
	}
	if _, err := s.RunNow(context.Background(), "nada"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
}

func TestRunNow_NoOverlap(t *testing.T) {
	// WHAT: A second run of a task that is still running is refused.
	// WHY: Same-dataset ticks must never overlap.
	s := New(NewRunner(nil, WithRunnerLogger(quiet)), Config{}, quiet)
	started := make(chan struct{})
	release := make(chan struct{})
	err := s.Add("transmision", "@daily", func(context.Context) (int64, error) {
		close(started)
		<-release
		return 0, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "transmision")
		done <- err
	}()
	<-started

	if _, err := s.RunNow(context.Background(), "transmision"); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("err = %v, want ErrTaskRunning", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRunAll_WarmupOnlyInOrder(t *testing.T) {
	s := New(NewRunner(nil, WithRunnerLogger(quiet)), Config{}, quiet)
	var order []string
	mk := func(name string, err error) TaskFunc {
		return func(context.Context) (int64, error) {
			order = append(order, name)
			return 1, err
		}
	}
	_ = s.Add("demanda", "@daily", mk("demanda", nil), Warmup())
	_ = s.Add("generacion", "@daily", mk("generacion", errors.New("timeout")), Warmup())
	_ = s.Add("limpieza", "@daily", mk("limpieza", nil))
	_ = s.Add("precios", "@daily", mk("precios", nil), Warmup())

	runs := s.RunAll(context.Background())
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	want := []string{"demanda", "generacion", "precios"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if runs[1].Status != "error" || runs[2].Status != "ok" {
		t.Fatalf("statuses = %s, %s", runs[1].Status, runs[2].Status)
	}
}

func TestStartStop_FiresTicks(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the cron clock")
	}
	s := New(NewRunner(nil, WithRunnerLogger(quiet)), Config{Location: time.UTC}, quiet)
	var n atomic.Int64
	if err := s.Add("demanda", "* * * * * *", func(context.Context) (int64, error) {
		n.Add(1)
		return 0, nil
	}); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	deadline := time.Now().Add(4 * time.Second)
	for n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if n.Load() == 0 {
		t.Fatal("no tick fired")
	}
	if next := s.Tasks()[0].Next; next.IsZero() {
		t.Fatal("next fire time not reported")
	}
}

func TestInterval(t *testing.T) {
	from := time.Date(2026, 3, 10, 12, 2, 0, 0, time.UTC)
	cases := []struct {
		spec string
		want time.Duration
	}{
		{"*/5 * * * *", 5 * time.Minute},
		{"*/15 * * * *", 15 * time.Minute},
		{"0 * * * *", time.Hour},
		{"@daily", 24 * time.Hour},
		{"*/30 * * * * *", 30 * time.Second},
	}
	for _, c := range cases {
		got, err := Interval(c.spec, from)
		if err != nil {
			t.Fatalf("%s: %v", c.spec, err)
		}
		if got != c.want {
			t.Errorf("Interval(%q) = %v, want %v", c.spec, got, c.want)
		}
	}
	if _, err := Interval("not a spec", from); err == nil {
		t.Fatal("expected parse error")
	}
}
