package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/energia/energia/internal/store"
	"github.com/hazyhaar/energia/idgen"
	"github.com/hazyhaar/energia/kit"
)

// TaskFunc is one unit of scheduled work. It reports how many rows it
// affected (inserted, pruned, raised).
type TaskFunc func(ctx context.Context) (affected int64, err error)

// RunLog persists task runs. *store.Store implements it.
type RunLog interface {
	InsertTaskRun(ctx context.Context, r *store.TaskRun) error
}

// Recorder receives one observation per task run.
// *observability.Metrics implements it.
type Recorder interface {
	ObserveTask(task string, d time.Duration, err error)
}

// Runner executes tasks and records the outcome of each run. A failing or
// panicking task never propagates beyond Run.
type Runner struct {
	log     RunLog
	metrics Recorder
	logger  *slog.Logger
	newID   idgen.Generator
	now     func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRecorder installs a metrics recorder.
func WithRecorder(m Recorder) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRunnerLogger sets the logger. Default: slog.Default().
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithClock overrides time.Now for started_at stamps.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner builds a Runner. log may be nil, in which case runs are only
// logged and counted.
func NewRunner(log RunLog, opts ...RunnerOption) *Runner {
	r := &Runner{
		log:    log,
		logger: slog.Default(),
		newID:  idgen.TaskRun,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes fn as task name and returns its run record. The returned
// error is the task's own error (or recovered panic).
func (r *Runner) Run(ctx context.Context, name string, fn TaskFunc) (*store.TaskRun, error) {
	run := &store.TaskRun{ID: r.newID(), Task: name, StartedAt: r.now()}
	ctx = kit.WithTask(kit.WithTransport(ctx, "cron"), name)

	start := time.Now()
	affected, err := r.call(ctx, name, fn)
	d := time.Since(start)

	run.Affected = affected
	run.DurationMs = d.Milliseconds()
	run.Status = "ok"
	if err != nil {
		run.Status = "error"
		run.Error = err.Error()
		r.logger.Error("scheduler: task failed", "task", name, "run_id", run.ID, "duration", d, "error", err)
	} else {
		r.logger.Info("scheduler: task done", "task", name, "run_id", run.ID, "affected", affected, "duration", d)
	}
	if r.metrics != nil {
		r.metrics.ObserveTask(name, d, err)
	}

	if r.log != nil {
		// Record the run even when ctx was cancelled mid-task.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if lerr := r.log.InsertTaskRun(wctx, run); lerr != nil {
			r.logger.Warn("scheduler: record run", "task", name, "run_id", run.ID, "error", lerr)
		}
	}
	return run, err
}

func (r *Runner) call(ctx context.Context, name string, fn TaskFunc) (affected int64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("scheduler: task panic", "task", name, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("scheduler: task %s panicked: %v", name, rec)
		}
	}()
	return fn(ctx)
}
