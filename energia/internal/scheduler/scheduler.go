// Package scheduler drives energia's periodic work: ingestion ticks per
// dataset plus the anomaly and retention passes.
//
// Tasks are registered with a cron expression (5 fields, optional leading
// seconds field, or a descriptor such as @hourly). Every run goes through
// the Runner, which records a task_runs row. Two runs of the same task
// never overlap: a tick that finds its previous run still going is
// skipped. Different tasks run independently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/energia/energia/internal/store"
)

var (
	// ErrUnknownTask is returned by RunNow for unregistered names.
	ErrUnknownTask = errors.New("scheduler: unknown task")

	// ErrTaskRunning is returned by RunNow when the task is already running.
	ErrTaskRunning = errors.New("scheduler: task already running")
)

// Config configures the scheduler.
type Config struct {
	// Location evaluates cron expressions. Default: time.Local.
	Location *time.Location
	// TaskTimeout bounds each run. Default: 10 minutes.
	TaskTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
}

// Parser accepts standard 5-field expressions, an optional seconds field
// and descriptors.
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Interval returns the gap between the first two activations of spec
// after from. For irregular specs ("0 8,20 * * *") it is the first gap.
func Interval(spec string, from time.Time) (time.Duration, error) {
	sched, err := Parser.Parse(spec)
	if err != nil {
		return 0, fmt.Errorf("scheduler: parse %q: %w", spec, err)
	}
	first := sched.Next(from)
	return sched.Next(first).Sub(first), nil
}

type task struct {
	name    string
	spec    string
	fn      TaskFunc
	warmup  bool
	entry   cron.EntryID
	running atomic.Bool
}

// TaskOption configures one registered task.
type TaskOption func(*task)

// Warmup includes the task in RunAll.
func Warmup() TaskOption {
	return func(t *task) { t.warmup = true }
}

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Warmup  bool      `json:"warmup"`
	Running bool      `json:"running"`
	Next    time.Time `json:"next,omitzero"`
	Prev    time.Time `json:"prev,omitzero"`
}

// Scheduler runs registered tasks on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	order  []string
	base   context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Nothing runs until Start.
func New(runner *Runner, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithParser(Parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		config: cfg,
		logger: logger,
		tasks:  make(map[string]*task),
		base:   context.Background(),
	}
}

// Add registers fn under name with the cron expression spec. Invalid
// expressions and duplicate names are rejected.
func (s *Scheduler) Add(name, spec string, fn TaskFunc, opts ...TaskOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[name]; dup {
		return fmt.Errorf("scheduler: task %q already registered", name)
	}
	t := &task{name: name, spec: spec, fn: fn}
	for _, o := range opts {
		o(t)
	}
	id, err := s.cron.AddFunc(spec, func() { s.tick(t) })
	if err != nil {
		return fmt.Errorf("scheduler: task %q: invalid schedule %q: %w", name, spec, err)
	}
	t.entry = id
	s.tasks[name] = t
	s.order = append(s.order, name)
	return nil
}

// Start begins firing ticks. Runs derive their context from ctx; cancel it
// (or call Stop) to abort in-flight runs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler: started", "tasks", len(s.order), "location", s.config.Location.String())
}

// Stop stops firing new ticks and waits for running ones, or until ctx is
// done, in which case in-flight runs are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler: stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

func (s *Scheduler) tick(t *task) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if _, err := s.exec(base, t); errors.Is(err, ErrTaskRunning) {
		s.logger.Info("scheduler: tick skipped, previous run still going", "task", t.name)
	}
}

// exec runs t through the Runner unless it is already running.
func (s *Scheduler) exec(ctx context.Context, t *task) (*store.TaskRun, error) {
	if !t.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, t.name)
	}
	defer t.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.config.TaskTimeout)
	defer cancel()
	return s.runner.Run(ctx, t.name, t.fn)
}

// RunNow runs the named task immediately and waits for it.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*store.TaskRun, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return s.exec(ctx, t)
}

// RunAll runs every warm-up task once, sequentially, in registration
// order. Failures are recorded and do not stop the pass.
func (s *Scheduler) RunAll(ctx context.Context) []*store.TaskRun {
	s.mu.Lock()
	var list []*task
	for _, name := range s.order {
		if t := s.tasks[name]; t.warmup {
			list = append(list, t)
		}
	}
	s.mu.Unlock()

	runs := make([]*store.TaskRun, 0, len(list))
	for _, t := range list {
		if ctx.Err() != nil {
			break
		}
		run, err := s.exec(ctx, t)
		if errors.Is(err, ErrTaskRunning) {
			s.logger.Info("scheduler: warm-up skipped running task", "task", t.name)
			continue
		}
		runs = append(runs, run)
	}
	return runs
}

// Tasks lists registered tasks with their next and previous fire times.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.order))
	for _, name := range s.order {
		t := s.tasks[name]
		e := s.cron.Entry(t.entry)
		out = append(out, TaskInfo{
			Name:    t.name,
			Spec:    t.spec,
			Warmup:  t.warmup,
			Running: t.running.Load(),
			Next:    e.Next,
			Prev:    e.Prev,
		})
	}
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}
