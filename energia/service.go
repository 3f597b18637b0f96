// Package energia ingests Colombian power-market data (SIN) from XM into a
// local SQLite store on a cron schedule and serves it to dashboards over a
// JSON API and MCP tools, with an optional model-backed insight layer.
package energia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/energia/audit"
	"github.com/hazyhaar/energia/energia/internal/anomaly"
	"github.com/hazyhaar/energia/energia/internal/narrative"
	"github.com/hazyhaar/energia/energia/internal/query"
	"github.com/hazyhaar/energia/energia/internal/scheduler"
	"github.com/hazyhaar/energia/energia/internal/store"
	"github.com/hazyhaar/energia/energia/internal/xm"
	"github.com/hazyhaar/energia/observability"
)

// Scheduled task names.
const (
	TaskDemanda     = "demanda"
	TaskGeneracion  = "generacion"
	TaskTransmision = "transmision"
	TaskPrecios     = "precios"
	TaskAnomalias   = "anomalias"
	TaskLimpieza    = "limpieza"
)

// Service wires the store, the XM client, the scheduler and the query and
// insight layers.
type Service struct {
	config   *Config
	store    *store.Store
	upstream *xm.Client
	query    *query.Service
	agent    *narrative.Agent
	detector *anomaly.Detector
	sched    *scheduler.Scheduler
	metrics  *observability.Metrics
	audit    *audit.SQLiteLogger // optional, operator action trail
	logger   *slog.Logger
	started  time.Time

	httpClient *http.Client
	aiClient   *http.Client
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithMetrics wires the Prometheus collectors into every component.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithAudit records manual task runs, resolutions and analyses. The
// Service closes the logger on Close.
func WithAudit(a *audit.SQLiteLogger) ServiceOption {
	return func(s *Service) { s.audit = a }
}

// WithUpstreamClient replaces the HTTP client used for XM.
func WithUpstreamClient(hc *http.Client) ServiceOption {
	return func(s *Service) { s.httpClient = hc }
}

// WithModelClient replaces the HTTP client used for the chat-completion API.
func WithModelClient(hc *http.Client) ServiceOption {
	return func(s *Service) { s.aiClient = hc }
}

// New creates a Service over an open Store. Scheduled tasks are registered
// but nothing runs until Start.
func New(st *store.Store, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if st == nil {
		return nil, errors.New("energia: nil store")
	}
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		config:  cfg,
		store:   st,
		logger:  logger,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	loc := cfg.Location()

	xmCfg := cfg.XM
	xmCfg.Location = loc
	xmOpts := []xm.Option{xm.WithLogger(logger)}
	if svc.httpClient != nil {
		xmOpts = append(xmOpts, xm.WithHTTPClient(svc.httpClient))
	}
	if svc.metrics != nil {
		xmOpts = append(xmOpts, xm.WithMetrics(svc.metrics))
	}
	upstream, err := xm.New(xmCfg, xmOpts...)
	if err != nil {
		return nil, fmt.Errorf("energia: %w", err)
	}
	svc.upstream = upstream

	svc.query = query.New(st, query.WithLocation(loc), query.WithLogger(logger))

	aiOpts := []narrative.Option{narrative.WithLogger(logger)}
	if svc.aiClient != nil {
		aiOpts = append(aiOpts, narrative.WithHTTPClient(svc.aiClient))
	}
	if svc.metrics != nil {
		aiOpts = append(aiOpts, narrative.WithMetrics(svc.metrics))
	}
	agent, err := narrative.New(cfg.AI, st, aiOpts...)
	if err != nil {
		return nil, fmt.Errorf("energia: %w", err)
	}
	svc.agent = agent

	detOpts := []anomaly.Option{anomaly.WithLogger(logger), anomaly.WithAnalyst(agent)}
	if svc.metrics != nil {
		detOpts = append(detOpts, anomaly.WithMetrics(svc.metrics))
	}
	anCfg := cfg.Anomaly
	if anCfg.SyncIntervals, err = cfg.Cron.syncIntervals(time.Now().In(loc)); err != nil {
		return nil, fmt.Errorf("energia: %w", err)
	}
	svc.detector = anomaly.New(st, anCfg, detOpts...)

	runOpts := []scheduler.RunnerOption{scheduler.WithRunnerLogger(logger)}
	if svc.metrics != nil {
		runOpts = append(runOpts, scheduler.WithRecorder(svc.metrics))
	}
	runner := scheduler.NewRunner(st, runOpts...)
	svc.sched = scheduler.New(runner, scheduler.Config{Location: loc}, logger)
	if err := svc.registerTasks(); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) registerTasks() error {
	specs := s.config.Cron
	tasks := []struct {
		name, spec string
		fn         scheduler.TaskFunc
		warmup     bool
	}{
		{TaskDemanda, specs.Demanda, s.syncDemanda, true},
		{TaskGeneracion, specs.Generacion, s.syncGeneracion, true},
		{TaskTransmision, specs.Transmision, s.syncTransmision, true},
		{TaskPrecios, specs.Precios, s.syncPrecios, true},
		{TaskAnomalias, specs.Anomalias, s.detector.Run, false},
		{TaskLimpieza, specs.Limpieza, s.prune, false},
	}
	for _, t := range tasks {
		var opts []scheduler.TaskOption
		if t.warmup {
			opts = append(opts, scheduler.Warmup())
		}
		if err := s.sched.Add(t.name, t.spec, t.fn, opts...); err != nil {
			return fmt.Errorf("energia: %w", err)
		}
	}
	return nil
}

// Start begins the cron schedule. In production every ingestion task runs
// once first.
func (s *Service) Start(ctx context.Context) {
	if s.config.Production() {
		s.logger.Info("energia: warm-up started")
		runs := s.sched.RunAll(ctx)
		s.logger.Info("energia: warm-up done", "runs", len(runs))
	}
	s.sched.Start(ctx)
}

// Stop stops the schedule and waits for running tasks until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	return s.sched.Stop(ctx)
}

// Close flushes the audit trail and closes the store.
func (s *Service) Close() error {
	if s.audit != nil {
		s.audit.Close()
	}
	return s.store.Close()
}

// auditLog queues an audit entry if an audit logger is configured.
func (s *Service) auditLog(ctx context.Context, action string, params any, err error) {
	if s.audit == nil {
		return
	}
	e := audit.FromContext(ctx, action, params)
	if err != nil {
		e.Error = err.Error()
	}
	s.audit.LogAsync(e)
}

// AuditTrail lists the newest audit entries, optionally of one action.
func (s *Service) AuditTrail(ctx context.Context, action string, limit int) ([]*audit.Entry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.List(ctx, action, limit)
}

// Config returns the effective configuration.
func (s *Service) Config() *Config { return s.config }

// --- Ingestion tasks ---

func (s *Service) syncDemanda(ctx context.Context) (int64, error) {
	recs, err := s.upstream.Demanda(ctx)
	if err != nil {
		return 0, err
	}
	return s.save(ctx, store.AsRecords(recs))
}

func (s *Service) syncGeneracion(ctx context.Context) (int64, error) {
	recs, err := s.upstream.Generacion(ctx)
	if err != nil {
		return 0, err
	}
	return s.save(ctx, store.AsRecords(recs))
}

func (s *Service) syncTransmision(ctx context.Context) (int64, error) {
	recs, err := s.upstream.Transmision(ctx)
	if err != nil {
		return 0, err
	}
	return s.save(ctx, store.AsRecords(recs))
}

// syncPrecios ingests spot prices, then restrictions. A price failure does
// not skip restrictions.
func (s *Service) syncPrecios(ctx context.Context) (int64, error) {
	var total int64
	var errs []error

	precios, err := s.upstream.Precios(ctx)
	if err == nil {
		var n int64
		n, err = s.save(ctx, store.AsRecords(precios))
		total += n
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("precios: %w", err))
	}

	restricciones, err := s.upstream.Restricciones(ctx)
	if err == nil {
		var n int64
		n, err = s.save(ctx, store.AsRecords(restricciones))
		total += n
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("restricciones: %w", err))
	}
	return total, errors.Join(errs...)
}

func (s *Service) save(ctx context.Context, recs []store.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	n, err := s.store.InsertBatch(ctx, recs)
	return int64(n), err
}

func (s *Service) prune(ctx context.Context) (int64, error) {
	counts, err := s.store.PruneAll(ctx, s.config.RetentionDays)
	var total int64
	for table, n := range counts {
		if n > 0 {
			s.logger.Info("energia: pruned", "table", table, "rows", n)
		}
		total += n
	}
	return total, err
}

// --- Queries ---

// List returns rows of a dataset (see query.Datasets).
func (s *Service) List(ctx context.Context, dataset string, p query.ListParams) ([]store.Row, error) {
	return s.query.List(ctx, dataset, p)
}

// GeneracionPorTipo aggregates generation per source type over hours.
func (s *Service) GeneracionPorTipo(ctx context.Context, hours int) ([]query.TipoTotal, error) {
	return s.query.GeneracionPorTipo(ctx, hours)
}

// Summary returns the dashboard snapshot.
func (s *Service) Summary(ctx context.Context) *query.Summary {
	return s.query.Summary(ctx)
}

// Resolve marks an alert or restriction as resolved.
func (s *Service) Resolve(ctx context.Context, table string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidInput)
	}
	return s.store.SetStatus(ctx, table, id, store.StatusResolved)
}

// --- Tasks ---

// Tasks lists the scheduled tasks.
func (s *Service) Tasks() []scheduler.TaskInfo { return s.sched.Tasks() }

// TaskRuns lists the newest task runs, optionally of one task.
func (s *Service) TaskRuns(ctx context.Context, task string, limit int) ([]*store.TaskRun, error) {
	return s.store.ListTaskRuns(ctx, task, limit)
}

// RunTask runs one task now and waits for it.
func (s *Service) RunTask(ctx context.Context, name string) (*store.TaskRun, error) {
	return s.sched.RunNow(ctx, name)
}

// RunIngestion runs every ingestion task once, in order.
func (s *Service) RunIngestion(ctx context.Context) []*store.TaskRun {
	return s.sched.RunAll(ctx)
}

// --- Insight ---

// AIConfigured reports whether the insight layer has an API key.
func (s *Service) AIConfigured() bool { return s.agent.Configured() }

// Analyze answers a free-form question about the market.
func (s *Service) Analyze(ctx context.Context, pregunta string) (*narrative.Result, error) {
	return s.agent.Analyze(ctx, pregunta)
}

// ResumenEjecutivo is the executive-summary preset.
func (s *Service) ResumenEjecutivo(ctx context.Context) (*narrative.Result, error) {
	return s.agent.ResumenEjecutivo(ctx)
}

// DetectarAnomalias is the anomaly-review preset.
func (s *Service) DetectarAnomalias(ctx context.Context) (*narrative.Result, error) {
	return s.agent.DetectarAnomalias(ctx)
}

// ProyectarDemanda is the demand-projection preset.
func (s *Service) ProyectarDemanda(ctx context.Context, horizonte string) (*narrative.Result, error) {
	return s.agent.ProyectarDemanda(ctx, horizonte)
}

// AnalizarCU is the unit-cost preset.
func (s *Service) AnalizarCU(ctx context.Context) (*narrative.Result, error) {
	return s.agent.AnalizarCU(ctx)
}

// AnalysisHistory lists logged analyses, optionally of one type.
func (s *Service) AnalysisHistory(ctx context.Context, tipo string, limit int) ([]*store.Analysis, error) {
	return s.agent.History(ctx, tipo, limit)
}

// AnalysisStats aggregates the analysis log.
func (s *Service) AnalysisStats(ctx context.Context) (*store.AnalysisStats, error) {
	return s.agent.Stats(ctx)
}

// Health is the /health payload.
type Health struct {
	Status      string  `json:"status"`
	Timestamp   string  `json:"timestamp"`
	Uptime      float64 `json:"uptime"`
	Environment string  `json:"environment"`
	Database    string  `json:"database"`
	AI          bool    `json:"ai"`
}

// Health pings the store. Status is "degraded" when the ping fails.
func (s *Service) Health(ctx context.Context) *Health {
	h := &Health{
		Status:      "ok",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Uptime:      time.Since(s.started).Seconds(),
		Environment: s.config.Env,
		Database:    "ok",
		AI:          s.agent.Configured(),
	}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("energia: health ping failed", "error", err)
		h.Status = "degraded"
		h.Database = "unavailable"
	}
	return h
}
