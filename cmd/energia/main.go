// Command energia ingests Colombian wholesale electricity market data from XM
// and serves it over HTTP and MCP.
//
// Usage:
//
//	energia                         # defaults, .env and environment
//	energia -config energia.yaml    # YAML file, then .env and environment
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/energia/audit"
	"github.com/hazyhaar/energia/dbopen"
	"github.com/hazyhaar/energia/energia"
	"github.com/hazyhaar/energia/energia/internal/store"
	"github.com/hazyhaar/energia/observability"
	"github.com/hazyhaar/energia/trace"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to energia.yaml config file")
	flag.Parse()

	cfg, err := energia.LoadConfig(*configPath)
	if err != nil {
		slog.Error("energia: config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("energia: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *energia.Config) *slog.Logger {
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Production() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *energia.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics("energia")
	trace.SetRecorder(metrics)

	var dbOpts []dbopen.Option
	if cfg.TraceSQL() {
		// Statements are logged and slow ones counted.
		dbOpts = append(dbOpts, dbopen.WithTrace())
	}
	st, err := store.Open(ctx, cfg.DBPath, dbOpts,
		store.WithMetrics(metrics), store.WithLogger(logger))
	if err != nil {
		return err
	}

	auditLog := audit.NewSQLiteLogger(st.DB, audit.WithLogger(logger))
	if err := auditLog.Init(); err != nil {
		auditLog.Close()
		st.Close()
		return err
	}

	svc, err := energia.New(st, cfg, logger, energia.WithMetrics(metrics), energia.WithAudit(auditLog))
	if err != nil {
		auditLog.Close()
		st.Close()
		return err
	}
	defer svc.Close()

	rl := svc.NewRateLimiter()
	rl.StartGC(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           svc.Handler(rl),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("energia: listening", "addr", srv.Addr, "env", cfg.Env, "ai", svc.AIConfigured(), "sql_trace", cfg.TraceSQL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		svc.Start(gctx)
		<-gctx.Done()

		logger.Info("energia: shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutCtx), svc.Stop(shutCtx))
	})
	return g.Wait()
}
