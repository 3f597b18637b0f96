// Package narrative is the insight layer: it snapshots the current market
// state, asks a chat-completion model about it and keeps every exchange in
// the analisis_ia log.
//
// Without an API key the Agent is inert: analysis calls return
// ErrNotConfigured and write nothing. History and stats still work.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/energia/energia/internal/store"
	"github.com/hazyhaar/energia/horosafe"
)

// NotConfiguredMessage is the user-facing text for ErrNotConfigured.
const NotConfiguredMessage = "Agente IA no configurado. Verifica OPENROUTER_API_KEY."

var (
	// ErrNotConfigured is returned by analysis calls when no API key is set.
	ErrNotConfigured = errors.New("narrative: agent not configured")

	// ErrEmptyQuestion is returned by Analyze for a blank question.
	ErrEmptyQuestion = errors.New("narrative: empty question")
)

// Config configures the chat-completion backend.
type Config struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature *float64      `yaml:"temperature"` // nil means DefaultTemperature; 0 is kept
	Timeout     time.Duration `yaml:"timeout"`
}

// Defaults for Config.
const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "tngtech/deepseek-r1t2-chimera:free"
	DefaultMaxTokens   = 4000
	DefaultTemperature = 0.7
)

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
}

// Recorder receives one observation per model call.
// *observability.Metrics implements it.
type Recorder interface {
	ObserveLLM(tipo string, tokens int, err error)
}

// Result is the outcome of one analysis.
type Result struct {
	ID        int64  `json:"id,omitempty"`
	Tipo      string `json:"tipo_analisis"`
	Respuesta string `json:"respuesta"`
	Tokens    int    `json:"tokens"`
	TiempoMs  int64  `json:"tiempo_ms"`
}

// Agent answers questions about the stored market data.
type Agent struct {
	cfg     Config
	store   *store.Store
	chat    *chatClient
	metrics Recorder
	logger  *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Agent) {
		if a.chat != nil {
			a.chat.http = hc
		}
	}
}

// WithMetrics installs a model-call recorder.
func WithMetrics(r Recorder) Option {
	return func(a *Agent) { a.metrics = r }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New builds an Agent over st. An empty cfg.APIKey yields an unconfigured
// agent, not an error; an invalid BaseURL is an error.
func New(cfg Config, st *store.Store, opts ...Option) (*Agent, error) {
	cfg.defaults()
	a := &Agent{cfg: cfg, store: st, logger: slog.Default()}
	if cfg.APIKey != "" {
		if err := horosafe.ValidateBaseURL(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("narrative: base url: %w", err)
		}
		a.chat = &chatClient{
			baseURL: cfg.BaseURL,
			apiKey:  cfg.APIKey,
			http:    &http.Client{Timeout: cfg.Timeout},
		}
	}
	for _, o := range opts {
		o(a)
	}
	if a.chat == nil {
		a.logger.Warn("narrative: OPENROUTER_API_KEY not set, agent disabled")
	} else {
		a.logger.Info("narrative: agent ready", "model", cfg.Model, "base_url", cfg.BaseURL, "key", horosafe.Redact(cfg.APIKey))
	}
	return a, nil
}

// Configured reports whether the agent can call the model.
func (a *Agent) Configured() bool {
	return a != nil && a.chat != nil
}

// Model returns the configured model id.
func (a *Agent) Model() string { return a.cfg.Model }

// Analyze answers pregunta using a fresh snapshot.
func (a *Agent) Analyze(ctx context.Context, pregunta string) (*Result, error) {
	return a.analyze(ctx, pregunta, nil)
}

// ResumenEjecutivo asks for an executive summary of the grid.
func (a *Agent) ResumenEjecutivo(ctx context.Context) (*Result, error) {
	return a.analyze(ctx, preguntaResumen, nil)
}

// DetectarAnomalias asks the model to look for anomalies.
func (a *Agent) DetectarAnomalias(ctx context.Context) (*Result, error) {
	return a.analyze(ctx, preguntaAnomalias, nil)
}

// ProyectarDemanda asks for a demand projection over horizonte
// (DefaultHorizonte when empty).
func (a *Agent) ProyectarDemanda(ctx context.Context, horizonte string) (*Result, error) {
	return a.analyze(ctx, preguntaProyectar(strings.TrimSpace(horizonte)), nil)
}

// AnalizarCU asks for an analysis of the unit cost components.
func (a *Agent) AnalizarCU(ctx context.Context) (*Result, error) {
	return a.analyze(ctx, preguntaCU, nil)
}

// AnalyzeWith answers pregunta against a caller-supplied snapshot.
func (a *Agent) AnalyzeWith(ctx context.Context, pregunta string, snap *Snapshot) (*Result, error) {
	return a.analyze(ctx, pregunta, snap)
}

func (a *Agent) analyze(ctx context.Context, pregunta string, snap *Snapshot) (*Result, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}
	pregunta = strings.TrimSpace(pregunta)
	if pregunta == "" {
		return nil, ErrEmptyQuestion
	}
	tipo := Classify(pregunta)
	start := time.Now()

	if snap == nil {
		var err error
		if snap, err = BuildSnapshot(ctx, a.store); err != nil {
			return nil, fmt.Errorf("narrative: snapshot: %w", err)
		}
	}
	contexto, err := marshalContext(snap)
	if err != nil {
		return nil, err
	}

	respuesta, tokens, err := a.chat.complete(ctx, chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(pregunta, contexto)},
		},
		Temperature: *a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if a.metrics != nil {
		a.metrics.ObserveLLM(tipo, tokens, err)
	}
	if err != nil {
		a.logger.Error("narrative: model call failed", "tipo", tipo, "error", err)
		return nil, err
	}
	elapsed := time.Since(start).Milliseconds()

	res := &Result{Tipo: tipo, Respuesta: respuesta, Tokens: tokens, TiempoMs: elapsed}

	// The answer is returned even if the log write fails.
	rec := &store.Analysis{
		TipoAnalisis:      tipo,
		Pregunta:          pregunta,
		Respuesta:         respuesta,
		ContextoDatos:     string(contexto),
		ModeloIA:          a.cfg.Model,
		TokensUsados:      tokens,
		TiempoRespuestaMs: elapsed,
	}
	if id, err := a.store.InsertAnalysis(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.Error("narrative: save analysis", "tipo", tipo, "error", err)
	} else {
		res.ID = id
	}
	a.logger.Info("narrative: analysis done", "tipo", tipo, "tokens", tokens, "ms", elapsed)
	return res, nil
}

// History lists past analyses, newest first.
func (a *Agent) History(ctx context.Context, tipo string, limit int) ([]*store.Analysis, error) {
	return a.store.ListAnalyses(ctx, tipo, limit)
}

// Stats summarizes the analysis log.
func (a *Agent) Stats(ctx context.Context) (*store.AnalysisStats, error) {
	return a.store.AnalysisStats(ctx)
}
