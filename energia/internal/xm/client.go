// Package xm fetches market datasets from the XM public web services and
// normalizes them into store records.
//
// Every dataset call is a single bounded GET. A missing or malformed
// envelope yields an empty slice with a warning; transport, status and
// JSON failures yield an empty slice and an error. There are no retries:
// the next scheduler tick is the retry.
package xm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/energia/horosafe"
)

// ErrUpstream is wrapped by errors for non-2xx upstream responses.
var ErrUpstream = errors.New("xm: upstream error")

// Config configures the XM client.
type Config struct {
	// BaseURL is the XM web service root. Default: https://www.xm.com.co/ws.
	BaseURL string `yaml:"base_url"`
	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
	// UserAgent is sent on every request.
	UserAgent string `yaml:"user_agent"`
	// MaxBytes caps response bodies. Default: horosafe.MaxResponseBody.
	MaxBytes int64 `yaml:"max_bytes"`
	// Location interprets upstream timestamps that carry no zone.
	// Default: America/Bogota.
	Location *time.Location `yaml:"-"`
}

// DefaultBaseURL is the public XM web service root.
const DefaultBaseURL = "https://www.xm.com.co/ws"

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "API-Energia-MME/1.0"
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = horosafe.MaxResponseBody
	}
	if c.Location == nil {
		c.Location = Bogota()
	}
}

// Bogota returns the America/Bogota zone, or a fixed UTC-5 zone when the
// tz database is unavailable. Colombia has no daylight saving.
func Bogota() *time.Location {
	loc, err := time.LoadLocation("America/Bogota")
	if err != nil {
		return time.FixedZone("COT", -5*60*60)
	}
	return loc
}

// Recorder receives one observation per upstream call.
// *observability.Metrics implements it.
type Recorder interface {
	ObserveUpstream(endpoint string, d time.Duration, err error)
}

// Client calls the XM web services. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  *slog.Logger
	metrics Recorder
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client (tests use httptest's).
// Config.Timeout is applied to it when it has none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics installs an upstream call recorder.
func WithMetrics(r Recorder) Option {
	return func(c *Client) { c.metrics = r }
}

// New validates cfg and builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.defaults()
	if err := horosafe.ValidateBaseURL(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("xm: base url: %w", err)
	}
	c := &Client{cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	} else if c.http.Timeout == 0 {
		hc := *c.http
		hc.Timeout = cfg.Timeout
		c.http = &hc
	}
	return c, nil
}

// BaseURL returns the configured upstream root.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// get performs one GET against path and returns the raw body.
func (c *Client) get(ctx context.Context, name, path string) (body []byte, err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveUpstream(name, time.Since(start), err)
		}
	}()

	url := horosafe.JoinURL(c.cfg.BaseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("xm: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xm: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := horosafe.LimitedReadAll(resp.Body, 512)
		return nil, fmt.Errorf("%w: GET %s: http %d: %s", ErrUpstream, path, resp.StatusCode, snippet)
	}

	body, err = horosafe.LimitedReadAll(resp.Body, c.cfg.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("xm: GET %s: read body: %w", path, err)
	}
	return body, nil
}

// FetchRaw GETs any XM path and returns the decoded JSON document.
func (c *Client) FetchRaw(ctx context.Context, path string) (any, error) {
	body, err := c.get(ctx, "raw", path)
	if err != nil {
		c.logger.Warn("xm: fetch raw", "path", path, "error", err)
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("xm: GET %s: json decode: %w", path, err)
	}
	return doc, nil
}

// items fetches ep and returns the array under its envelope key. An absent
// key, or a key that does not hold an array, yields nil with no error.
func (c *Client) items(ctx context.Context, ep endpoint) ([]map[string]any, error) {
	body, err := c.get(ctx, ep.name, ep.path)
	if err != nil {
		c.logger.Warn("xm: fetch", "dataset", ep.name, "error", err)
		return nil, err
	}

	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			c.logger.Warn("xm: fetch", "dataset", ep.name, "error", err)
			return nil, fmt.Errorf("xm: GET %s: json decode: %w", ep.path, err)
		}
		// Valid JSON that is not an object.
		c.logger.Warn("xm: envelope is not an object", "dataset", ep.name)
		return nil, nil
	}

	raw, ok := envelope[ep.key]
	if !ok {
		c.logger.Warn("xm: envelope key missing", "dataset", ep.name, "key", ep.key)
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		c.logger.Warn("xm: envelope key is not an array", "dataset", ep.name, "key", ep.key)
		return nil, nil
	}

	out := make([]map[string]any, 0, len(arr))
	for _, it := range arr {
		if obj, ok := it.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out, nil
}
