package energia

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/energia/energia/internal/anomaly"
	"github.com/hazyhaar/energia/energia/internal/narrative"
	"github.com/hazyhaar/energia/energia/internal/scheduler"
	"github.com/hazyhaar/energia/energia/internal/store"
	"github.com/hazyhaar/energia/energia/internal/xm"
)

// EnvProduction enables warm-up at startup and hides internal error text.
const EnvProduction = "production"

// Config configures the energia service.
type Config struct {
	// Env is development or production. Env: APP_ENV, NODE_ENV.
	Env string `yaml:"env"`
	// Port is the HTTP listen port. Env: PORT.
	Port int `yaml:"port"`
	// DBPath is the SQLite file. Env: DB_PATH.
	DBPath string `yaml:"db_path"`
	// Timezone evaluates cron specs and zone-less query dates. Env: CRON_TIMEZONE.
	Timezone string `yaml:"timezone"`
	// RetentionDays bounds every retained table. Env: RETENTION_DAYS.
	RetentionDays int `yaml:"retention_days"`
	// LogLevel is debug, info, warn or error. Env: LOG_LEVEL.
	LogLevel string `yaml:"log_level"`
	// AllowedOrigins lists CORS origins. Env: ALLOWED_ORIGINS (comma separated).
	AllowedOrigins []string `yaml:"allowed_origins"`
	// SQLTrace opens the store through the sqlite-trace driver. Unset means
	// on outside production. Env: SQL_TRACE.
	SQLTrace *bool `yaml:"sql_trace"`

	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Cron      CronConfig       `yaml:"cron"`
	XM        xm.Config        `yaml:"xm"`
	AI        narrative.Config `yaml:"ai"`
	Anomaly   anomaly.Config   `yaml:"anomaly"`

	location *time.Location
}

// RateLimitConfig limits requests per client IP.
type RateLimitConfig struct {
	// Window is the counting window. Env: RATE_LIMIT_WINDOW (minutes).
	Window time.Duration `yaml:"window"`
	// MaxRequests per window; negative disables limiting. Env: RATE_LIMIT_MAX_REQUESTS.
	MaxRequests int `yaml:"max_requests"`
}

// CronConfig holds one cron expression per scheduled task.
type CronConfig struct {
	Demanda     string `yaml:"demanda"`
	Generacion  string `yaml:"generacion"`
	Transmision string `yaml:"transmision"`
	Precios     string `yaml:"precios"`
	Anomalias   string `yaml:"anomalias"`
	Limpieza    string `yaml:"limpieza"`
}

func (c *Config) defaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.DBPath == "" {
		c.DBPath = "data/energia.db"
	}
	if c.Timezone == "" {
		c.Timezone = "America/Bogota"
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = store.DefaultRetentionDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:8050"}
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = 15 * time.Minute
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.Cron.Demanda == "" {
		c.Cron.Demanda = "*/5 * * * *"
	}
	if c.Cron.Generacion == "" {
		c.Cron.Generacion = "*/5 * * * *"
	}
	if c.Cron.Transmision == "" {
		c.Cron.Transmision = "*/10 * * * *"
	}
	if c.Cron.Precios == "" {
		c.Cron.Precios = "*/15 * * * *"
	}
	if c.Cron.Anomalias == "" {
		c.Cron.Anomalias = "0 * * * *"
	}
	if c.Cron.Limpieza == "" {
		c.Cron.Limpieza = "0 3 * * *"
	}
}

func defaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// Production reports whether Env is production.
func (c *Config) Production() bool { return c.Env == EnvProduction }

// TraceSQL reports whether statements go through the sqlite-trace driver.
func (c *Config) TraceSQL() bool {
	if c.SQLTrace != nil {
		return *c.SQLTrace
	}
	return !c.Production()
}

// Location returns the zone loaded from Timezone by validate, or UTC.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string { return ":" + strconv.Itoa(c.Port) }

func (c *Config) validate() error {
	var errs []error
	if c.Env != "development" && c.Env != EnvProduction && c.Env != "test" {
		errs = append(errs, fmt.Errorf("config: env %q must be development, production or test", c.Env))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: port %d out of range", c.Port))
	}
	if c.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("config: retention_days must be positive, got %d", c.RetentionDays))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: log_level %q must be debug, info, warn or error", c.LogLevel))
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		if c.Timezone != "America/Bogota" {
			errs = append(errs, fmt.Errorf("config: timezone %q: %w", c.Timezone, err))
		}
		loc = xm.Bogota()
	}
	c.location = loc

	if t := c.AI.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("config: ai temperature %v must be between 0 and 2", *t))
	}

	for name, spec := range c.Cron.specs() {
		if _, err := scheduler.Parser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("config: cron %s %q: %w", name, spec, err))
		}
	}
	return errors.Join(errs...)
}

func (c CronConfig) specs() map[string]string {
	return map[string]string{
		TaskDemanda:     c.Demanda,
		TaskGeneracion:  c.Generacion,
		TaskTransmision: c.Transmision,
		TaskPrecios:     c.Precios,
		TaskAnomalias:   c.Anomalias,
		TaskLimpieza:    c.Limpieza,
	}
}

// syncIntervals maps each ingested table to the period of its cron spec.
func (c CronConfig) syncIntervals(from time.Time) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, 4)
	for _, t := range []struct{ table, spec string }{
		{store.TableDemanda, c.Demanda},
		{store.TableGeneracion, c.Generacion},
		{store.TableTransmision, c.Transmision},
		{store.TablePrecios, c.Precios},
	} {
		d, err := scheduler.Interval(t.spec, from)
		if err != nil {
			return nil, fmt.Errorf("config: cron %s: %w", t.table, err)
		}
		out[t.table] = d
	}
	return out, nil
}

// LoadConfig reads the optional YAML file at path, overlays the process
// environment and a .env file in the working directory, applies defaults
// and validates the result.
func LoadConfig(path string) (*Config, error) {
	return loadConfig(path, ".env")
}

func loadConfig(path, envFile string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig() // a missing .env is fine
	}
	v.AutomaticEnv()
	if err := overlayEnv(cfg, v); err != nil {
		return nil, err
	}

	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayEnv copies every set environment key over the file values.
func overlayEnv(cfg *Config, v *viper.Viper) error {
	var errs []error
	str := func(key string, dst *string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}
	integer := func(key string, dst *int) {
		s := strings.TrimSpace(v.GetString(key))
		if s == "" {
			return
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %q is not an integer", key, s))
			return
		}
		*dst = n
	}

	str("NODE_ENV", &cfg.Env)
	str("APP_ENV", &cfg.Env)
	integer("PORT", &cfg.Port)
	str("DB_PATH", &cfg.DBPath)
	str("CRON_TIMEZONE", &cfg.Timezone)
	integer("RETENTION_DAYS", &cfg.RetentionDays)
	str("LOG_LEVEL", &cfg.LogLevel)
	if s := v.GetString("ALLOWED_ORIGINS"); s != "" {
		cfg.AllowedOrigins = splitList(s)
	}
	if s := strings.TrimSpace(v.GetString("SQL_TRACE")); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: SQL_TRACE: %q is not a boolean", s))
		} else {
			cfg.SQLTrace = &b
		}
	}

	if s := strings.TrimSpace(v.GetString("RATE_LIMIT_WINDOW")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Errorf("config: RATE_LIMIT_WINDOW: %q is not a positive number of minutes", s))
		} else {
			cfg.RateLimit.Window = time.Duration(n) * time.Minute
		}
	}
	integer("RATE_LIMIT_MAX_REQUESTS", &cfg.RateLimit.MaxRequests)

	str("CRON_DEMANDA", &cfg.Cron.Demanda)
	str("CRON_GENERACION", &cfg.Cron.Generacion)
	str("CRON_TRANSMISION", &cfg.Cron.Transmision)
	str("CRON_PRECIOS", &cfg.Cron.Precios)
	str("CRON_ANOMALIAS", &cfg.Cron.Anomalias)
	str("CRON_LIMPIEZA", &cfg.Cron.Limpieza)

	str("XM_BASE_URL", &cfg.XM.BaseURL)
	if s := strings.TrimSpace(v.GetString("XM_TIMEOUT")); s != "" {
		d, err := parseTimeout(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: XM_TIMEOUT: %w", err))
		} else {
			cfg.XM.Timeout = d
		}
	}

	str("OPENROUTER_API_KEY", &cfg.AI.APIKey)
	str("OPENROUTER_BASE_URL", &cfg.AI.BaseURL)
	str("AI_MODEL", &cfg.AI.Model)
	integer("AI_MAX_TOKENS", &cfg.AI.MaxTokens)
	if s := strings.TrimSpace(v.GetString("AI_TEMPERATURE")); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: AI_TEMPERATURE: %q is not a number", s))
		} else {
			cfg.AI.Temperature = &f
		}
	}
	return errors.Join(errs...)
}

// parseTimeout accepts a Go duration ("45s") or bare milliseconds ("30000").
func parseTimeout(s string) (time.Duration, error) {
	if ms, err := strconv.Atoi(s); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("%q must be positive", s)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%q is neither milliseconds nor a positive duration", s)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
