package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/orchestra/internal/access"
	"github.com/seantiz/orchestra/internal/backend"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "orchestra.db"
	defaultTimeout       = 30 * time.Second
	defaultMaxRetries    = 3
	defaultCancelAck     = 2 * time.Second
	defaultChannelPrefix = "orchestra"
	defaultEventTTL      = time.Hour

	envConfigPath         = "ORCHESTRA_CONFIG"
	envListenAddr         = "ORCHESTRA_LISTEN_ADDR"
	envDBPath             = "ORCHESTRA_DB_PATH"
	envLogLevel           = "ORCHESTRA_LOG_LEVEL"
	envRedisURL           = "ORCHESTRA_REDIS_URL"
	envDefaultTimeout     = "ORCHESTRA_DEFAULT_TIMEOUT"
	envEnforceConcurrency = "ORCHESTRA_ENFORCE_CONCURRENCY"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file, then environment variables.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	Execution ExecutionConfig          `yaml:"execution"`
	Notify    NotifyConfig             `yaml:"notify"`
	Backends  map[string]BackendConfig `yaml:"backends"`
	Access    AccessConfig             `yaml:"access"`
	API       APIConfig                `yaml:"api"`
}

// ExecutionConfig is the lifecycle policy.
type ExecutionConfig struct {
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	DefaultMaxRetries  int           `yaml:"default_max_retries"`
	CancelAckTimeout   time.Duration `yaml:"cancel_ack_timeout"`
	EnforceConcurrency bool          `yaml:"enforce_concurrency"`
}

// NotifyConfig controls lifecycle event delivery. Redis is used only when
// RedisURL is set.
type NotifyConfig struct {
	RedisURL      string        `yaml:"redis_url"`
	ChannelPrefix string        `yaml:"channel_prefix"`
	EventTTL      time.Duration `yaml:"event_ttl"`
}

// BackendConfig configures one adapter. Backends are enabled unless
// explicitly disabled.
type BackendConfig struct {
	Enabled        *bool `yaml:"enabled"`
	backend.Config `yaml:",inline"`
}

// IsEnabled reports whether the backend should be registered.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// AccessConfig selects the access policy. When disabled every caller is allowed.
type AccessConfig struct {
	Enabled             bool `yaml:"enabled"`
	access.StaticPolicy `yaml:",inline"`
}

// Checker builds the configured access checker.
func (a AccessConfig) Checker() access.Checker {
	if !a.Enabled {
		return access.AllowAll{}
	}
	return a.StaticPolicy
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	// SubmitRate is the sustained number of submissions per second accepted
	// across all callers. Zero disables throttling.
	SubmitRate     float64  `yaml:"submit_rate"`
	SubmitBurst    int      `yaml:"submit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   "info",
		Execution: ExecutionConfig{
			DefaultTimeout:    defaultTimeout,
			DefaultMaxRetries: defaultMaxRetries,
			CancelAckTimeout:  defaultCancelAck,
		},
		Notify: NotifyConfig{
			ChannelPrefix: defaultChannelPrefix,
			EventTTL:      defaultEventTTL,
		},
		Backends: map[string]BackendConfig{},
		API: APIConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load builds the configuration. path names a YAML file; when empty the
// ORCHESTRA_CONFIG environment variable is consulted, and when that is empty
// too no file is read.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if cfg.Backends == nil {
		cfg.Backends = map[string]BackendConfig{}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envRedisURL); v != "" {
		cfg.Notify.RedisURL = v
	}
	if v := os.Getenv(envDefaultTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envDefaultTimeout, err)
		}
		cfg.Execution.DefaultTimeout = d
	}
	if v := os.Getenv(envEnforceConcurrency); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envEnforceConcurrency, err)
		}
		cfg.Execution.EnforceConcurrency = b
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is empty"))
	}
	if c.Execution.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("execution.default_timeout must be positive"))
	}
	if c.Execution.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("execution.default_max_retries must not be negative"))
	}
	if c.API.SubmitRate < 0 {
		errs = append(errs, errors.New("api.submit_rate must not be negative"))
	}
	for id, b := range c.Backends {
		if b.StepScale < 0 {
			errs = append(errs, fmt.Errorf("backends.%s.step_scale must not be negative", id))
		}
	}
	return errors.Join(errs...)
}

// Backend returns the settings for backend id, or the zero settings.
func (c Config) Backend(id string) BackendConfig {
	return c.Backends[id]
}

// Level is the parsed log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
