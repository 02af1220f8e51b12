// Package config centralises runtime configuration for the connector service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wandererhq/connector/errs"
)

// Environment identifies the runtime environment where the connector operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// DatabaseSettings configures the Postgres endpoint shared by the pool and listener.
type DatabaseSettings struct {
	URL string `yaml:"url"`
}

// PoolSettings bounds the synchronous connection pool.
type PoolSettings struct {
	Capacity       int           `yaml:"capacity"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
}

// WorkerSettings sizes the worker pool that hosts blocking database calls.
type WorkerSettings struct {
	Count int `yaml:"count"`
	Queue int `yaml:"queue"`
}

// Watch names one table whose inserts feed a notification channel.
type Watch struct {
	Table   string `yaml:"table"`
	Channel string `yaml:"channel"`
}

// BackoffSettings tunes the listener reconnection schedule.
type BackoffSettings struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	// MaxRetries bounds consecutive reconnect attempts; zero or negative retries forever.
	MaxRetries int `yaml:"maxRetries"`
}

// ListenerSettings configures the dedicated notification connection.
type ListenerSettings struct {
	Watches []Watch         `yaml:"watches"`
	Backoff BackoffSettings `yaml:"backoff"`
}

// RouterSettings configures notification fan-out behaviour.
type RouterSettings struct {
	// BufferSize is the per-subscriber channel depth; overflow drops the oldest message.
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// ServerSettings configures the HTTP API surface.
type ServerSettings struct {
	Addr             string  `yaml:"addr"`
	RequestsPerSec   float64 `yaml:"requestsPerSec"`
	RequestBurst     int     `yaml:"requestBurst"`
	ReadHeaderMillis int     `yaml:"readHeaderMillis"`
}

// TelemetrySettings configures the OpenTelemetry exporters.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the connector configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Database    DatabaseSettings  `yaml:"database"`
	Pool        PoolSettings      `yaml:"pool"`
	Workers     WorkerSettings    `yaml:"workers"`
	Listener    ListenerSettings  `yaml:"listener"`
	Router      RouterSettings    `yaml:"router"`
	Server      ServerSettings    `yaml:"server"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// Default returns the default connector configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Database: DatabaseSettings{
			URL: "",
		},
		Pool: PoolSettings{
			Capacity:       10,
			AcquireTimeout: 5 * time.Second,
		},
		Workers: WorkerSettings{
			Count: 8,
			Queue: 64,
		},
		Listener: ListenerSettings{
			Watches: []Watch{{Table: "users", Channel: "users_insert"}},
			Backoff: BackoffSettings{
				InitialInterval: 500 * time.Millisecond,
				Multiplier:      2.0,
				MaxInterval:     30 * time.Second,
				MaxRetries:      0,
			},
		},
		Router: RouterSettings{
			BufferSize:    64,
			FanoutWorkers: 4,
		},
		Server: ServerSettings{
			Addr:             ":3000",
			RequestsPerSec:   100,
			RequestBurst:     200,
			ReadHeaderMillis: 5000,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "connector",
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("CONNECTOR_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_POOL_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Capacity = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_POOL_ACQUIRE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Pool.AcquireTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_WORKER_COUNT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Count = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_LISTEN_CHANNELS")); v != "" {
		cfg.Listener.Watches = parseWatchList(v)
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_BACKOFF_INITIAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Listener.Backoff.InitialInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_BACKOFF_MAX")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Listener.Backoff.MaxInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_BACKOFF_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Listener.Backoff.MaxRetries = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_ROUTER_BUFFER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Router.BufferSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CONNECTOR_HTTP_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// parseWatchList parses "table:channel,table:channel" pairs; a bare name watches
// the table on a "<table>_insert" channel.
func parseWatchList(raw string) []Watch {
	parts := strings.Split(raw, ",")
	watches := make([]Watch, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		table, channel, found := strings.Cut(part, ":")
		table = strings.TrimSpace(table)
		if table == "" {
			continue
		}
		channel = strings.TrimSpace(channel)
		if !found || channel == "" {
			channel = table + "_insert"
		}
		watches = append(watches, Watch{Table: table, Channel: channel})
	}
	return watches
}

// LoadFile reads settings from a YAML file layered over the defaults.
func LoadFile(path string) (Settings, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.New("config/load", errs.CodeConfiguration,
			errs.WithMessage("parse config file"), errs.WithCause(err))
	}
	return cfg, nil
}

// LoadOrEnv loads the YAML file at path when it exists, falling back to
// environment-derived settings otherwise. The boolean reports whether a file
// was used.
func LoadOrEnv(path string) (Settings, bool, error) {
	if strings.TrimSpace(path) == "" {
		return FromEnv(), false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FromEnv(), false, nil
		}
		return Settings{}, false, fmt.Errorf("stat config file: %w", err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return Settings{}, false, err
	}
	return cfg, true, nil
}

// Validate checks the settings for startup-fatal mistakes.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Database.URL) == "" {
		return errs.New("config/validate", errs.CodeConfiguration, errs.WithMessage("database URL required"))
	}
	if s.Pool.Capacity <= 0 {
		return errs.New("config/validate", errs.CodeConfiguration, errs.WithMessage("pool capacity must be positive"))
	}
	if s.Pool.AcquireTimeout <= 0 {
		return errs.New("config/validate", errs.CodeConfiguration, errs.WithMessage("pool acquire timeout must be positive"))
	}
	if s.Workers.Count <= 0 {
		return errs.New("config/validate", errs.CodeConfiguration, errs.WithMessage("worker count must be positive"))
	}
	if len(s.Listener.Watches) == 0 {
		return errs.New("config/validate", errs.CodeConfiguration, errs.WithMessage("at least one watched channel required"))
	}
	for _, w := range s.Listener.Watches {
		if strings.TrimSpace(w.Table) == "" || strings.TrimSpace(w.Channel) == "" {
			return errs.New("config/validate", errs.CodeConfiguration, errs.WithMessage("watch entries need table and channel"))
		}
	}
	if s.Listener.Backoff.InitialInterval <= 0 || s.Listener.Backoff.MaxInterval <= 0 {
		return errs.New("config/validate", errs.CodeConfiguration, errs.WithMessage("backoff intervals must be positive"))
	}
	if s.Listener.Backoff.Multiplier < 1 {
		return errs.New("config/validate", errs.CodeConfiguration, errs.WithMessage("backoff multiplier must be >=1"))
	}
	if s.Router.BufferSize <= 0 {
		return errs.New("config/validate", errs.CodeConfiguration, errs.WithMessage("router buffer size must be positive"))
	}
	return nil
}

// Channels returns the configured channel names in watch order.
func (s ListenerSettings) Channels() []string {
	channels := make([]string, 0, len(s.Watches))
	for _, w := range s.Watches {
		channels = append(channels, w.Channel)
	}
	return channels
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithDatabaseURL overrides the datastore connection string.
func WithDatabaseURL(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		if url != "" {
			s.Database.URL = url
		}
	}
}

// WithPoolCapacity overrides the connection pool capacity.
func WithPoolCapacity(capacity int) Option {
	return func(s *Settings) {
		if capacity > 0 {
			s.Pool.Capacity = capacity
		}
	}
}

// WithAcquireTimeout overrides the pool acquire timeout.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(s *Settings) {
		if timeout > 0 {
			s.Pool.AcquireTimeout = timeout
		}
	}
}

// WithWatches replaces the watched table/channel set.
func WithWatches(watches ...Watch) Option {
	return func(s *Settings) {
		if len(watches) > 0 {
			s.Listener.Watches = append([]Watch(nil), watches...)
		}
	}
}

// WithBackoff overrides the listener reconnect schedule.
func WithBackoff(b BackoffSettings) Option {
	return func(s *Settings) {
		s.Listener.Backoff = b
	}
}

// WithServerAddr overrides the HTTP listen address.
func WithServerAddr(addr string) Option {
	addr = strings.TrimSpace(addr)
	return func(s *Settings) {
		if addr != "" {
			s.Server.Addr = addr
		}
	}
}

func (s Settings) clone() Settings {
	out := s
	out.Listener.Watches = append([]Watch(nil), s.Listener.Watches...)
	return out
}
