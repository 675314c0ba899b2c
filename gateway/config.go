// Package gateway assembles the gateway from configuration: providers,
// resilience, routing, the plugin pipeline, audit sinks and the HTTP
// edge.
package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/pipeline"
	"github.com/openfluxai/fluxgate/provider"
	"github.com/openfluxai/fluxgate/routing"
	"github.com/openfluxai/fluxgate/streaming"
	"github.com/openfluxai/fluxgate/tenant"
)

// ProviderConfig declares one upstream provider.
type ProviderConfig struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name,omitempty"`
	Vendor    string        `yaml:"vendor,omitempty"`
	Tier      string        `yaml:"tier,omitempty"` // local | cloud
	BaseURL   string        `yaml:"baseUrl"`
	APIKey    string        `yaml:"apiKey,omitempty"` // supports ${ENV_VAR} expansion
	ModelGlob string        `yaml:"modelGlob,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	Streaming bool          `yaml:"streaming"`
}

// BreakerSettings are the circuit breaker template parameters applied to
// every provider.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Window           time.Duration `yaml:"window"`
	OpenDuration     time.Duration `yaml:"openDuration"`
	ProbePermits     int           `yaml:"probePermits"`
	SuccessThreshold int           `yaml:"successThreshold"`
}

// RateLimitSettings choose the per-(provider, tenant) limiter algorithm.
type RateLimitSettings struct {
	// Algorithm is "token-bucket" or "sliding-window"; empty disables
	// rate limiting.
	Algorithm string        `yaml:"algorithm,omitempty"`
	Capacity  int           `yaml:"capacity,omitempty"`
	Period    time.Duration `yaml:"period,omitempty"`
}

// RedisSettings connect the shared state backend. An empty address keeps
// everything in process memory.
type RedisSettings struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// AuditSettings choose the audit sinks.
type AuditSettings struct {
	// Sinks lists "logger", "memory" and "redis" in any combination.
	Sinks []string `yaml:"sinks,omitempty"`
	// MemoryLimit caps the memory sink; zero means unbounded.
	MemoryLimit int `yaml:"memoryLimit,omitempty"`
	// RedisMaxLen trims the Redis audit list; zero keeps everything.
	RedisMaxLen int64 `yaml:"redisMaxLen,omitempty"`
}

// TelemetrySettings configure tracing and metrics export.
type TelemetrySettings struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint,omitempty"` // OTLP gRPC; empty means stdout
}

// Config is the gateway's full configuration tree.
type Config struct {
	ServiceName string `yaml:"serviceName,omitempty"`
	Listen      string `yaml:"listen,omitempty"`
	LogLevel    string `yaml:"logLevel,omitempty"`

	Redis     RedisSettings     `yaml:"redis,omitempty"`
	Providers []ProviderConfig  `yaml:"providers"`
	Routing   routing.Config    `yaml:"routing"`
	Breaker   BreakerSettings   `yaml:"breaker"`
	RateLimit RateLimitSettings `yaml:"rateLimit,omitempty"`

	// Tenants maps tenant ids to their attributes. Empty admits any
	// tenant id with no attributes.
	Tenants map[string]map[string]string `yaml:"tenants,omitempty"`
	Quota   tenant.Limits                `yaml:"quota,omitempty"`

	Stream     streaming.Config          `yaml:"stream"`
	Validation pipeline.ValidationConfig `yaml:"validation,omitempty"`
	PreProcess pipeline.PreProcessConfig `yaml:"preprocess,omitempty"`
	Audit      AuditSettings             `yaml:"audit,omitempty"`
	Telemetry  TelemetrySettings         `yaml:"telemetry,omitempty"`
}

// DefaultConfig returns a runnable single-node configuration. The stream
// backpressure mode is deliberately left unset: callers must choose one.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "fluxgate",
		Listen:      ":8080",
		LogLevel:    "info",
		Routing:     *routing.DefaultConfig(),
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			Window:           10 * time.Second,
			OpenDuration:     30 * time.Second,
			ProbePermits:     1,
			SuccessThreshold: 1,
		},
		Audit: AuditSettings{Sinks: []string{"logger"}},
	}
}

// LoadConfig reads a YAML config file over the defaults and applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("FLUXGATE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("FLUXGATE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FLUXGATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("FLUXGATE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = v
	}
	for i := range c.Providers {
		c.Providers[i].APIKey = os.ExpandEnv(c.Providers[i].APIKey)
	}
}

// Validate checks the whole tree.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required: %w", core.ErrInvalidConfiguration)
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider %d: id is required: %w", i, core.ErrInvalidConfiguration)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %q declared twice: %w", p.ID, core.ErrInvalidConfiguration)
		}
		seen[p.ID] = true
		if p.Tier != "" && p.Tier != string(provider.TierLocal) && p.Tier != string(provider.TierCloud) {
			return fmt.Errorf("provider %q: unknown tier %q: %w", p.ID, p.Tier, core.ErrInvalidConfiguration)
		}
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.Window <= 0 || c.Breaker.OpenDuration <= 0 ||
		c.Breaker.ProbePermits < 1 || c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker parameters must all be positive: %w", core.ErrInvalidConfiguration)
	}
	switch c.RateLimit.Algorithm {
	case "", "token-bucket", "sliding-window":
	default:
		return fmt.Errorf("unknown rate limit algorithm %q: %w", c.RateLimit.Algorithm, core.ErrInvalidConfiguration)
	}
	if c.RateLimit.Algorithm != "" && (c.RateLimit.Capacity <= 0 || c.RateLimit.Period <= 0) {
		return fmt.Errorf("rate limit capacity and period must be positive: %w", core.ErrInvalidConfiguration)
	}
	if err := c.Quota.Validate(); err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := c.PreProcess.Validate(); err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	for _, sink := range c.Audit.Sinks {
		switch sink {
		case "logger", "memory", "redis":
		default:
			return fmt.Errorf("unknown audit sink %q: %w", sink, core.ErrInvalidConfiguration)
		}
	}
	return nil
}
