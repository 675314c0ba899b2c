// Package routing selects a provider for each request from the eligible
// candidate set, applying one of the pluggable selection strategies and
// recording the decision with its ordered fallbacks.
package routing

import (
	"fmt"
	"time"
)

// Strategy names a provider selection algorithm.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "ROUND_ROBIN"
	StrategyRandom           Strategy = "RANDOM"
	StrategyWeightedRandom   Strategy = "WEIGHTED_RANDOM"
	StrategyLeastLoaded      Strategy = "LEAST_LOADED"
	StrategyCostOptimized    Strategy = "COST_OPTIMIZED"
	StrategyLatencyOptimized Strategy = "LATENCY_OPTIMIZED"
	StrategyFailover         Strategy = "FAILOVER"
	StrategyScored           Strategy = "SCORED"
	StrategyUserSelected     Strategy = "USER_SELECTED"
)

// Valid reports whether the strategy is known.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyRandom, StrategyWeightedRandom,
		StrategyLeastLoaded, StrategyCostOptimized, StrategyLatencyOptimized,
		StrategyFailover, StrategyScored, StrategyUserSelected:
		return true
	}
	return false
}

// Config is the hot-reloadable routing configuration.
type Config struct {
	// DefaultStrategy applies when the request context does not override.
	DefaultStrategy Strategy `yaml:"defaultStrategy"`
	// Pools are named ordered provider groups.
	Pools map[string][]string `yaml:"pools,omitempty"`
	// Weights feed WEIGHTED_RANDOM and the SCORED strategy.
	Weights map[string]float64 `yaml:"weights,omitempty"`
	// AutoFailover enables orchestrator-side failover re-routing.
	AutoFailover bool `yaml:"autoFailover"`
	// MaxRetries bounds failover attempts; zero disables failover.
	MaxRetries int `yaml:"maxRetries"`
	// RetryDelay seeds the exponential failover backoff.
	RetryDelay time.Duration `yaml:"retryDelay"`
	// HealthInterval paces the provider health prober.
	HealthInterval time.Duration `yaml:"healthInterval"`
	// PreferLocal biases the SCORED strategy toward local providers.
	PreferLocal bool `yaml:"preferLocal"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultStrategy: StrategyScored,
		AutoFailover:    true,
		MaxRetries:      2,
		RetryDelay:      250 * time.Millisecond,
		HealthInterval:  30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = StrategyScored
	}
	if !c.DefaultStrategy.Valid() {
		return fmt.Errorf("unknown default strategy %q", c.DefaultStrategy)
	}
	for id, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("weight for %q must be non-negative, got %f", id, w)
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative, got %v", c.RetryDelay)
	}
	return nil
}

// Context carries the per-request routing inputs.
type Context struct {
	Tenant            string
	PreferredProvider string
	Excluded          []string
	DeviceHint        string
	CostSensitive     bool
	Priority          int
	PoolID            string
	// Strategy overrides the config default when set.
	Strategy Strategy
}

// excludedSet returns the exclusion list as a set.
func (c *Context) excludedSet() map[string]bool {
	if len(c.Excluded) == 0 {
		return nil
	}
	set := make(map[string]bool, len(c.Excluded))
	for _, id := range c.Excluded {
		set[id] = true
	}
	return set
}

// Decision records the outcome of a routing call. The selected provider is
// always disjoint from the fallbacks.
type Decision struct {
	Provider  string    `json:"selectedProvider"`
	PoolID    string    `json:"poolId,omitempty"`
	Strategy  Strategy  `json:"strategy"`
	Score     float64   `json:"score"`
	Fallbacks []string  `json:"fallbackProviders"`
	Timestamp time.Time `json:"timestamp"`
}
