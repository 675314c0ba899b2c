// Package provider defines the normalized provider contract and the
// registry the router and orchestrator read from. Providers are flat
// capability sets: every adapter implements Provider, streaming-capable
// ones additionally implement Streamer, embedding-capable ones Embedder.
package provider

import (
	"context"
	"path"
	"time"

	"github.com/openfluxai/fluxgate/core"
)

// HealthStatus for providers.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is a sampled provider health report. Timestamps are monotonic per
// provider: the registry drops stale reports.
type Health struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Tier classifies a provider for cost-aware routing.
type Tier string

const (
	TierLocal   Tier = "local"
	TierCloud   Tier = "cloud"
	TierUnknown Tier = "unknown"
)

// Capabilities describes what a provider can do. Immutable after
// registration.
type Capabilities struct {
	Streaming       bool `json:"streaming"`
	FunctionCalling bool `json:"functionCalling"`
	Multimodal      bool `json:"multimodal"`
	Embeddings      bool `json:"embeddings"`
	MaxContext      int  `json:"maxContext"`
	MaxOutput       int  `json:"maxOutput"`
}

// Descriptor identifies a provider and its static properties.
type Descriptor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Vendor       string       `json:"vendor"`
	Tier         Tier         `json:"tier"`
	ModelGlob    string       `json:"modelGlob"`
	Capabilities Capabilities `json:"capabilities"`
}

// MatchesModel reports whether the descriptor's glob claims the model.
// An empty glob claims everything.
func (d Descriptor) MatchesModel(modelID string) bool {
	if d.ModelGlob == "" {
		return true
	}
	ok, err := path.Match(d.ModelGlob, modelID)
	return err == nil && ok
}

// Provider is the normalized adapter contract consumed by the core.
// Implementations live outside the core pipeline and may fail Infer with
// the provider error kinds (quota, transient, permanent, unavailable).
type Provider interface {
	ID() string
	Name() string
	Descriptor() Descriptor
	Capabilities() Capabilities

	Initialize(ctx context.Context, config map[string]interface{}) error
	Shutdown(ctx context.Context) error

	// Supports reports whether the provider claims the model for this
	// request.
	Supports(modelID string, req *core.InferenceRequest) bool

	Infer(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error)

	Health(ctx context.Context) Health
}

// StreamEvent is one element of a provider's lazy chunk sequence. The
// producer closes the channel after the last event; a non-nil Err is
// terminal.
type StreamEvent struct {
	Chunk core.StreamChunk
	Err   error
}

// Streamer is implemented by providers that support chunked responses.
type Streamer interface {
	InferStream(ctx context.Context, req *core.InferenceRequest) (<-chan StreamEvent, error)
}

// Embedder is implemented by providers that support embeddings.
type Embedder interface {
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}
