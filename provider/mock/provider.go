// Package mock provides a scripted provider for tests and local runs.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/provider"
)

// Provider is a scriptable in-memory provider. Responses, errors and
// stream chunks are configured per instance; every call is recorded.
type Provider struct {
	Desc provider.Descriptor

	mu sync.Mutex

	// Response returned by Infer when Err is nil.
	Response *core.InferenceResponse
	// Err, when non-nil, fails Infer. ErrOnce limits it to the first call.
	Err     error
	ErrOnce bool
	// Chunks emitted by InferStream.
	Chunks []core.StreamChunk
	// StreamDelay paces chunk emission, useful for timeout tests.
	StreamDelay time.Duration
	// HealthStatus reported by Health, defaults to healthy.
	HealthStatus provider.HealthStatus
	// Latency delays each Infer call.
	Latency time.Duration

	inferCalls  int
	streamCalls int
	cancelled   bool
}

// New creates a mock provider with the given id.
func New(id string) *Provider {
	return &Provider{
		Desc: provider.Descriptor{
			ID:     id,
			Name:   id,
			Vendor: "mock",
			Tier:   provider.TierLocal,
			Capabilities: provider.Capabilities{
				Streaming:  true,
				MaxContext: 8192,
				MaxOutput:  4096,
			},
		},
	}
}

func (p *Provider) ID() string                          { return p.Desc.ID }
func (p *Provider) Name() string                        { return p.Desc.Name }
func (p *Provider) Descriptor() provider.Descriptor     { return p.Desc }
func (p *Provider) Capabilities() provider.Capabilities { return p.Desc.Capabilities }

func (p *Provider) Initialize(ctx context.Context, config map[string]interface{}) error { return nil }
func (p *Provider) Shutdown(ctx context.Context) error                                  { return nil }

func (p *Provider) Supports(modelID string, req *core.InferenceRequest) bool {
	return p.Desc.MatchesModel(modelID)
}

// InferCalls returns how many unary calls were made.
func (p *Provider) InferCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inferCalls
}

// StreamCalls returns how many streaming calls were made.
func (p *Provider) StreamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCalls
}

// Cancelled reports whether a stream observed context cancellation.
func (p *Provider) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (p *Provider) takeErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.Err
	if err != nil && p.ErrOnce {
		p.Err = nil
	}
	return err
}

func (p *Provider) Infer(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	p.mu.Lock()
	p.inferCalls++
	latency := p.Latency
	resp := p.Response
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(latency):
		}
	}
	if err := p.takeErr(); err != nil {
		return nil, err
	}
	if resp != nil {
		out := *resp
		out.RequestID = req.RequestID
		return &out, nil
	}
	return &core.InferenceResponse{
		RequestID:  req.RequestID,
		Content:    "ok",
		Model:      req.Model,
		TokensUsed: 1,
	}, nil
}

func (p *Provider) InferStream(ctx context.Context, req *core.InferenceRequest) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	p.streamCalls++
	chunks := make([]core.StreamChunk, len(p.Chunks))
	copy(chunks, p.Chunks)
	delay := p.StreamDelay
	p.mu.Unlock()

	if err := p.takeErr(); err != nil {
		return nil, err
	}

	out := make(chan provider.StreamEvent)
	go func() {
		defer close(out)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					p.mu.Lock()
					p.cancelled = true
					p.mu.Unlock()
					return
				case <-time.After(delay):
				}
			}
			select {
			case out <- provider.StreamEvent{Chunk: c}:
			case <-ctx.Done():
				p.mu.Lock()
				p.cancelled = true
				p.mu.Unlock()
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) Health(ctx context.Context) provider.Health {
	p.mu.Lock()
	status := p.HealthStatus
	p.mu.Unlock()
	if status == "" {
		status = provider.Healthy
	}
	return provider.Health{Status: status, Timestamp: time.Now()}
}

// SetHealth updates the reported health status.
func (p *Provider) SetHealth(status provider.HealthStatus) {
	p.mu.Lock()
	p.HealthStatus = status
	p.mu.Unlock()
}
