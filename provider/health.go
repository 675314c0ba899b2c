package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfluxai/fluxgate/core"
)

// probeTimeout bounds a single health call.
const probeTimeout = 5 * time.Second

// Prober samples provider health at a fixed interval and records the
// results in the registry.
type Prober struct {
	registry *Registry
	interval time.Duration
	logger   core.Logger
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewProber creates a health prober. Intervals below one second are
// raised to one second.
func NewProber(registry *Registry, interval time.Duration, logger core.Logger) *Prober {
	if interval < time.Second {
		interval = time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Prober{
		registry: registry,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop. It returns immediately; call Stop to end
// the loop.
func (p *Prober) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		p.probeAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to finish. Stopping a prober
// that never started is a no-op.
func (p *Prober) Stop() {
	if !p.started.Load() {
		return
	}
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, prov := range p.registry.List() {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		h := prov.Health(probeCtx)
		cancel()
		if h.Timestamp.IsZero() {
			h.Timestamp = time.Now()
		}
		p.registry.SetHealth(prov.ID(), h)
		if h.Status != Healthy {
			p.logger.Warn("Provider health degraded", map[string]interface{}{
				"operation": "health_probe",
				"provider":  prov.ID(),
				"status":    string(h.Status),
				"details":   h.Details,
			})
		}
	}
}
