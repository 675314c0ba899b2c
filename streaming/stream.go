// Package streaming carries provider chunk sequences to consumers with
// configurable backpressure, idle timeouts, cancellation and terminal
// callback guarantees.
package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/provider"
)

// BackpressureMode decides what happens when the consumer falls behind
// the producer.
type BackpressureMode string

const (
	// ModeBuffer blocks the producer on a full bounded buffer.
	ModeBuffer BackpressureMode = "BUFFER"
	// ModeDropOldest evicts the oldest undelivered chunk on overflow.
	ModeDropOldest BackpressureMode = "DROP_OLDEST"
	// ModeLatest keeps only the most recent chunk.
	ModeLatest BackpressureMode = "LATEST"
	// ModeError fails the stream on overflow.
	ModeError BackpressureMode = "ERROR"
)

// Valid reports whether the mode is known. The zero value is invalid:
// callers must choose a mode explicitly.
func (m BackpressureMode) Valid() bool {
	switch m {
	case ModeBuffer, ModeDropOldest, ModeLatest, ModeError:
		return true
	}
	return false
}

// Config controls one stream's transport behavior.
type Config struct {
	// Mode is required; there is no default backpressure policy.
	Mode BackpressureMode `yaml:"mode"`
	// BufferSize bounds the delivery buffer for BUFFER, DROP_OLDEST and
	// ERROR modes.
	BufferSize int `yaml:"bufferSize"`
	// IdleTimeout fails the stream when no chunk arrives within it.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// Validate checks the configuration and applies buffer and timeout
// defaults. The mode has no default.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("backpressure mode is required, got %q: %w", c.Mode, core.ErrInvalidConfiguration)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("buffer size must be non-negative, got %d: %w", c.BufferSize, core.ErrInvalidConfiguration)
	}
	if c.BufferSize == 0 {
		c.BufferSize = 64
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must be non-negative, got %v: %w", c.IdleTimeout, core.ErrInvalidConfiguration)
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	return nil
}

// Callbacks observe the stream's terminal outcome. Exactly one of
// OnComplete, OnError and OnCancel fires, exactly once. Nil callbacks are
// skipped.
type Callbacks struct {
	OnComplete func(totalChunks int)
	OnError    func(err error)
	OnCancel   func(reason string)
}

// Stream pumps provider events to the consumer channel returned by Out,
// re-indexing chunks, applying the backpressure mode, annotating
// tool-call chunks, and enforcing the idle timeout.
type Stream struct {
	cfg       Config
	requestID string
	events    <-chan provider.StreamEvent
	abort     context.CancelFunc
	callbacks Callbacks
	logger    core.Logger

	out      chan core.StreamChunk
	cancelCh chan string
	terminal sync.Once
	done     chan struct{}

	detector toolCallDetector
}

// New creates a stream over the provider event channel. abort cancels the
// provider-side call and is invoked on every terminal path.
func New(cfg Config, requestID string, events <-chan provider.StreamEvent, abort context.CancelFunc, callbacks Callbacks, logger core.Logger) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stream config: %w", err)
	}
	if events == nil {
		return nil, fmt.Errorf("event channel cannot be nil")
	}
	if abort == nil {
		abort = func() {}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	size := cfg.BufferSize
	if cfg.Mode == ModeLatest {
		size = 1
	}
	return &Stream{
		cfg:       cfg,
		requestID: requestID,
		events:    events,
		abort:     abort,
		callbacks: callbacks,
		logger:    logger,
		out:       make(chan core.StreamChunk, size),
		cancelCh:  make(chan string, 1),
		done:      make(chan struct{}),
	}, nil
}

// Out is the consumer channel. It closes after the terminal callback.
func (s *Stream) Out() <-chan core.StreamChunk { return s.out }

// Done closes when the stream reaches a terminal state.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancel requests stream termination. The first call wins; the terminal
// OnCancel callback carries the reason.
func (s *Stream) Cancel(reason string) {
	select {
	case s.cancelCh <- reason:
	default:
	}
}

// Run pumps events until a terminal state. It must be called exactly once
// and returns after the terminal callback has fired and Out is closed.
func (s *Stream) Run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	next := 0
	sawFinal := false

	for {
		select {
		case reason := <-s.cancelCh:
			s.finishCancel(reason)
			return

		case <-ctx.Done():
			s.finishCancel(ctx.Err().Error())
			return

		case <-idle.C:
			s.finishError(&core.GatewayError{
				Op:        "stream",
				Kind:      core.KindTimeout,
				RequestID: s.requestID,
				Message:   fmt.Sprintf("no chunk within %v", s.cfg.IdleTimeout),
				Err:       core.ErrStreamTimeout,
			})
			return

		case ev, ok := <-s.events:
			if !ok {
				if !sawFinal {
					// The provider closed without a final marker;
					// synthesize one so consumers always see exactly one.
					if !s.deliver(ctx, core.StreamChunk{Index: next, Final: true}) {
						return
					}
					next++
				}
				s.finishComplete(next)
				return
			}
			if ev.Err != nil {
				s.finishError(ev.Err)
				return
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)

			chunk := ev.Chunk
			chunk.Index = next
			if chunk.Final {
				sawFinal = true
			}
			if s.detector.feed(chunk.Delta) {
				if chunk.Metadata == nil {
					chunk.Metadata = make(map[string]interface{}, 1)
				}
				chunk.Metadata["toolCall"] = true
			}
			if !s.deliver(ctx, chunk) {
				return
			}
			next++
		}
	}
}

// deliver hands the chunk to the consumer per the backpressure mode. A
// false return means the stream terminated during delivery.
func (s *Stream) deliver(ctx context.Context, chunk core.StreamChunk) bool {
	switch s.cfg.Mode {
	case ModeBuffer:
		select {
		case s.out <- chunk:
			return true
		case reason := <-s.cancelCh:
			s.finishCancel(reason)
			return false
		case <-ctx.Done():
			s.finishCancel(ctx.Err().Error())
			return false
		}

	case ModeDropOldest, ModeLatest:
		for {
			select {
			case s.out <- chunk:
				return true
			default:
			}
			// Full: evict the oldest undelivered chunk and retry. The
			// consumer may race us for it; either way room opens up.
			select {
			case <-s.out:
			default:
			}
		}

	case ModeError:
		select {
		case s.out <- chunk:
			return true
		default:
			s.finishError(&core.GatewayError{
				Op:        "stream",
				Kind:      core.KindInternal,
				RequestID: s.requestID,
				Message:   fmt.Sprintf("consumer fell behind a buffer of %d", s.cfg.BufferSize),
				Err:       core.ErrStreamOverflow,
			})
			return false
		}

	default:
		return false
	}
}

func (s *Stream) finishComplete(totalChunks int) {
	s.terminal.Do(func() {
		s.abort()
		s.logger.Debug("Stream completed", map[string]interface{}{
			"operation": "stream_complete",
			"requestId": s.requestID,
			"chunks":    totalChunks,
		})
		if s.callbacks.OnComplete != nil {
			s.callbacks.OnComplete(totalChunks)
		}
	})
}

func (s *Stream) finishError(err error) {
	s.terminal.Do(func() {
		s.abort()
		s.logger.Warn("Stream failed", map[string]interface{}{
			"operation": "stream_error",
			"requestId": s.requestID,
			"error":     err.Error(),
		})
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(err)
		}
	})
}

func (s *Stream) finishCancel(reason string) {
	s.terminal.Do(func() {
		s.abort()
		s.logger.Info("Stream cancelled", map[string]interface{}{
			"operation": "stream_cancel",
			"requestId": s.requestID,
			"reason":    reason,
		})
		if s.callbacks.OnCancel != nil {
			s.callbacks.OnCancel(reason)
		}
	})
}
