package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/openfluxai/fluxgate/core"
)

// Sink persists audit payloads. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(ctx context.Context, p *Payload) error
}

// LoggerSink writes each record as a structured log line.
type LoggerSink struct {
	logger core.Logger
}

// NewLoggerSink creates a sink over the logger.
func NewLoggerSink(logger core.Logger) *LoggerSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LoggerSink{logger: logger}
}

func (s *LoggerSink) Write(_ context.Context, p *Payload) error {
	fields := map[string]interface{}{
		"operation": "audit",
		"runId":     p.RunID,
		"event":     p.Event,
		"level":     string(p.Level),
		"actor":     p.Actor.ID,
		"hash":      p.Hash,
	}
	if p.NodeID != "" {
		fields["nodeId"] = p.NodeID
	}
	for k, v := range p.Metadata {
		fields["meta."+k] = v
	}
	switch p.Level {
	case LevelError, LevelCritical:
		s.logger.Error("Audit event", fields)
	case LevelWarn:
		s.logger.Warn("Audit event", fields)
	default:
		s.logger.Info("Audit event", fields)
	}
	return nil
}

// MemorySink retains records in memory for tests and inspection endpoints.
type MemorySink struct {
	mu      sync.Mutex
	records []*Payload
	limit   int
}

// NewMemorySink creates a sink retaining at most limit records; zero means
// unbounded.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Write(_ context.Context, p *Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, p)
	if s.limit > 0 && len(s.records) > s.limit {
		s.records = s.records[len(s.records)-s.limit:]
	}
	return nil
}

// Records returns a copy of the retained records in write order.
func (s *MemorySink) Records() []*Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Payload, len(s.records))
	copy(out, s.records)
	return out
}

// redisAuditKey is the list audit records are pushed to.
const redisAuditKey = "fluxgate:audit"

// RedisSink appends JSON records to a Redis list, newest first.
type RedisSink struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewRedisSink creates a Redis-backed sink. A positive maxLen trims the
// list after each write.
func NewRedisSink(client *redis.Client, maxLen int64) *RedisSink {
	return &RedisSink{client: client, key: redisAuditKey, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, p *Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling audit payload: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("pushing audit payload: %w", err)
	}
	if s.maxLen > 0 {
		if err := s.client.LTrim(ctx, s.key, 0, s.maxLen-1).Err(); err != nil {
			return fmt.Errorf("trimming audit list: %w", err)
		}
	}
	return nil
}

// Recorder fans records out to its sinks. Sink failures are counted and
// logged but never propagated: auditing is observational.
type Recorder struct {
	sinks   []Sink
	logger  core.Logger
	dropped atomic.Uint64
	timeout time.Duration
}

// NewRecorder creates a recorder over the sinks.
func NewRecorder(logger core.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Recorder{sinks: sinks, logger: logger, timeout: 5 * time.Second}
}

// Record writes the payload to every sink, swallowing failures.
func (r *Recorder) Record(ctx context.Context, p *Payload) {
	if len(r.sinks) == 0 {
		return
	}
	// Audit writes should survive request cancellation.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, sink := range r.sinks {
		if err := sink.Write(wctx, p); err != nil {
			r.dropped.Add(1)
			r.logger.Warn("Audit sink write failed", map[string]interface{}{
				"operation": "audit_sink_write",
				"runId":     p.RunID,
				"event":     p.Event,
				"error":     err.Error(),
			})
		}
	}
}

// Dropped returns the count of failed sink writes.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }
