package streaming

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/provider"
)

// terminalCounter records which terminal callback fired, and how often.
type terminalCounter struct {
	completes atomic.Int32
	errored   atomic.Int32
	cancels   atomic.Int32

	chunks atomic.Int32
	err    atomic.Value // error
	reason atomic.Value // string
}

func (c *terminalCounter) callbacks() Callbacks {
	return Callbacks{
		OnComplete: func(total int) {
			c.completes.Add(1)
			c.chunks.Store(int32(total))
		},
		OnError: func(err error) {
			c.errored.Add(1)
			c.err.Store(err)
		},
		OnCancel: func(reason string) {
			c.cancels.Add(1)
			c.reason.Store(reason)
		},
	}
}

func (c *terminalCounter) assertExactlyOne(t *testing.T, complete, errored, cancel int32) {
	t.Helper()
	if got := c.completes.Load(); got != complete {
		t.Errorf("OnComplete fired %d times, want %d", got, complete)
	}
	if got := c.errored.Load(); got != errored {
		t.Errorf("OnError fired %d times, want %d", got, errored)
	}
	if got := c.cancels.Load(); got != cancel {
		t.Errorf("OnCancel fired %d times, want %d", got, cancel)
	}
}

func newTestStream(t *testing.T, cfg Config, events <-chan provider.StreamEvent, counter *terminalCounter) (*Stream, *atomic.Int32) {
	t.Helper()
	var aborts atomic.Int32
	s, err := New(cfg, "r1", events, func() { aborts.Add(1) }, counter.callbacks(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, &aborts
}

func drain(t *testing.T, s *Stream) []core.StreamChunk {
	t.Helper()
	var out []core.StreamChunk
	for {
		select {
		case chunk, ok := <-s.Out():
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not terminate")
		}
	}
}

func TestStreamReindexesAndCompletes(t *testing.T) {
	events := make(chan provider.StreamEvent)
	counter := &terminalCounter{}
	s, aborts := newTestStream(t, Config{Mode: ModeBuffer}, events, counter)

	go func() {
		// Provider indices are garbage; the stream must renumber.
		events <- provider.StreamEvent{Chunk: core.StreamChunk{Index: 7, Delta: "a"}}
		events <- provider.StreamEvent{Chunk: core.StreamChunk{Index: 3, Delta: "b"}}
		events <- provider.StreamEvent{Chunk: core.StreamChunk{Index: 0, Delta: "", Final: true}}
		close(events)
	}()
	go s.Run(context.Background())

	chunks := drain(t, s)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	finals := 0
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Final {
			finals++
		}
	}
	if finals != 1 {
		t.Errorf("final chunks = %d, want exactly 1", finals)
	}
	<-s.Done()
	counter.assertExactlyOne(t, 1, 0, 0)
	if got := counter.chunks.Load(); got != 3 {
		t.Errorf("OnComplete total = %d, want 3", got)
	}
	if aborts.Load() != 1 {
		t.Errorf("abort called %d times, want 1", aborts.Load())
	}
}

func TestStreamSynthesizesFinalChunk(t *testing.T) {
	events := make(chan provider.StreamEvent)
	counter := &terminalCounter{}
	s, _ := newTestStream(t, Config{Mode: ModeBuffer}, events, counter)

	go func() {
		events <- provider.StreamEvent{Chunk: core.StreamChunk{Delta: "partial"}}
		close(events) // no final marker
	}()
	go s.Run(context.Background())

	chunks := drain(t, s)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2 (data + synthesized final)", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if !last.Final || last.Delta != "" {
		t.Errorf("synthesized final = %+v, want empty final chunk", last)
	}
	<-s.Done()
	counter.assertExactlyOne(t, 1, 0, 0)
}

func TestStreamCancelMidFlight(t *testing.T) {
	events := make(chan provider.StreamEvent)
	counter := &terminalCounter{}
	s, aborts := newTestStream(t, Config{Mode: ModeBuffer}, events, counter)

	go s.Run(context.Background())
	events <- provider.StreamEvent{Chunk: core.StreamChunk{Delta: "first"}}

	select {
	case <-s.Out():
	case <-time.After(time.Second):
		t.Fatal("first chunk never arrived")
	}

	s.Cancel("user clicked stop")
	s.Cancel("second call must be ignored")

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not terminate the stream")
	}
	counter.assertExactlyOne(t, 0, 0, 1)
	if got := counter.reason.Load(); got != "user clicked stop" {
		t.Errorf("cancel reason = %v, want the first caller's reason", got)
	}
	if aborts.Load() != 1 {
		t.Errorf("abort called %d times, want 1", aborts.Load())
	}
}

func TestStreamContextCancellation(t *testing.T) {
	events := make(chan provider.StreamEvent)
	counter := &terminalCounter{}
	s, _ := newTestStream(t, Config{Mode: ModeBuffer}, events, counter)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context cancellation did not terminate the stream")
	}
	counter.assertExactlyOne(t, 0, 0, 1)
}

func TestStreamIdleTimeout(t *testing.T) {
	events := make(chan provider.StreamEvent)
	counter := &terminalCounter{}
	s, _ := newTestStream(t, Config{Mode: ModeBuffer, IdleTimeout: 50 * time.Millisecond}, events, counter)

	go s.Run(context.Background())

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout did not fire")
	}
	counter.assertExactlyOne(t, 0, 1, 0)
	err, _ := counter.err.Load().(error)
	if !errors.Is(err, core.ErrStreamTimeout) {
		t.Errorf("error = %v, want ErrStreamTimeout", err)
	}
	if core.KindOf(err) != core.KindTimeout {
		t.Errorf("kind = %s, want timeout", core.KindOf(err))
	}
}

func TestStreamProviderError(t *testing.T) {
	events := make(chan provider.StreamEvent)
	counter := &terminalCounter{}
	s, _ := newTestStream(t, Config{Mode: ModeBuffer}, events, counter)

	go s.Run(context.Background())
	events <- provider.StreamEvent{Err: core.ErrTransientProvider}

	<-s.Done()
	counter.assertExactlyOne(t, 0, 1, 0)
	err, _ := counter.err.Load().(error)
	if !errors.Is(err, core.ErrTransientProvider) {
		t.Errorf("error = %v, want the provider error", err)
	}
}

func TestStreamErrorModeOverflow(t *testing.T) {
	events := make(chan provider.StreamEvent)
	counter := &terminalCounter{}
	s, _ := newTestStream(t, Config{Mode: ModeError, BufferSize: 1}, events, counter)

	// Nobody reads Out, so the second chunk overflows.
	go s.Run(context.Background())
	events <- provider.StreamEvent{Chunk: core.StreamChunk{Delta: "a"}}
	events <- provider.StreamEvent{Chunk: core.StreamChunk{Delta: "b"}}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("overflow did not terminate the stream")
	}
	counter.assertExactlyOne(t, 0, 1, 0)
	err, _ := counter.err.Load().(error)
	if !errors.Is(err, core.ErrStreamOverflow) {
		t.Errorf("error = %v, want ErrStreamOverflow", err)
	}
}

func TestStreamDropOldestKeepsNewest(t *testing.T) {
	events := make(chan provider.StreamEvent)
	counter := &terminalCounter{}
	s, _ := newTestStream(t, Config{Mode: ModeDropOldest, BufferSize: 2}, events, counter)

	go s.Run(context.Background())
	for i := 0; i < 5; i++ {
		events <- provider.StreamEvent{Chunk: core.StreamChunk{Delta: string(rune('a' + i))}}
	}
	close(events)
	<-s.Done()

	chunks := drain(t, s)
	counter.assertExactlyOne(t, 1, 0, 0)
	if len(chunks) == 0 {
		t.Fatal("no chunks survived")
	}
	// The newest data chunk survives eviction; older ones may be gone.
	sawNewest := false
	for _, c := range chunks {
		if c.Delta == "e" {
			sawNewest = true
		}
	}
	if !sawNewest {
		t.Errorf("newest chunk evicted, got %v", chunks)
	}
}

func TestStreamLatestModeKeepsOnlyMostRecent(t *testing.T) {
	events := make(chan provider.StreamEvent)
	counter := &terminalCounter{}
	s, _ := newTestStream(t, Config{Mode: ModeLatest}, events, counter)

	go s.Run(context.Background())
	for i := 0; i < 5; i++ {
		events <- provider.StreamEvent{Chunk: core.StreamChunk{Delta: string(rune('a' + i))}}
	}
	close(events)
	<-s.Done()

	chunks := drain(t, s)
	counter.assertExactlyOne(t, 1, 0, 0)
	if len(chunks) == 0 {
		t.Fatal("no chunks survived")
	}
	// LATEST holds one slot: only the most recent value is retained at any
	// time, so the last retained chunk is the synthesized final.
	last := chunks[len(chunks)-1]
	if !last.Final {
		t.Errorf("last retained chunk = %+v, want the final marker", last)
	}
}

func TestStreamAnnotatesToolCallChunks(t *testing.T) {
	events := make(chan provider.StreamEvent)
	counter := &terminalCounter{}
	s, _ := newTestStream(t, Config{Mode: ModeBuffer}, events, counter)

	go func() {
		events <- provider.StreamEvent{Chunk: core.StreamChunk{Delta: "Sure, "}}
		events <- provider.StreamEvent{Chunk: core.StreamChunk{Delta: `{"tool_c`}}
		events <- provider.StreamEvent{Chunk: core.StreamChunk{Delta: `all": {"name": "echo"}}`}}
		events <- provider.StreamEvent{Chunk: core.StreamChunk{Final: true}}
		close(events)
	}()
	go s.Run(context.Background())

	chunks := drain(t, s)
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	if chunks[0].Metadata["toolCall"] == true {
		t.Error("plain prose chunk flagged as tool call")
	}
	// The marker spans chunks 1 and 2; detection lands on the completing
	// chunk and covers it through the closing brace.
	if chunks[2].Metadata["toolCall"] != true {
		t.Errorf("tool call chunk not annotated: %+v", chunks[2])
	}
}

func TestStreamConfigValidation(t *testing.T) {
	if _, err := New(Config{}, "r1", make(chan provider.StreamEvent), nil, Callbacks{}, nil); err == nil {
		t.Error("missing backpressure mode must fail")
	}
	if _, err := New(Config{Mode: "SIDEWAYS"}, "r1", make(chan provider.StreamEvent), nil, Callbacks{}, nil); err == nil {
		t.Error("unknown backpressure mode must fail")
	}
	if _, err := New(Config{Mode: ModeBuffer}, "r1", nil, nil, Callbacks{}, nil); err == nil {
		t.Error("nil event channel must fail")
	}

	cfg := Config{Mode: ModeBuffer}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.BufferSize != 64 || cfg.IdleTimeout != 30*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestDetectorCrossChunkMarker(t *testing.T) {
	var d toolCallDetector
	if d.feed("hello ") {
		t.Error("plain text flagged")
	}
	if d.feed(`{"function_`) {
		t.Error("incomplete marker flagged early")
	}
	if !d.feed(`call": {"name": "x"}}`) {
		t.Error("completed marker not flagged")
	}
	if d.feed("and some trailing prose") {
		t.Error("text after the call closed still flagged")
	}
}
