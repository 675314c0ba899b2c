package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/provider"
)

func testRequest() *core.InferenceRequest {
	return &core.InferenceRequest{
		RequestID: "r1",
		Model:     "test-model",
		Messages:  []core.Message{{Role: core.RoleUser, Content: "hi"}},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{ID: "upstream", BaseURL: srv.URL, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestNewDefaults(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("missing id should fail")
	}
	c, err := New(Config{ID: "p1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Descriptor().Tier != provider.TierCloud {
		t.Errorf("tier = %s, want cloud default", c.Descriptor().Tier)
	}
}

func TestInferTranslatesChatCompletion(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "test-model",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "hello"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	})

	resp, err := c.Infer(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody.Model != "test-model" || len(gotBody.Messages) != 1 || gotBody.Stream {
		t.Errorf("upstream body = %+v", gotBody)
	}
	if resp.Content != "hello" || resp.TokensUsed != 5 || resp.RequestID != "r1" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Metadata["finishReason"] != "stop" {
		t.Errorf("metadata = %v", resp.Metadata)
	}
}

func TestInferClassifiesUpstreamStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"429 is provider quota", http.StatusTooManyRequests, core.ErrProviderQuota},
		{"503 is transient", http.StatusServiceUnavailable, core.ErrTransientProvider},
		{"400 is permanent", http.StatusBadRequest, core.ErrPermanentProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "7")
				}
				w.WriteHeader(tt.status)
			})
			_, err := c.Infer(context.Background(), testRequest())
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("err = %v, want %v", err, tt.sentinel)
			}
			if tt.status == http.StatusTooManyRequests && core.RetryAfterOf(err) == 0 {
				t.Error("429 should carry the upstream Retry-After")
			}
		})
	}
}

func TestInferStreamReadsSSE(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`data: {"choices":[{"delta":{"content":"hel"}}]}`,
			``,
			`: keepalive comment`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: not-json`,
			`data: [DONE]`,
		}
		for _, f := range frames {
			_, _ = w.Write([]byte(f + "\n"))
		}
	})

	events, err := c.InferStream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("InferStream: %v", err)
	}

	var deltas []string
	sawFinal := false
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("stream event error: %v", ev.Err)
		}
		if ev.Chunk.Final {
			sawFinal = true
		}
		if ev.Chunk.Delta != "" {
			deltas = append(deltas, ev.Chunk.Delta)
		}
	}
	if len(deltas) != 2 || deltas[0] != "hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}
	if !sawFinal {
		t.Error("stream should end with a final chunk")
	}
}

func TestInferStreamRejectedUpfront(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if _, err := c.InferStream(context.Background(), testRequest()); !errors.Is(err, core.ErrPermanentProvider) {
		t.Fatalf("err = %v, want permanent provider", err)
	}
}

func TestHealthProbe(t *testing.T) {
	status := http.StatusOK
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("health path = %s", r.URL.Path)
		}
		w.WriteHeader(status)
	})

	if h := c.Health(context.Background()); h.Status != provider.Healthy {
		t.Errorf("200 health = %s", h.Status)
	}
	status = http.StatusInternalServerError
	if h := c.Health(context.Background()); h.Status != provider.Unhealthy {
		t.Errorf("500 health = %s", h.Status)
	}
	status = http.StatusForbidden
	if h := c.Health(context.Background()); h.Status != provider.Degraded {
		t.Errorf("403 health = %s", h.Status)
	}
}
