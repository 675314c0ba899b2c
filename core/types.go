// Package core provides the shared contracts of the FluxGate inference
// gateway: the normalized request/response model, the error taxonomy, the
// execution lifecycle, and the logging/telemetry interfaces that every other
// package builds on.
package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role identifies the author of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the enumerated values.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is a single conversation turn. Content may be empty for tool
// messages, which carry the tool-call identifier instead.
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"toolCallId,omitempty"`
}

// GenerationParams are the sampling parameters forwarded to the provider.
type GenerationParams struct {
	Temperature float32  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	TopP        float32  `json:"topP,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Seed        int64    `json:"seed,omitempty"`
}

// Duration wraps time.Duration with JSON support for both Go duration
// strings ("30s") and the ISO-8601 subset used on the wire ("PT30S").
type Duration time.Duration

// MarshalJSON encodes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a Go duration string, an ISO-8601 duration, or a
// number of milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	case string:
		if parsed, err := time.ParseDuration(v); err == nil {
			*d = Duration(parsed)
			return nil
		}
		parsed, err := parseISODuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// parseISODuration parses the PT[nH][nM][nS] subset of ISO-8601.
func parseISODuration(s string) (time.Duration, error) {
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "PT") || len(upper) < 3 {
		return 0, fmt.Errorf("unsupported format")
	}
	var total time.Duration
	num := ""
	for _, c := range upper[2:] {
		switch {
		case c >= '0' && c <= '9' || c == '.':
			num += string(c)
		case c == 'H' || c == 'M' || c == 'S':
			if num == "" {
				return 0, fmt.Errorf("missing value before %c", c)
			}
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, err
			}
			switch c {
			case 'H':
				total += time.Duration(f * float64(time.Hour))
			case 'M':
				total += time.Duration(f * float64(time.Minute))
			case 'S':
				total += time.Duration(f * float64(time.Second))
			}
			num = ""
		default:
			return 0, fmt.Errorf("unexpected character %c", c)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("trailing value without unit")
	}
	return total, nil
}

// InferenceRequest is the normalized request accepted at the gateway edge.
// It is created once per request and read-only thereafter.
type InferenceRequest struct {
	RequestID         string                 `json:"requestId"`
	Model             string                 `json:"model"`
	Messages          []Message              `json:"messages"`
	Parameters        GenerationParams       `json:"parameters"`
	Streaming         bool                   `json:"streaming"`
	Timeout           Duration               `json:"timeout,omitempty"`
	PreferredProvider string                 `json:"preferredProvider,omitempty"`
	Priority          int                    `json:"priority"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the structural invariants of the request.
func (r *InferenceRequest) Validate() error {
	if r.RequestID == "" {
		return &GatewayError{Op: "request.Validate", Kind: KindValidation, Message: "requestId is required"}
	}
	if r.Model == "" {
		return &GatewayError{Op: "request.Validate", Kind: KindValidation, Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &GatewayError{Op: "request.Validate", Kind: KindValidation, Message: "messages must be non-empty"}
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return &GatewayError{
				Op:      "request.Validate",
				Kind:    KindValidation,
				Message: fmt.Sprintf("message %d has invalid role %q", i, m.Role),
			}
		}
		if m.Role == RoleTool && m.ToolCallID == "" {
			return &GatewayError{
				Op:      "request.Validate",
				Kind:    KindValidation,
				Message: fmt.Sprintf("tool message %d missing toolCallId", i),
			}
		}
	}
	if r.Priority < 0 {
		return &GatewayError{Op: "request.Validate", Kind: KindValidation, Message: "priority must be non-negative"}
	}
	return nil
}

// InferenceResponse is the normalized unary response.
type InferenceResponse struct {
	RequestID  string                 `json:"requestId"`
	Content    string                 `json:"content"`
	Model      string                 `json:"model"`
	TokensUsed int                    `json:"tokensUsed"`
	DurationMs int64                  `json:"durationMs"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// StreamChunk is a single element of a streaming response. Indices are
// monotone per request and exactly one chunk carries Final=true.
type StreamChunk struct {
	Index    int                    `json:"index"`
	Delta    string                 `json:"delta"`
	Final    bool                   `json:"final"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
