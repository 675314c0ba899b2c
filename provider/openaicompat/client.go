// Package openaicompat implements the provider contract against any
// OpenAI-compatible chat completions endpoint (OpenAI, Groq, Together,
// DeepSeek, Ollama, vLLM and friends).
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openfluxai/fluxgate/core"
	"github.com/openfluxai/fluxgate/provider"
)

// Config holds the adapter configuration.
type Config struct {
	ID        string
	Name      string
	Vendor    string
	Tier      provider.Tier
	BaseURL   string
	APIKey    string
	ModelGlob string
	Timeout   time.Duration
	Streaming bool
	Logger    core.Logger
}

// Client implements provider.Provider and provider.Streamer over an
// OpenAI-compatible HTTP API.
type Client struct {
	desc    provider.Descriptor
	baseURL string
	apiKey  string
	http    *http.Client
	logger  core.Logger
}

// New creates an adapter from config.
func New(cfg Config) (*Client, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Tier == "" {
		cfg.Tier = provider.TierCloud
	}
	return &Client{
		desc: provider.Descriptor{
			ID:        cfg.ID,
			Name:      cfg.Name,
			Vendor:    cfg.Vendor,
			Tier:      cfg.Tier,
			ModelGlob: cfg.ModelGlob,
			Capabilities: provider.Capabilities{
				Streaming:       cfg.Streaming,
				FunctionCalling: true,
				MaxContext:      128000,
				MaxOutput:       16384,
			},
		},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}, nil
}

func (c *Client) ID() string                          { return c.desc.ID }
func (c *Client) Name() string                        { return c.desc.Name }
func (c *Client) Descriptor() provider.Descriptor     { return c.desc }
func (c *Client) Capabilities() provider.Capabilities { return c.desc.Capabilities }

func (c *Client) Initialize(ctx context.Context, config map[string]interface{}) error { return nil }
func (c *Client) Shutdown(ctx context.Context) error                                  { return nil }

func (c *Client) Supports(modelID string, req *core.InferenceRequest) bool {
	return c.desc.MatchesModel(modelID)
}

// chat wire types (request side)
type chatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Seed        int64         `json:"seed,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type streamResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) buildBody(req *core.InferenceRequest, stream bool) chatRequest {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	return chatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Parameters.Temperature,
		MaxTokens:   req.Parameters.MaxTokens,
		TopP:        req.Parameters.TopP,
		Stop:        req.Parameters.Stop,
		Seed:        req.Parameters.Seed,
		Stream:      stream,
	}
}

func (c *Client) newRequest(ctx context.Context, body interface{}, stream bool) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// classifyStatus maps an upstream HTTP status to the gateway taxonomy.
func (c *Client) classifyStatus(status int, header http.Header, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &core.GatewayError{
			Op:         "openaicompat.Infer",
			Kind:       core.KindQuotaExhausted,
			RetryAfter: retryAfter,
			Err:        fmt.Errorf("%w: upstream 429", core.ErrProviderQuota),
		}
	case status >= 500:
		return &core.GatewayError{
			Op:   "openaicompat.Infer",
			Kind: core.KindTransientProvider,
			Err:  fmt.Errorf("%w: upstream %d: %s", core.ErrTransientProvider, status, msg),
		}
	default:
		return &core.GatewayError{
			Op:   "openaicompat.Infer",
			Kind: core.KindPermanentProvider,
			Err:  fmt.Errorf("%w: upstream %d: %s", core.ErrPermanentProvider, status, msg),
		}
	}
}

// Infer performs a unary chat completion.
func (c *Client) Infer(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	start := time.Now()
	httpReq, err := c.newRequest(ctx, c.buildBody(req, false), false)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Error("Provider request failed", map[string]interface{}{
			"operation": "provider_request_error",
			"provider":  c.desc.ID,
			"error":     err.Error(),
		})
		return nil, &core.GatewayError{
			Op:   "openaicompat.Infer",
			Kind: core.KindTransientProvider,
			Err:  fmt.Errorf("%w: %v", core.ErrTransientProvider, err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.GatewayError{
			Op:   "openaicompat.Infer",
			Kind: core.KindTransientProvider,
			Err:  fmt.Errorf("%w: reading response: %v", core.ErrTransientProvider, err),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp.StatusCode, resp.Header, body)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &core.GatewayError{
			Op:   "openaicompat.Infer",
			Kind: core.KindTransientProvider,
			Err:  fmt.Errorf("%w: parsing response: %v", core.ErrTransientProvider, err),
		}
	}
	if len(parsed.Choices) == 0 {
		return nil, &core.GatewayError{
			Op:   "openaicompat.Infer",
			Kind: core.KindTransientProvider,
			Err:  fmt.Errorf("%w: empty choices", core.ErrTransientProvider),
		}
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return &core.InferenceResponse{
		RequestID:  req.RequestID,
		Content:    parsed.Choices[0].Message.Content,
		Model:      model,
		TokensUsed: parsed.Usage.TotalTokens,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata: map[string]interface{}{
			"finishReason":     parsed.Choices[0].FinishReason,
			"promptTokens":     parsed.Usage.PromptTokens,
			"completionTokens": parsed.Usage.CompletionTokens,
		},
	}, nil
}

// InferStream performs a streaming chat completion over SSE. The returned
// channel closes after the final event; cancellation of ctx aborts the
// upstream request.
func (c *Client) InferStream(ctx context.Context, req *core.InferenceRequest) (<-chan provider.StreamEvent, error) {
	httpReq, err := c.newRequest(ctx, c.buildBody(req, true), true)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &core.GatewayError{
			Op:   "openaicompat.InferStream",
			Kind: core.KindTransientProvider,
			Err:  fmt.Errorf("%w: %v", core.ErrTransientProvider, err),
		}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, c.classifyStatus(resp.StatusCode, resp.Header, body)
	}

	out := make(chan provider.StreamEvent)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		reader := bufio.NewReader(resp.Body)
		index := 0
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					c.emit(ctx, out, provider.StreamEvent{Err: &core.GatewayError{
						Op:   "openaicompat.InferStream",
						Kind: core.KindTransientProvider,
						Err:  fmt.Errorf("%w: reading stream: %v", core.ErrTransientProvider, err),
					}})
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if line == "data: [DONE]" {
				c.emit(ctx, out, provider.StreamEvent{Chunk: core.StreamChunk{Index: index, Final: true}})
				return
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var parsed streamResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &parsed); err != nil {
				// Malformed chunks are skipped, not fatal.
				c.logger.Debug("Failed to parse stream chunk", map[string]interface{}{
					"operation": "provider_stream_parse",
					"provider":  c.desc.ID,
					"error":     err.Error(),
				})
				continue
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			delta := parsed.Choices[0].Delta.Content
			final := parsed.Choices[0].FinishReason != ""
			if delta == "" && !final {
				continue
			}
			if !c.emit(ctx, out, provider.StreamEvent{Chunk: core.StreamChunk{
				Index: index,
				Delta: delta,
				Final: final,
			}}) {
				return
			}
			index++
			if final {
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) emit(ctx context.Context, out chan<- provider.StreamEvent, ev provider.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Health probes the models endpoint.
func (c *Client) Health(ctx context.Context) provider.Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return provider.Health{Status: provider.Unhealthy, Timestamp: time.Now(), Details: map[string]interface{}{"error": err.Error()}}
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Health{Status: provider.Unhealthy, Timestamp: time.Now(), Details: map[string]interface{}{"error": err.Error()}}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return provider.Health{Status: provider.Healthy, Timestamp: time.Now()}
	case resp.StatusCode >= 500:
		return provider.Health{Status: provider.Unhealthy, Timestamp: time.Now(), Details: map[string]interface{}{"status_code": resp.StatusCode}}
	default:
		return provider.Health{Status: provider.Degraded, Timestamp: time.Now(), Details: map[string]interface{}{"status_code": resp.StatusCode}}
	}
}
