package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/openfluxai/fluxgate/core"
)

// Tool executes one named tool on behalf of the model.
type Tool interface {
	Name() string
	Execute(ctx context.Context, arguments json.RawMessage) (string, error)
}

// toolCallEnvelope is the JSON framing emitted by tool-calling models.
type toolCallEnvelope struct {
	ToolCall *toolCallBody `json:"tool_call"`
	Function *toolCallBody `json:"function_call"`
}

type toolCallBody struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (e *toolCallEnvelope) body() *toolCallBody {
	if e.ToolCall != nil {
		return e.ToolCall
	}
	return e.Function
}

// toolCallMarkers are the textual signals a response contains a tool call.
var toolCallMarkers = []string{`"tool_call"`, `"function_call"`, "<tool_call>"}

// ContainsToolCallMarker reports whether the text carries a tool-call
// signal. Shared with the streaming transport's chunk annotation.
func ContainsToolCallMarker(text string) bool {
	for _, marker := range toolCallMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// HistoryStore persists conversation turns after a completed request.
type HistoryStore interface {
	Append(ctx context.Context, tenantID, requestID string, messages []core.Message) error
}

// MemoryHistoryStore keeps conversation history in process memory, keyed
// by tenant.
type MemoryHistoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]core.Message
}

// NewMemoryHistoryStore creates an empty store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{byTenant: make(map[string][]core.Message)}
}

func (s *MemoryHistoryStore) Append(_ context.Context, tenantID, _ string, messages []core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = append(s.byTenant[tenantID], messages...)
	return nil
}

// History returns a copy of the tenant's stored turns.
func (s *MemoryHistoryStore) History(tenantID string) []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Message, len(s.byTenant[tenantID]))
	copy(out, s.byTenant[tenantID])
	return out
}

// PostProcessPlugin detects and executes tool calls in the response and
// appends the exchange to the conversation history. Failures here are
// logged by the orchestrator but never fail the request.
type PostProcessPlugin struct {
	tools   map[string]Tool
	history HistoryStore
}

// NewPostProcessPlugin creates the plugin. Both the tool set and the
// history store are optional.
func NewPostProcessPlugin(history HistoryStore, tools ...Tool) *PostProcessPlugin {
	indexed := make(map[string]Tool, len(tools))
	for _, t := range tools {
		indexed[t.Name()] = t
	}
	return &PostProcessPlugin{tools: indexed, history: history}
}

func (p *PostProcessPlugin) ID() string   { return "builtin.postprocess" }
func (p *PostProcessPlugin) Phase() Phase { return PhasePostProcessing }
func (p *PostProcessPlugin) Order() int   { return 0 }

func (p *PostProcessPlugin) ShouldExecute(ec *core.ExecutionContext) bool {
	_, ok := ec.Variable(VarResponse)
	return ok
}

func (p *PostProcessPlugin) Execute(ctx context.Context, ec *core.ExecutionContext, eng Engine) error {
	v, _ := ec.Variable(VarResponse)
	resp, ok := v.(*core.InferenceResponse)
	if !ok || resp == nil {
		return nil
	}

	turns := []core.Message{{Role: core.RoleAssistant, Content: resp.Content}}

	if ContainsToolCallMarker(resp.Content) {
		ec.SetMetadata("toolCallDetected", true)
		if result, callID, err := p.executeToolCall(ctx, resp.Content); err != nil {
			return &core.GatewayError{
				Op:        "postprocess",
				Kind:      core.KindPluginFailure,
				RequestID: ec.RequestID,
				Message:   "tool execution failed",
				Err:       err,
			}
		} else if callID != "" {
			turns = append(turns, core.Message{Role: core.RoleTool, Content: result, ToolCallID: callID})
			ec.SetMetadata("toolCallExecuted", callID)
		}
	}

	if p.history != nil && ec.Tenant != nil {
		all := append(append([]core.Message{}, ec.Request.Messages...), turns...)
		if err := p.history.Append(ctx, ec.Tenant.ID, ec.RequestID, all); err != nil {
			eng.Logger().Warn("Conversation history update failed", map[string]interface{}{
				"operation": "postprocess",
				"requestId": ec.RequestID,
				"error":     err.Error(),
			})
		}
	}
	return nil
}

// executeToolCall parses the JSON envelope and runs the named tool. An
// unparsable envelope or unknown tool is not an error: the marker may be
// plain prose.
func (p *PostProcessPlugin) executeToolCall(ctx context.Context, content string) (result, callID string, err error) {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return "", "", nil
	}
	var envelope toolCallEnvelope
	if jsonErr := json.Unmarshal([]byte(content[start:]), &envelope); jsonErr != nil {
		return "", "", nil
	}
	body := envelope.body()
	if body == nil || body.Name == "" {
		return "", "", nil
	}
	tool, ok := p.tools[body.Name]
	if !ok {
		return "", "", nil
	}
	out, err := tool.Execute(ctx, body.Arguments)
	if err != nil {
		return "", "", fmt.Errorf("tool %q: %w", body.Name, err)
	}
	if body.ID == "" {
		body.ID = body.Name
	}
	return out, body.ID, nil
}
