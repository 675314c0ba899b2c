package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfluxai/fluxgate/core"
)

// WindowPolicy chooses how an over-budget conversation is reduced.
type WindowPolicy string

const (
	// WindowTruncateOldest drops the oldest non-system messages first.
	WindowTruncateOldest WindowPolicy = "truncate-oldest"
	// WindowSliding keeps the system messages plus the most recent tail.
	WindowSliding WindowPolicy = "sliding-window"
	// WindowSummarize collapses dropped messages into one system note.
	WindowSummarize WindowPolicy = "summarize"
)

// Valid reports whether the policy is known.
func (w WindowPolicy) Valid() bool {
	switch w {
	case WindowTruncateOldest, WindowSliding, WindowSummarize:
		return true
	}
	return false
}

// PreProcessConfig controls the built-in pre-processing plugin.
type PreProcessConfig struct {
	// PromptTemplate wraps the last user message; "{{prompt}}" marks the
	// insertion point. Empty disables templating.
	PromptTemplate string `yaml:"promptTemplate,omitempty"`
	// MaxContextTokens bounds the estimated conversation size; zero
	// disables window management.
	MaxContextTokens int `yaml:"maxContextTokens,omitempty"`
	// WindowPolicy applies when the conversation exceeds the budget.
	WindowPolicy WindowPolicy `yaml:"windowPolicy,omitempty"`
}

// Validate checks the configuration.
func (c *PreProcessConfig) Validate() error {
	if c.MaxContextTokens > 0 && !c.WindowPolicy.Valid() {
		return fmt.Errorf("window policy is required when maxContextTokens is set, got %q", c.WindowPolicy)
	}
	if c.PromptTemplate != "" && !strings.Contains(c.PromptTemplate, "{{prompt}}") {
		return fmt.Errorf("prompt template must contain the {{prompt}} placeholder")
	}
	return nil
}

// PreProcessPlugin applies prompt templating and context-window
// management. The request itself stays untouched; the processed messages
// are published under VarMessages for the inference plugin.
type PreProcessPlugin struct {
	cfg PreProcessConfig
}

// NewPreProcessPlugin creates the plugin from config.
func NewPreProcessPlugin(cfg PreProcessConfig) (*PreProcessPlugin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pre-processing config: %w", err)
	}
	return &PreProcessPlugin{cfg: cfg}, nil
}

func (p *PreProcessPlugin) ID() string   { return "builtin.preprocess" }
func (p *PreProcessPlugin) Phase() Phase { return PhasePreProcessing }
func (p *PreProcessPlugin) Order() int   { return 0 }

func (p *PreProcessPlugin) ShouldExecute(*core.ExecutionContext) bool {
	return p.cfg.PromptTemplate != "" || p.cfg.MaxContextTokens > 0
}

func (p *PreProcessPlugin) Execute(_ context.Context, ec *core.ExecutionContext, eng Engine) error {
	messages := make([]core.Message, len(ec.Request.Messages))
	copy(messages, ec.Request.Messages)

	if p.cfg.PromptTemplate != "" {
		messages = p.applyTemplate(messages)
	}
	if p.cfg.MaxContextTokens > 0 {
		before := len(messages)
		messages = p.applyWindow(messages)
		if dropped := before - len(messages); dropped > 0 {
			ec.SetMetadata("droppedMessages", dropped)
			eng.Logger().Debug("Context window reduced conversation", map[string]interface{}{
				"operation": "preprocess",
				"requestId": ec.RequestID,
				"policy":    string(p.cfg.WindowPolicy),
				"dropped":   dropped,
			})
		}
	}

	ec.OverwriteVariable(VarMessages, messages)
	return nil
}

// applyTemplate wraps the last user message in the template.
func (p *PreProcessPlugin) applyTemplate(messages []core.Message) []core.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			messages[i].Content = strings.ReplaceAll(p.cfg.PromptTemplate, "{{prompt}}", messages[i].Content)
			break
		}
	}
	return messages
}

// applyWindow reduces the conversation to the token budget per the
// configured policy. System messages always survive.
func (p *PreProcessPlugin) applyWindow(messages []core.Message) []core.Message {
	budget := p.cfg.MaxContextTokens
	if messageTokens(messages) <= budget {
		return messages
	}

	var system, rest []core.Message
	for _, m := range messages {
		if m.Role == core.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	// Keep the most recent suffix of non-system messages that fits
	// alongside the system messages.
	base := messageTokens(system)
	keepFrom := len(rest)
	running := 0
	for i := len(rest) - 1; i >= 0; i-- {
		t := messageTokens(rest[i : i+1])
		if base+running+t > budget {
			break
		}
		running += t
		keepFrom = i
	}
	kept := rest[keepFrom:]
	dropped := rest[:keepFrom]

	out := make([]core.Message, 0, len(system)+len(kept)+1)
	out = append(out, system...)
	if p.cfg.WindowPolicy == WindowSummarize && len(dropped) > 0 {
		out = append(out, core.Message{
			Role:    core.RoleSystem,
			Content: summarize(dropped),
		})
	}
	out = append(out, kept...)
	return out
}

// summarizeSnippet bounds the excerpt taken from each dropped message.
const summarizeSnippet = 80

// summarize produces a cheap extractive digest of the dropped turns.
func summarize(dropped []core.Message) string {
	var b strings.Builder
	b.WriteString("Earlier conversation (condensed): ")
	for i, m := range dropped {
		if i > 0 {
			b.WriteString(" | ")
		}
		snippet := m.Content
		if len(snippet) > summarizeSnippet {
			snippet = snippet[:summarizeSnippet]
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(snippet)
	}
	return b.String()
}

func messageTokens(messages []core.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}
