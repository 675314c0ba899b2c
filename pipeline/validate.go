package pipeline

import (
	"context"
	"fmt"
	"regexp"

	"github.com/openfluxai/fluxgate/core"
)

// ValidationConfig controls the built-in validate plugin.
type ValidationConfig struct {
	// BlockedPatterns are regular expressions applied to every message
	// content; a match rejects the request.
	BlockedPatterns []string `yaml:"blockedPatterns,omitempty"`
	// MaxMessages caps the conversation length; zero means unlimited.
	MaxMessages int `yaml:"maxMessages,omitempty"`
	// MaxContentBytes caps a single message's content size; zero means
	// unlimited.
	MaxContentBytes int `yaml:"maxContentBytes,omitempty"`
}

// ValidatePlugin checks the request's structure and content safety. It is
// the first plugin of the VALIDATE phase.
type ValidatePlugin struct {
	patterns        []*regexp.Regexp
	maxMessages     int
	maxContentBytes int
}

// NewValidatePlugin compiles the configured patterns. Invalid patterns
// fail construction rather than every request.
func NewValidatePlugin(cfg ValidationConfig) (*ValidatePlugin, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, raw := range cfg.BlockedPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %q: %w", raw, err)
		}
		patterns = append(patterns, re)
	}
	return &ValidatePlugin{
		patterns:        patterns,
		maxMessages:     cfg.MaxMessages,
		maxContentBytes: cfg.MaxContentBytes,
	}, nil
}

func (p *ValidatePlugin) ID() string   { return "builtin.validate" }
func (p *ValidatePlugin) Phase() Phase { return PhaseValidate }
func (p *ValidatePlugin) Order() int   { return 0 }

func (p *ValidatePlugin) ShouldExecute(*core.ExecutionContext) bool { return true }

func (p *ValidatePlugin) Execute(_ context.Context, ec *core.ExecutionContext, _ Engine) error {
	req := ec.Request
	if err := req.Validate(); err != nil {
		return err
	}
	if p.maxMessages > 0 && len(req.Messages) > p.maxMessages {
		return &core.GatewayError{
			Op:        "validate",
			Kind:      core.KindValidation,
			RequestID: req.RequestID,
			Message:   fmt.Sprintf("conversation exceeds %d messages", p.maxMessages),
			Err:       core.ErrValidation,
		}
	}
	for i, m := range req.Messages {
		if p.maxContentBytes > 0 && len(m.Content) > p.maxContentBytes {
			return &core.GatewayError{
				Op:        "validate",
				Kind:      core.KindValidation,
				RequestID: req.RequestID,
				Message:   fmt.Sprintf("message %d exceeds %d bytes", i, p.maxContentBytes),
				Err:       core.ErrValidation,
			}
		}
		for _, re := range p.patterns {
			if re.MatchString(m.Content) {
				ec.SetMetadata("blockedPattern", re.String())
				return &core.GatewayError{
					Op:        "validate",
					Kind:      core.KindValidation,
					RequestID: req.RequestID,
					Message:   fmt.Sprintf("message %d matches a blocked content pattern", i),
					Err:       core.ErrValidation,
				}
			}
		}
	}
	return nil
}
