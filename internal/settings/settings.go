// Package settings loads the user's approval policy: which actions may run
// without asking and the overall confirmation style.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/planner"
)

// Style is the user's confirmation preference.
type Style string

const (
	AskBeforeDoing Style = "ask_before_doing"
	JustDoIt       Style = "just_do_it"
)

// IsValid reports whether s is a known style.
func (s Style) IsValid() bool { return s == AskBeforeDoing || s == JustDoIt }

// Provider is the read-only policy the pipeline consults before executing.
type Provider interface {
	RequiresApproval(action intent.Action) bool
	ConfirmationStyle() Style
}

// Policy is the on-disk YAML document.
//
//	confirmation_style: just_do_it
//	requires_approval:
//	  create_task: false
//	  plan_meal: true
type Policy struct {
	ConfirmationStyle Style                  `yaml:"confirmation_style"`
	RequiresApproval  map[intent.Action]bool `yaml:"requires_approval"`
}

// Default is used when no policy file exists: ask before every action.
func Default() Policy {
	return Policy{ConfirmationStyle: AskBeforeDoing}
}

// Static serves a fixed Policy. It is safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	policy Policy
}

// NewStatic wraps p, normalizing an empty or unknown style to AskBeforeDoing.
func NewStatic(p Policy) *Static {
	if !p.ConfirmationStyle.IsValid() {
		p.ConfirmationStyle = AskBeforeDoing
	}
	return &Static{policy: p}
}

// Load reads the YAML policy at path. A missing file or empty path yields
// the defaults; a malformed file is an error.
func Load(path string) (*Static, error) {
	if path == "" {
		return NewStatic(Default()), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("approval policy file not found, using defaults", "path", path)
		return NewStatic(Default()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	return NewStatic(p), nil
}

// Parse decodes a YAML policy and rejects unknown styles and actions.
func Parse(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, err
	}
	if p.ConfirmationStyle != "" && !p.ConfirmationStyle.IsValid() {
		return Policy{}, fmt.Errorf("unknown confirmation_style %q", p.ConfirmationStyle)
	}
	for a := range p.RequiresApproval {
		if !a.IsValid() {
			return Policy{}, fmt.Errorf("unknown action %q in requires_approval", a)
		}
	}
	return p, nil
}

// RequiresApproval reports whether action must wait for explicit approval.
// Destructive, signature, and email actions always do. Otherwise a per-action
// entry wins, and the confirmation style decides the rest.
func (s *Static) RequiresApproval(action intent.Action) bool {
	if planner.RequiresConfirmation(action) {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.policy.RequiresApproval[action]; ok {
		return v
	}
	return s.policy.ConfirmationStyle != JustDoIt
}

// ConfirmationStyle returns the configured style.
func (s *Static) ConfirmationStyle() Style {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.ConfirmationStyle
}

// SetConfirmationStyle changes the style at runtime.
func (s *Static) SetConfirmationStyle(style Style) error {
	if !style.IsValid() {
		return fmt.Errorf("unknown confirmation style %q", style)
	}
	s.mu.Lock()
	s.policy.ConfirmationStyle = style
	s.mu.Unlock()
	return nil
}
