// Package pipeline decides whether and how to answer one stream event:
// eligibility, sampling, sanitizing, generation and reply composition, with
// the Dispatcher as the per-event error boundary.
package pipeline

import (
	"fmt"
	"strings"

	"psychbot/pkg/bus"
)

// Mode selects which stream the responder follows and the matching policy.
type Mode string

const (
	ModeMention Mode = "mention"
	ModePublic  Mode = "public"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeMention:
		return ModeMention, nil
	case ModePublic:
		return ModePublic, nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

// ReplyVisibility is the visibility used for generated replies in this mode.
func (m Mode) ReplyVisibility() bus.Visibility {
	if m == ModePublic {
		return bus.VisibilityUnlisted
	}
	return bus.VisibilityDirect
}

// Identity is the responder's own account, resolved once at startup.
type Identity struct {
	AccountID string
	Acct      string
}

// Settings is the immutable startup context shared by every pipeline stage.
type Settings struct {
	Mode             Mode
	Self             Identity
	ReplyProbability float64
	MaxReplyLength   int
	Persona          string
}

func (s Settings) validate() error {
	if s.Mode != ModeMention && s.Mode != ModePublic {
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	if strings.TrimSpace(s.Self.AccountID) == "" {
		return fmt.Errorf("self account id is required")
	}
	if s.Mode == ModePublic && (s.ReplyProbability <= 0 || s.ReplyProbability > 1) {
		return fmt.Errorf("reply probability must be in (0, 1], got %v", s.ReplyProbability)
	}
	if s.MaxReplyLength <= 0 {
		return fmt.Errorf("max reply length must be positive, got %d", s.MaxReplyLength)
	}
	return nil
}
