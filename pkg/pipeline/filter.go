package pipeline

import "psychbot/pkg/bus"

// Skip reasons reported by Filter.Check.
const (
	ReasonOwnStatus  = "own_status"
	ReasonReblog     = "reblog"
	ReasonReply      = "reply"
	ReasonNotPublic  = "not_public"
	ReasonSampledOut = "sampled_out"
	ReasonNoContent  = "no_content"
)

// Filter decides eligibility from event metadata alone.
type Filter struct {
	Mode Mode
	Self Identity
}

// Check reports whether ev may be answered and, when not, why.
func (f Filter) Check(ev bus.InboundEvent) (bool, string) {
	if ev.AuthorID == f.Self.AccountID {
		return false, ReasonOwnStatus
	}
	if ev.IsReblog() {
		return false, ReasonReblog
	}
	if f.Mode == ModeMention {
		return true, ""
	}

	if ev.IsReply() {
		return false, ReasonReply
	}
	if ev.Visibility != bus.VisibilityPublic {
		return false, ReasonNotPublic
	}
	return true, ""
}
