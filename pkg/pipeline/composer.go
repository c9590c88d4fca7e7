package pipeline

import (
	"log/slog"
	"unicode/utf8"

	"psychbot/pkg/bus"
)

// Ellipsis marks a truncated reply.
const Ellipsis = "..."

// Composer addresses, bounds and threads reply text.
type Composer struct {
	budget int
	log    *slog.Logger
}

// NewComposer bounds replies to budget characters (Unicode code points)
// before the ellipsis marker.
func NewComposer(budget int, log *slog.Logger) *Composer {
	if log == nil {
		log = slog.Default()
	}
	return &Composer{budget: budget, log: log.With("component", "pipeline.composer")}
}

// Compose prefixes body with an @-mention of handle, truncates it to the
// budget and threads it under statusID. It reports whether truncation
// happened.
func (c *Composer) Compose(body, handle, statusID string, visibility bus.Visibility) (bus.OutboundReply, bool) {
	text := "@" + handle + " " + body

	truncated := false
	if utf8.RuneCountInString(text) > c.budget {
		text = string([]rune(text)[:c.budget]) + Ellipsis
		truncated = true
		c.log.Warn("Truncated reply due to length", "status_id", statusID, "budget", c.budget)
	}

	return bus.OutboundReply{
		Text:        text,
		InReplyToID: statusID,
		Visibility:  visibility,
		Addressed:   handle,
	}, truncated
}
