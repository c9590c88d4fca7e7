package bus

// Visibility is the audience level of a status on the network.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// ParseVisibility maps a raw network value onto a known level. Unknown values
// are treated as direct so they can never pass a public-only check.
func ParseVisibility(raw string) Visibility {
	switch Visibility(raw) {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate, VisibilityDirect:
		return Visibility(raw)
	default:
		return VisibilityDirect
	}
}

// EventKind is the stream notification kind that produced an InboundEvent.
type EventKind string

const (
	KindMention EventKind = "mention"
	KindUpdate  EventKind = "update"
	KindOther   EventKind = "other"
)

// InboundEvent is one status delivered by the stream. It is immutable once
// built by a channel adapter and lives for a single pipeline pass.
type InboundEvent struct {
	Kind        EventKind  `json:"kind"`
	StatusID    string     `json:"status_id"`
	AuthorID    string     `json:"author_id"`
	AuthorAcct  string     `json:"author_acct"`
	Content     string     `json:"content"`
	InReplyToID string     `json:"in_reply_to_id,omitempty"`
	Visibility  Visibility `json:"visibility"`
	ReblogID    string     `json:"reblog_id,omitempty"`
}

// IsReply reports whether the status answers another status.
func (e InboundEvent) IsReply() bool {
	return e.InReplyToID != ""
}

// IsReblog reports whether the status is a boost of another status.
func (e InboundEvent) IsReblog() bool {
	return e.ReblogID != ""
}

// OutboundReply is a composed status ready to be posted.
type OutboundReply struct {
	Text        string     `json:"text"`
	InReplyToID string     `json:"in_reply_to_id"`
	Visibility  Visibility `json:"visibility"`
	Addressed   string     `json:"addressed"`
}
