package mastodon

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"psychbot/pkg/bus"

	gomastodon "github.com/mattn/go-mastodon"
)

const (
	streamEventNotification = "notification"
	streamEventUpdate       = "update"

	notificationMention = "mention"
)

// envelope is one streaming API frame. Payload is itself JSON encoded as a
// string.
type envelope struct {
	Stream  []string `json:"stream,omitempty"`
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
}

// decodeFrame turns a raw frame into an InboundEvent. ok is false for frames
// that carry nothing for the responder (deletes, favourites, follows...).
func decodeFrame(raw []byte) (ev bus.InboundEvent, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return bus.InboundEvent{}, false, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case streamEventNotification:
		var notification gomastodon.Notification
		if err := json.Unmarshal([]byte(env.Payload), &notification); err != nil {
			return bus.InboundEvent{}, false, fmt.Errorf("decode notification: %w", err)
		}
		if notification.Type != notificationMention || notification.Status == nil {
			return bus.InboundEvent{}, false, nil
		}
		return fromStatus(bus.KindMention, notification.Status), true, nil

	case streamEventUpdate:
		var status gomastodon.Status
		if err := json.Unmarshal([]byte(env.Payload), &status); err != nil {
			return bus.InboundEvent{}, false, fmt.Errorf("decode status: %w", err)
		}
		return fromStatus(bus.KindUpdate, &status), true, nil

	default:
		return bus.InboundEvent{}, false, nil
	}
}

func fromStatus(kind bus.EventKind, status *gomastodon.Status) bus.InboundEvent {
	ev := bus.InboundEvent{
		Kind:        kind,
		StatusID:    string(status.ID),
		AuthorID:    string(status.Account.ID),
		AuthorAcct:  status.Account.Acct,
		Content:     status.Content,
		InReplyToID: idString(status.InReplyToID),
		Visibility:  bus.ParseVisibility(status.Visibility),
	}
	if status.Reblog != nil {
		ev.ReblogID = string(status.Reblog.ID)
	}
	return ev
}

// idString normalizes the loosely typed id fields go-mastodon leaves as
// interface{}.
func idString(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(id)
	case gomastodon.ID:
		return strings.TrimSpace(string(id))
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return strings.TrimSpace(fmt.Sprint(id))
	}
}
