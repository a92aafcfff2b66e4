package bus

import (
	"time"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// EventType names a domain event emitted towards the widget side.
type EventType string

const (
	EventNewSession      EventType = "new_session"
	EventVisitorMessage  EventType = "visitor_message"
	EventOperatorMessage EventType = "operator_message"
	EventMessageEdited   EventType = "message_edited"
	EventMessageDeleted  EventType = "message_deleted"
	EventTyping          EventType = "typing"
	EventMessageRead     EventType = "message_read"
	EventCustomEvent     EventType = "custom_event"
	EventIdentityUpdate  EventType = "identity_update"
	EventAITakeover      EventType = "ai_takeover"
)

// Event is one domain event. Message is set for message events.
type Event struct {
	ID        string
	Type      EventType
	ProjectID string
	SessionID string
	Message   *schema.Message
	Source    schema.Platform
	Data      map[string]any
	Timestamp time.Time
}
