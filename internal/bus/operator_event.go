package bus

import (
	"time"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

type OperatorEventKind string

const (
	OperatorMessageCreated OperatorEventKind = "message"
	OperatorMessageEdited  OperatorEventKind = "edited"
	OperatorMessageDeleted OperatorEventKind = "deleted"
)

// OperatorEvent is an operator action normalised from a platform payload.
type OperatorEvent struct {
	kind         OperatorEventKind
	platform     schema.Platform
	threadID     string // platform thread the action happened in
	messageID    string // platform message id
	content      string
	operatorName string
	replyToID    string // platform id of the message being replied to
	attachments  []schema.Attachment
	at           time.Time
}

func (e OperatorEvent) Kind() OperatorEventKind          { return e.kind }
func (e OperatorEvent) Platform() schema.Platform        { return e.platform }
func (e OperatorEvent) ThreadID() string                 { return e.threadID }
func (e OperatorEvent) MessageID() string                { return e.messageID }
func (e OperatorEvent) Content() string                  { return e.content }
func (e OperatorEvent) OperatorName() string             { return e.operatorName }
func (e OperatorEvent) ReplyToID() string                { return e.replyToID }
func (e OperatorEvent) Attachments() []schema.Attachment { return e.attachments }
func (e OperatorEvent) At() time.Time                    { return e.at }

type OperatorEventBuilder struct {
	ev OperatorEvent
}

func NewOperatorEventBuilder(kind OperatorEventKind, platform schema.Platform, threadID, messageID string) *OperatorEventBuilder {
	return &OperatorEventBuilder{ev: OperatorEvent{
		kind:      kind,
		platform:  platform,
		threadID:  threadID,
		messageID: messageID,
	}}
}

func (b *OperatorEventBuilder) Content(content string) *OperatorEventBuilder {
	b.ev.content = content
	return b
}

func (b *OperatorEventBuilder) OperatorName(name string) *OperatorEventBuilder {
	b.ev.operatorName = name
	return b
}

func (b *OperatorEventBuilder) ReplyTo(platformMessageID string) *OperatorEventBuilder {
	b.ev.replyToID = platformMessageID
	return b
}

func (b *OperatorEventBuilder) Attachments(atts []schema.Attachment) *OperatorEventBuilder {
	b.ev.attachments = atts
	return b
}

func (b *OperatorEventBuilder) At(t time.Time) *OperatorEventBuilder {
	b.ev.at = t
	return b
}

func (b *OperatorEventBuilder) Build() OperatorEvent {
	ev := b.ev
	if ev.at.IsZero() {
		ev.at = time.Now()
	}
	return ev
}
