package schema

import (
	"strconv"
	"time"
)

// Sender is the author role of a message.
type Sender string

const (
	SenderVisitor  Sender = "visitor"
	SenderOperator Sender = "operator"
	SenderAI       Sender = "ai"
	SenderSystem   Sender = "system"
)

// Attachment is a file shared in a message. URL is always fetchable by the
// widget; platform-private links are resolved before they get here.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url"`
}

// Message is immutable after creation except for EditedAt/DeletedAt, the
// content replaced by an edit, and BridgeIDs.
type Message struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"sessionId"`
	Content      string           `json:"content"`
	Sender       Sender           `json:"sender"`
	Timestamp    time.Time        `json:"timestamp"`
	ReplyTo      string           `json:"replyTo,omitempty"`
	Attachments  []Attachment     `json:"attachments,omitempty"`
	BridgeIDs    BridgeMessageIDs `json:"bridgeIds"`
	SourceBridge Platform         `json:"sourceBridge,omitempty"`
	OperatorName string           `json:"operatorName,omitempty"`
	EditedAt     *time.Time       `json:"editedAt,omitempty"`
	DeletedAt    *time.Time       `json:"deletedAt,omitempty"`
}

func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// Preview returns a short snippet of the content for quotes and logs.
func (m *Message) Preview(limit int) string {
	r := []rune(m.Content)
	if len(r) <= limit {
		return m.Content
	}
	return string(r[:limit]) + "..."
}

// BridgeMessageIDs records the identity of one logical message on every
// platform it was delivered to.
type BridgeMessageIDs struct {
	TelegramMessageID int    `json:"telegramMessageId,omitempty"`
	DiscordMessageID  string `json:"discordMessageId,omitempty"`
	SlackMessageTS    string `json:"slackMessageTs,omitempty"`
}

// Merge overwrites only the fields set in update and returns the result.
// Merging is commutative for disjoint updates.
func (ids BridgeMessageIDs) Merge(update BridgeMessageIDs) BridgeMessageIDs {
	if update.TelegramMessageID != 0 {
		ids.TelegramMessageID = update.TelegramMessageID
	}
	if update.DiscordMessageID != "" {
		ids.DiscordMessageID = update.DiscordMessageID
	}
	if update.SlackMessageTS != "" {
		ids.SlackMessageTS = update.SlackMessageTS
	}
	return ids
}

func (ids BridgeMessageIDs) IsZero() bool {
	return ids.TelegramMessageID == 0 && ids.DiscordMessageID == "" && ids.SlackMessageTS == ""
}

// For returns the identifier on p in string form, or "" when absent.
func (ids BridgeMessageIDs) For(p Platform) string {
	switch p {
	case PlatformTelegram:
		if ids.TelegramMessageID == 0 {
			return ""
		}
		return strconv.Itoa(ids.TelegramMessageID)
	case PlatformDiscord:
		return ids.DiscordMessageID
	case PlatformSlack:
		return ids.SlackMessageTS
	}
	return ""
}

// Only keeps the field owned by p and zeroes the rest.
func (ids BridgeMessageIDs) Only(p Platform) BridgeMessageIDs {
	switch p {
	case PlatformTelegram:
		return BridgeMessageIDs{TelegramMessageID: ids.TelegramMessageID}
	case PlatformDiscord:
		return BridgeMessageIDs{DiscordMessageID: ids.DiscordMessageID}
	case PlatformSlack:
		return BridgeMessageIDs{SlackMessageTS: ids.SlackMessageTS}
	}
	return BridgeMessageIDs{}
}

// BridgeIDFor builds a BridgeMessageIDs holding id on platform p.
func BridgeIDFor(p Platform, id string) BridgeMessageIDs {
	switch p {
	case PlatformTelegram:
		n, _ := strconv.Atoi(id)
		return BridgeMessageIDs{TelegramMessageID: n}
	case PlatformDiscord:
		return BridgeMessageIDs{DiscordMessageID: id}
	case PlatformSlack:
		return BridgeMessageIDs{SlackMessageTS: id}
	}
	return BridgeMessageIDs{}
}

// ReplyContext is what an adapter needs to render a reply to an earlier message.
type ReplyContext struct {
	BridgeIDs BridgeMessageIDs
	Quote     string
	Sender    Sender
	Deleted   bool
}

// CustomEvent is an application-defined event triggered from the widget.
type CustomEvent struct {
	Name      string         `json:"name"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ReadStatus is the delivery state reported by the widget.
type ReadStatus string

const (
	StatusDelivered ReadStatus = "delivered"
	StatusRead      ReadStatus = "read"
)

// ReadReceipt pairs a message with the platform identities it was sent under.
type ReadReceipt struct {
	MessageID string
	BridgeIDs BridgeMessageIDs
}
