package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/crystaldolphin/pingbridge/internal/bus"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// translate turns MESSAGE_* dispatches into operator events. Anything it
// cannot decode is logged and dropped; the connection keeps running.
func (c *Connection) translate(ctx context.Context, t string, d json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("discord gateway: dispatch handler panicked", "event", t, "panic", r)
		}
	}()

	var ev bus.OperatorEvent
	var ok bool
	switch t {
	case "MESSAGE_CREATE":
		ev, ok = c.messageCreate(d)
	case "MESSAGE_UPDATE":
		ev, ok = c.messageUpdate(d)
	case "MESSAGE_DELETE":
		ev, ok = messageDelete(d)
	default:
		return
	}
	if !ok || c.opts.Sink == nil {
		return
	}
	if err := c.opts.Sink.Publish(ctx, ev); err != nil {
		slog.Warn("discord gateway: event not delivered", "event", t, "err", err)
	}
}

// acceptAuthor drops the bridge's own messages and bots that are not allow-listed.
func (c *Connection) acceptAuthor(u *discordgo.User) bool {
	if u == nil {
		return false
	}
	if u.ID == c.selfID {
		return false
	}
	if u.Bot && !c.allow[u.ID] {
		return false
	}
	return true
}

func (c *Connection) messageCreate(d json.RawMessage) (bus.OperatorEvent, bool) {
	var m discordgo.Message
	if err := json.Unmarshal(d, &m); err != nil {
		slog.Warn("discord gateway: malformed MESSAGE_CREATE", "err", err)
		return bus.OperatorEvent{}, false
	}
	if !c.acceptAuthor(m.Author) {
		return bus.OperatorEvent{}, false
	}

	b := bus.NewOperatorEventBuilder(bus.OperatorMessageCreated, schema.PlatformDiscord, m.ChannelID, m.ID).
		Content(m.Content).
		OperatorName(operatorName(&m)).
		Attachments(attachments(m.Attachments))
	if m.MessageReference != nil {
		b.ReplyTo(m.MessageReference.MessageID)
	}
	if !m.Timestamp.IsZero() {
		b.At(m.Timestamp)
	}
	return b.Build(), true
}

func (c *Connection) messageUpdate(d json.RawMessage) (bus.OperatorEvent, bool) {
	// Embed unfurls arrive as updates without content; only real edits count.
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(d, &keys); err != nil {
		slog.Warn("discord gateway: malformed MESSAGE_UPDATE", "err", err)
		return bus.OperatorEvent{}, false
	}
	if _, ok := keys["content"]; !ok {
		return bus.OperatorEvent{}, false
	}

	var m discordgo.Message
	if err := json.Unmarshal(d, &m); err != nil {
		slog.Warn("discord gateway: malformed MESSAGE_UPDATE", "err", err)
		return bus.OperatorEvent{}, false
	}
	if m.Author != nil && !c.acceptAuthor(m.Author) {
		return bus.OperatorEvent{}, false
	}
	return bus.NewOperatorEventBuilder(bus.OperatorMessageEdited, schema.PlatformDiscord, m.ChannelID, m.ID).
		Content(m.Content).
		OperatorName(operatorName(&m)).
		Build(), true
}

func messageDelete(d json.RawMessage) (bus.OperatorEvent, bool) {
	var del struct {
		ID        string `json:"id"`
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal(d, &del); err != nil || del.ID == "" {
		slog.Warn("discord gateway: malformed MESSAGE_DELETE", "err", err)
		return bus.OperatorEvent{}, false
	}
	return bus.NewOperatorEventBuilder(bus.OperatorMessageDeleted, schema.PlatformDiscord, del.ChannelID, del.ID).Build(), true
}

func operatorName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author == nil {
		return ""
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func attachments(in []*discordgo.MessageAttachment) []schema.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]schema.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, schema.Attachment{
			Filename: a.Filename,
			MimeType: a.ContentType,
			Size:     int64(a.Size),
			URL:      a.URL,
		})
	}
	return out
}
