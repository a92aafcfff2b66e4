package bridges

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

const (
	discordReadEmoji    = "✅"
	discordColorSession = 0x22c55e
	discordColorEvent   = 0x6366f1
	discordColorProfile = 0x0ea5e9

	// discordUnknownChannel is the API error code for a deleted channel.
	discordUnknownChannel = 10003
)

// DiscordAdapter talks to Discord over REST only; operator replies arrive
// through the gateway package. In bot mode each session is a public thread
// in ChannelID. In webhook mode everything is posted to one channel.
type DiscordAdapter struct {
	cfg *bridge.DiscordConfig
	s   *discordgo.Session

	webhookID    string
	webhookToken string
}

var _ schema.Adapter = (*DiscordAdapter)(nil)

func NewDiscordAdapter(cfg *bridge.DiscordConfig, client *http.Client) (*DiscordAdapter, error) {
	d := &DiscordAdapter{cfg: cfg}
	token := ""
	switch schema.Mode(cfg.Mode) {
	case schema.ModeBot:
		if cfg.BotToken == "" || cfg.ChannelID == "" {
			return nil, fmt.Errorf("discord: botToken and channelId are required: %w", schema.ErrConfig)
		}
		token = "Bot " + cfg.BotToken
	case schema.ModeWebhook:
		id, tok, err := parseDiscordWebhook(cfg.WebhookURL)
		if err != nil {
			return nil, err
		}
		d.webhookID, d.webhookToken = id, tok
	default:
		return nil, fmt.Errorf("discord: unknown mode %q: %w", cfg.Mode, schema.ErrConfig)
	}

	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	if client == nil {
		client = newHTTPClient(DefaultHTTPTimeout)
	}
	s.Client = client
	// Calls fail fast; the dispatcher's breaker decides what happens next.
	s.ShouldRetryOnRateLimit = false
	s.MaxRestRetries = 0
	d.s = s
	return d, nil
}

// parseDiscordWebhook extracts id and token from
// https://discord.com/api/webhooks/{id}/{token}.
func parseDiscordWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("discord: webhookUrl: %v: %w", err, schema.ErrConfig)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord: webhookUrl %q has no id/token: %w", raw, schema.ErrConfig)
}

func (d *DiscordAdapter) Name() schema.Platform { return schema.PlatformDiscord }
func (d *DiscordAdapter) Mode() schema.Mode     { return schema.Mode(d.cfg.Mode) }

func (d *DiscordAdapter) bot() bool { return d.Mode() == schema.ModeBot }

func (d *DiscordAdapter) OnNewSession(ctx context.Context, sess *schema.Session) (string, error) {
	intro := &discordgo.MessageEmbed{
		Title:  "🟢 New conversation",
		Color:  discordColorSession,
		Fields: embedFields(sessionFacts(sess)),
	}
	if !sess.CreatedAt.IsZero() {
		intro.Timestamp = sess.CreatedAt.Format(time.RFC3339)
	}
	if !d.bot() {
		_, err := d.webhook(ctx, "new session", &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{intro}})
		return "", err
	}

	th, err := d.s.ThreadStartComplex(d.cfg.ChannelID, &discordgo.ThreadStart{
		Name:                truncateRunes(sess.DisplayName(), 100),
		AutoArchiveDuration: d.cfg.ThreadArchiveMinutes,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", discordError("create thread", err)
	}
	if _, err := d.s.ChannelMessageSendComplex(th.ID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{intro},
	}, discordgo.WithContext(ctx)); err != nil {
		slog.Warn("discord: session intro failed", "session", sess.ID, "error", discordError("intro", err))
	}
	return th.ID, nil
}

func (d *DiscordAdapter) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	if !d.bot() {
		return true, nil
	}
	if threadID == "" {
		return false, nil
	}
	ch, err := d.s.Channel(threadID, discordgo.WithContext(ctx))
	if err != nil {
		var rest *discordgo.RESTError
		if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
			return false, nil
		}
		if errors.As(err, &rest) && rest.Message != nil && rest.Message.Code == discordUnknownChannel {
			return false, nil
		}
		return false, discordError("get channel", err)
	}
	if ch.ThreadMetadata != nil && ch.ThreadMetadata.Locked {
		return false, nil
	}
	return true, nil
}

func (d *DiscordAdapter) OnVisitorMessage(ctx context.Context, msg *schema.Message, sess *schema.Session, reply *schema.ReplyContext) (schema.BridgeMessageIDs, error) {
	author := messageAuthor(msg, sess)
	body := bodyWithAttachments(msg)
	var ref *discordgo.MessageReference
	if reply != nil {
		if d.bot() && reply.BridgeIDs.DiscordMessageID != "" && !reply.Deleted {
			ref = &discordgo.MessageReference{MessageID: reply.BridgeIDs.DiscordMessageID, ChannelID: sess.ThreadID(schema.PlatformDiscord)}
		} else {
			body = "> " + replyQuote(reply) + "\n" + body
		}
	}
	if !d.bot() {
		id, err := d.webhookText(ctx, "visitor message", author, body)
		return schema.BridgeMessageIDs{DiscordMessageID: id}, err
	}
	id, err := d.sendText(ctx, sess, "💬 **"+author+"**\n", body, ref)
	return schema.BridgeMessageIDs{DiscordMessageID: id}, err
}

func (d *DiscordAdapter) OnOperatorMessage(ctx context.Context, msg *schema.Message, sess *schema.Session, source schema.Platform, operatorName string) (schema.BridgeMessageIDs, error) {
	if source == schema.PlatformDiscord {
		return schema.BridgeMessageIDs{}, nil
	}
	label := operatorLabel(operatorName, source)
	if !d.bot() {
		id, err := d.webhookText(ctx, "operator message", label, bodyWithAttachments(msg))
		return schema.BridgeMessageIDs{DiscordMessageID: id}, err
	}
	id, err := d.sendText(ctx, sess, "👤 **"+label+"**\n", bodyWithAttachments(msg), nil)
	return schema.BridgeMessageIDs{DiscordMessageID: id}, err
}

func (d *DiscordAdapter) OnOperatorMessageEdited(ctx context.Context, sess *schema.Session, ids schema.BridgeMessageIDs, content string) error {
	threadID := sess.ThreadID(schema.PlatformDiscord)
	if !d.bot() || ids.DiscordMessageID == "" || threadID == "" {
		return nil
	}
	_, err := d.s.ChannelMessageEdit(threadID, ids.DiscordMessageID,
		truncateRunes(content+"\n-# edited", discordMaxMsgLen), discordgo.WithContext(ctx))
	return discordError("edit message", err)
}

func (d *DiscordAdapter) OnOperatorMessageDeleted(ctx context.Context, sess *schema.Session, ids schema.BridgeMessageIDs) error {
	return d.deleteMessage(ctx, sess, ids)
}

func (d *DiscordAdapter) OnTyping(ctx context.Context, sess *schema.Session, isTyping bool) error {
	threadID := sess.ThreadID(schema.PlatformDiscord)
	if !d.bot() || !isTyping || threadID == "" {
		return nil
	}
	return discordError("typing", d.s.ChannelTyping(threadID, discordgo.WithContext(ctx)))
}

// OnMessageRead reacts to each read visitor message.
func (d *DiscordAdapter) OnMessageRead(ctx context.Context, sess *schema.Session, receipts []schema.ReadReceipt, status schema.ReadStatus) error {
	threadID := sess.ThreadID(schema.PlatformDiscord)
	if !d.bot() || status != schema.StatusRead || threadID == "" {
		return nil
	}
	var errs []error
	for _, r := range receipts {
		if r.BridgeIDs.DiscordMessageID == "" {
			continue
		}
		err := d.s.MessageReactionAdd(threadID, r.BridgeIDs.DiscordMessageID, discordReadEmoji, discordgo.WithContext(ctx))
		if err != nil {
			errs = append(errs, discordError("add reaction", err))
		}
	}
	return errors.Join(errs...)
}

func (d *DiscordAdapter) OnCustomEvent(ctx context.Context, event schema.CustomEvent, sess *schema.Session) error {
	embed := &discordgo.MessageEmbed{
		Title: "⚡ " + event.Name,
		Color: discordColorEvent,
	}
	if !event.Timestamp.IsZero() {
		embed.Timestamp = event.Timestamp.Format(time.RFC3339)
	}
	for _, k := range sortedKeys(event.Data) {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   k,
			Value:  truncateRunes(fmt.Sprint(event.Data[k]), 1024),
			Inline: true,
		})
	}
	return d.sendEmbed(ctx, sess, "custom event", embed)
}

func (d *DiscordAdapter) OnIdentityUpdate(ctx context.Context, sess *schema.Session) error {
	if sess.Identity == nil {
		return nil
	}
	var fields [][2]string
	for _, f := range sessionFacts(&schema.Session{Identity: sess.Identity}) {
		if f[0] != "Session" {
			fields = append(fields, f)
		}
	}
	return d.sendEmbed(ctx, sess, "identity update", &discordgo.MessageEmbed{
		Title:  "🪪 Visitor identified",
		Color:  discordColorProfile,
		Fields: embedFields(fields),
	})
}

func (d *DiscordAdapter) OnAITakeover(ctx context.Context, sess *schema.Session, reason string) error {
	text := "🤖 **AI took over**: " + reason
	if !d.bot() {
		_, err := d.webhookText(ctx, "ai takeover", "PingBridge", text)
		return err
	}
	_, err := d.sendText(ctx, sess, "", text, nil)
	return err
}

func (d *DiscordAdapter) OnVisitorMessageEdited(ctx context.Context, sess *schema.Session, _ string, content string, ids schema.BridgeMessageIDs) (*schema.BridgeMessageIDs, error) {
	threadID := sess.ThreadID(schema.PlatformDiscord)
	if !d.bot() || ids.DiscordMessageID == "" || threadID == "" {
		return nil, nil
	}
	text := truncateRunes("💬 **"+sess.DisplayName()+"**\n"+content+"\n-# edited", discordMaxMsgLen)
	if _, err := d.s.ChannelMessageEdit(threadID, ids.DiscordMessageID, text, discordgo.WithContext(ctx)); err != nil {
		return nil, discordError("edit message", err)
	}
	out := ids.Only(schema.PlatformDiscord)
	return &out, nil
}

func (d *DiscordAdapter) OnVisitorMessageDeleted(ctx context.Context, sess *schema.Session, _ string, ids schema.BridgeMessageIDs) error {
	return d.deleteMessage(ctx, sess, ids)
}

// ─── transport ────────────────────────────────────────────────────────────

func (d *DiscordAdapter) thread(sess *schema.Session) (string, error) {
	id := sess.ThreadID(schema.PlatformDiscord)
	if id == "" {
		return "", fmt.Errorf("discord: session %s has no thread: %w", sess.ID, schema.ErrNotFound)
	}
	return id, nil
}

// sendText posts header+body in chunks and returns the first message id.
func (d *DiscordAdapter) sendText(ctx context.Context, sess *schema.Session, header, body string, ref *discordgo.MessageReference) (string, error) {
	threadID, err := d.thread(sess)
	if err != nil {
		return "", err
	}
	first := ""
	for i, chunk := range splitMessage(header+body, discordMaxMsgLen) {
		data := &discordgo.MessageSend{
			Content:         chunk,
			AllowedMentions: noMentions(),
		}
		if i == 0 && ref != nil {
			data.Reference = ref
		}
		m, err := d.s.ChannelMessageSendComplex(threadID, data, discordgo.WithContext(ctx))
		if err != nil {
			return first, discordError("send message", err)
		}
		if first == "" {
			first = m.ID
		}
	}
	return first, nil
}

func (d *DiscordAdapter) sendEmbed(ctx context.Context, sess *schema.Session, op string, embed *discordgo.MessageEmbed) error {
	if !d.bot() {
		_, err := d.webhook(ctx, op, &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embed}})
		return err
	}
	threadID, err := d.thread(sess)
	if err != nil {
		return err
	}
	_, err = d.s.ChannelMessageSendComplex(threadID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	return discordError(op, err)
}

func (d *DiscordAdapter) deleteMessage(ctx context.Context, sess *schema.Session, ids schema.BridgeMessageIDs) error {
	threadID := sess.ThreadID(schema.PlatformDiscord)
	if !d.bot() || ids.DiscordMessageID == "" || threadID == "" {
		return nil
	}
	err := d.s.ChannelMessageDelete(threadID, ids.DiscordMessageID, discordgo.WithContext(ctx))
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound {
		return nil
	}
	return discordError("delete message", err)
}

func (d *DiscordAdapter) webhookText(ctx context.Context, op, username, text string) (string, error) {
	first := ""
	for _, chunk := range splitMessage(text, discordMaxMsgLen) {
		id, err := d.webhook(ctx, op, &discordgo.WebhookParams{
			Content:         chunk,
			Username:        truncateRunes(username, 80),
			AllowedMentions: noMentions(),
		})
		if err != nil {
			return first, err
		}
		if first == "" {
			first = id
		}
	}
	return first, nil
}

// webhook executes with wait=true so Discord answers with the message.
func (d *DiscordAdapter) webhook(ctx context.Context, op string, params *discordgo.WebhookParams) (string, error) {
	m, err := d.s.WebhookExecute(d.webhookID, d.webhookToken, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return "", discordError(op, err)
	}
	if m == nil {
		return "", nil
	}
	return m.ID, nil
}

func embedFields(facts [][2]string) []*discordgo.MessageEmbedField {
	fields := make([]*discordgo.MessageEmbedField, 0, len(facts))
	for _, f := range facts {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   f[0],
			Value:  truncateRunes(f[1], 1024),
			Inline: len(f[1]) < 40,
		})
	}
	return fields
}

// discordError converts a discordgo failure into an AdapterError.
func discordError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		slog.Warn("discord: api error", "op", op, "status", rest.Response.StatusCode, "body", string(rest.ResponseBody))
		return schema.NewAdapterError(schema.PlatformDiscord, op, rest.Response.StatusCode, string(rest.ResponseBody), nil)
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		slog.Warn("discord: rate limited", "op", op, "error", err)
		return schema.NewAdapterError(schema.PlatformDiscord, op, http.StatusTooManyRequests, err.Error(), nil)
	}
	slog.Warn("discord: request failed", "op", op, "error", err)
	return schema.NewAdapterError(schema.PlatformDiscord, op, 0, "", fmt.Errorf("%w: %v", schema.ErrTransient, err))
}

// noMentions keeps visitor text from pinging anyone.
func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}
