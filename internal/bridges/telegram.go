package bridges

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// Bot API error descriptions meaning the forum topic is unusable.
var telegramMissingThread = []string{
	"thread not found",
	"TOPIC_DELETED",
	"TOPIC_ID_INVALID",
	"TOPIC_CLOSED",
}

// TelegramAdapter posts sessions into a forum supergroup, one topic per
// session.
type TelegramAdapter struct {
	cfg *bridge.TelegramConfig
	bot *tgbotapi.BotAPI
}

var _ schema.Adapter = (*TelegramAdapter)(nil)
var _ schema.ThreadRecreator = (*TelegramAdapter)(nil)

// NewTelegramAdapter authenticates the bot with getMe so a bad token fails
// here rather than on the first visitor message.
func NewTelegramAdapter(cfg *bridge.TelegramConfig, client tgbotapi.HTTPClient) (*TelegramAdapter, error) {
	if cfg.BotToken == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram: botToken and chatId are required: %w", schema.ErrConfig)
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	slog.Info("telegram: connected", "username", bot.Self.UserName, "chat", cfg.ChatID)
	return &TelegramAdapter{cfg: cfg, bot: bot}, nil
}

func (t *TelegramAdapter) Name() schema.Platform { return schema.PlatformTelegram }
func (t *TelegramAdapter) Mode() schema.Mode     { return schema.ModeBot }

// Bot exposes the API client to the inbound side.
func (t *TelegramAdapter) Bot() *tgbotapi.BotAPI { return t.bot }

func (t *TelegramAdapter) OnNewSession(ctx context.Context, sess *schema.Session) (string, error) {
	topicID, err := t.createTopic(ctx, sess)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("🟢 <b>New conversation</b>\n")
	for _, f := range sessionFacts(sess) {
		fmt.Fprintf(&b, "<b>%s:</b> %s\n", f[0], htmlEscape(f[1]))
	}
	if _, err := t.sendHTML(ctx, topicID, b.String(), 0); err != nil {
		slog.Warn("telegram: session intro failed", "session", sess.ID, "error", err)
	}
	return strconv.Itoa(topicID), nil
}

// RecreateThread opens a replacement topic without the session intro.
func (t *TelegramAdapter) RecreateThread(ctx context.Context, sess *schema.Session) (string, error) {
	topicID, err := t.createTopic(ctx, sess)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(topicID), nil
}

func (t *TelegramAdapter) createTopic(ctx context.Context, sess *schema.Session) (int, error) {
	p := tgbotapi.Params{}
	p.AddNonZero64("chat_id", t.cfg.ChatID)
	p.AddNonEmpty("name", truncateRunes(sess.DisplayName(), 128))
	raw, err := t.call(ctx, "createForumTopic", p)
	if err != nil {
		return 0, err
	}
	var topic struct {
		MessageThreadID int `json:"message_thread_id"`
	}
	if err := json.Unmarshal(raw, &topic); err != nil || topic.MessageThreadID == 0 {
		return 0, schema.NewAdapterError(schema.PlatformTelegram, "createForumTopic", 0, string(raw),
			fmt.Errorf("%w: no message_thread_id", schema.ErrProtocol))
	}
	return topic.MessageThreadID, nil
}

// ThreadExists checks the topic with a chat action; the Bot API has no
// read-only topic lookup.
func (t *TelegramAdapter) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	id, err := strconv.Atoi(threadID)
	if err != nil || id == 0 {
		return false, nil
	}
	p := t.chatParams(id)
	p.AddNonEmpty("action", tgbotapi.ChatTyping)
	if _, err := t.call(ctx, "sendChatAction", p); err != nil {
		if isMissingTopic(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *TelegramAdapter) OnVisitorMessage(ctx context.Context, msg *schema.Message, sess *schema.Session, reply *schema.ReplyContext) (schema.BridgeMessageIDs, error) {
	threadID, err := t.thread(sess)
	if err != nil {
		return schema.BridgeMessageIDs{}, err
	}
	header := "💬 <b>" + htmlEscape(messageAuthor(msg, sess)) + "</b>\n"
	replyTo := 0
	if reply != nil {
		if reply.BridgeIDs.TelegramMessageID != 0 && !reply.Deleted {
			replyTo = reply.BridgeIDs.TelegramMessageID
		} else {
			header += "<blockquote>" + htmlEscape(replyQuote(reply)) + "</blockquote>\n"
		}
	}
	id, err := t.sendText(ctx, threadID, header, bodyWithAttachments(msg), replyTo)
	if err != nil {
		return schema.BridgeMessageIDs{}, err
	}
	return schema.BridgeMessageIDs{TelegramMessageID: id}, nil
}

func (t *TelegramAdapter) OnOperatorMessage(ctx context.Context, msg *schema.Message, sess *schema.Session, source schema.Platform, operatorName string) (schema.BridgeMessageIDs, error) {
	if source == schema.PlatformTelegram {
		return schema.BridgeMessageIDs{}, nil
	}
	threadID, err := t.thread(sess)
	if err != nil {
		return schema.BridgeMessageIDs{}, err
	}
	header := "👤 <b>" + htmlEscape(operatorLabel(operatorName, source)) + "</b>\n"
	id, err := t.sendText(ctx, threadID, header, bodyWithAttachments(msg), 0)
	if err != nil {
		return schema.BridgeMessageIDs{}, err
	}
	return schema.BridgeMessageIDs{TelegramMessageID: id}, nil
}

func (t *TelegramAdapter) OnOperatorMessageEdited(ctx context.Context, _ *schema.Session, ids schema.BridgeMessageIDs, content string) error {
	if ids.TelegramMessageID == 0 {
		return nil
	}
	return t.editHTML(ctx, ids.TelegramMessageID, markdownToTelegramHTML(content)+"\n<i>(edited)</i>")
}

func (t *TelegramAdapter) OnOperatorMessageDeleted(ctx context.Context, _ *schema.Session, ids schema.BridgeMessageIDs) error {
	return t.deleteMessage(ctx, ids.TelegramMessageID)
}

func (t *TelegramAdapter) OnTyping(ctx context.Context, sess *schema.Session, isTyping bool) error {
	threadID, err := t.thread(sess)
	if !isTyping || err != nil {
		return nil
	}
	p := t.chatParams(threadID)
	p.AddNonEmpty("action", tgbotapi.ChatTyping)
	_, err = t.call(ctx, "sendChatAction", p)
	return err
}

// OnMessageRead is a no-op: bots cannot mark messages as read.
func (t *TelegramAdapter) OnMessageRead(context.Context, *schema.Session, []schema.ReadReceipt, schema.ReadStatus) error {
	return nil
}

func (t *TelegramAdapter) OnCustomEvent(ctx context.Context, event schema.CustomEvent, sess *schema.Session) error {
	threadID, err := t.thread(sess)
	if err != nil {
		return err
	}
	html := "⚡ <b>Event:</b> " + htmlEscape(event.Name) + "\n<pre>" + htmlEscape(prettyJSON(event.Data)) + "</pre>"
	_, err = t.sendHTML(ctx, threadID, html, 0)
	return err
}

func (t *TelegramAdapter) OnIdentityUpdate(ctx context.Context, sess *schema.Session) error {
	if sess.Identity == nil {
		return nil
	}
	threadID, err := t.thread(sess)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("🪪 <b>Visitor identified</b>\n")
	for _, f := range sessionFacts(&schema.Session{ID: sess.ID, Identity: sess.Identity}) {
		if f[0] == "Session" {
			continue
		}
		fmt.Fprintf(&b, "<b>%s:</b> %s\n", f[0], htmlEscape(f[1]))
	}
	if _, err := t.sendHTML(ctx, threadID, b.String(), 0); err != nil {
		return err
	}

	p := t.chatParams(threadID)
	p.AddNonEmpty("name", truncateRunes(sess.DisplayName(), 128))
	if _, err := t.call(ctx, "editForumTopic", p); err != nil {
		slog.Debug("telegram: topic rename failed", "session", sess.ID, "error", err)
	}
	return nil
}

func (t *TelegramAdapter) OnAITakeover(ctx context.Context, sess *schema.Session, reason string) error {
	threadID, err := t.thread(sess)
	if err != nil {
		return err
	}
	_, err = t.sendHTML(ctx, threadID, "🤖 <b>AI took over</b>: "+htmlEscape(reason), 0)
	return err
}

func (t *TelegramAdapter) OnVisitorMessageEdited(ctx context.Context, sess *schema.Session, _ string, content string, ids schema.BridgeMessageIDs) (*schema.BridgeMessageIDs, error) {
	if ids.TelegramMessageID == 0 {
		return nil, nil
	}
	html := "💬 <b>" + htmlEscape(sess.DisplayName()) + "</b>\n" + markdownToTelegramHTML(content) + "\n<i>(edited)</i>"
	if err := t.editHTML(ctx, ids.TelegramMessageID, html); err != nil {
		return nil, err
	}
	out := ids.Only(schema.PlatformTelegram)
	return &out, nil
}

func (t *TelegramAdapter) OnVisitorMessageDeleted(ctx context.Context, _ *schema.Session, _ string, ids schema.BridgeMessageIDs) error {
	return t.deleteMessage(ctx, ids.TelegramMessageID)
}

// ─── transport ────────────────────────────────────────────────────────────

func (t *TelegramAdapter) thread(sess *schema.Session) (int, error) {
	id, err := strconv.Atoi(sess.ThreadID(schema.PlatformTelegram))
	if err != nil || id == 0 {
		return 0, fmt.Errorf("telegram: session %s has no topic: %w", sess.ID, schema.ErrNotFound)
	}
	return id, nil
}

func (t *TelegramAdapter) chatParams(threadID int) tgbotapi.Params {
	p := tgbotapi.Params{}
	p.AddNonZero64("chat_id", t.cfg.ChatID)
	p.AddNonZero("message_thread_id", threadID)
	return p
}

// sendText chunks markdown body, converts each chunk to HTML and returns the
// id of the first message sent.
func (t *TelegramAdapter) sendText(ctx context.Context, threadID int, header, body string, replyTo int) (int, error) {
	first := 0
	for i, chunk := range splitMessage(body, telegramMaxMsgLen) {
		html := markdownToTelegramHTML(chunk)
		r := 0
		if i == 0 {
			html = header + html
			r = replyTo
		}
		id, err := t.sendHTML(ctx, threadID, html, r)
		if err != nil {
			return first, err
		}
		if first == 0 {
			first = id
		}
	}
	return first, nil
}

func (t *TelegramAdapter) sendHTML(ctx context.Context, threadID int, html string, replyTo int) (int, error) {
	p := t.chatParams(threadID)
	p.AddNonEmpty("text", html)
	p.AddNonEmpty("parse_mode", tgbotapi.ModeHTML)
	p.AddBool("disable_web_page_preview", true)
	if replyTo != 0 {
		p.AddNonZero("reply_to_message_id", replyTo)
		p.AddBool("allow_sending_without_reply", true)
	}
	raw, err := t.call(ctx, "sendMessage", p)
	if err != nil && isParseError(err) {
		// Fall back to plain text.
		p.AddNonEmpty("text", stripTags(html))
		delete(p, "parse_mode")
		raw, err = t.call(ctx, "sendMessage", p)
	}
	if err != nil {
		return 0, err
	}
	var sent struct {
		MessageID int `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &sent); err != nil {
		slog.Debug("telegram: sent without readable message id", "body", string(raw))
		return 0, nil
	}
	return sent.MessageID, nil
}

func (t *TelegramAdapter) editHTML(ctx context.Context, messageID int, html string) error {
	p := tgbotapi.Params{}
	p.AddNonZero64("chat_id", t.cfg.ChatID)
	p.AddNonZero("message_id", messageID)
	p.AddNonEmpty("text", html)
	p.AddNonEmpty("parse_mode", tgbotapi.ModeHTML)
	_, err := t.call(ctx, "editMessageText", p)
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

func (t *TelegramAdapter) deleteMessage(ctx context.Context, messageID int) error {
	if messageID == 0 {
		return nil
	}
	p := tgbotapi.Params{}
	p.AddNonZero64("chat_id", t.cfg.ChatID)
	p.AddNonZero("message_id", messageID)
	_, err := t.call(ctx, "deleteMessage", p)
	if err != nil && strings.Contains(err.Error(), "message to delete not found") {
		return nil
	}
	return err
}

// call performs one Bot API request. MakeRequest takes no context, so ctx is
// only checked up front; the HTTP client timeout bounds the call.
func (t *TelegramAdapter) call(ctx context.Context, method string, p tgbotapi.Params) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := t.bot.MakeRequest(method, p)
	if err == nil {
		return resp.Result, nil
	}
	if resp != nil && resp.ErrorCode != 0 {
		slog.Warn("telegram: api error", "method", method, "status", resp.ErrorCode, "body", resp.Description)
		return nil, schema.NewAdapterError(schema.PlatformTelegram, method, resp.ErrorCode, resp.Description, nil)
	}
	slog.Warn("telegram: request failed", "method", method, "error", err)
	return nil, schema.NewAdapterError(schema.PlatformTelegram, method, 0, "", fmt.Errorf("%w: %v", schema.ErrTransient, err))
}

func isMissingTopic(err error) bool {
	msg := err.Error()
	for _, s := range telegramMissingThread {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func isParseError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

// bodyWithAttachments appends attachment links to the message content.
func bodyWithAttachments(msg *schema.Message) string {
	lines := attachmentLines(msg.Attachments)
	if len(lines) == 0 {
		return msg.Content
	}
	return strings.TrimSpace(msg.Content + "\n📎 " + strings.Join(lines, "\n📎 "))
}
