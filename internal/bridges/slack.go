package bridges

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/slack-go/slack"

	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// Slack API errors that mean the thread parent is gone.
var slackMissingThread = map[string]bool{
	"thread_not_found":  true,
	"message_not_found": true,
	"channel_not_found": true,
}

// SlackAdapter posts each session as a parent message in ChannelID and
// threads the conversation under it. Webhook mode posts flat messages to an
// incoming webhook and gets no timestamps back.
type SlackAdapter struct {
	cfg    *bridge.SlackConfig
	api    *slack.Client
	client *http.Client
}

var _ schema.Adapter = (*SlackAdapter)(nil)

func NewSlackAdapter(cfg *bridge.SlackConfig, client *http.Client) (*SlackAdapter, error) {
	if client == nil {
		client = newHTTPClient(DefaultHTTPTimeout)
	}
	a := &SlackAdapter{cfg: cfg, client: client}
	switch schema.Mode(cfg.Mode) {
	case schema.ModeBot:
		if cfg.BotToken == "" || cfg.ChannelID == "" {
			return nil, fmt.Errorf("slack: botToken and channelId are required: %w", schema.ErrConfig)
		}
		opts := []slack.Option{slack.OptionHTTPClient(client)}
		if cfg.APIURL != "" {
			opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
		}
		if cfg.AppToken != "" {
			opts = append(opts, slack.OptionAppLevelToken(cfg.AppToken))
		}
		a.api = slack.New(cfg.BotToken, opts...)
	case schema.ModeWebhook:
		if _, err := url.ParseRequestURI(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("slack: webhookUrl: %v: %w", err, schema.ErrConfig)
		}
	default:
		return nil, fmt.Errorf("slack: unknown mode %q: %w", cfg.Mode, schema.ErrConfig)
	}
	return a, nil
}

func (a *SlackAdapter) Name() schema.Platform { return schema.PlatformSlack }
func (a *SlackAdapter) Mode() schema.Mode     { return schema.Mode(a.cfg.Mode) }

// API exposes the Web API client to the inbound side. Nil in webhook mode.
func (a *SlackAdapter) API() *slack.Client { return a.api }

func (a *SlackAdapter) bot() bool { return a.api != nil }

func (a *SlackAdapter) OnNewSession(ctx context.Context, sess *schema.Session) (string, error) {
	title := "🟢 New conversation: " + sess.DisplayName()
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncateRunes(title, 150), true, false)),
	}
	if fields := factFields(sessionFacts(sess)); len(fields) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))
	}
	if !a.bot() {
		return "", a.webhook(ctx, "new session", title, blocks)
	}
	_, ts, err := a.api.PostMessageContext(ctx, a.cfg.ChannelID,
		slack.MsgOptionText(title, false), slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return "", slackError("post message", err)
	}
	return ts, nil
}

func (a *SlackAdapter) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	if !a.bot() {
		return true, nil
	}
	if threadID == "" {
		return false, nil
	}
	msgs, _, _, err := a.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: a.cfg.ChannelID,
		Timestamp: threadID,
		Limit:     1,
	})
	if err != nil {
		if slackMissingThread[err.Error()] {
			return false, nil
		}
		return false, slackError("conversations.replies", err)
	}
	if len(msgs) == 0 || msgs[0].SubType == "tombstone" {
		return false, nil
	}
	return true, nil
}

func (a *SlackAdapter) OnVisitorMessage(ctx context.Context, msg *schema.Message, sess *schema.Session, reply *schema.ReplyContext) (schema.BridgeMessageIDs, error) {
	text := "💬 *" + slackEscape(messageAuthor(msg, sess)) + "*\n"
	// Slack has no reply reference inside a thread; quote instead.
	if reply != nil {
		text += "> " + slackEscape(replyQuote(reply)) + "\n"
	}
	text += slackEscape(bodyWithAttachments(msg))
	ts, err := a.post(ctx, sess, "visitor message", text)
	return schema.BridgeMessageIDs{SlackMessageTS: ts}, err
}

func (a *SlackAdapter) OnOperatorMessage(ctx context.Context, msg *schema.Message, sess *schema.Session, source schema.Platform, operatorName string) (schema.BridgeMessageIDs, error) {
	if source == schema.PlatformSlack {
		return schema.BridgeMessageIDs{}, nil
	}
	text := "👤 *" + slackEscape(operatorLabel(operatorName, source)) + "*\n" + slackEscape(bodyWithAttachments(msg))
	ts, err := a.post(ctx, sess, "operator message", text)
	return schema.BridgeMessageIDs{SlackMessageTS: ts}, err
}

func (a *SlackAdapter) OnOperatorMessageEdited(ctx context.Context, _ *schema.Session, ids schema.BridgeMessageIDs, content string) error {
	if !a.bot() || ids.SlackMessageTS == "" {
		return nil
	}
	return a.update(ctx, ids.SlackMessageTS, slackEscape(content)+"\n_(edited)_")
}

func (a *SlackAdapter) OnOperatorMessageDeleted(ctx context.Context, _ *schema.Session, ids schema.BridgeMessageIDs) error {
	return a.deleteMessage(ctx, ids.SlackMessageTS)
}

// OnTyping is a no-op: bots cannot show typing in Slack.
func (a *SlackAdapter) OnTyping(context.Context, *schema.Session, bool) error { return nil }

func (a *SlackAdapter) OnMessageRead(ctx context.Context, _ *schema.Session, receipts []schema.ReadReceipt, status schema.ReadStatus) error {
	if !a.bot() || status != schema.StatusRead {
		return nil
	}
	var errs []error
	for _, r := range receipts {
		if r.BridgeIDs.SlackMessageTS == "" {
			continue
		}
		err := a.api.AddReactionContext(ctx, a.cfg.ReadEmoji, slack.NewRefToMessage(a.cfg.ChannelID, r.BridgeIDs.SlackMessageTS))
		if err != nil && err.Error() != "already_reacted" {
			errs = append(errs, slackError("reactions.add", err))
		}
	}
	return errors.Join(errs...)
}

func (a *SlackAdapter) OnCustomEvent(ctx context.Context, event schema.CustomEvent, sess *schema.Session) error {
	title := "⚡ Event: " + event.Name
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncateRunes(title, 150), true, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType,
			"```"+truncateRunes(prettyJSON(event.Data), slackMaxMsgLen-6)+"```", false, false), nil, nil),
	}
	return a.postBlocks(ctx, sess, "custom event", title, blocks)
}

func (a *SlackAdapter) OnIdentityUpdate(ctx context.Context, sess *schema.Session) error {
	if sess.Identity == nil {
		return nil
	}
	var facts [][2]string
	for _, f := range sessionFacts(&schema.Session{Identity: sess.Identity}) {
		if f[0] != "Session" {
			facts = append(facts, f)
		}
	}
	title := "🪪 Visitor identified"
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "*"+title+"*", false, false), factFields(facts), nil),
	}
	return a.postBlocks(ctx, sess, "identity update", title, blocks)
}

func (a *SlackAdapter) OnAITakeover(ctx context.Context, sess *schema.Session, reason string) error {
	_, err := a.post(ctx, sess, "ai takeover", "🤖 *AI took over*: "+slackEscape(reason))
	return err
}

func (a *SlackAdapter) OnVisitorMessageEdited(ctx context.Context, sess *schema.Session, _ string, content string, ids schema.BridgeMessageIDs) (*schema.BridgeMessageIDs, error) {
	if !a.bot() || ids.SlackMessageTS == "" {
		return nil, nil
	}
	text := "💬 *" + slackEscape(sess.DisplayName()) + "*\n" + slackEscape(content) + "\n_(edited)_"
	if err := a.update(ctx, ids.SlackMessageTS, text); err != nil {
		return nil, err
	}
	out := ids.Only(schema.PlatformSlack)
	return &out, nil
}

func (a *SlackAdapter) OnVisitorMessageDeleted(ctx context.Context, _ *schema.Session, _ string, ids schema.BridgeMessageIDs) error {
	return a.deleteMessage(ctx, ids.SlackMessageTS)
}

// ─── transport ────────────────────────────────────────────────────────────

// post sends text in chunks into the session thread and returns the first
// timestamp. Webhook mode returns "".
func (a *SlackAdapter) post(ctx context.Context, sess *schema.Session, op, text string) (string, error) {
	if !a.bot() {
		return "", a.webhook(ctx, op, text, nil)
	}
	threadTS := sess.ThreadID(schema.PlatformSlack)
	if threadTS == "" {
		return "", fmt.Errorf("slack: session %s has no thread: %w", sess.ID, schema.ErrNotFound)
	}
	first := ""
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		_, ts, err := a.api.PostMessageContext(ctx, a.cfg.ChannelID,
			slack.MsgOptionText(chunk, false), slack.MsgOptionTS(threadTS))
		if err != nil {
			return first, slackError(op, err)
		}
		if first == "" {
			first = ts
		}
	}
	return first, nil
}

func (a *SlackAdapter) postBlocks(ctx context.Context, sess *schema.Session, op, fallback string, blocks []slack.Block) error {
	if !a.bot() {
		return a.webhook(ctx, op, fallback, blocks)
	}
	threadTS := sess.ThreadID(schema.PlatformSlack)
	if threadTS == "" {
		return fmt.Errorf("slack: session %s has no thread: %w", sess.ID, schema.ErrNotFound)
	}
	_, _, err := a.api.PostMessageContext(ctx, a.cfg.ChannelID,
		slack.MsgOptionText(fallback, false), slack.MsgOptionBlocks(blocks...), slack.MsgOptionTS(threadTS))
	return slackError(op, err)
}

func (a *SlackAdapter) update(ctx context.Context, ts, text string) error {
	_, _, _, err := a.api.UpdateMessageContext(ctx, a.cfg.ChannelID, ts, slack.MsgOptionText(truncateRunes(text, slackMaxMsgLen), false))
	return slackError("chat.update", err)
}

func (a *SlackAdapter) deleteMessage(ctx context.Context, ts string) error {
	if !a.bot() || ts == "" {
		return nil
	}
	_, _, err := a.api.DeleteMessageContext(ctx, a.cfg.ChannelID, ts)
	if err != nil && err.Error() == "message_not_found" {
		return nil
	}
	return slackError("chat.delete", err)
}

// webhook posts to the incoming webhook. Slack answers with a bare "ok", so
// there is never a timestamp to return.
func (a *SlackAdapter) webhook(ctx context.Context, op, text string, blocks []slack.Block) error {
	msg := &slack.WebhookMessage{Text: text}
	if len(blocks) > 0 {
		msg.Blocks = &slack.Blocks{BlockSet: blocks}
	}
	err := slack.PostWebhookCustomHTTPContext(ctx, a.cfg.WebhookURL, a.client, msg)
	return slackError(op, err)
}

func factFields(facts [][2]string) []*slack.TextBlockObject {
	fields := make([]*slack.TextBlockObject, 0, len(facts))
	for _, f := range facts {
		if len(fields) == 10 { // Slack section field limit
			break
		}
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			"*"+f[0]+":*\n"+slackEscape(f[1]), false, false))
	}
	return fields
}

// slackEscape escapes the three control characters of Slack mrkdwn.
func slackEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}

// slackError converts a slack-go failure into an AdapterError.
func slackError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		slog.Warn("slack: rate limited", "op", op, "retry_after", rl.RetryAfter)
		return schema.NewAdapterError(schema.PlatformSlack, op, http.StatusTooManyRequests, err.Error(), nil)
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		slog.Warn("slack: api error", "op", op, "status", sc.Code)
		return schema.NewAdapterError(schema.PlatformSlack, op, sc.Code, sc.Status, nil)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		slog.Warn("slack: request failed", "op", op, "error", err)
		return schema.NewAdapterError(schema.PlatformSlack, op, 0, "", fmt.Errorf("%w: %v", schema.ErrTransient, err))
	}
	// Web API "ok": false responses carry only an error code string.
	slog.Warn("slack: api error", "op", op, "body", err.Error())
	return schema.NewAdapterError(schema.PlatformSlack, op, http.StatusBadRequest, err.Error(), nil)
}
