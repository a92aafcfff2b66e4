package bridges

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/crystaldolphin/pingbridge/internal/bus"
	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

const (
	telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxWebhookBody       = 1 << 20
	pollRetryDelay       = 3 * time.Second
)

// tgMessage adds the forum fields the library's Message predates.
type tgMessage struct {
	tgbotapi.Message
	MessageThreadID int        `json:"message_thread_id"`
	IsTopicMessage  bool       `json:"is_topic_message"`
	ReplyToMessage  *tgMessage `json:"reply_to_message"`
}

type tgUpdate struct {
	UpdateID      int        `json:"update_id"`
	Message       *tgMessage `json:"message"`
	EditedMessage *tgMessage `json:"edited_message"`
}

// TelegramInbound turns operator posts in session topics into operator
// events, by long polling or as a webhook handler.
type TelegramInbound struct {
	cfg    *bridge.TelegramConfig
	bot    *tgbotapi.BotAPI
	sink   Sink
	offset int
}

func NewTelegramInbound(cfg *bridge.TelegramConfig, adapter *TelegramAdapter, sink Sink) *TelegramInbound {
	return &TelegramInbound{cfg: cfg, bot: adapter.Bot(), sink: sink}
}

// Poll runs getUpdates until ctx is done. Failures are logged and retried.
func (in *TelegramInbound) Poll(ctx context.Context) error {
	slog.Info("telegram: polling for operator replies", "chat", in.cfg.ChatID)
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := in.getUpdates()
		if err != nil {
			slog.Warn("telegram: getUpdates failed", "error", err)
			select {
			case <-time.After(pollRetryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		for _, u := range updates {
			in.offset = u.UpdateID + 1
			in.handleUpdate(ctx, u)
		}
	}
}

func (in *TelegramInbound) getUpdates() ([]tgUpdate, error) {
	p := tgbotapi.Params{}
	p.AddNonZero("offset", in.offset)
	p.AddNonZero("timeout", in.cfg.PollTimeout)
	if err := p.AddInterface("allowed_updates", []string{"message", "edited_message"}); err != nil {
		return nil, err
	}
	resp, err := in.bot.MakeRequest("getUpdates", p)
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// ServeHTTP accepts Telegram webhook deliveries.
func (in *TelegramInbound) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if secret := in.cfg.WebhookSecret; secret != "" {
		got := r.Header.Get(telegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			slog.Warn("telegram: webhook secret mismatch", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	var u tgUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&u); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	in.handleUpdate(r.Context(), u)
	w.WriteHeader(http.StatusOK)
}

func (in *TelegramInbound) handleUpdate(ctx context.Context, u tgUpdate) {
	kind, m := bus.OperatorMessageCreated, u.Message
	if m == nil {
		kind, m = bus.OperatorMessageEdited, u.EditedMessage
	}
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}
	if m.Chat.ID != in.cfg.ChatID || m.MessageThreadID == 0 || m.From.IsBot {
		return
	}
	content := m.Text
	if content == "" {
		content = m.Caption
	}
	atts := in.attachments(m)
	if content == "" && len(atts) == 0 {
		return // service message, e.g. topic created
	}

	at := time.Unix(int64(m.Date), 0)
	if kind == bus.OperatorMessageEdited && m.EditDate != 0 {
		at = time.Unix(int64(m.EditDate), 0)
	}
	b := bus.NewOperatorEventBuilder(kind, schema.PlatformTelegram,
		strconv.Itoa(m.MessageThreadID), strconv.Itoa(m.MessageID)).
		Content(content).
		OperatorName(telegramName(m.From)).
		Attachments(atts).
		At(at)
	// Inside a topic every message replies to the topic root implicitly.
	if r := m.ReplyToMessage; r != nil && r.MessageID != m.MessageThreadID {
		b.ReplyTo(strconv.Itoa(r.MessageID))
	}
	if err := in.sink.Publish(ctx, b.Build()); err != nil {
		slog.Warn("telegram: operator event dropped", "thread", m.MessageThreadID, "error", err)
	}
}

func (in *TelegramInbound) attachments(m *tgMessage) []schema.Attachment {
	var out []schema.Attachment
	if n := len(m.Photo); n > 0 {
		photo := m.Photo[n-1]
		if url := in.fileURL(photo.FileID); url != "" {
			out = append(out, schema.Attachment{Filename: "photo.jpg", MimeType: "image/jpeg", Size: int64(photo.FileSize), URL: url})
		}
	}
	if d := m.Document; d != nil {
		if url := in.fileURL(d.FileID); url != "" {
			out = append(out, schema.Attachment{Filename: d.FileName, MimeType: d.MimeType, Size: int64(d.FileSize), URL: url})
		}
	}
	return out
}

func (in *TelegramInbound) fileURL(fileID string) string {
	file, err := in.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		slog.Warn("telegram: getFile failed", "file", fileID, "error", err)
		return ""
	}
	return file.Link(in.bot.Token)
}

func telegramName(u *tgbotapi.User) string {
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return u.UserName
}
