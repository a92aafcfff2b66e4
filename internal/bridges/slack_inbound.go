package bridges

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/crystaldolphin/pingbridge/internal/bus"
	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// SlackInbound turns operator replies in session threads into operator
// events. It serves the Events API endpoint or runs a Socket Mode client.
type SlackInbound struct {
	cfg  *bridge.SlackConfig
	api  *slack.Client
	sink Sink

	mu    sync.Mutex
	names map[string]string // user id → display name
}

func NewSlackInbound(cfg *bridge.SlackConfig, adapter *SlackAdapter, sink Sink) *SlackInbound {
	return &SlackInbound{cfg: cfg, api: adapter.API(), sink: sink, names: make(map[string]string)}
}

// ServeHTTP handles Events API deliveries, including the url_verification
// handshake. Requests are checked against the signing secret when one is
// configured.
func (in *SlackInbound) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if in.cfg.SigningSecret != "" {
		sv, err := slack.NewSecretsVerifier(r.Header, in.cfg.SigningSecret)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := sv.Write(body); err != nil || sv.Ensure() != nil {
			slog.Warn("slack: signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	switch ev.Type {
	case slackevents.URLVerification:
		var ch slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &ch); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(ch.Challenge))
		return
	case slackevents.CallbackEvent:
		in.handleInner(r.Context(), ev.InnerEvent)
	}
	w.WriteHeader(http.StatusOK)
}

// RunSocketMode receives events over Socket Mode until ctx is done.
func (in *SlackInbound) RunSocketMode(ctx context.Context) error {
	sm := socketmode.New(in.api)
	go func() {
		if err := sm.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("slack: socket mode stopped", "error", err)
		}
	}()
	slog.Info("slack: socket mode started", "channel", in.cfg.ChannelID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sm.Events:
			if !ok {
				return nil
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			if evt.Request != nil {
				sm.Ack(*evt.Request)
			}
			cb, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			in.handleInner(ctx, cb.InnerEvent)
		}
	}
}

func (in *SlackInbound) handleInner(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	m, ok := inner.Data.(*slackevents.MessageEvent)
	if !ok || m.Channel != in.cfg.ChannelID {
		return
	}

	switch m.SubType {
	case "", "file_share":
		if m.BotID != "" || m.User == "" || m.ThreadTimeStamp == "" || m.ThreadTimeStamp == m.TimeStamp {
			return
		}
		b := bus.NewOperatorEventBuilder(bus.OperatorMessageCreated, schema.PlatformSlack, m.ThreadTimeStamp, m.TimeStamp).
			Content(m.Text).
			OperatorName(in.userName(ctx, m.User)).
			Attachments(slackFiles(m.Files)).
			At(slackTime(m.TimeStamp))
		in.publish(ctx, b.Build())

	case "message_changed":
		cur := m.Message
		if cur == nil || cur.BotID != "" || cur.User == "" || cur.ThreadTimestamp == "" || cur.ThreadTimestamp == cur.Timestamp {
			return
		}
		b := bus.NewOperatorEventBuilder(bus.OperatorMessageEdited, schema.PlatformSlack, cur.ThreadTimestamp, cur.Timestamp).
			Content(cur.Text).
			OperatorName(in.userName(ctx, cur.User)).
			At(slackTime(m.EventTimeStamp))
		in.publish(ctx, b.Build())

	case "message_deleted":
		prev := m.PreviousMessage
		if prev == nil || prev.BotID != "" || prev.ThreadTimestamp == "" {
			return
		}
		b := bus.NewOperatorEventBuilder(bus.OperatorMessageDeleted, schema.PlatformSlack, prev.ThreadTimestamp, prev.Timestamp).
			At(slackTime(m.EventTimeStamp))
		in.publish(ctx, b.Build())
	}
}

func (in *SlackInbound) publish(ctx context.Context, ev bus.OperatorEvent) {
	if err := in.sink.Publish(ctx, ev); err != nil {
		slog.Warn("slack: operator event dropped", "thread", ev.ThreadID(), "error", err)
	}
}

// userName resolves and caches a member's display name. Lookup failures
// fall back to the raw id.
func (in *SlackInbound) userName(ctx context.Context, userID string) string {
	in.mu.Lock()
	name, ok := in.names[userID]
	in.mu.Unlock()
	if ok {
		return name
	}
	if in.api == nil {
		return userID
	}
	u, err := in.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		slog.Debug("slack: users.info failed", "user", userID, "error", err)
		return userID
	}
	name = u.Profile.DisplayName
	if name == "" {
		name = u.RealName
	}
	if name == "" {
		name = u.Name
	}
	in.mu.Lock()
	in.names[userID] = name
	in.mu.Unlock()
	return name
}

func slackFiles(files []slackevents.File) []schema.Attachment {
	out := make([]schema.Attachment, 0, len(files))
	for _, f := range files {
		out = append(out, schema.Attachment{Filename: f.Name, MimeType: f.Mimetype, Size: int64(f.Size), URL: f.URLPrivate})
	}
	return out
}

// slackTime parses a "1700000000.000100" timestamp.
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	us, _ := strconv.ParseInt(frac, 10, 64)
	return time.Unix(s, us*1000)
}
