package bridges

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/dispatch"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// Widget event types accepted on the events endpoint.
const (
	widgetNewSession      = "new_session"
	widgetVisitorMessage  = "visitor_message"
	widgetOperatorMessage = "operator_message"
	widgetTyping          = "typing"
	widgetMessageRead     = "message_read"
	widgetCustomEvent     = "custom_event"
	widgetIdentityUpdate  = "identity_update"
	widgetAITakeover      = "ai_takeover"
	widgetVisitorEdited   = "visitor_message_edited"
	widgetVisitorDeleted  = "visitor_message_deleted"
)

// widgetEvent is the envelope posted by the widget backend. Which fields
// matter depends on Type.
type widgetEvent struct {
	Type         string              `json:"type"`
	Session      *schema.Session     `json:"session,omitempty"`
	SessionID    string              `json:"sessionId,omitempty"`
	Message      *schema.Message     `json:"message,omitempty"`
	MessageID    string              `json:"messageId,omitempty"`
	MessageIDs   []string            `json:"messageIds,omitempty"`
	Content      string              `json:"content,omitempty"`
	Status       schema.ReadStatus   `json:"status,omitempty"`
	IsTyping     bool                `json:"isTyping,omitempty"`
	Event        *schema.CustomEvent `json:"event,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	OperatorName string              `json:"operatorName,omitempty"`
}

type widgetReply struct {
	OK        bool                       `json:"ok"`
	MessageID string                     `json:"messageId,omitempty"`
	BridgeIDs *schema.BridgeMessageIDs   `json:"bridgeIds,omitempty"`
	Errors    map[schema.Platform]string `json:"errors,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// WidgetInbound accepts events from the chat widget backend and runs them
// through the project's dispatcher. Adapter failures do not fail the
// request; they are listed per platform in the reply.
type WidgetInbound struct {
	cfg  *bridge.WidgetConfig
	disp *dispatch.Dispatcher
	now  func() time.Time
}

func NewWidgetInbound(cfg *bridge.WidgetConfig, disp *dispatch.Dispatcher) *WidgetInbound {
	return &WidgetInbound{cfg: cfg, disp: disp, now: time.Now}
}

func (in *WidgetInbound) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if secret := in.cfg.Secret; secret != "" {
		got, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			slog.Warn("widget: bad bearer token", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	var ev widgetEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&ev); err != nil {
		writeWidgetReply(w, http.StatusBadRequest, widgetReply{Error: "malformed event"})
		return
	}

	reply, err := in.handle(r.Context(), ev)
	if err != nil {
		code := widgetStatus(err)
		if code >= http.StatusInternalServerError {
			slog.Error("widget: event failed", "type", ev.Type, "error", err)
		}
		writeWidgetReply(w, code, widgetReply{Error: err.Error()})
		return
	}
	reply.OK = true
	writeWidgetReply(w, http.StatusOK, reply)
}

func (in *WidgetInbound) handle(ctx context.Context, ev widgetEvent) (widgetReply, error) {
	sessionID, err := in.syncSession(ctx, ev)
	if err != nil {
		return widgetReply{}, err
	}

	var res dispatch.Result
	switch ev.Type {
	case widgetNewSession:
		if ev.Session == nil {
			return widgetReply{}, badEvent("new_session needs a session")
		}
		res, err = in.disp.NewSession(ctx, sessionID)

	case widgetVisitorMessage, widgetOperatorMessage:
		msg, merr := in.message(ev, sessionID)
		if merr != nil {
			return widgetReply{}, merr
		}
		if ev.Type == widgetVisitorMessage {
			res, err = in.disp.VisitorMessage(ctx, msg)
		} else {
			res, err = in.disp.OperatorMessage(ctx, msg, "", msg.OperatorName)
		}
		if err != nil {
			return widgetReply{}, err
		}
		reply := outcomeReply(res)
		reply.MessageID = msg.ID
		reply.BridgeIDs = &msg.BridgeIDs
		return reply, nil

	case widgetTyping:
		res, err = in.disp.Typing(ctx, sessionID, ev.IsTyping)
	case widgetMessageRead:
		status := ev.Status
		if status == "" {
			status = schema.StatusRead
		}
		res, err = in.disp.MessageRead(ctx, sessionID, ev.MessageIDs, status)
	case widgetCustomEvent:
		if ev.Event == nil || ev.Event.Name == "" {
			return widgetReply{}, badEvent("custom_event needs an event name")
		}
		res, err = in.disp.CustomEvent(ctx, sessionID, *ev.Event)
	case widgetIdentityUpdate:
		res, err = in.disp.IdentityUpdate(ctx, sessionID)
	case widgetAITakeover:
		res, err = in.disp.AITakeover(ctx, sessionID, ev.Reason)

	case widgetVisitorEdited:
		if ev.MessageID == "" {
			return widgetReply{}, badEvent("messageId is required")
		}
		res, err = in.disp.VisitorMessageEdited(ctx, ev.MessageID, ev.Content)
	case widgetVisitorDeleted:
		if ev.MessageID == "" {
			return widgetReply{}, badEvent("messageId is required")
		}
		res, err = in.disp.VisitorMessageDeleted(ctx, ev.MessageID)

	default:
		return widgetReply{}, badEvent(fmt.Sprintf("unknown event type %q", ev.Type))
	}
	if err != nil {
		return widgetReply{}, err
	}
	return outcomeReply(res), nil
}

// syncSession stores a session carried by the event and returns the id the
// event is about.
func (in *WidgetInbound) syncSession(ctx context.Context, ev widgetEvent) (string, error) {
	if ev.Session == nil {
		id := ev.SessionID
		if id == "" && ev.Message != nil {
			id = ev.Message.SessionID
		}
		if id == "" && ev.Type != widgetVisitorEdited && ev.Type != widgetVisitorDeleted {
			return "", badEvent("session or sessionId is required")
		}
		return id, nil
	}
	if ev.Session.ID == "" {
		return "", badEvent("session.id is required")
	}
	sess := ev.Session.Clone()
	now := in.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	if err := in.disp.SyncSession(ctx, sess); err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (in *WidgetInbound) message(ev widgetEvent, sessionID string) (*schema.Message, error) {
	if ev.Message == nil {
		return nil, badEvent(ev.Type + " needs a message")
	}
	msg := *ev.Message
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return nil, badEvent("message has no content")
	}
	if msg.ID == "" {
		msg.ID = schema.NewID()
	}
	msg.SessionID = sessionID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = in.now()
	}
	msg.BridgeIDs = schema.BridgeMessageIDs{}
	if ev.Type == widgetVisitorMessage {
		msg.Sender = schema.SenderVisitor
	} else {
		if msg.Sender != schema.SenderAI {
			msg.Sender = schema.SenderOperator
		}
		if msg.OperatorName == "" {
			msg.OperatorName = ev.OperatorName
		}
	}
	return &msg, nil
}

func outcomeReply(res dispatch.Result) widgetReply {
	var reply widgetReply
	for _, o := range res.Failed() {
		if reply.Errors == nil {
			reply.Errors = make(map[schema.Platform]string)
		}
		reply.Errors[o.Platform] = o.Err.Error()
	}
	return reply
}

func badEvent(reason string) error {
	return fmt.Errorf("%w: %s", schema.ErrProtocol, reason)
}

func widgetStatus(err error) int {
	switch {
	case errors.Is(err, schema.ErrProtocol):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeWidgetReply(w http.ResponseWriter, code int, reply widgetReply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(reply)
}
