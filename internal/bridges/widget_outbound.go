package bridges

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/crystaldolphin/pingbridge/internal/bus"
	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

const (
	widgetSignatureHeader = "X-Pingbridge-Signature"
	widgetEventHeader     = "X-Pingbridge-Event"
)

// callbackEvent is the JSON body posted to a project's callback URL.
type callbackEvent struct {
	ID           string          `json:"id"`
	Type         bus.EventType   `json:"type"`
	ProjectID    string          `json:"projectId"`
	SessionID    string          `json:"sessionId"`
	SourceBridge schema.Platform `json:"sourceBridge,omitempty"`
	Message      *schema.Message `json:"message,omitempty"`
	Data         map[string]any  `json:"data,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EventForwarder posts domain events to each project's widget backend. A
// failed post is logged and dropped; there is no retry.
type EventForwarder struct {
	projects map[string]bridge.WidgetConfig
	client   *http.Client
}

func NewEventForwarder(projects map[string]bridge.ProjectConfig, client *http.Client) *EventForwarder {
	f := &EventForwarder{projects: make(map[string]bridge.WidgetConfig), client: client}
	for id, p := range projects {
		if p.Widget.CallbackURL != "" {
			f.projects[id] = p.Widget
		}
	}
	return f
}

// Attach subscribes the forwarder to every event on events and returns the
// unsubscribe func.
func (f *EventForwarder) Attach(events *bus.EventBus) func() {
	return events.SubscribeAll(f.Forward)
}

// Forward posts ev if its project has a callback that wants it. The post
// outlives the caller's context; the client timeout bounds it.
func (f *EventForwarder) Forward(ctx context.Context, ev bus.Event) {
	wc, ok := f.projects[ev.ProjectID]
	if !ok || !wc.Forwards(string(ev.Type)) {
		return
	}
	if err := f.post(context.WithoutCancel(ctx), &wc, ev); err != nil {
		slog.Warn("widget: callback failed", "project", ev.ProjectID, "event", ev.Type, "error", err)
	}
}

func (f *EventForwarder) post(ctx context.Context, wc *bridge.WidgetConfig, ev bus.Event) error {
	body, err := json.Marshal(callbackEvent{
		ID:           ev.ID,
		Type:         ev.Type,
		ProjectID:    ev.ProjectID,
		SessionID:    ev.SessionID,
		SourceBridge: ev.Source,
		Message:      ev.Message,
		Data:         ev.Data,
		Timestamp:    ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(widgetEventHeader, string(ev.Type))
	if wc.CallbackSecret != "" {
		req.Header.Set(widgetSignatureHeader, "sha256="+signBody(wc.CallbackSecret, body))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", schema.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("callback answered %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
