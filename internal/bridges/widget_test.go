package bridges

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/pingbridge/internal/bus"
	"github.com/crystaldolphin/pingbridge/internal/config/bridge"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

type callbackHit struct {
	header http.Header
	body   []byte
}

func newCallbackServer(t *testing.T, status int) (*httptest.Server, chan callbackHit) {
	t.Helper()
	hits := make(chan callbackHit, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hits <- callbackHit{header: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func postWidget(t *testing.T, h http.Handler, path, token, body string) (int, widgetReply) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var reply widgetReply
	_ = json.Unmarshal(rec.Body.Bytes(), &reply)
	return rec.Code, reply
}

// A session opened by the widget backend gets a thread on every bot
// platform, its visitor messages reach all three bridges, and the outward
// event lands on the backend's callback.
func TestWidget_SessionLifecycle(t *testing.T) {
	cb, hits := newCallbackServer(t, http.StatusNoContent)
	events := bus.NewEventBus()
	t.Cleanup(events.Close)
	f := newManagerFixtureWith(t, events, func(w *bridge.WidgetConfig) {
		w.Secret = "s3cret"
		w.CallbackURL = cb.URL
		w.CallbackSecret = "sign-key"
		w.CallbackEvents = []string{string(bus.EventVisitorMessage)}
	})
	t.Cleanup(f.mgr.Close)
	t.Cleanup(f.mgr.ForwardEvents(events))
	f.sl.responses["conversations.replies"] = `{"ok":true,"messages":[{"type":"message","user":"U0","ts":"1700000000.000101"}]}`

	mux := http.NewServeMux()
	f.mgr.Mount(mux)

	code, _ := postWidget(t, mux, "/widget/events/p1", "", `{"type":"typing","sessionId":"s1"}`)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, reply := postWidget(t, mux, "/widget/events/p1", "s3cret",
		`{"type":"new_session","session":{"id":"s1","visitorId":"v-123456789","identity":{"name":"Ada"}}}`)
	require.Equal(t, http.StatusOK, code, reply.Error)
	assert.True(t, reply.OK)
	assert.Empty(t, reply.Errors)

	sess, err := f.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "p1", sess.ProjectID)
	assert.Equal(t, "501", sess.ThreadID(schema.PlatformTelegram))
	assert.Equal(t, "1700000000.000101", sess.ThreadID(schema.PlatformSlack))
	assert.Len(t, f.tg.callsTo("createForumTopic"), 1)
	assert.Len(t, f.dc.callsTo("POST", "/webhooks/W1/secret-token"), 1)

	code, reply = postWidget(t, mux, "/widget/events/p1", "s3cret",
		`{"type":"visitor_message","sessionId":"s1","message":{"id":"m1","content":"hello"}}`)
	require.Equal(t, http.StatusOK, code, reply.Error)
	assert.Equal(t, "m1", reply.MessageID)
	require.NotNil(t, reply.BridgeIDs)
	assert.Equal(t, 1002, reply.BridgeIDs.TelegramMessageID)
	assert.Equal(t, "WM1", reply.BridgeIDs.DiscordMessageID)
	assert.Equal(t, "1700000000.000102", reply.BridgeIDs.SlackMessageTS)

	stored, err := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, schema.SenderVisitor, stored.Sender)
	assert.Equal(t, *reply.BridgeIDs, stored.BridgeIDs)

	var hit callbackHit
	select {
	case hit = <-hits:
	case <-time.After(5 * time.Second):
		t.Fatal("callback not called")
	}
	assert.Equal(t, "visitor_message", hit.header.Get(widgetEventHeader))
	assert.Equal(t, "sha256="+signBody("sign-key", hit.body), hit.header.Get(widgetSignatureHeader))
	var ev callbackEvent
	require.NoError(t, json.Unmarshal(hit.body, &ev))
	assert.Equal(t, "p1", ev.ProjectID)
	assert.Equal(t, "s1", ev.SessionID)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "m1", ev.Message.ID)
	assert.Equal(t, 1002, ev.Message.BridgeIDs.TelegramMessageID)
	assert.Empty(t, hits, "new_session is not in the callback filter")
}

func TestWidget_RejectsBadEvents(t *testing.T) {
	f := newManagerFixture(t)
	t.Cleanup(f.mgr.Close)
	mux := http.NewServeMux()
	f.mgr.Mount(mux)

	cases := map[string]struct {
		body string
		code int
	}{
		"malformed":       {`{"type":`, http.StatusBadRequest},
		"unknown type":    {`{"type":"visitor_left","sessionId":"s1"}`, http.StatusBadRequest},
		"no session":      {`{"type":"typing"}`, http.StatusBadRequest},
		"empty message":   {`{"type":"visitor_message","sessionId":"s1","message":{"content":""}}`, http.StatusBadRequest},
		"unknown session": {`{"type":"visitor_message","sessionId":"nope","message":{"content":"hi"}}`, http.StatusNotFound},
		"unknown message": {`{"type":"visitor_message_deleted","messageId":"ghost"}`, http.StatusNotFound},
		"custom no name":  {`{"type":"custom_event","sessionId":"s1","event":{}}`, http.StatusBadRequest},
		"session no id":   {`{"type":"new_session","session":{"visitorId":"v"}}`, http.StatusBadRequest},
		"edit without id": {`{"type":"visitor_message_edited","content":"x"}`, http.StatusBadRequest},
	}
	for name, tc := range cases {
		code, reply := postWidget(t, mux, "/widget/events/p1", "", tc.body)
		assert.Equal(t, tc.code, code, name)
		assert.False(t, reply.OK, name)
		assert.NotEmpty(t, reply.Error, name)
	}
	assert.Zero(t, f.tg.total())
}

// The widget's copy of a session never overwrites thread mappings the
// bridge already made.
func TestWidget_IdentityUpdateKeepsThreads(t *testing.T) {
	f := newManagerFixture(t)
	t.Cleanup(f.mgr.Close)
	sess := &schema.Session{ID: "s1", VisitorID: "v1"}
	sess.SetThread(schema.PlatformTelegram, "77")
	require.NoError(t, f.store.UpdateSession(context.Background(), sess))

	mux := http.NewServeMux()
	f.mgr.Mount(mux)
	code, reply := postWidget(t, mux, "/widget/events/p1", "",
		`{"type":"identity_update","session":{"id":"s1","visitorId":"v1","identity":{"name":"Ada","email":"ada@example.com"},"threads":{"telegram":"999"}}}`)
	require.Equal(t, http.StatusOK, code, reply.Error)

	got, err := f.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "77", got.ThreadID(schema.PlatformTelegram))
	require.NotNil(t, got.Identity)
	assert.Equal(t, "ada@example.com", got.Identity.Email)

	var sent []string
	for _, c := range f.tg.callsTo("sendMessage") {
		sent = append(sent, c.form.Get("message_thread_id"))
	}
	assert.Equal(t, []string{"77"}, sent)
}

func TestEventForwarder_FiltersProjectsAndTypes(t *testing.T) {
	cb, hits := newCallbackServer(t, http.StatusOK)
	failing, failHits := newCallbackServer(t, http.StatusInternalServerError)

	p1 := bridge.DefaultProjectConfig()
	p1.Widget.CallbackURL = cb.URL
	p1.Widget.CallbackEvents = []string{string(bus.EventOperatorMessage)}
	p2 := bridge.DefaultProjectConfig()
	p3 := bridge.DefaultProjectConfig()
	p3.Widget.CallbackURL = failing.URL

	fw := NewEventForwarder(map[string]bridge.ProjectConfig{"p1": p1, "p2": p2, "p3": p3}, cb.Client())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := &schema.Message{ID: "m1", SessionID: "s1", Content: "on it", Sender: schema.SenderOperator}
	fw.Forward(ctx, bus.Event{ID: "e1", Type: bus.EventOperatorMessage, ProjectID: "p1", SessionID: "s1", Message: msg, Source: schema.PlatformSlack})
	fw.Forward(ctx, bus.Event{ID: "e2", Type: bus.EventTyping, ProjectID: "p1", SessionID: "s1"})
	fw.Forward(ctx, bus.Event{ID: "e3", Type: bus.EventOperatorMessage, ProjectID: "p2", SessionID: "s9"})
	fw.Forward(ctx, bus.Event{ID: "e4", Type: bus.EventTyping, ProjectID: "p3", SessionID: "s3"})

	require.Len(t, hits, 1)
	hit := <-hits
	assert.Empty(t, hit.header.Get(widgetSignatureHeader), "no secret, no signature")
	var ev callbackEvent
	require.NoError(t, json.Unmarshal(hit.body, &ev))
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, schema.PlatformSlack, ev.SourceBridge)
	assert.Equal(t, "on it", ev.Message.Content)

	// A failing backend is logged, not retried.
	assert.Len(t, failHits, 1)
}

func TestEventForwarder_AttachedToBus(t *testing.T) {
	cb, hits := newCallbackServer(t, http.StatusOK)
	p := bridge.DefaultProjectConfig()
	p.Widget.CallbackURL = cb.URL
	fw := NewEventForwarder(map[string]bridge.ProjectConfig{"p1": p}, cb.Client())

	events := bus.NewEventBus()
	stop := fw.Attach(events)
	events.Publish(context.Background(), bus.Event{Type: bus.EventAITakeover, ProjectID: "p1", SessionID: "s1"})
	select {
	case hit := <-hits:
		assert.Equal(t, "ai_takeover", hit.header.Get(widgetEventHeader))
	case <-time.After(5 * time.Second):
		t.Fatal("callback not called")
	}

	stop()
	events.Publish(context.Background(), bus.Event{Type: bus.EventAITakeover, ProjectID: "p1", SessionID: "s1"})
	events.Close()
	assert.Empty(t, hits)
}

func TestWidgetConfig_Forwards(t *testing.T) {
	wc := bridge.DefaultWidgetConfig()
	assert.False(t, wc.Forwards("typing"), "no callback url")
	wc.CallbackURL = "https://backend.example/hooks"
	assert.True(t, wc.Forwards("typing"))
	wc.CallbackEvents = []string{"operator_message"}
	assert.False(t, wc.Forwards("typing"))
	assert.True(t, wc.Forwards("operator_message"))
	assert.NoError(t, wc.Validate())

	wc.CallbackURL = "ftp://backend.example"
	assert.ErrorIs(t, wc.Validate(), schema.ErrConfig)
}
