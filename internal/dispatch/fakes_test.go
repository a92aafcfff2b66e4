package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/pingbridge/internal/schema"
	"github.com/crystaldolphin/pingbridge/internal/session"
)

type call struct {
	op       string
	threadID string
	content  string
	ids      schema.BridgeMessageIDs
}

// fakeAdapter records every call and answers from its own counters.
type fakeAdapter struct {
	name schema.Platform
	mode schema.Mode

	// existsGate, when set, holds ThreadExists until closed.
	existsGate chan struct{}
	failWith   error
	panicOn    string

	mu         sync.Mutex
	calls      []call
	live       map[string]bool
	nextThread int
	nextMsg    int
	created    atomic.Int32
}

func newFakeAdapter(p schema.Platform, mode schema.Mode) *fakeAdapter {
	return &fakeAdapter{name: p, mode: mode, live: make(map[string]bool), nextThread: 100}
}

var _ schema.Adapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) Name() schema.Platform { return f.name }
func (f *fakeAdapter) Mode() schema.Mode     { return f.mode }

func (f *fakeAdapter) record(op, threadID, content string, ids schema.BridgeMessageIDs) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{op: op, threadID: threadID, content: content, ids: ids})
	f.mu.Unlock()
	if f.panicOn == op {
		panic("boom in " + op)
	}
	return f.failWith
}

func (f *fakeAdapter) callsFor(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAdapter) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdapter) addThread(id string) {
	f.mu.Lock()
	f.live[id] = true
	f.mu.Unlock()
}

func (f *fakeAdapter) msgID() schema.BridgeMessageIDs {
	f.mu.Lock()
	f.nextMsg++
	n := f.nextMsg
	f.mu.Unlock()
	return schema.BridgeIDFor(f.name, strconv.Itoa(n))
}

func (f *fakeAdapter) OnNewSession(_ context.Context, sess *schema.Session) (string, error) {
	if err := f.record("new_session", sess.ThreadID(f.name), "", schema.BridgeMessageIDs{}); err != nil {
		return "", err
	}
	if f.mode != schema.ModeBot {
		return "", nil
	}
	f.created.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextThread++
	id := strconv.Itoa(f.nextThread)
	f.live[id] = true
	return id, nil
}

func (f *fakeAdapter) ThreadExists(_ context.Context, threadID string) (bool, error) {
	if f.existsGate != nil {
		<-f.existsGate
	}
	if err := f.record("thread_exists", threadID, "", schema.BridgeMessageIDs{}); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[threadID], nil
}

func (f *fakeAdapter) OnVisitorMessage(_ context.Context, msg *schema.Message, sess *schema.Session, _ *schema.ReplyContext) (schema.BridgeMessageIDs, error) {
	if err := f.record("visitor", sess.ThreadID(f.name), msg.Content, schema.BridgeMessageIDs{}); err != nil {
		return schema.BridgeMessageIDs{}, err
	}
	// Leak a foreign field to prove the dispatcher keeps only ours.
	ids := f.msgID()
	if f.name == schema.PlatformSlack {
		ids.TelegramMessageID = 999
	} else {
		ids.SlackMessageTS = "foreign"
	}
	return ids, nil
}

func (f *fakeAdapter) OnOperatorMessage(_ context.Context, msg *schema.Message, sess *schema.Session, source schema.Platform, _ string) (schema.BridgeMessageIDs, error) {
	if source == f.name {
		return schema.BridgeMessageIDs{}, nil
	}
	if err := f.record("operator", sess.ThreadID(f.name), msg.Content, schema.BridgeMessageIDs{}); err != nil {
		return schema.BridgeMessageIDs{}, err
	}
	return f.msgID(), nil
}

func (f *fakeAdapter) OnOperatorMessageEdited(_ context.Context, sess *schema.Session, ids schema.BridgeMessageIDs, content string) error {
	return f.record("operator_edit", sess.ThreadID(f.name), content, ids)
}

func (f *fakeAdapter) OnOperatorMessageDeleted(_ context.Context, sess *schema.Session, ids schema.BridgeMessageIDs) error {
	return f.record("operator_delete", sess.ThreadID(f.name), "", ids)
}

func (f *fakeAdapter) OnTyping(_ context.Context, sess *schema.Session, _ bool) error {
	return f.record("typing", sess.ThreadID(f.name), "", schema.BridgeMessageIDs{})
}

func (f *fakeAdapter) OnMessageRead(_ context.Context, sess *schema.Session, receipts []schema.ReadReceipt, _ schema.ReadStatus) error {
	return f.record("read", sess.ThreadID(f.name), fmt.Sprint(len(receipts)), schema.BridgeMessageIDs{})
}

func (f *fakeAdapter) OnCustomEvent(_ context.Context, ev schema.CustomEvent, sess *schema.Session) error {
	return f.record("custom", sess.ThreadID(f.name), ev.Name, schema.BridgeMessageIDs{})
}

func (f *fakeAdapter) OnIdentityUpdate(_ context.Context, sess *schema.Session) error {
	return f.record("identity", sess.ThreadID(f.name), "", schema.BridgeMessageIDs{})
}

func (f *fakeAdapter) OnAITakeover(_ context.Context, sess *schema.Session, reason string) error {
	return f.record("ai_takeover", sess.ThreadID(f.name), reason, schema.BridgeMessageIDs{})
}

func (f *fakeAdapter) OnVisitorMessageEdited(_ context.Context, sess *schema.Session, _, content string, ids schema.BridgeMessageIDs) (*schema.BridgeMessageIDs, error) {
	if err := f.record("visitor_edit", sess.ThreadID(f.name), content, ids); err != nil {
		return nil, err
	}
	if ids.For(f.name) == "" {
		return nil, nil
	}
	out := ids.Only(f.name)
	return &out, nil
}

func (f *fakeAdapter) OnVisitorMessageDeleted(_ context.Context, sess *schema.Session, _ string, ids schema.BridgeMessageIDs) error {
	return f.record("visitor_delete", sess.ThreadID(f.name), "", ids)
}

// countingStore counts session writes.
type countingStore struct {
	*session.MemoryStore
	updates atomic.Int32
}

func (c *countingStore) UpdateSession(ctx context.Context, sess *schema.Session) error {
	c.updates.Add(1)
	return c.MemoryStore.UpdateSession(ctx, sess)
}

type fixture struct {
	disp  *Dispatcher
	store *countingStore
	tg    *fakeAdapter
	dc    *fakeAdapter
	sl    *fakeAdapter
}

// newFixture builds a dispatcher over three bot adapters and one session
// "s1" whose threads all exist.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &countingStore{MemoryStore: session.NewMemoryStore()},
		tg:    newFakeAdapter(schema.PlatformTelegram, schema.ModeBot),
		dc:    newFakeAdapter(schema.PlatformDiscord, schema.ModeBot),
		sl:    newFakeAdapter(schema.PlatformSlack, schema.ModeBot),
	}
	sess := &schema.Session{ID: "s1", ProjectID: "p1"}
	sess.SetThread(schema.PlatformTelegram, "42")
	sess.SetThread(schema.PlatformDiscord, "d-thread")
	sess.SetThread(schema.PlatformSlack, "1700000000.000100")
	f.tg.addThread("42")
	f.dc.addThread("d-thread")
	f.sl.addThread("1700000000.000100")
	require.NoError(t, f.store.MemoryStore.UpdateSession(context.Background(), sess))

	f.disp = New(Options{
		ProjectID: "p1",
		Adapters:  []schema.Adapter{f.tg, f.dc, f.sl},
		Storage:   f.store,
	})
	t.Cleanup(f.disp.Close)
	return f
}

func (f *fixture) visitor(t *testing.T, content string) (*schema.Message, Result) {
	t.Helper()
	msg := &schema.Message{ID: schema.NewID(), SessionID: "s1", Content: content, Sender: schema.SenderVisitor}
	res, err := f.disp.VisitorMessage(context.Background(), msg)
	require.NoError(t, err)
	return msg, res
}

// recreatingAdapter opens replacement threads through RecreateThread.
type recreatingAdapter struct {
	*fakeAdapter
}

func (r recreatingAdapter) RecreateThread(ctx context.Context, sess *schema.Session) (string, error) {
	id, err := r.fakeAdapter.OnNewSession(ctx, sess)
	if err != nil {
		return "", err
	}
	r.record("recreate", id, "", schema.BridgeMessageIDs{})
	return id, nil
}
