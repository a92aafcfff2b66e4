package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/pingbridge/internal/bus"
	gwconfig "github.com/crystaldolphin/pingbridge/internal/config/gateway"
)

const (
	testInterval = 45 * time.Second
	eventually   = 2 * time.Second
	tick         = 5 * time.Millisecond
)

// ─── clock ────────────────────────────────────────────────────────────────

type waiter struct {
	at time.Time
	d  time.Duration
	ch chan time.Time
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &waiter{at: f.now.Add(d), d: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(f.now) {
			w.ch <- f.now
			continue
		}
		kept = append(kept, w)
	}
	f.waiters = kept
}

func (f *fakeClock) hasWaiter(d time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.waiters {
		if w.d == d {
			return true
		}
	}
	return false
}

// awaitAndAdvance waits until something sleeps for d, then fires it.
func (f *fakeClock) awaitAndAdvance(t *testing.T, d time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return f.hasWaiter(d) }, eventually, tick, "no waiter for %s", d)
	f.Advance(d)
}

// ─── socket ───────────────────────────────────────────────────────────────

type fakeSocket struct {
	in        chan readResult
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	sent     []frame
	controls []int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan readResult, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case r := <-s.in:
		return websocket.TextMessage, r.data, r.err
	case <-s.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, f)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) WriteControl(_ int, data []byte, _ time.Time) error {
	code := 0
	if len(data) >= 2 {
		code = int(binary.BigEndian.Uint16(data[:2]))
	}
	s.mu.Lock()
	s.controls = append(s.controls, code)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) serve(t *testing.T, op int, seq *int64, typ string, d any) {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	data, err := json.Marshal(frame{Op: op, S: seq, T: typ, D: raw})
	require.NoError(t, err)
	s.in <- readResult{data: data}
}

func (s *fakeSocket) serveRaw(data string) { s.in <- readResult{data: []byte(data)} }

func (s *fakeSocket) hello(t *testing.T) {
	s.serve(t, opHello, nil, "", helloData{HeartbeatInterval: testInterval.Milliseconds()})
}

func (s *fakeSocket) ready(t *testing.T, seq int64, sessionID, selfID string) {
	s.serve(t, opDispatch, &seq, "READY", map[string]any{
		"session_id":         sessionID,
		"resume_gateway_url": "wss://resume.discord.test",
		"user":               map[string]any{"id": selfID, "username": "bridge"},
	})
}

func (s *fakeSocket) dispatch(t *testing.T, seq int64, typ string, d any) {
	s.serve(t, opDispatch, &seq, typ, d)
}

func (s *fakeSocket) drop(code int) {
	s.in <- readResult{err: &websocket.CloseError{Code: code}}
}

func (s *fakeSocket) frames(op int) []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []frame
	for _, f := range s.sent {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSocket) closeCodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.controls...)
}

// waitFrames blocks until at least n frames with op were sent and returns them.
func (s *fakeSocket) waitFrames(t *testing.T, op, n int) []frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.frames(op)) >= n }, eventually, tick, "op %d not sent %d times", op, n)
	return s.frames(op)
}

// ─── dialer ───────────────────────────────────────────────────────────────

type fakeDialer struct {
	next chan *fakeSocket // nil entries fail the dial

	mu   sync.Mutex
	urls []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{next: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.mu.Unlock()
	select {
	case s := <-d.next:
		if s == nil {
			return nil, errors.New("connection refused")
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) push() *fakeSocket {
	s := newFakeSocket()
	d.next <- s
	return s
}

// ─── sink ─────────────────────────────────────────────────────────────────

type chanSink struct{ ch chan bus.OperatorEvent }

func newChanSink() *chanSink { return &chanSink{ch: make(chan bus.OperatorEvent, 16)} }

func (s *chanSink) Publish(_ context.Context, ev bus.OperatorEvent) error {
	s.ch <- ev
	return nil
}

func (s *chanSink) next(t *testing.T) bus.OperatorEvent {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(eventually):
		t.Fatal("no operator event")
		return bus.OperatorEvent{}
	}
}

func (s *chanSink) empty() bool { return len(s.ch) == 0 }

// ─── harness ──────────────────────────────────────────────────────────────

type harness struct {
	conn   *Connection
	clock  *fakeClock
	dialer *fakeDialer
	sink   *chanSink
}

func newHarness(t *testing.T, allowedBots ...string) *harness {
	t.Helper()
	clock := newFakeClock()
	dialer := newFakeDialer()
	sink := newChanSink()
	conn := NewConnection(Options{
		Token:               "bot-token",
		GatewayURL:          "wss://gateway.discord.test/?v=10&encoding=json",
		Intents:             33281,
		AllowedBotIDs:       allowedBots,
		InvalidSessionDelay: 5 * time.Second,
		Dialer:              dialer,
		Clock:               clock,
		Supervisor:          NewSupervisor(gwconfig.DefaultGatewayConfig(), clock),
		Sink:                sink,
	})
	t.Cleanup(conn.Close)
	return &harness{conn: conn, clock: clock, dialer: dialer, sink: sink}
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.conn.Status().State == s }, eventually, tick,
		"state never became %s (is %s)", s, h.conn.Status().State)
}

// connectReady drives a fresh connection through HELLO and READY.
func (h *harness) connectReady(t *testing.T) *fakeSocket {
	t.Helper()
	sock := h.dialer.push()
	require.NoError(t, h.conn.Connect(context.Background()))
	sock.hello(t)
	sock.waitFrames(t, opIdentify, 1)
	sock.ready(t, 1, "sess-1", "self-1")
	h.waitState(t, StateConnected)
	return sock
}
