package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

func decode[T any](t *testing.T, f frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.D, &v))
	return v
}

func TestConnection_IdentifyOnFreshSession(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	id := decode[identifyData](t, sock.frames(opIdentify)[0])
	assert.Equal(t, "bot-token", id.Token)
	assert.Equal(t, 33281, id.Intents)
	assert.Empty(t, sock.frames(opResume))

	st := h.conn.Status()
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Equal(t, "self-1", st.BotUserID)
	assert.Equal(t, int64(1), st.Seq)
	assert.Equal(t, 0, st.Attempts)
}

func TestConnection_ResumeAfterDrop(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)
	sock.dispatch(t, 5, "TYPING_START", map[string]any{})
	require.Eventually(t, func() bool { return h.conn.Status().Seq == 5 }, eventually, tick)

	sock2 := h.dialer.push()
	sock.drop(websocket.CloseAbnormalClosure)
	h.clock.awaitAndAdvance(t, 2*time.Second)

	sock2.hello(t)
	resume := decode[resumeData](t, sock2.waitFrames(t, opResume, 1)[0])
	assert.Equal(t, "sess-1", resume.SessionID)
	assert.Equal(t, int64(5), resume.Seq)
	assert.Equal(t, "bot-token", resume.Token)
	assert.Empty(t, sock2.frames(opIdentify))

	dials := h.dialer.dials()
	require.Len(t, dials, 2)
	assert.Equal(t, "wss://resume.discord.test?v=10&encoding=json", dials[1])

	sock2.dispatch(t, 6, "RESUMED", nil)
	h.waitState(t, StateConnected)
	assert.Equal(t, 0, h.conn.Status().Attempts)
}

func TestConnection_HeartbeatCarriesSequence(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	h.clock.awaitAndAdvance(t, testInterval)
	beats := sock.waitFrames(t, opHeartbeat, 1)
	assert.Equal(t, json.RawMessage("1"), beats[0].D)

	require.Eventually(t, func() bool { return h.clock.hasWaiter(testInterval) }, eventually, tick)
	sock.serve(t, opHeartbeatAck, nil, "", nil)
	require.Eventually(t, func() bool { return h.conn.Status().HeartbeatAcked }, eventually, tick)
	h.clock.Advance(testInterval)
	sock.waitFrames(t, opHeartbeat, 2)
	assert.Len(t, h.dialer.dials(), 1)
}

func TestConnection_ZombieReconnectsAndResumes(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	h.clock.awaitAndAdvance(t, testInterval)
	sock.waitFrames(t, opHeartbeat, 1)

	sock2 := h.dialer.push()
	h.clock.awaitAndAdvance(t, testInterval) // no ACK arrived

	require.Eventually(t, func() bool { return len(h.dialer.dials()) == 2 }, eventually, tick)
	sock2.hello(t)
	resume := decode[resumeData](t, sock2.waitFrames(t, opResume, 1)[0])
	assert.Equal(t, "sess-1", resume.SessionID)
	assert.Equal(t, 0, h.conn.Status().Attempts, "zombie reconnect must not consume backoff")
}

func TestConnection_ServerHeartbeatRequest(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	sock.serve(t, opHeartbeat, nil, "", nil)
	sock.waitFrames(t, opHeartbeat, 1)
}

func TestConnection_InvalidSessionNotResumable(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	sock.serve(t, opInvalidSession, nil, "", false)
	require.Eventually(t, func() bool { return h.conn.Status().SessionID == "" }, eventually, tick)

	h.clock.awaitAndAdvance(t, 5*time.Second)
	sock.waitFrames(t, opIdentify, 2)
	assert.Empty(t, sock.frames(opResume))
	assert.Len(t, h.dialer.dials(), 1)
}

func TestConnection_MalformedInvalidSessionLogged(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(t)
	sock := h.connectReady(t)

	sock.serve(t, opInvalidSession, nil, "", map[string]any{"resumable": true})
	require.Eventually(t, func() bool { return h.conn.Status().SessionID == "" }, eventually, tick)
	assert.Contains(t, logs.String(), "malformed INVALID_SESSION")

	h.clock.awaitAndAdvance(t, 5*time.Second)
	sock.waitFrames(t, opIdentify, 2)
	assert.Empty(t, sock.frames(opResume))
}

func TestConnection_InvalidSessionResumable(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	sock.serve(t, opInvalidSession, nil, "", true)
	h.clock.awaitAndAdvance(t, 5*time.Second)

	resume := decode[resumeData](t, sock.waitFrames(t, opResume, 1)[0])
	assert.Equal(t, "sess-1", resume.SessionID)
}

func TestConnection_ReconnectOpcodeSkipsBackoff(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	sock2 := h.dialer.push()
	sock.serve(t, opReconnect, nil, "", nil)

	require.Eventually(t, func() bool { return len(h.dialer.dials()) == 2 }, eventually, tick)
	sock2.hello(t)
	sock2.waitFrames(t, opResume, 1)
	assert.Equal(t, 0, h.conn.Status().Attempts)
}

func TestConnection_FatalCloseCode(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	sock.drop(4004)
	h.waitState(t, StateFatal)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.dialer.dials(), 1)
	assert.Contains(t, h.conn.Status().LastError, "4004")
}

func TestConnection_SessionResetCloseCodeIdentifies(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	sock2 := h.dialer.push()
	sock.drop(4009)
	h.clock.awaitAndAdvance(t, 2*time.Second)

	sock2.hello(t)
	sock2.waitFrames(t, opIdentify, 1)
	assert.Empty(t, sock2.frames(opResume))
}

func TestConnection_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	for i := 0; i < 6; i++ {
		h.dialer.next <- nil
	}
	sock.drop(websocket.CloseAbnormalClosure)

	for _, d := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second} {
		h.clock.awaitAndAdvance(t, d)
	}
	h.waitState(t, StateFatal)
	assert.Len(t, h.dialer.dials(), 6)
	assert.Contains(t, h.conn.Status().LastError, schema.ErrReconnectExhausted.Error())
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	h.conn.Close()
	h.conn.Close()

	assert.Equal(t, []int{websocket.CloseNormalClosure}, sock.closeCodes())
	st := h.conn.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Empty(t, st.SessionID)
	assert.False(t, st.HasSeq)

	assert.ErrorIs(t, h.conn.Connect(context.Background()), schema.ErrClosed)
	assert.Len(t, h.dialer.dials(), 1)
}

func TestConnection_CloseDuringBackoff(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	sock.drop(websocket.CloseAbnormalClosure)
	require.Eventually(t, func() bool { return h.clock.hasWaiter(2 * time.Second) }, eventually, tick)

	h.conn.Close()
	assert.Equal(t, StateDisconnected, h.conn.Status().State)
	assert.Len(t, h.dialer.dials(), 1)
}

func TestConnection_ConnectWhileRunningIsNoop(t *testing.T) {
	h := newHarness(t)
	h.connectReady(t)

	require.NoError(t, h.conn.Connect(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.dialer.dials(), 1)
}

func TestConnection_MissingToken(t *testing.T) {
	conn := NewConnection(Options{GatewayURL: "wss://x"})
	assert.ErrorIs(t, conn.Connect(context.Background()), schema.ErrConfig)
}

func TestConnection_MalformedFrameIgnored(t *testing.T) {
	h := newHarness(t)
	sock := h.connectReady(t)

	sock.serveRaw("{not json")
	sock.dispatch(t, 2, "MESSAGE_CREATE", "not an object")
	sock.serve(t, opHeartbeat, nil, "", nil)

	sock.waitFrames(t, opHeartbeat, 1)
	assert.Equal(t, StateConnected, h.conn.Status().State)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}
