// Package gateway maintains the Discord Gateway websocket per project and
// turns operator activity into bus events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crystaldolphin/pingbridge/internal/bus"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// Sink receives operator events decoded from dispatch payloads.
type Sink interface {
	Publish(ctx context.Context, ev bus.OperatorEvent) error
}

// Options configures a Connection.
type Options struct {
	Token               string
	GatewayURL          string
	Intents             int
	AllowedBotIDs       []string
	InvalidSessionDelay time.Duration
	Dialer              Dialer
	Clock               Clock
	Supervisor          *Supervisor
	Sink                Sink
}

var (
	errReconnectRequested = errors.New("server requested reconnect")
	errZombie             = errors.New("heartbeat not acknowledged")
	errStopped            = errors.New("connection stopped")
)

type fatalError struct {
	code   int
	reason string
}

func (e *fatalError) Error() string { return fmt.Sprintf("close %d: %s", e.code, e.reason) }

type readResult struct {
	data []byte
	err  error
}

// Connection is one Discord Gateway session. All protocol state is owned by
// the run goroutine; other goroutines only see Status snapshots.
type Connection struct {
	opts  Options
	sup   *Supervisor
	clock Clock
	allow map[string]bool

	mu       sync.Mutex
	snap     Status
	running  bool
	done     chan struct{}
	stop     chan struct{}
	cancel   context.CancelFunc
	closing  atomic.Bool
	stopOnce sync.Once

	// owned by run
	sock      Socket
	sessionID string
	seq       int64
	hasSeq    bool
	resumeURL string
	selfID    string
	lastAcked bool
}

func NewConnection(opts Options) *Connection {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if opts.InvalidSessionDelay <= 0 {
		opts.InvalidSessionDelay = 5 * time.Second
	}
	allow := make(map[string]bool, len(opts.AllowedBotIDs))
	for _, id := range opts.AllowedBotIDs {
		allow[id] = true
	}
	return &Connection{
		opts:  opts,
		sup:   opts.Supervisor,
		clock: opts.Clock,
		allow: allow,
		stop:  make(chan struct{}),
		snap:  Status{State: StateDisconnected, Since: opts.Clock.Now()},
	}
}

// Connect starts the connection in the background. It is a no-op while the
// connection is already running and returns schema.ErrClosed after Close.
func (c *Connection) Connect(ctx context.Context) error {
	if c.opts.Token == "" {
		return fmt.Errorf("discord gateway: token not configured: %w", schema.ErrConfig)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing.Load() {
		return schema.ErrClosed
	}
	if c.running {
		return nil
	}
	if c.sup != nil {
		c.sup.Reset()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Close terminates the connection for good. It sends a normal closure to the
// gateway, clears the session and suppresses any further reconnect. Calling
// it again is a no-op.
func (c *Connection) Close() {
	c.stopOnce.Do(func() {
		c.closing.Store(true)
		close(c.stop)
	})
	c.mu.Lock()
	done, cancel := c.done, c.cancel
	c.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}

// Status returns a snapshot of the connection state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snap
	if c.sup != nil {
		s.Attempts = c.sup.Attempts()
	}
	return s
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	for {
		err := c.runSocket(ctx)
		if c.closing.Load() || ctx.Err() != nil {
			c.clearSession()
			c.setState(StateDisconnected, nil)
			slog.Info("discord gateway: closed")
			return
		}

		var fatal *fatalError
		switch {
		case errors.As(err, &fatal):
			slog.Error("discord gateway: fatal close", "code", fatal.code, "reason", fatal.reason)
			c.setState(StateFatal, err)
			return
		case errors.Is(err, errReconnectRequested), errors.Is(err, errZombie):
			slog.Warn("discord gateway: reconnecting immediately", "reason", err)
			c.setState(StateDisconnected, err)
			continue
		}

		slog.Warn("discord gateway: connection lost", "err", err)
		c.setState(StateDisconnected, err)
		if c.sup == nil {
			c.setState(StateFatal, err)
			return
		}
		if werr := c.sup.Wait(ctx); werr != nil {
			if errors.Is(werr, schema.ErrReconnectExhausted) {
				slog.Error("discord gateway: giving up", "err", werr)
				c.setState(StateFatal, werr)
				return
			}
			c.clearSession()
			c.setState(StateDisconnected, nil)
			return
		}
	}
}

// runSocket dials once and serves the socket until it ends.
func (c *Connection) runSocket(ctx context.Context) error {
	c.setState(StateConnecting, nil)
	sock, err := c.opts.Dialer.Dial(ctx, c.dialURL())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.sock = sock
	c.setState(StateAwaitingHello, nil)

	quit := make(chan struct{})
	frames := make(chan readResult)
	go readLoop(sock, frames, quit)
	defer func() {
		close(quit)
		sock.Close()
		c.sock = nil
	}()

	var heartbeat, invalidGrace <-chan time.Time
	var interval time.Duration

	for {
		select {
		case <-c.stop:
			c.closeNormal(sock)
			return errStopped
		case <-ctx.Done():
			c.closeNormal(sock)
			return ctx.Err()

		case r := <-frames:
			if r.err != nil {
				return c.classifyReadError(r.err)
			}
			ev, err := c.handleFrame(ctx, r.data)
			if err != nil {
				return err
			}
			switch ev.kind {
			case frameHello:
				interval = ev.interval
				heartbeat = c.clock.After(interval)
			case frameInvalidSession:
				invalidGrace = c.clock.After(c.opts.InvalidSessionDelay)
			}

		case <-heartbeat:
			if !c.lastAcked {
				return errZombie
			}
			if err := c.sendHeartbeat(); err != nil {
				return err
			}
			c.lastAcked = false
			c.publishSnapshot()
			heartbeat = c.clock.After(interval)

		case <-invalidGrace:
			invalidGrace = nil
			if err := c.handshake(); err != nil {
				return err
			}
		}
	}
}

func readLoop(sock Socket, out chan<- readResult, quit <-chan struct{}) {
	for {
		_, data, err := sock.ReadMessage()
		select {
		case out <- readResult{data: data, err: err}:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) classifyReadError(err error) error {
	code, ok := closeCode(err)
	if !ok {
		return err
	}
	if reason, fatal := fatalCloseCodes[code]; fatal {
		return &fatalError{code: code, reason: reason}
	}
	if sessionResetCloseCodes[code] {
		c.clearSession()
	}
	return err
}

type frameKind int

const (
	frameOther frameKind = iota
	frameHello
	frameInvalidSession
)

type handled struct {
	kind     frameKind
	interval time.Duration
}

func (c *Connection) handleFrame(ctx context.Context, raw []byte) (handled, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("discord gateway: malformed frame", "err", err)
		return handled{}, nil
	}
	if f.S != nil {
		c.seq = *f.S
		c.hasSeq = true
		c.publishSnapshot()
	}

	switch f.Op {
	case opHello:
		var h helloData
		if err := json.Unmarshal(f.D, &h); err != nil || h.HeartbeatInterval <= 0 {
			return handled{}, fmt.Errorf("hello: %w", schema.ErrProtocol)
		}
		c.lastAcked = true
		if err := c.handshake(); err != nil {
			return handled{}, err
		}
		return handled{kind: frameHello, interval: time.Duration(h.HeartbeatInterval) * time.Millisecond}, nil

	case opHeartbeatAck:
		c.lastAcked = true
		c.publishSnapshot()

	case opHeartbeat:
		if err := c.sendHeartbeat(); err != nil {
			return handled{}, err
		}

	case opReconnect:
		return handled{}, errReconnectRequested

	case opInvalidSession:
		var resumable bool
		if err := json.Unmarshal(f.D, &resumable); err != nil {
			slog.Warn("discord gateway: malformed INVALID_SESSION, starting a new session", "err", err, "d", string(f.D))
		}
		slog.Warn("discord gateway: invalid session", "resumable", resumable)
		if !resumable {
			c.clearSession()
		}
		return handled{kind: frameInvalidSession}, nil

	case opDispatch:
		c.handleDispatch(ctx, f.T, f.D)
	}
	return handled{}, nil
}

func (c *Connection) handleDispatch(ctx context.Context, t string, d json.RawMessage) {
	switch t {
	case "READY":
		var r readyData
		if err := json.Unmarshal(d, &r); err != nil {
			slog.Warn("discord gateway: malformed READY", "err", err)
			return
		}
		c.sessionID = r.SessionID
		c.resumeURL = r.ResumeGatewayURL
		c.selfID = r.User.ID
		c.setState(StateConnected, nil)
		if c.sup != nil {
			c.sup.Reset()
		}
		slog.Info("discord gateway: ready", "user", r.User.Username, "session", r.SessionID)
	case "RESUMED":
		c.setState(StateConnected, nil)
		if c.sup != nil {
			c.sup.Reset()
		}
		slog.Info("discord gateway: resumed", "session", c.sessionID)
	default:
		c.translate(ctx, t, d)
	}
}

func (c *Connection) canResume() bool { return c.sessionID != "" && c.hasSeq }

// handshake sends RESUME when the session can be resumed and IDENTIFY otherwise.
func (c *Connection) handshake() error {
	if c.canResume() {
		c.setState(StateResuming, nil)
		return c.send(opResume, resumeData{Token: c.opts.Token, SessionID: c.sessionID, Seq: c.seq})
	}
	c.setState(StateIdentifying, nil)
	return c.send(opIdentify, identifyData{
		Token:   c.opts.Token,
		Intents: c.opts.Intents,
		Properties: identifyProperties{
			OS: "linux", Browser: "pingbridge", Device: "pingbridge",
		},
	})
}

func (c *Connection) sendHeartbeat() error {
	var d any
	if c.hasSeq {
		d = c.seq
	}
	return c.send(opHeartbeat, d)
}

func (c *Connection) send(op int, d any) error {
	if c.sock == nil {
		return errStopped
	}
	data, err := encodeFrame(op, d)
	if err != nil {
		return err
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) closeNormal(sock Socket) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := sock.WriteControl(websocket.CloseMessage, msg, c.clock.Now().Add(time.Second)); err != nil {
		slog.Debug("discord gateway: close frame not sent", "err", err)
	}
}

// dialURL prefers the resume URL from READY when a resume is possible. The
// resume URL carries no query string, so the configured one is reused.
func (c *Connection) dialURL() string {
	if !c.canResume() || c.resumeURL == "" {
		return c.opts.GatewayURL
	}
	u, err := url.Parse(c.resumeURL)
	if err != nil {
		return c.opts.GatewayURL
	}
	if base, err := url.Parse(c.opts.GatewayURL); err == nil && u.RawQuery == "" {
		u.RawQuery = base.RawQuery
	}
	return u.String()
}

func (c *Connection) clearSession() {
	c.sessionID = ""
	c.seq = 0
	c.hasSeq = false
	c.resumeURL = ""
	c.publishSnapshot()
}

func (c *Connection) setState(s State, err error) {
	c.mu.Lock()
	if c.snap.State != s {
		c.snap.Since = c.clock.Now()
	}
	c.snap.State = s
	if err != nil {
		c.snap.LastError = err.Error()
	}
	c.mu.Unlock()
	c.publishSnapshot()
}

func (c *Connection) publishSnapshot() {
	c.mu.Lock()
	c.snap.SessionID = c.sessionID
	c.snap.Seq = c.seq
	c.snap.HasSeq = c.hasSeq
	c.snap.BotUserID = c.selfID
	c.snap.HeartbeatAcked = c.lastAcked
	c.mu.Unlock()
}
