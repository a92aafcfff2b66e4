// Package dispatch fans bridge events out to the platform adapters and
// routes operator replies back across platforms.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crystaldolphin/pingbridge/internal/bus"
	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// quoteLimit bounds the reply quote handed to adapters.
const quoteLimit = 100

// Options configures a Dispatcher.
type Options struct {
	ProjectID string
	Adapters  []schema.Adapter
	Storage   schema.Storage
	// Events receives outward domain events. May be nil.
	Events *bus.EventBus
	Guard  GuardConfig
}

// Dispatcher delivers every event for a project to its adapters.
//
// Calls for the same session run one at a time in arrival order; calls for
// different sessions run concurrently. Within one call the adapters run in
// parallel and a failing adapter never affects the others.
type Dispatcher struct {
	projectID string
	adapters  []schema.Adapter
	guards    map[schema.Platform]*guard
	store     schema.Storage
	events    *bus.EventBus
	threads   *ThreadRegistry
	serial    *serialExecutor
	closed    atomic.Bool
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		projectID: opts.ProjectID,
		adapters:  opts.Adapters,
		guards:    make(map[schema.Platform]*guard, len(opts.Adapters)),
		store:     opts.Storage,
		events:    opts.Events,
		threads:   NewThreadRegistry(opts.Storage),
		serial:    newSerialExecutor(),
	}
	for _, a := range opts.Adapters {
		d.guards[a.Name()] = newGuard(a.Name(), opts.Guard)
	}
	return d
}

// Adapters returns the adapters in fan-out order.
func (d *Dispatcher) Adapters() []schema.Adapter { return d.adapters }

// Close stops accepting work and waits for queued calls. Results that land
// after Close are discarded.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.serial.Close()
}

// ─── widget-side events ───────────────────────────────────────────────────

// SyncSession stores the widget's copy of sess in the session's turn. The
// thread mappings belong to the bridge, so the stored ones are kept.
func (d *Dispatcher) SyncSession(ctx context.Context, sess *schema.Session) error {
	if d.closed.Load() {
		return schema.ErrClosed
	}
	var err error
	if waitErr := d.serial.Do(ctx, sess.ID, func() {
		s := sess.Clone()
		s.ProjectID = d.projectID
		s.Threads = nil
		stored, gerr := d.store.GetSession(ctx, sess.ID)
		switch {
		case gerr == nil:
			s.Threads = stored.Threads
		case !errors.Is(gerr, schema.ErrNotFound):
			err = fmt.Errorf("load session %s: %w", sess.ID, gerr)
			return
		}
		if err = d.store.UpdateSession(ctx, s); err != nil {
			err = fmt.Errorf("save session %s: %w", sess.ID, err)
		}
	}); waitErr != nil {
		return waitErr
	}
	return err
}

// NewSession opens a thread on every bot adapter and announces the session on
// webhook adapters.
func (d *Dispatcher) NewSession(ctx context.Context, sessionID string) (Result, error) {
	var res Result
	err := d.inSession(ctx, sessionID, func(sess *schema.Session) error {
		res = d.fanOut(ctx, "", "new session", func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error) {
			if a.Mode() == schema.ModeBot {
				_, err := d.threads.Ensure(ctx, a, sess)
				return schema.BridgeMessageIDs{}, err
			}
			_, err := a.OnNewSession(ctx, sess)
			return schema.BridgeMessageIDs{}, err
		})
		if d.closed.Load() {
			return schema.ErrClosed
		}
		d.emit(ctx, bus.Event{Type: bus.EventNewSession, SessionID: sessionID})
		return nil
	})
	return res, err
}

// VisitorMessage delivers msg to every adapter, then stores it with the
// merged platform identifiers.
func (d *Dispatcher) VisitorMessage(ctx context.Context, msg *schema.Message) (Result, error) {
	var res Result
	err := d.inSession(ctx, msg.SessionID, func(sess *schema.Session) error {
		reply := d.replyContext(ctx, msg.ReplyTo)
		res = d.fanOut(ctx, "", "visitor message", func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error) {
			s, err := d.withThread(ctx, a, sess)
			if err != nil {
				return schema.BridgeMessageIDs{}, err
			}
			return a.OnVisitorMessage(ctx, msg, s, reply)
		})
		if d.closed.Load() {
			return schema.ErrClosed
		}
		msg.BridgeIDs = msg.BridgeIDs.Merge(res.IDs)
		if err := d.store.SaveMessage(ctx, msg); err != nil {
			return fmt.Errorf("save message %s: %w", msg.ID, err)
		}
		d.emit(ctx, bus.Event{Type: bus.EventVisitorMessage, SessionID: msg.SessionID, Message: msg})
		return nil
	})
	return res, err
}

// OperatorMessage mirrors an operator reply to every adapter except source.
// source is "" for replies made outside any platform.
func (d *Dispatcher) OperatorMessage(ctx context.Context, msg *schema.Message, source schema.Platform, operatorName string) (Result, error) {
	var res Result
	err := d.inSession(ctx, msg.SessionID, func(sess *schema.Session) error {
		var err error
		res, err = d.operatorMessage(ctx, sess, msg, source, operatorName)
		return err
	})
	return res, err
}

func (d *Dispatcher) operatorMessage(ctx context.Context, sess *schema.Session, msg *schema.Message, source schema.Platform, operatorName string) (Result, error) {
	res := d.fanOut(ctx, source, "operator message", func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error) {
		s, err := d.withThread(ctx, a, sess)
		if err != nil {
			return schema.BridgeMessageIDs{}, err
		}
		return a.OnOperatorMessage(ctx, msg, s, source, operatorName)
	})
	if d.closed.Load() {
		return Result{}, schema.ErrClosed
	}
	msg.BridgeIDs = msg.BridgeIDs.Merge(res.IDs)
	res.IDs = msg.BridgeIDs
	if err := d.store.SaveMessage(ctx, msg); err != nil {
		return res, fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	d.emit(ctx, bus.Event{Type: bus.EventOperatorMessage, SessionID: msg.SessionID, Message: msg, Source: source})
	return res, nil
}

// Typing relays a visitor typing indicator. Sessions without a thread on a
// platform are skipped by that adapter.
func (d *Dispatcher) Typing(ctx context.Context, sessionID string, isTyping bool) (Result, error) {
	sess, err := d.session(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	res := d.fanOut(ctx, "", "typing", func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error) {
		return schema.BridgeMessageIDs{}, a.OnTyping(ctx, sess, isTyping)
	})
	d.emit(ctx, bus.Event{Type: bus.EventTyping, SessionID: sessionID, Data: map[string]any{"isTyping": isTyping}})
	return res, nil
}

// MessageRead relays read receipts for messageIDs.
func (d *Dispatcher) MessageRead(ctx context.Context, sessionID string, messageIDs []string, status schema.ReadStatus) (Result, error) {
	var res Result
	err := d.inSession(ctx, sessionID, func(sess *schema.Session) error {
		receipts := make([]schema.ReadReceipt, 0, len(messageIDs))
		for _, id := range messageIDs {
			m, err := d.store.GetMessage(ctx, id)
			if err != nil {
				slog.Debug("dispatch: read receipt for unknown message", "message", id, "error", err)
				continue
			}
			receipts = append(receipts, schema.ReadReceipt{MessageID: id, BridgeIDs: m.BridgeIDs})
		}
		if len(receipts) == 0 {
			return nil
		}
		res = d.fanOut(ctx, "", "message read", func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error) {
			return schema.BridgeMessageIDs{}, a.OnMessageRead(ctx, sess, receipts, status)
		})
		d.emit(ctx, bus.Event{Type: bus.EventMessageRead, SessionID: sessionID,
			Data: map[string]any{"messageIds": messageIDs, "status": string(status)}})
		return nil
	})
	return res, err
}

// CustomEvent forwards a widget-defined event.
func (d *Dispatcher) CustomEvent(ctx context.Context, sessionID string, event schema.CustomEvent) (Result, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return d.notify(ctx, sessionID, "custom event", bus.Event{
		Type: bus.EventCustomEvent, Data: map[string]any{"name": event.Name, "data": event.Data},
	}, func(ctx context.Context, a schema.Adapter, s *schema.Session) error {
		return a.OnCustomEvent(ctx, event, s)
	})
}

// IdentityUpdate announces the session's current identity. Sessions without
// identity are ignored by the adapters.
func (d *Dispatcher) IdentityUpdate(ctx context.Context, sessionID string) (Result, error) {
	return d.notify(ctx, sessionID, "identity update", bus.Event{Type: bus.EventIdentityUpdate},
		func(ctx context.Context, a schema.Adapter, s *schema.Session) error {
			return a.OnIdentityUpdate(ctx, s)
		})
}

// AITakeover announces that the AI assistant took over the conversation.
func (d *Dispatcher) AITakeover(ctx context.Context, sessionID, reason string) (Result, error) {
	return d.notify(ctx, sessionID, "ai takeover", bus.Event{
		Type: bus.EventAITakeover, Data: map[string]any{"reason": reason},
	}, func(ctx context.Context, a schema.Adapter, s *schema.Session) error {
		return a.OnAITakeover(ctx, s, reason)
	})
}

// VisitorMessageEdited replaces the content of a visitor message everywhere
// it was delivered.
func (d *Dispatcher) VisitorMessageEdited(ctx context.Context, messageID, content string) (Result, error) {
	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return Result{}, fmt.Errorf("load message %s: %w", messageID, err)
	}
	var res Result
	err = d.inSession(ctx, msg.SessionID, func(sess *schema.Session) error {
		res = d.fanOut(ctx, "", "visitor edit", func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error) {
			updated, err := a.OnVisitorMessageEdited(ctx, sess, messageID, content, msg.BridgeIDs)
			if err != nil || updated == nil {
				return schema.BridgeMessageIDs{}, err
			}
			return *updated, nil
		})
		if d.closed.Load() {
			return schema.ErrClosed
		}
		now := time.Now()
		msg.Content = content
		msg.EditedAt = &now
		msg.BridgeIDs = msg.BridgeIDs.Merge(res.IDs)
		if err := d.store.SaveMessage(ctx, msg); err != nil {
			return fmt.Errorf("save message %s: %w", msg.ID, err)
		}
		d.emit(ctx, bus.Event{Type: bus.EventMessageEdited, SessionID: msg.SessionID, Message: msg})
		return nil
	})
	return res, err
}

// VisitorMessageDeleted removes a visitor message everywhere it was delivered.
func (d *Dispatcher) VisitorMessageDeleted(ctx context.Context, messageID string) (Result, error) {
	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return Result{}, fmt.Errorf("load message %s: %w", messageID, err)
	}
	var res Result
	err = d.inSession(ctx, msg.SessionID, func(sess *schema.Session) error {
		res = d.fanOut(ctx, "", "visitor delete", func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error) {
			return schema.BridgeMessageIDs{}, a.OnVisitorMessageDeleted(ctx, sess, messageID, msg.BridgeIDs)
		})
		if d.closed.Load() {
			return schema.ErrClosed
		}
		now := time.Now()
		msg.DeletedAt = &now
		if err := d.store.SaveMessage(ctx, msg); err != nil {
			return fmt.Errorf("save message %s: %w", msg.ID, err)
		}
		d.emit(ctx, bus.Event{Type: bus.EventMessageDeleted, SessionID: msg.SessionID, Message: msg})
		return nil
	})
	return res, err
}

// ─── operator-side events ─────────────────────────────────────────────────

// Run consumes operator events until ctx is done or events is closed. Each
// event is queued behind earlier work for the same session.
func (d *Dispatcher) Run(ctx context.Context, events <-chan bus.OperatorEvent) error {
	slog.Info("dispatch: consuming operator events", "project", d.projectID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			sessionID, err := d.resolveSession(ctx, ev)
			if err != nil {
				slog.Debug("dispatch: dropping operator event",
					"platform", ev.Platform(), "thread", ev.ThreadID(), "kind", ev.Kind(), "error", err)
				continue
			}
			if !d.serial.Submit(sessionID, func() {
				if _, err := d.HandleOperatorEvent(ctx, sessionID, ev); err != nil {
					slog.Warn("dispatch: operator event failed",
						"platform", ev.Platform(), "kind", ev.Kind(), "session", sessionID, "error", err)
				}
			}) {
				return schema.ErrClosed
			}
		}
	}
}

func (d *Dispatcher) resolveSession(ctx context.Context, ev bus.OperatorEvent) (string, error) {
	if ev.Kind() == bus.OperatorMessageCreated {
		sess, err := d.store.FindSessionByThread(ctx, ev.Platform(), ev.ThreadID())
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	}
	msg, err := d.store.FindMessageByBridgeID(ctx, ev.Platform(), ev.MessageID())
	if err != nil {
		return "", err
	}
	return msg.SessionID, nil
}

// HandleOperatorEvent applies one operator event for sessionID. Callers must
// hold the session's turn; Run does this through the serial executor.
func (d *Dispatcher) HandleOperatorEvent(ctx context.Context, sessionID string, ev bus.OperatorEvent) (Result, error) {
	sess, err := d.session(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	switch ev.Kind() {
	case bus.OperatorMessageCreated:
		return d.operatorMessage(ctx, sess, d.operatorMessageFrom(ctx, sess, ev), ev.Platform(), ev.OperatorName())
	case bus.OperatorMessageEdited:
		return d.operatorEdit(ctx, sess, ev)
	case bus.OperatorMessageDeleted:
		return d.operatorDelete(ctx, sess, ev)
	}
	return Result{}, fmt.Errorf("%w: unknown operator event kind %q", schema.ErrProtocol, ev.Kind())
}

func (d *Dispatcher) operatorMessageFrom(ctx context.Context, sess *schema.Session, ev bus.OperatorEvent) *schema.Message {
	msg := &schema.Message{
		ID:           schema.NewID(),
		SessionID:    sess.ID,
		Content:      ev.Content(),
		Sender:       schema.SenderOperator,
		Timestamp:    ev.At(),
		Attachments:  ev.Attachments(),
		BridgeIDs:    schema.BridgeIDFor(ev.Platform(), ev.MessageID()),
		SourceBridge: ev.Platform(),
		OperatorName: ev.OperatorName(),
	}
	if ev.ReplyToID() != "" {
		if target, err := d.store.FindMessageByBridgeID(ctx, ev.Platform(), ev.ReplyToID()); err == nil {
			msg.ReplyTo = target.ID
		}
	}
	return msg
}

func (d *Dispatcher) operatorEdit(ctx context.Context, sess *schema.Session, ev bus.OperatorEvent) (Result, error) {
	msg, err := d.operatorOwned(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	res := d.fanOut(ctx, ev.Platform(), "operator edit", func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error) {
		return schema.BridgeMessageIDs{}, a.OnOperatorMessageEdited(ctx, sess, msg.BridgeIDs, ev.Content())
	})
	if d.closed.Load() {
		return Result{}, schema.ErrClosed
	}
	at := ev.At()
	msg.Content = ev.Content()
	msg.EditedAt = &at
	if err := d.store.SaveMessage(ctx, msg); err != nil {
		return res, fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	d.emit(ctx, bus.Event{Type: bus.EventMessageEdited, SessionID: sess.ID, Message: msg, Source: ev.Platform()})
	return res, nil
}

func (d *Dispatcher) operatorDelete(ctx context.Context, sess *schema.Session, ev bus.OperatorEvent) (Result, error) {
	msg, err := d.operatorOwned(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	res := d.fanOut(ctx, ev.Platform(), "operator delete", func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error) {
		return schema.BridgeMessageIDs{}, a.OnOperatorMessageDeleted(ctx, sess, msg.BridgeIDs)
	})
	if d.closed.Load() {
		return Result{}, schema.ErrClosed
	}
	at := ev.At()
	msg.DeletedAt = &at
	if err := d.store.SaveMessage(ctx, msg); err != nil {
		return res, fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	d.emit(ctx, bus.Event{Type: bus.EventMessageDeleted, SessionID: sess.ID, Message: msg, Source: ev.Platform()})
	return res, nil
}

// operatorOwned loads the message an edit or delete refers to. Only operator
// messages can be changed from the platform side; touching the bot's copy of
// a visitor message is ignored.
func (d *Dispatcher) operatorOwned(ctx context.Context, ev bus.OperatorEvent) (*schema.Message, error) {
	msg, err := d.store.FindMessageByBridgeID(ctx, ev.Platform(), ev.MessageID())
	if err != nil {
		return nil, err
	}
	if msg.Sender != schema.SenderOperator {
		return nil, fmt.Errorf("message %s is a %s message: %w", msg.ID, msg.Sender, schema.ErrNotFound)
	}
	if msg.Deleted() {
		return nil, fmt.Errorf("message %s already deleted: %w", msg.ID, schema.ErrNotFound)
	}
	return msg, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────

func (d *Dispatcher) session(ctx context.Context, id string) (*schema.Session, error) {
	sess, err := d.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return sess, nil
}

// inSession runs fn in the session's turn with a freshly loaded snapshot.
func (d *Dispatcher) inSession(ctx context.Context, sessionID string, fn func(sess *schema.Session) error) error {
	if d.closed.Load() {
		return schema.ErrClosed
	}
	var err error
	if waitErr := d.serial.Do(ctx, sessionID, func() {
		if err = ctx.Err(); err != nil {
			return
		}
		var sess *schema.Session
		if sess, err = d.session(ctx, sessionID); err != nil {
			return
		}
		err = fn(sess)
	}); waitErr != nil {
		return waitErr
	}
	return err
}

// withThread returns sess with a verified thread for a's platform.
func (d *Dispatcher) withThread(ctx context.Context, a schema.Adapter, sess *schema.Session) (*schema.Session, error) {
	if a.Mode() != schema.ModeBot {
		return sess, nil
	}
	threadID, err := d.threads.Ensure(ctx, a, sess)
	if err != nil {
		return nil, err
	}
	if threadID == sess.ThreadID(a.Name()) {
		return sess, nil
	}
	s := sess.Clone()
	s.SetThread(a.Name(), threadID)
	return s, nil
}

// notify fans out a thread-addressed notification that yields no ids.
func (d *Dispatcher) notify(ctx context.Context, sessionID, op string, ev bus.Event,
	call func(ctx context.Context, a schema.Adapter, s *schema.Session) error) (Result, error) {
	var res Result
	err := d.inSession(ctx, sessionID, func(sess *schema.Session) error {
		res = d.fanOut(ctx, "", op, func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error) {
			s, err := d.withThread(ctx, a, sess)
			if err != nil {
				return schema.BridgeMessageIDs{}, err
			}
			return schema.BridgeMessageIDs{}, call(ctx, a, s)
		})
		ev.SessionID = sessionID
		d.emit(ctx, ev)
		return nil
	})
	return res, err
}

func (d *Dispatcher) replyContext(ctx context.Context, replyTo string) *schema.ReplyContext {
	if replyTo == "" {
		return nil
	}
	target, err := d.store.GetMessage(ctx, replyTo)
	if err != nil {
		slog.Debug("dispatch: reply target not found", "message", replyTo, "error", err)
		return nil
	}
	return &schema.ReplyContext{
		BridgeIDs: target.BridgeIDs,
		Quote:     target.Preview(quoteLimit),
		Sender:    target.Sender,
		Deleted:   target.Deleted(),
	}
}

// fanOut calls fn on every adapter except skip, concurrently. Each adapter's
// error or panic lands in its own Outcome; only the adapter's own id field
// is kept.
func (d *Dispatcher) fanOut(ctx context.Context, skip schema.Platform, op string,
	fn func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error)) Result {
	outcomes := make([]Outcome, len(d.adapters))
	var g errgroup.Group
	for i, a := range d.adapters {
		p := a.Name()
		if p == skip {
			outcomes[i] = Outcome{Platform: p, Skipped: true}
			continue
		}
		g.Go(func() error {
			ids, err := d.call(ctx, a, op, fn)
			outcomes[i] = Outcome{Platform: p, IDs: ids.Only(p), Err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			slog.Warn("dispatch: adapter failed", "project", d.projectID, "platform", o.Platform, "op", op, "error", o.Err)
			continue
		}
		res.IDs = res.IDs.Merge(o.IDs)
	}
	return res
}

func (d *Dispatcher) call(ctx context.Context, a schema.Adapter, op string,
	fn func(ctx context.Context, a schema.Adapter) (schema.BridgeMessageIDs, error)) (ids schema.BridgeMessageIDs, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: adapter panicked", "platform", a.Name(), "op", op, "panic", r)
			ids, err = schema.BridgeMessageIDs{}, fmt.Errorf("%s %s: adapter panicked: %v", a.Name(), op, r)
		}
	}()
	g, ok := d.guards[a.Name()]
	if !ok {
		return fn(ctx, a)
	}
	return g.do(ctx, func() (schema.BridgeMessageIDs, error) { return fn(ctx, a) })
}

func (d *Dispatcher) emit(ctx context.Context, ev bus.Event) {
	if d.events == nil || d.closed.Load() {
		return
	}
	ev.ProjectID = d.projectID
	d.events.Publish(ctx, ev)
}
