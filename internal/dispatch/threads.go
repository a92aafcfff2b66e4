package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// ThreadRegistry keeps each session's per-platform thread usable. A stored
// thread that no longer exists is replaced by a fresh one, which is written
// back to storage once. Concurrent callers for the same stale thread share
// that single recreation.
type ThreadRegistry struct {
	store schema.Storage
	group singleflight.Group

	// persistMu serialises the read-modify-write of session thread maps so
	// two platforms recreating at once cannot clobber each other.
	persistMu sync.Mutex
}

func NewThreadRegistry(store schema.Storage) *ThreadRegistry {
	return &ThreadRegistry{store: store}
}

// Ensure returns a usable thread id for sess on a's platform. Webhook
// adapters have no threads and always get "".
func (r *ThreadRegistry) Ensure(ctx context.Context, a schema.Adapter, sess *schema.Session) (string, error) {
	if a.Mode() != schema.ModeBot {
		return "", nil
	}
	p := a.Name()
	stale := sess.ThreadID(p)
	key := sess.ID + "|" + string(p) + "|" + stale

	v, err, shared := r.group.Do(key, func() (any, error) {
		return r.ensure(ctx, a, sess, stale)
	})
	if err != nil {
		return "", err
	}
	if shared {
		slog.Debug("dispatch: thread lookup shared", "platform", p, "session", sess.ID)
	}
	return v.(string), nil
}

func (r *ThreadRegistry) ensure(ctx context.Context, a schema.Adapter, sess *schema.Session, stale string) (string, error) {
	p := a.Name()

	// Another flight may have replaced the thread since sess was loaded.
	if fresh, err := r.store.GetSession(ctx, sess.ID); err == nil {
		if current := fresh.ThreadID(p); current != "" && current != stale {
			return current, nil
		}
	}

	if stale != "" {
		ok, err := a.ThreadExists(ctx, stale)
		if err != nil {
			// Unknown is not missing; opening a duplicate thread on a flaky
			// network is worse than one failed send.
			slog.Warn("dispatch: thread check failed, keeping stored thread",
				"platform", p, "session", sess.ID, "thread", stale, "error", err)
			return stale, nil
		}
		if ok {
			return stale, nil
		}
		slog.Info("dispatch: thread gone, recreating", "platform", p, "session", sess.ID, "thread", stale)
	}

	snapshot := sess.Clone()
	snapshot.SetThread(p, "")
	create := a.OnNewSession
	if rc, ok := a.(schema.ThreadRecreator); ok && stale != "" {
		create = rc.RecreateThread
	}
	threadID, err := create(ctx, snapshot)
	if err != nil {
		return "", fmt.Errorf("create %s thread: %w", p, err)
	}
	if threadID == "" {
		return "", fmt.Errorf("create %s thread: %w: empty thread id", p, schema.ErrProtocol)
	}
	if err := r.persist(ctx, sess.ID, p, threadID); err != nil {
		return "", err
	}
	return threadID, nil
}

func (r *ThreadRegistry) persist(ctx context.Context, sessionID string, p schema.Platform, threadID string) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	sess.SetThread(p, threadID)
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("save %s thread for session %s: %w", p, sessionID, err)
	}
	return nil
}
