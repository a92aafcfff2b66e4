// Package session provides an in-memory Storage used by the serve command
// and by tests. Production deployments plug their own schema.Storage.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

type threadKey struct {
	platform schema.Platform
	threadID string
}

type bridgeKey struct {
	platform schema.Platform
	id       string
}

// MemoryStore keeps sessions and messages in maps. All values are cloned on
// the way in and out so callers never share memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*schema.Session
	messages map[string]*schema.Message
	byThread map[threadKey]string // → session id
	byBridge map[bridgeKey]string // → message id
}

var _ schema.Storage = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*schema.Session),
		messages: make(map[string]*schema.Message),
		byThread: make(map[threadKey]string),
		byBridge: make(map[bridgeKey]string),
	}
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*schema.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, schema.ErrNotFound)
	}
	return s.Clone(), nil
}

// UpdateSession upserts sess and reindexes its thread mappings.
func (m *MemoryStore) UpdateSession(_ context.Context, sess *schema.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[sess.ID]; ok {
		for p, tid := range old.Threads {
			delete(m.byThread, threadKey{p, tid})
		}
	}
	c := sess.Clone()
	m.sessions[c.ID] = c
	for p, tid := range c.Threads {
		m.byThread[threadKey{p, tid}] = c.ID
	}
	return nil
}

func (m *MemoryStore) SaveMessage(_ context.Context, msg *schema.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *msg
	c.Attachments = append([]schema.Attachment(nil), msg.Attachments...)
	m.messages[c.ID] = &c
	for _, p := range schema.Platforms {
		if id := c.BridgeIDs.For(p); id != "" {
			m.byBridge[bridgeKey{p, id}] = c.ID
		}
	}
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (*schema.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, schema.ErrNotFound)
	}
	c := *msg
	return &c, nil
}

func (m *MemoryStore) FindSessionByThread(_ context.Context, p schema.Platform, threadID string) (*schema.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byThread[threadKey{p, threadID}]
	if !ok {
		return nil, fmt.Errorf("%s thread %s: %w", p, threadID, schema.ErrNotFound)
	}
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) FindMessageByBridgeID(_ context.Context, p schema.Platform, id string) (*schema.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mid, ok := m.byBridge[bridgeKey{p, id}]
	if !ok {
		return nil, fmt.Errorf("%s message %s: %w", p, id, schema.ErrNotFound)
	}
	c := *m.messages[mid]
	return &c, nil
}

// Len reports the number of stored sessions and messages.
func (m *MemoryStore) Len() (sessions, messages int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions), len(m.messages)
}
