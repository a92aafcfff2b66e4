package schema

import (
	"maps"
	"time"
)

// Identity is what the widget knows about the visitor.
type Identity struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// SessionMetadata is the browsing context captured when the session started.
type SessionMetadata struct {
	URL        string `json:"url,omitempty"`
	Referrer   string `json:"referrer,omitempty"`
	PageTitle  string `json:"pageTitle,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
	Language   string `json:"language,omitempty"`
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	Browser    string `json:"browser,omitempty"`
	OS         string `json:"os,omitempty"`
}

// Session is one visitor conversation. The bridge core only ever mutates
// Threads; everything else is owned by the widget side.
type Session struct {
	ID           string              `json:"id"`
	ProjectID    string              `json:"projectId,omitempty"`
	VisitorID    string              `json:"visitorId"`
	CreatedAt    time.Time           `json:"createdAt"`
	LastActivity time.Time           `json:"lastActivity"`
	Identity     *Identity           `json:"identity,omitempty"`
	Metadata     *SessionMetadata    `json:"metadata,omitempty"`
	AIActive     bool                `json:"aiActive,omitempty"`
	Threads      map[Platform]string `json:"threads,omitempty"`
}

// ThreadID returns the platform thread mapped to the session, or "".
func (s *Session) ThreadID(p Platform) string {
	if s == nil || s.Threads == nil {
		return ""
	}
	return s.Threads[p]
}

// SetThread replaces the thread mapping for p. An empty id removes it.
func (s *Session) SetThread(p Platform, threadID string) {
	if threadID == "" {
		delete(s.Threads, p)
		return
	}
	if s.Threads == nil {
		s.Threads = make(map[Platform]string)
	}
	s.Threads[p] = threadID
}

// DisplayName is the best human label for the visitor.
func (s *Session) DisplayName() string {
	if s.Identity != nil {
		switch {
		case s.Identity.Name != "":
			return s.Identity.Name
		case s.Identity.Email != "":
			return s.Identity.Email
		}
	}
	if len(s.VisitorID) > 8 {
		return "Visitor " + s.VisitorID[:8]
	}
	if s.VisitorID != "" {
		return "Visitor " + s.VisitorID
	}
	return "Visitor"
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Identity != nil {
		id := *s.Identity
		out.Identity = &id
	}
	if s.Metadata != nil {
		md := *s.Metadata
		out.Metadata = &md
	}
	out.Threads = maps.Clone(s.Threads)
	return &out
}

// ThreadMapping associates a session with its thread on one platform.
type ThreadMapping struct {
	SessionID string
	Platform  Platform
	ThreadID  string
}
