package schema

import "context"

// Storage is the persistence collaborator. Lookups return ErrNotFound when
// nothing matches.
type Storage interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, sess *Session) error
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	FindSessionByThread(ctx context.Context, p Platform, threadID string) (*Session, error)
	FindMessageByBridgeID(ctx context.Context, p Platform, id string) (*Message, error)
}
