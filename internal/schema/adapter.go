package schema

import "context"

// Adapter delivers bridge events to one operator platform.
//
// Adapters never share state with each other. Every call may block on the
// network and must honour ctx. Identifier results only ever carry the
// adapter's own field.
type Adapter interface {
	Name() Platform
	Mode() Mode

	// OnNewSession opens a thread for sess and returns its id. Webhook
	// adapters post a notice and return "".
	OnNewSession(ctx context.Context, sess *Session) (string, error)
	// ThreadExists reports whether threadID can still receive messages.
	ThreadExists(ctx context.Context, threadID string) (bool, error)

	OnVisitorMessage(ctx context.Context, msg *Message, sess *Session, reply *ReplyContext) (BridgeMessageIDs, error)
	// OnOperatorMessage mirrors an operator reply made on source. It must not
	// touch the network when source is the adapter itself.
	OnOperatorMessage(ctx context.Context, msg *Message, sess *Session, source Platform, operatorName string) (BridgeMessageIDs, error)
	OnOperatorMessageEdited(ctx context.Context, sess *Session, ids BridgeMessageIDs, content string) error
	OnOperatorMessageDeleted(ctx context.Context, sess *Session, ids BridgeMessageIDs) error

	OnTyping(ctx context.Context, sess *Session, isTyping bool) error
	OnMessageRead(ctx context.Context, sess *Session, receipts []ReadReceipt, status ReadStatus) error
	OnCustomEvent(ctx context.Context, event CustomEvent, sess *Session) error
	OnIdentityUpdate(ctx context.Context, sess *Session) error
	OnAITakeover(ctx context.Context, sess *Session, reason string) error

	// OnVisitorMessageEdited returns the updated ids, or nil when nothing
	// was edited on this platform.
	OnVisitorMessageEdited(ctx context.Context, sess *Session, messageID, content string, ids BridgeMessageIDs) (*BridgeMessageIDs, error)
	OnVisitorMessageDeleted(ctx context.Context, sess *Session, messageID string, ids BridgeMessageIDs) error
}

// ThreadRecreator is implemented by adapters whose OnNewSession posts more
// than the thread itself. RecreateThread replaces a lost thread and posts
// nothing else, so the message that found the thread missing is the first
// one in it.
type ThreadRecreator interface {
	RecreateThread(ctx context.Context, sess *Session) (string, error)
}
