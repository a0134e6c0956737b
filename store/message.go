package store

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageStatus tracks the delivery lifecycle of a message.
// - "sending": created locally, persistence in flight
// - "streaming": assistant reply being incrementally produced
// - "delivered": final content, immutable except metadata
// - "failed": terminal error, immutable except metadata
type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusStreaming MessageStatus = "streaming"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

// Message is a single turn inside a conversation. Values returned by the
// store are detached copies; mutating one has no effect until it is saved
// back through the store.
type Message struct {
	UID             string
	ConversationUID string
	Role            MessageRole
	Content         string
	Status          MessageStatus
	Metadata        map[string]any
	CreatedTs       int64
	// Seq is assigned by storage on insert and breaks ordering ties between
	// messages sharing the same CreatedTs.
	Seq int64
}

// IsFinal reports whether the message content may no longer change.
func (m *Message) IsFinal() bool {
	return m.Status == MessageStatusDelivered || m.Status == MessageStatusFailed
}

type FindMessage struct {
	UID             *string
	ConversationUID *string
	Status          *MessageStatus
	Limit           *int
	Offset          *int
	// OrderDesc reverses the default (created_ts, seq) ascending order.
	// Used by the bounded-load policy to grab the most recent tail.
	OrderDesc bool
}

// UpdateMessage carries a partial update. Nil fields are left untouched.
// Content and Status are the streaming write path; Metadata is merged, not
// replaced, so tag edits never clobber other markers.
type UpdateMessage struct {
	UID      string
	Content  *string
	Status   *MessageStatus
	Metadata map[string]any
}
