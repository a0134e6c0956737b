package store

// Metadata keys maintained by the store itself. Callers may stash their own
// free-form keys alongside these.
const (
	// MetadataKeyHasMore is set to true on a conversation loaded through the
	// bounded-load policy when messages were truncated.
	MetadataKeyHasMore = "hasMoreMessages"
	// MetadataKeyTotalMessages carries the actual stored message count for a
	// truncated load so the caller can render a "N more messages" affordance.
	MetadataKeyTotalMessages = "totalMessages"

	MetadataKeyPinned   = "pinned"
	MetadataKeyArchived = "archived"
	MetadataKeyFavorite = "favorite"
	// MetadataKeyError carries the last user-visible error text for the
	// conversation (set by the chat controller on provider failures).
	MetadataKeyError = "lastError"
)

// Conversation groups an ordered message history with its model selection.
// Messages are fetched independently for memory control and are only
// populated by the load paths that ask for them; a zero-message conversation
// is valid.
type Conversation struct {
	UID       string
	Title     string
	ModelID   string
	Provider  string
	Tags      []string
	Metadata  map[string]any
	CreatedTs int64
	UpdatedTs int64

	// Messages is a detached snapshot ordered by (created_ts, seq) ascending.
	Messages []*Message
}

// HasMoreMessages reports whether this value was truncated by the
// bounded-load policy.
func (c *Conversation) HasMoreMessages() bool {
	v, ok := c.Metadata[MetadataKeyHasMore].(bool)
	return ok && v
}

// TotalMessages returns the stored message count recorded by a bounded load,
// falling back to len(Messages) when the load was complete.
func (c *Conversation) TotalMessages() int {
	switch v := c.Metadata[MetadataKeyTotalMessages].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		// JSON round-trips land here.
		return int(v)
	}
	return len(c.Messages)
}

type FindConversation struct {
	UID    *string
	Limit  *int
	Offset *int
}

type UpdateConversation struct {
	UID      string
	Title    *string
	ModelID  *string
	Provider *string
	Tags     *[]string
	Metadata map[string]any // merged into existing metadata
	// UpdatedTs overrides the refreshed timestamp when set; drivers always
	// refresh updated_ts on any update.
	UpdatedTs *int64
}
