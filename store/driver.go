package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for making queries against the durable medium.
// Implementations live under store/db. All methods return detached values;
// drivers never hand out live references into their own state.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate creates the schema when it does not exist yet.
	Migrate(ctx context.Context) error

	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	CountConversations(ctx context.Context) (int, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)
	// SaveConversation upserts the conversation row and applies a message
	// diff in one transaction: inserts are added, deleteUIDs are removed,
	// everything else is left alone. Partial application is never visible.
	SaveConversation(ctx context.Context, save *Conversation, inserts []*Message, deleteUIDs []string) (*Conversation, error)
	// DeleteConversation cascades into the conversation's messages and
	// removes its uid from folder membership lists. Returns false when the
	// uid did not exist.
	DeleteConversation(ctx context.Context, uid string) (bool, error)

	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	CountMessages(ctx context.Context, conversationUID string) (int, error)
	UpdateMessage(ctx context.Context, update *UpdateMessage) (*Message, error)
	DeleteMessage(ctx context.Context, uid string) (bool, error)

	CreateFolder(ctx context.Context, create *Folder) (*Folder, error)
	ListFolders(ctx context.Context, find *FindFolder) ([]*Folder, error)
	UpdateFolder(ctx context.Context, update *UpdateFolder) (*Folder, error)
	DeleteFolder(ctx context.Context, uid string) (bool, error)
}
