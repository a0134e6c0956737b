// Package chat orchestrates one user-turn to assistant-turn exchange per
// conversation: it validates input, persists the user message and an
// assistant placeholder, relays provider fragments into incremental store
// updates, and exposes cancellation and retry.
package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/chatvault/chatvault/internal/pressure"
	"github.com/chatvault/chatvault/provider"
	"github.com/chatvault/chatvault/store"
)

var (
	// ErrValidation rejects empty submit text or a missing model selection.
	// Nothing is persisted and no state changes.
	ErrValidation = errors.New("validation failed")

	// ErrBusy rejects a submit while an assistant reply is still streaming.
	// At most one completion stream may be open per conversation.
	ErrBusy = errors.New("a reply is already streaming")
)

// Controller owns the per-conversation sessions. Construct one per process
// and share it; it guarantees at most one live stream per conversation.
type Controller struct {
	store    *store.Store
	streamer provider.Streamer
	monitor  *pressure.Monitor

	mu       sync.Mutex
	sessions map[string]*Session

	// modelFlight collapses concurrent model-discovery calls from many
	// sessions into a single provider request.
	modelFlight singleflight.Group
}

// NewController creates a controller. monitor may be nil.
func NewController(st *store.Store, streamer provider.Streamer, monitor *pressure.Monitor) *Controller {
	return &Controller{
		store:    st,
		streamer: streamer,
		monitor:  monitor,
		sessions: make(map[string]*Session),
	}
}

// Session returns the session for a conversation, creating it on first use.
// The initial state is Idle when the conversation already has a model
// pinned, AwaitingModels otherwise.
func (c *Controller) Session(ctx context.Context, conversationUID string) (*Session, error) {
	c.mu.Lock()
	if s, ok := c.sessions[conversationUID]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	conv, err := c.store.GetConversationMeta(ctx, conversationUID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[conversationUID]; ok {
		return s, nil
	}
	s := newSession(c, conv)
	c.sessions[conversationUID] = s
	return s, nil
}

// DropSession cancels any open stream for the conversation and forgets the
// session. Called after a conversation delete.
func (c *Controller) DropSession(conversationUID string) {
	c.mu.Lock()
	s := c.sessions[conversationUID]
	delete(c.sessions, conversationUID)
	c.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

func (c *Controller) fetchModels(ctx context.Context) ([]provider.Model, error) {
	v, err, _ := c.modelFlight.Do("models", func() (any, error) {
		return c.streamer.FetchAvailableModels(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]provider.Model), nil
}
