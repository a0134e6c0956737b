// Package provider defines the completion-stream collaborator: given a
// conversation history and a model id, produce a finite, non-restartable
// sequence of text fragments, or fail with a ProviderError.
package provider

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/chatvault/chatvault/store"
)

// Model describes a selectable completion model.
type Model struct {
	ID      string
	OwnedBy string
}

// Streamer is the interface the chat controller drives.
//
// StreamCompletion returns a content channel delivering fragments in FIFO
// order and an error channel. The content channel is closed when the stream
// ends cleanly; a transport/model failure arrives on the error channel
// instead. Cancellation is cooperative through ctx. A stream is never
// restartable; callers open a fresh one per exchange.
type Streamer interface {
	StreamCompletion(ctx context.Context, history []*store.Message, modelID string) (<-chan string, <-chan error)
	FetchAvailableModels(ctx context.Context) ([]Model, error)
}

// Error wraps a transport/auth/model failure from the provider. Surfaced to
// the user as retryable; never fatal to the process.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsProviderError reports whether err is (or wraps) a provider failure.
func IsProviderError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
