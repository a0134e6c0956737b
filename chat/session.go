package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/chatvault/chatvault/internal/pressure"
	"github.com/chatvault/chatvault/provider"
	"github.com/chatvault/chatvault/store"
)

// State is the per-conversation streaming state.
type State int

const (
	// StateIdle accepts a submit.
	StateIdle State = iota
	// StateAwaitingModels means no model is selected yet and discovery has
	// not completed.
	StateAwaitingModels
	// StateStreaming means an assistant reply is being produced.
	StateStreaming
	// StateReconnecting means a retry of model discovery is in flight.
	StateReconnecting
	// StateErrored is terminal until the user retries.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModels:
		return "awaiting_models"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// reconnectMessage is the user-facing text shown while model discovery
// keeps failing.
const reconnectMessage = "unable to reach the model service, retry to reconnect"

// historyBoundedLimit caps the prompt history loaded for a new exchange
// while memory pressure is High or worse.
const historyBoundedLimit = 30

// Session drives the exchanges of one conversation. Safe for concurrent
// use; at most one stream is open at a time.
type Session struct {
	conversationUID string
	store           *store.Store
	streamer        provider.Streamer
	monitor         *pressure.Monitor
	fetchModels     func(ctx context.Context) ([]provider.Model, error)

	mu           sync.Mutex
	state        State
	modelID      string
	providerName string
	models       []provider.Model
	lastErr      string
	cancelStream context.CancelFunc
	exchangeDone chan struct{}
}

func newSession(c *Controller, conv *store.Conversation) *Session {
	state := StateIdle
	if conv.ModelID == "" {
		state = StateAwaitingModels
	}
	return &Session{
		conversationUID: conv.UID,
		store:           c.store,
		streamer:        c.streamer,
		monitor:         c.monitor,
		fetchModels:     c.fetchModels,
		state:           state,
		modelID:         conv.ModelID,
		providerName:    conv.Provider,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CanSend is the public gate callers check before offering a submit
// affordance. Submit defends against violations internally as well.
func (s *Session) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateIdle && s.modelID != ""
}

// LastError returns the current user-facing error text, empty when none.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) ModelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelID
}

// Models returns the most recently discovered model list.
func (s *Session) Models() []provider.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Model(nil), s.models...)
}

// Done returns a channel closed when the current exchange finishes. With no
// exchange open it returns a closed channel.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchangeDone != nil {
		return s.exchangeDone
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// SelectModel pins a model for subsequent exchanges and persists the
// selection on the conversation.
func (s *Session) SelectModel(ctx context.Context, modelID string) error {
	if strings.TrimSpace(modelID) == "" {
		return errors.Wrap(ErrValidation, "empty model id")
	}
	if _, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
		UID:     s.conversationUID,
		ModelID: &modelID,
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.modelID = modelID
	if s.state == StateAwaitingModels {
		s.state = StateIdle
	}
	s.mu.Unlock()
	return nil
}

// EnsureModels runs model discovery. On success the first model is selected
// when none is pinned and the session becomes Idle; on failure the session
// becomes Errored with a reconnection message.
func (s *Session) EnsureModels(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStreaming {
		s.mu.Unlock()
		return ErrBusy
	}
	// Hold the session in Reconnecting while discovery is in flight so a
	// concurrent submit cannot slip in between the check and the outcome.
	s.state = StateReconnecting
	s.mu.Unlock()

	models, err := s.fetchModels(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateErrored
		s.lastErr = reconnectMessage
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.models = models
	selected := s.modelID
	if selected == "" && len(models) > 0 {
		selected = models[0].ID
		s.modelID = selected
	}
	s.state = StateIdle
	s.lastErr = ""
	persist := selected != ""
	s.mu.Unlock()

	if persist {
		if _, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
			UID:     s.conversationUID,
			ModelID: &selected,
		}); err != nil {
			slog.Warn("model selection persist failed",
				"conversation", s.conversationUID,
				"error", err,
			)
		}
	}
	return nil
}

// Retry re-issues model discovery after a failure.
func (s *Session) Retry(ctx context.Context) error {
	return s.EnsureModels(ctx)
}

// FragmentFunc observes each fragment of an exchange after it has been
// applied to the assistant message. Called from the consume goroutine, in
// arrival order.
type FragmentFunc func(fragment string)

// Submit starts a new exchange: it persists the user message (delivered)
// and an empty assistant placeholder (streaming), opens the completion
// stream over the full history, and returns. Fragments are consumed
// asynchronously; use Done to await the exchange.
func (s *Session) Submit(ctx context.Context, text string) error {
	return s.SubmitWithTap(ctx, text, nil)
}

// SubmitWithTap is Submit with a fragment observer for callers relaying the
// reply onward (the SSE surface). tap may be nil.
func (s *Session) SubmitWithTap(ctx context.Context, text string, tap FragmentFunc) error {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	if text == "" {
		s.mu.Unlock()
		return errors.Wrap(ErrValidation, "empty message")
	}
	if s.modelID == "" {
		s.mu.Unlock()
		return errors.Wrap(ErrValidation, "no model selected")
	}
	if s.state == StateStreaming {
		s.mu.Unlock()
		return ErrBusy
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return errors.Wrapf(ErrValidation, "session is %s", s.state)
	}
	// Claim the stream inside the same critical section as the gate so two
	// concurrent submits can never both pass it. Rolled back below if the
	// exchange fails to open.
	s.state = StateStreaming
	modelID := s.modelID
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
	}

	userMsg, err := s.store.SaveMessage(ctx, &store.Message{
		ConversationUID: s.conversationUID,
		Role:            store.RoleUser,
		Content:         text,
		Status:          store.MessageStatusDelivered,
	})
	if err != nil {
		release()
		return err
	}
	// The exchange id ties the placeholder, the log lines and any support
	// report together across the incremental persists.
	exchangeID := uuid.NewString()
	placeholder, err := s.store.SaveMessage(ctx, &store.Message{
		ConversationUID: s.conversationUID,
		Role:            store.RoleAssistant,
		Status:          store.MessageStatusStreaming,
		Metadata:        map[string]any{"exchangeId": exchangeID},
	})
	if err != nil {
		release()
		return err
	}

	history, err := s.loadHistory(ctx, userMsg.UID, placeholder.UID)
	if err != nil {
		// The placeholder is already persisted and no stream will ever
		// settle it; a streaming-status row must not outlive the exchange.
		s.abortPlaceholder(placeholder.UID)
		release()
		return err
	}

	// The stream outlives the submit call; cancellation goes through the
	// session's own cancel, not the caller's ctx.
	streamCtx, cancel := context.WithCancel(context.Background())
	contentCh, errCh := s.streamer.StreamCompletion(streamCtx, history, modelID)

	done := make(chan struct{})
	s.mu.Lock()
	s.cancelStream = cancel
	s.exchangeDone = done
	s.mu.Unlock()

	slog.Info("exchange started",
		"conversation", s.conversationUID,
		"exchange", exchangeID,
		"model", modelID,
		"history", len(history),
	)
	go s.consume(streamCtx, cancel, contentCh, errCh, placeholder.UID, done, tap)
	return nil
}

// Cancel requests cooperative cancellation of the open stream. Observed at
// the next fragment or completion boundary; a fragment persist already in
// flight completes first. No-op when nothing is streaming.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelStream
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// loadHistory assembles the prompt history for a new exchange: every final
// non-failed message through the just-persisted user turn, excluding the
// placeholder. Degrades to a bounded load under memory pressure.
func (s *Session) loadHistory(ctx context.Context, userUID, placeholderUID string) ([]*store.Message, error) {
	limit := 0
	if s.monitor != nil && s.monitor.Level() >= pressure.LevelHigh {
		limit = historyBoundedLimit
	}
	conv, err := s.store.GetConversation(ctx, s.conversationUID, limit)
	if err != nil {
		return nil, err
	}

	history := make([]*store.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		if m.UID == placeholderUID || m.Status == store.MessageStatusFailed {
			continue
		}
		history = append(history, m)
	}
	// The user turn must be present even when a bounded load truncated it
	// away; it was persisted after the snapshot's tail in that case.
	found := false
	for _, m := range history {
		if m.UID == userUID {
			found = true
			break
		}
	}
	if !found {
		userMsg, err := s.store.GetMessage(ctx, userUID)
		if err != nil {
			return nil, err
		}
		history = append(history, userMsg)
	}
	return history, nil
}

// consume relays provider fragments into incremental message updates and
// settles the exchange on stream end, provider error, or cancellation.
// Fragments are applied strictly in arrival order.
func (s *Session) consume(ctx context.Context, cancel context.CancelFunc, contentCh <-chan string, errCh <-chan error, placeholderUID string, done chan struct{}, tap FragmentFunc) {
	defer cancel()
	defer close(done)

	var buf strings.Builder
	for {
		select {
		case frag, ok := <-contentCh:
			if !ok {
				// Stream end. The provider buffers its error and closes both
				// channels before this loop re-enters the select, so a
				// failure may still be parked on errCh when the content
				// close is observed first.
				s.settle(placeholderUID, buf.String(), false, drainErr(errCh))
				return
			}
			buf.WriteString(frag)
			content := buf.String()
			// Best-effort incremental persistence: a failed fragment save is
			// reported but never aborts the stream, the terminal save below
			// is the authoritative one. The write runs on a detached context
			// so an in-flight persist completes even across a cancellation.
			if _, err := s.store.UpdateMessage(context.Background(), &store.UpdateMessage{
				UID:     placeholderUID,
				Content: &content,
			}); err != nil {
				slog.Warn("fragment persist failed, stream continues",
					"message", placeholderUID,
					"error", err,
				)
			}
			if tap != nil {
				tap(frag)
			}
			if ctx.Err() != nil {
				s.settle(placeholderUID, buf.String(), true, "")
				return
			}
		case err, ok := <-errCh:
			if !ok || err == nil {
				// Error channel closed without a failure; keep draining
				// content until it closes too.
				errCh = nil
				continue
			}
			s.settle(placeholderUID, buf.String(), false, err.Error())
			return
		case <-ctx.Done():
			s.settle(placeholderUID, buf.String(), true, "")
			return
		}
	}
}

// drainErr collects a failure already buffered on errCh without blocking.
func drainErr(errCh <-chan error) string {
	if errCh == nil {
		return ""
	}
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return err.Error()
		}
	default:
	}
	return ""
}

// abortPlaceholder marks a persisted placeholder failed when the exchange
// could not open. Best effort on a detached context; a streaming-status row
// with no stream behind it would otherwise never settle.
func (s *Session) abortPlaceholder(uid string) {
	failed := store.MessageStatusFailed
	if _, err := s.store.UpdateMessage(context.Background(), &store.UpdateMessage{
		UID:    uid,
		Status: &failed,
	}); err != nil {
		slog.Warn("placeholder abort failed",
			"message", uid,
			"error", err,
		)
	}
}

// settle performs the authoritative terminal persist for an exchange and
// returns the session to Idle. Partial content already streamed is never
// discarded: a cancelled or failed exchange keeps what arrived, and the
// assistant message is only marked failed when nothing arrived at all.
func (s *Session) settle(placeholderUID, content string, cancelled bool, providerErr string) {
	// Detached context: the exchange's own ctx may already be cancelled and
	// the terminal persist must still go through.
	ctx := context.Background()

	status := store.MessageStatusDelivered
	if content == "" && (cancelled || providerErr != "") {
		status = store.MessageStatusFailed
	}

	var persistErr string
	if _, err := s.store.UpdateMessage(ctx, &store.UpdateMessage{
		UID:     placeholderUID,
		Content: &content,
		Status:  &status,
	}); err != nil {
		persistErr = err.Error()
		slog.Error("terminal message persist failed",
			"message", placeholderUID,
			"error", err,
		)
	}

	// Bumps updated_ts and records (or clears) the conversation-level error
	// text in one update.
	if _, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
		UID:      s.conversationUID,
		Metadata: map[string]any{store.MetadataKeyError: providerErr},
	}); err != nil {
		if persistErr == "" {
			persistErr = err.Error()
		}
		slog.Error("conversation settle failed",
			"conversation", s.conversationUID,
			"error", err,
		)
	}

	s.mu.Lock()
	s.state = StateIdle
	s.cancelStream = nil
	switch {
	case providerErr != "":
		s.lastErr = providerErr
	case persistErr != "":
		s.lastErr = persistErr
	default:
		s.lastErr = ""
	}
	s.mu.Unlock()

	slog.Info("exchange settled",
		"conversation", s.conversationUID,
		"status", string(status),
		"cancelled", cancelled,
		"provider_error", providerErr != "",
	)
}
