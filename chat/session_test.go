package chat_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatvault/chatvault/chat"
	"github.com/chatvault/chatvault/internal/pressure"
	"github.com/chatvault/chatvault/internal/profile"
	"github.com/chatvault/chatvault/provider"
	"github.com/chatvault/chatvault/store"
	"github.com/chatvault/chatvault/store/db/sqlite"
)

// step scripts one action of the fake streamer.
type step struct {
	fragment string
	err      error
	// hold blocks the stream until released, so a test can cancel or
	// inspect mid-exchange deterministically.
	hold chan struct{}
}

// fakeStreamer plays a script per StreamCompletion call. It honors ctx the
// way a real transport does: cancellation stops fragment delivery.
type fakeStreamer struct {
	mu       sync.Mutex
	scripts  [][]step
	calls    int
	history  [][]*store.Message
	models   []provider.Model
	modelErr error
}

func (f *fakeStreamer) StreamCompletion(ctx context.Context, history []*store.Message, _ string) (<-chan string, <-chan error) {
	f.mu.Lock()
	var script []step
	if f.calls < len(f.scripts) {
		script = f.scripts[f.calls]
	}
	f.calls++
	f.history = append(f.history, history)
	f.mu.Unlock()

	contentCh := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(contentCh)
		for _, st := range script {
			if st.hold != nil {
				select {
				case <-st.hold:
				case <-ctx.Done():
					return
				}
			}
			if st.err != nil {
				errCh <- st.err
				return
			}
			select {
			case contentCh <- st.fragment:
			case <-ctx.Done():
				return
			}
		}
	}()
	return contentCh, errCh
}

func (f *fakeStreamer) FetchAvailableModels(_ context.Context) ([]provider.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modelErr != nil {
		return nil, f.modelErr
	}
	return f.models, nil
}

func newTestController(t *testing.T, streamer provider.Streamer) (*chat.Controller, *store.Store) {
	t.Helper()
	return newTestControllerWith(t, streamer, nil)
}

func newTestControllerWith(t *testing.T, streamer provider.Streamer, monitor *pressure.Monitor) (*chat.Controller, *store.Store) {
	t.Helper()
	driver, err := sqlite.NewDB(&profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "chat_test.db"),
	})
	require.NoError(t, err)
	st := store.New(driver, monitor)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return chat.NewController(st, streamer, monitor), st
}

func awaitExchange(t *testing.T, s *chat.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not settle")
	}
}

func assistantMessage(t *testing.T, st *store.Store, convUID string) *store.Message {
	t.Helper()
	conv, err := st.GetConversation(context.Background(), convUID, 0)
	require.NoError(t, err)
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == store.RoleAssistant {
			return conv.Messages[i]
		}
	}
	t.Fatal("no assistant message")
	return nil
}

func TestStreamingExchange(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{
		{fragment: "Hi"},
		{fragment: " there"},
	}}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "gpt-4o-mini", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)
	assert.Equal(t, chat.StateIdle, session.State())
	assert.True(t, session.CanSend())

	before, err := st.GetConversationMeta(ctx, conv.UID)
	require.NoError(t, err)

	require.NoError(t, session.Submit(ctx, "Hello"))
	awaitExchange(t, session)

	assert.Equal(t, chat.StateIdle, session.State())
	assert.Empty(t, session.LastError())

	loaded, err := st.GetConversation(ctx, conv.UID, 0)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, store.RoleUser, loaded.Messages[0].Role)
	assert.Equal(t, "Hello", loaded.Messages[0].Content)
	assert.Equal(t, store.MessageStatusDelivered, loaded.Messages[0].Status)
	assert.Equal(t, store.RoleAssistant, loaded.Messages[1].Role)
	assert.Equal(t, "Hi there", loaded.Messages[1].Content)
	assert.Equal(t, store.MessageStatusDelivered, loaded.Messages[1].Status)

	after, err := st.GetConversationMeta(ctx, conv.UID)
	require.NoError(t, err)
	assert.Greater(t, after.UpdatedTs, before.UpdatedTs)
}

func TestSubmitValidation(t *testing.T) {
	streamer := &fakeStreamer{}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "gpt-4o-mini", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	err = session.Submit(ctx, "   ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrValidation))

	// Nothing was persisted and the state is unchanged.
	loaded, err := st.GetConversation(ctx, conv.UID, 0)
	require.NoError(t, err)
	assert.Empty(t, loaded.Messages)
	assert.Equal(t, chat.StateIdle, session.State())
}

func TestSubmitWithoutModel(t *testing.T) {
	streamer := &fakeStreamer{}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)
	assert.Equal(t, chat.StateAwaitingModels, session.State())
	assert.False(t, session.CanSend())

	err = session.Submit(ctx, "Hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrValidation))
}

func TestSubmitWhileStreamingIsBusy(t *testing.T) {
	hold := make(chan struct{})
	streamer := &fakeStreamer{scripts: [][]step{{
		{fragment: "partial"},
		{hold: hold, fragment: " never"},
	}}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	require.NoError(t, session.Submit(ctx, "first"))
	require.Eventually(t, func() bool {
		return session.State() == chat.StateStreaming
	}, 2*time.Second, 5*time.Millisecond)

	err = session.Submit(ctx, "second")
	assert.True(t, errors.Is(err, chat.ErrBusy))
	assert.True(t, errors.Is(session.EnsureModels(ctx), chat.ErrBusy))
	assert.True(t, errors.Is(session.Retry(ctx), chat.ErrBusy))

	close(hold)
	session.Cancel()
	awaitExchange(t, session)
}

func TestCancellationKeepsPartialContent(t *testing.T) {
	hold := make(chan struct{})
	streamer := &fakeStreamer{scripts: [][]step{{
		{fragment: "partial "},
		{fragment: "answer"},
		{hold: hold, fragment: " tail"},
	}}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	require.NoError(t, session.Submit(ctx, "question"))

	// Wait until both fragments are durably applied, then cancel while the
	// stream is parked on the held step.
	require.Eventually(t, func() bool {
		return assistantMessage(t, st, conv.UID).Content == "partial answer"
	}, 2*time.Second, 5*time.Millisecond)

	session.Cancel()
	awaitExchange(t, session)

	msg := assistantMessage(t, st, conv.UID)
	assert.Equal(t, "partial answer", msg.Content, "partial content survives cancellation")
	assert.Equal(t, store.MessageStatusDelivered, msg.Status)
	assert.Equal(t, chat.StateIdle, session.State())

	// A new exchange may start immediately.
	assert.True(t, session.CanSend())
}

func TestCancellationBeforeAnyContentFails(t *testing.T) {
	hold := make(chan struct{})
	streamer := &fakeStreamer{scripts: [][]step{{
		{hold: hold, fragment: "never"},
	}}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	require.NoError(t, session.Submit(ctx, "question"))
	require.Eventually(t, func() bool {
		return session.State() == chat.StateStreaming
	}, 2*time.Second, 5*time.Millisecond)

	session.Cancel()
	awaitExchange(t, session)

	msg := assistantMessage(t, st, conv.UID)
	assert.Empty(t, msg.Content)
	assert.Equal(t, store.MessageStatusFailed, msg.Status,
		"an exchange with no content marks the assistant message failed")
}

func TestProviderErrorMidStream(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{
		{fragment: "half an "},
		{fragment: "answer"},
		{err: &provider.Error{Provider: "openai", Op: "stream", Err: errors.New("connection reset")}},
	}}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	require.NoError(t, session.Submit(ctx, "question"))
	awaitExchange(t, session)

	msg := assistantMessage(t, st, conv.UID)
	assert.Equal(t, "half an answer", msg.Content, "partial content survives a provider failure")
	assert.Equal(t, store.MessageStatusDelivered, msg.Status)

	assert.Contains(t, session.LastError(), "connection reset")
	meta, err := st.GetConversationMeta(ctx, conv.UID)
	require.NoError(t, err)
	assert.Contains(t, meta.Metadata[store.MetadataKeyError], "connection reset")
	assert.Equal(t, chat.StateIdle, session.State())
}

func TestProviderErrorBeforeAnyContent(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{
		{err: &provider.Error{Provider: "openai", Op: "stream", Err: errors.New("401 unauthorized")}},
	}}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	require.NoError(t, session.Submit(ctx, "question"))
	awaitExchange(t, session)

	msg := assistantMessage(t, st, conv.UID)
	assert.Equal(t, store.MessageStatusFailed, msg.Status)
	assert.Contains(t, session.LastError(), "401 unauthorized")
}

func TestHistoryExcludesPlaceholderAndFailed(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{
		{{err: &provider.Error{Provider: "openai", Op: "stream", Err: errors.New("boom")}}},
		{{fragment: "ok"}},
	}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	require.NoError(t, session.Submit(ctx, "first"))
	awaitExchange(t, session)

	require.NoError(t, session.Submit(ctx, "second"))
	awaitExchange(t, session)

	streamer.mu.Lock()
	defer streamer.mu.Unlock()
	require.Len(t, streamer.history, 2)
	second := streamer.history[1]
	for _, m := range second {
		assert.NotEqual(t, store.MessageStatusFailed, m.Status,
			"failed assistant turns are excluded from the prompt")
		if m.Role == store.RoleAssistant {
			assert.NotEmpty(t, m.Content, "the open placeholder is excluded")
		}
	}
	// first user turn, second user turn; the failed assistant turn is gone.
	var texts []string
	for _, m := range second {
		texts = append(texts, m.Content)
	}
	assert.Equal(t, []string{"first", "second"}, texts)
}

func TestModelDiscoveryAndRetry(t *testing.T) {
	streamer := &fakeStreamer{
		modelErr: errors.New("dial tcp: connection refused"),
		models: []provider.Model{
			{ID: "gpt-4o-mini", OwnedBy: "openai"},
			{ID: "gpt-4o", OwnedBy: "openai"},
		},
	}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)
	assert.Equal(t, chat.StateAwaitingModels, session.State())

	require.Error(t, session.EnsureModels(ctx))
	assert.Equal(t, chat.StateErrored, session.State())
	assert.NotEmpty(t, session.LastError())
	assert.False(t, session.CanSend())

	// Provider recovers; retry selects the first model and persists it.
	streamer.mu.Lock()
	streamer.modelErr = nil
	streamer.mu.Unlock()

	require.NoError(t, session.Retry(ctx))
	assert.Equal(t, chat.StateIdle, session.State())
	assert.Empty(t, session.LastError())
	assert.Equal(t, "gpt-4o-mini", session.ModelID())
	assert.Len(t, session.Models(), 2)

	meta, err := st.GetConversationMeta(ctx, conv.UID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", meta.ModelID)
}

func TestSelectModel(t *testing.T) {
	streamer := &fakeStreamer{models: []provider.Model{{ID: "a"}, {ID: "b"}}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	require.Error(t, session.SelectModel(ctx, "  "))

	require.NoError(t, session.SelectModel(ctx, "b"))
	assert.Equal(t, "b", session.ModelID())
	assert.Equal(t, chat.StateIdle, session.State())

	meta, err := st.GetConversationMeta(ctx, conv.UID)
	require.NoError(t, err)
	assert.Equal(t, "b", meta.ModelID)
}

func TestFragmentTap(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{
		{fragment: "a"},
		{fragment: "b"},
		{fragment: "c"},
	}}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	require.NoError(t, session.SubmitWithTap(ctx, "go", func(frag string) {
		mu.Lock()
		seen = append(seen, frag)
		mu.Unlock()
	}))
	awaitExchange(t, session)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen, "taps observe fragments in arrival order")
	assert.Equal(t, "abc", strings.Join(seen, ""))
}

func TestDropSessionCancelsStream(t *testing.T) {
	hold := make(chan struct{})
	streamer := &fakeStreamer{scripts: [][]step{{
		{fragment: "x"},
		{hold: hold, fragment: "y"},
	}}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	require.NoError(t, session.Submit(ctx, "question"))
	require.Eventually(t, func() bool {
		return assistantMessage(t, st, conv.UID).Content == "x"
	}, 2*time.Second, 5*time.Millisecond)

	controller.DropSession(conv.UID)
	awaitExchange(t, session)
	assert.Equal(t, chat.StateIdle, session.State())

	// A fresh session is created on next access.
	fresh, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)
	assert.NotSame(t, session, fresh)
}

func TestConcurrentSubmitSingleStream(t *testing.T) {
	hold := make(chan struct{})
	streamer := &fakeStreamer{scripts: [][]step{
		{{hold: hold, fragment: "one"}},
		{{hold: hold, fragment: "two"}},
	}}
	controller, st := newTestController(t, streamer)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = session.Submit(ctx, "race")
		}(i)
	}
	close(start)
	wg.Wait()

	var accepted, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, chat.ErrBusy):
			busy++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, busy)

	streamer.mu.Lock()
	opened := streamer.calls
	streamer.mu.Unlock()
	assert.Equal(t, 1, opened)

	close(hold)
	awaitExchange(t, session)

	// One user turn and one assistant turn; the rejected submit persisted
	// nothing.
	loaded, err := st.GetConversation(ctx, conv.UID, 0)
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 2)
}

// closingStreamer parks one fragment and one failure, then closes the
// content channel before returning, the way a transport that dies right
// after a recv error does.
type closingStreamer struct{}

func (closingStreamer) StreamCompletion(_ context.Context, _ []*store.Message, _ string) (<-chan string, <-chan error) {
	contentCh := make(chan string, 1)
	errCh := make(chan error, 1)
	contentCh <- "partial"
	errCh <- &provider.Error{Provider: "openai", Op: "stream recv", Err: errors.New("connection reset")}
	close(contentCh)
	return contentCh, errCh
}

func (closingStreamer) FetchAvailableModels(context.Context) ([]provider.Model, error) {
	return nil, nil
}

func TestBufferedErrorSurvivesStreamClose(t *testing.T) {
	controller, st := newTestController(t, closingStreamer{})
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	// Both channel states are ready at once, so the select order varies
	// between runs; the failure must be recorded on every one of them.
	for i := 0; i < 8; i++ {
		require.NoError(t, session.Submit(ctx, "ping"))
		awaitExchange(t, session)
		assert.Contains(t, session.LastError(), "connection reset")

		meta, err := st.GetConversationMeta(ctx, conv.UID)
		require.NoError(t, err)
		assert.Contains(t, meta.Metadata[store.MetadataKeyError], "connection reset")
	}
}

// faultyCountDriver fails message counting on demand and delegates every
// other operation.
type faultyCountDriver struct {
	store.Driver
	fail atomic.Bool
}

func (d *faultyCountDriver) CountMessages(ctx context.Context, conversationUID string) (int, error) {
	if d.fail.Load() {
		return 0, errors.New("disk I/O error")
	}
	return d.Driver.CountMessages(ctx, conversationUID)
}

func TestAbortedExchangeSettlesPlaceholder(t *testing.T) {
	streamer := &fakeStreamer{scripts: [][]step{{{fragment: "ok"}}}}
	driver, err := sqlite.NewDB(&profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "chat_test.db"),
	})
	require.NoError(t, err)
	faulty := &faultyCountDriver{Driver: driver}
	st := store.New(faulty, nil)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	controller := chat.NewController(st, streamer, nil)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)

	faulty.fail.Store(true)
	require.Error(t, session.Submit(ctx, "question"))
	faulty.fail.Store(false)

	// Both persisted turns are settled: the user message stays delivered
	// and the placeholder is failed rather than stuck in streaming.
	msgs, err := st.ListMessages(ctx, conv.UID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.MessageStatusDelivered, msgs[0].Status)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, store.MessageStatusFailed, msgs[1].Status)

	// The session recovered and a fresh exchange goes through.
	assert.Equal(t, chat.StateIdle, session.State())
	require.NoError(t, session.Submit(ctx, "again"))
	awaitExchange(t, session)
	assert.Equal(t, "ok", assistantMessage(t, st, conv.UID).Content)
}

func TestPressureBoundsPromptHistory(t *testing.T) {
	monitor := pressure.NewMonitor(pressure.Config{
		SampleInterval: time.Hour,
		Sample:         func() uint64 { return 2 << 30 },
	})
	monitor.Start()
	t.Cleanup(monitor.Close)
	require.GreaterOrEqual(t, monitor.Level(), pressure.LevelHigh)

	streamer := &fakeStreamer{scripts: [][]step{{{fragment: "ok"}}}}
	controller, st := newTestControllerWith(t, streamer, monitor)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "chat", "m", "openai")
	require.NoError(t, err)
	seeded := seedHistory(t, st, conv.UID, 40)

	session, err := controller.Session(ctx, conv.UID)
	require.NoError(t, err)
	require.NoError(t, session.Submit(ctx, "latest question"))
	awaitExchange(t, session)

	streamer.mu.Lock()
	require.Len(t, streamer.history, 1)
	history := streamer.history[0]
	streamer.mu.Unlock()

	// Bounded prompt: the oldest turn plus the recent tail, the streaming
	// placeholder excluded. 42 stored rows collapse to 29 prompt turns.
	assert.Len(t, history, 29)
	assert.Equal(t, seeded[0].UID, history[0].UID)
	assert.Equal(t, "latest question", history[len(history)-1].Content)
	for _, m := range history {
		assert.NotEqual(t, store.MessageStatusStreaming, m.Status)
	}
}

func seedHistory(t *testing.T, st *store.Store, convUID string, n int) []*store.Message {
	t.Helper()
	ctx := context.Background()
	msgs := make([]*store.Message, 0, n)
	for i := 0; i < n; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		msg, err := st.SaveMessage(ctx, &store.Message{
			ConversationUID: convUID,
			Role:            role,
			Content:         "turn",
			Status:          store.MessageStatusDelivered,
			CreatedTs:       1000,
		})
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}
