package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatvault/chatvault/chat"
	"github.com/chatvault/chatvault/internal/pressure"
	"github.com/chatvault/chatvault/internal/profile"
	"github.com/chatvault/chatvault/provider"
	"github.com/chatvault/chatvault/store"
	"github.com/chatvault/chatvault/store/db/sqlite"
)

type scriptedStreamer struct {
	fragments []string
}

func (s *scriptedStreamer) StreamCompletion(ctx context.Context, _ []*store.Message, _ string) (<-chan string, <-chan error) {
	contentCh := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(contentCh)
		for _, frag := range s.fragments {
			select {
			case contentCh <- frag:
			case <-ctx.Done():
				return
			}
		}
	}()
	return contentCh, errCh
}

func (s *scriptedStreamer) FetchAvailableModels(context.Context) ([]provider.Model, error) {
	return []provider.Model{{ID: "test-model"}}, nil
}

func newTestServer(t *testing.T, streamer provider.Streamer) (*Server, *store.Store) {
	t.Helper()
	driver, err := sqlite.NewDB(&profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "server_test.db"),
	})
	require.NoError(t, err)
	st := store.New(driver, nil)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	monitor := pressure.NewMonitor(pressure.Config{})
	controller := chat.NewController(st, streamer, monitor)
	p := &profile.Profile{Mode: "dev", ProviderName: "openai", Version: "test"}
	return NewServer(p, st, controller, monitor, prometheus.NewRegistry()), st
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestConversationEndpoints(t *testing.T) {
	s, _ := newTestServer(t, &scriptedStreamer{})

	rec := doJSON(t, s, http.MethodPost, "/api/v1/conversations", `{"title":"hello","modelId":"m"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created conversationJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.UID)
	assert.Equal(t, "hello", created.Title)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/conversations/"+created.UID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Conversations []conversationJSON `json:"conversations"`
		Total         int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 1, listed.Total)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/conversations/"+created.UID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, s, http.MethodDelete, "/api/v1/conversations/"+created.UID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	s, st := newTestServer(t, &scriptedStreamer{})

	rec := doJSON(t, s, http.MethodGet, "/api/v1/conversations/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	conv, err := st.CreateConversation(context.Background(), "t", "m", "openai")
	require.NoError(t, err)

	// Empty submit text is a validation failure, nothing persisted.
	rec = doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/chat", conv.UID), `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	loaded, err := st.GetConversation(context.Background(), conv.UID, 0)
	require.NoError(t, err)
	assert.Empty(t, loaded.Messages)
}

func TestChatStreamSSE(t *testing.T) {
	s, st := newTestServer(t, &scriptedStreamer{fragments: []string{"Hi", " there"}})

	conv, err := st.CreateConversation(context.Background(), "t", "m", "openai")
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/chat", conv.UID), `{"text":"Hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: fragment")
	assert.Contains(t, body, "event: done")

	loaded, err := st.GetConversation(context.Background(), conv.UID, 0)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "Hi there", loaded.Messages[1].Content)
	assert.Equal(t, store.MessageStatusDelivered, loaded.Messages[1].Status)
}

func TestFolderEndpoints(t *testing.T) {
	s, st := newTestServer(t, &scriptedStreamer{})

	conv, err := st.CreateConversation(context.Background(), "t", "m", "openai")
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/folders", `{"name":"work"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var folder folderJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &folder))

	rec = doJSON(t, s, http.MethodPut,
		fmt.Sprintf("/api/v1/folders/%s/conversations/%s", folder.UID, conv.UID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var updated folderJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, []string{conv.UID}, updated.ConversationUIDs)

	rec = doJSON(t, s, http.MethodDelete,
		fmt.Sprintf("/api/v1/folders/%s/conversations/%s", folder.UID, conv.UID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/folders/"+folder.UID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, &scriptedStreamer{})
	rec := doJSON(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
