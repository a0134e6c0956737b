package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/chatvault/chatvault/chat"
	"github.com/chatvault/chatvault/store"
)

type messageJSON struct {
	UID             string         `json:"uid"`
	ConversationUID string         `json:"conversationUid"`
	Role            string         `json:"role"`
	Content         string         `json:"content"`
	Status          string         `json:"status"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedTs       int64          `json:"createdTs"`
}

type conversationJSON struct {
	UID       string         `json:"uid"`
	Title     string         `json:"title"`
	ModelID   string         `json:"modelId"`
	Provider  string         `json:"provider"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedTs int64          `json:"createdTs"`
	UpdatedTs int64          `json:"updatedTs"`
	Messages  []messageJSON  `json:"messages,omitempty"`
}

type folderJSON struct {
	UID              string   `json:"uid"`
	Name             string   `json:"name"`
	ConversationUIDs []string `json:"conversationUids"`
	SortOrder        int      `json:"sortOrder"`
	Archived         bool     `json:"archived"`
	CreatedTs        int64    `json:"createdTs"`
	UpdatedTs        int64    `json:"updatedTs"`
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// fail maps the error taxonomy onto status codes.
func fail(c echo.Context, err error) error {
	switch {
	case store.IsNotFound(err):
		return c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, store.ErrStorageUnavailable):
		return c.JSON(http.StatusServiceUnavailable, errorBody(err.Error()))
	case errors.Is(err, chat.ErrValidation):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, chat.ErrBusy):
		return c.JSON(http.StatusConflict, errorBody(err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}
}

func pageParams(c echo.Context) (int, int) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("pageSize"))
	return page, pageSize
}

func (s *Server) listConversations(c echo.Context) error {
	page, pageSize := pageParams(c)
	convs, err := s.store.ListConversations(c.Request().Context(), page, pageSize)
	if err != nil {
		return fail(c, err)
	}
	total, err := s.store.CountConversations(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	out := make([]conversationJSON, 0, len(convs))
	for _, conv := range convs {
		out = append(out, toConversationJSON(conv))
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": out, "total": total})
}

func (s *Server) createConversation(c echo.Context) error {
	var req struct {
		Title    string `json:"title"`
		ModelID  string `json:"modelId"`
		Provider string `json:"provider"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid body"))
	}
	if req.Provider == "" {
		req.Provider = s.profile.ProviderName
	}
	if req.ModelID == "" {
		req.ModelID = s.profile.ProviderModel
	}
	conv, err := s.store.CreateConversation(c.Request().Context(), req.Title, req.ModelID, req.Provider)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, toConversationJSON(conv))
}

func (s *Server) getConversation(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("messageLimit"))
	conv, err := s.store.GetConversation(c.Request().Context(), c.Param("uid"), limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, toConversationJSON(conv))
}

func (s *Server) saveConversation(c echo.Context) error {
	var req conversationJSON
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid body"))
	}
	req.UID = c.Param("uid")
	saved, err := s.store.SaveConversation(c.Request().Context(), fromConversationJSON(&req))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, toConversationJSON(saved))
}

func (s *Server) deleteConversation(c echo.Context) error {
	uid := c.Param("uid")
	deleted, err := s.store.DeleteConversation(c.Request().Context(), uid)
	if err != nil {
		return fail(c, err)
	}
	if !deleted {
		return c.JSON(http.StatusNotFound, errorBody("conversation not found"))
	}
	s.controller.DropSession(uid)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listMessages(c echo.Context) error {
	page, pageSize := pageParams(c)
	msgs, err := s.store.ListMessages(c.Request().Context(), c.Param("uid"), page, pageSize)
	if err != nil {
		return fail(c, err)
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": out})
}

// chatStream submits a user turn and relays the assistant reply as
// server-sent events: one "fragment" event per provider fragment, then a
// terminal "done" event carrying the session outcome.
func (s *Server) chatStream(c echo.Context) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid body"))
	}

	ctx := c.Request().Context()
	session, err := s.controller.Session(ctx, c.Param("uid"))
	if err != nil {
		return fail(c, err)
	}
	if session.State() == chat.StateAwaitingModels {
		if err := session.EnsureModels(ctx); err != nil {
			return fail(c, errors.Wrap(chat.ErrValidation, session.LastError()))
		}
	}

	// The tap never blocks the streaming loop: persistence is authoritative,
	// the SSE relay is best effort. A slow or vanished client drops fragments.
	frags := make(chan string, 64)
	if err := session.SubmitWithTap(ctx, req.Text, func(frag string) {
		select {
		case frags <- frag:
		default:
		}
	}); err != nil {
		return fail(c, err)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	writeEvent := func(event, data string) {
		fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data)
		resp.Flush()
	}

	clientGone := ctx.Done()
	done := session.Done()
	for {
		select {
		case frag := <-frags:
			writeEvent("fragment", frag)
		case <-done:
			// Drain fragments that raced the close.
			for {
				select {
				case frag := <-frags:
					writeEvent("fragment", frag)
				default:
					if lastErr := session.LastError(); lastErr != "" {
						writeEvent("error", lastErr)
					}
					writeEvent("done", "")
					return nil
				}
			}
		case <-clientGone:
			// The reply keeps streaming into the store; the client just
			// stopped watching.
			return nil
		}
	}
}

func (s *Server) cancelChat(c echo.Context) error {
	session, err := s.controller.Session(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return fail(c, err)
	}
	session.Cancel()
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) retryChat(c echo.Context) error {
	session, err := s.controller.Session(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return fail(c, err)
	}
	if err := session.Retry(c.Request().Context()); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"state": session.State().String()})
}

func (s *Server) listFolders(c echo.Context) error {
	folders, err := s.store.ListFolders(c.Request().Context(), nil)
	if err != nil {
		return fail(c, err)
	}
	out := make([]folderJSON, 0, len(folders))
	for _, f := range folders {
		out = append(out, toFolderJSON(f))
	}
	return c.JSON(http.StatusOK, map[string]any{"folders": out})
}

func (s *Server) createFolder(c echo.Context) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid body"))
	}
	folder, err := s.store.CreateFolder(c.Request().Context(), req.Name)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, toFolderJSON(folder))
}

func (s *Server) getFolder(c echo.Context) error {
	folder, err := s.store.GetFolder(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, toFolderJSON(folder))
}

func (s *Server) updateFolder(c echo.Context) error {
	var req struct {
		Name      *string `json:"name"`
		SortOrder *int    `json:"sortOrder"`
		Archived  *bool   `json:"archived"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid body"))
	}
	folder, err := s.store.UpdateFolder(c.Request().Context(), &store.UpdateFolder{
		UID:       c.Param("uid"),
		Name:      req.Name,
		SortOrder: req.SortOrder,
		Archived:  req.Archived,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, toFolderJSON(folder))
}

func (s *Server) deleteFolder(c echo.Context) error {
	deleted, err := s.store.DeleteFolder(c.Request().Context(), c.Param("uid"))
	if err != nil {
		return fail(c, err)
	}
	if !deleted {
		return c.JSON(http.StatusNotFound, errorBody("folder not found"))
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) addToFolder(c echo.Context) error {
	folder, err := s.store.AddConversationToFolder(c.Request().Context(), c.Param("uid"), c.Param("cuid"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, toFolderJSON(folder))
}

func (s *Server) removeFromFolder(c echo.Context) error {
	folder, err := s.store.RemoveConversationFromFolder(c.Request().Context(), c.Param("uid"), c.Param("cuid"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, toFolderJSON(folder))
}

func toMessageJSON(m *store.Message) messageJSON {
	return messageJSON{
		UID:             m.UID,
		ConversationUID: m.ConversationUID,
		Role:            string(m.Role),
		Content:         m.Content,
		Status:          string(m.Status),
		Metadata:        m.Metadata,
		CreatedTs:       m.CreatedTs,
	}
}

func toConversationJSON(conv *store.Conversation) conversationJSON {
	out := conversationJSON{
		UID:       conv.UID,
		Title:     conv.Title,
		ModelID:   conv.ModelID,
		Provider:  conv.Provider,
		Tags:      conv.Tags,
		Metadata:  conv.Metadata,
		CreatedTs: conv.CreatedTs,
		UpdatedTs: conv.UpdatedTs,
	}
	for _, m := range conv.Messages {
		out.Messages = append(out.Messages, toMessageJSON(m))
	}
	return out
}

func fromConversationJSON(in *conversationJSON) *store.Conversation {
	conv := &store.Conversation{
		UID:       in.UID,
		Title:     in.Title,
		ModelID:   in.ModelID,
		Provider:  in.Provider,
		Tags:      in.Tags,
		Metadata:  in.Metadata,
		CreatedTs: in.CreatedTs,
		UpdatedTs: in.UpdatedTs,
	}
	for _, m := range in.Messages {
		conv.Messages = append(conv.Messages, &store.Message{
			UID:             m.UID,
			ConversationUID: in.UID,
			Role:            store.MessageRole(m.Role),
			Content:         m.Content,
			Status:          store.MessageStatus(m.Status),
			Metadata:        m.Metadata,
			CreatedTs:       m.CreatedTs,
		})
	}
	return conv
}

func toFolderJSON(f *store.Folder) folderJSON {
	return folderJSON{
		UID:              f.UID,
		Name:             f.Name,
		ConversationUIDs: f.ConversationUIDs,
		SortOrder:        f.SortOrder,
		Archived:         f.Archived,
		CreatedTs:        f.CreatedTs,
		UpdatedTs:        f.UpdatedTs,
	}
}
