package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/chatvault/chatvault/internal/pressure"
	"github.com/chatvault/chatvault/store/cache"
)

// pressureBoundedLimit is the message cap applied to otherwise-unbounded
// loads while the pressure monitor reports High or worse.
const pressureBoundedLimit = 50

// Store provides durable access to conversations, messages and folders.
// All mutating operations are serialized through a single write lock so a
// whole-conversation diff sync can never interleave with a streaming
// fragment update to the same entity. Values returned to callers are
// detached copies.
type Store struct {
	driver  Driver
	monitor *pressure.Monitor

	// writeMu is the single-writer discipline. Reads run concurrently.
	writeMu sync.Mutex

	// convCache holds fully loaded conversation snapshots keyed by uid.
	// Bounded loads bypass it; any write to a conversation invalidates it.
	convCache *cache.Cache[string, *Conversation]
}

// New creates a store over the given driver. monitor may be nil; the store
// then never degrades to bounded loads on its own.
func New(driver Driver, monitor *pressure.Monitor) *Store {
	s := &Store{
		driver:    driver,
		monitor:   monitor,
		convCache: cache.New[string, *Conversation](128, 10*time.Minute),
	}
	if monitor != nil {
		monitor.Subscribe(func(level pressure.Level) {
			s.convCache.Purge()
			slog.Debug("conversation cache purged on pressure raise", "level", level.String())
		})
	}
	return s
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	s.convCache.Purge()
	return s.driver.Close()
}

// CreateConversation allocates a fresh conversation with no messages.
func (s *Store) CreateConversation(ctx context.Context, title, modelID, provider string) (*Conversation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().Unix()
	conv := &Conversation{
		UID:       shortuuid.New(),
		Title:     title,
		ModelID:   modelID,
		Provider:  provider,
		Metadata:  map[string]any{},
		CreatedTs: now,
		UpdatedTs: now,
	}
	return s.driver.CreateConversation(ctx, conv)
}

// ListConversations returns one page ordered by updated_ts descending.
// Messages are not populated; fetch them per conversation for memory
// control. The total count may shift between calls; use CountConversations
// when a stable denominator is needed.
func (s *Store) ListConversations(ctx context.Context, page, pageSize int) ([]*Conversation, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if page < 0 {
		page = 0
	}
	offset := page * pageSize
	return s.driver.ListConversations(ctx, &FindConversation{
		Limit:  &pageSize,
		Offset: &offset,
	})
}

func (s *Store) CountConversations(ctx context.Context) (int, error) {
	return s.driver.CountConversations(ctx)
}

// GetConversation loads a conversation with its messages ordered ascending
// by (created_ts, seq).
//
// messageLimit <= 0 requests the full history, unless the pressure monitor
// reports High or worse, in which case the load degrades to the bounded
// policy with pressureBoundedLimit.
//
// With messageLimit = N and more than N stored messages, the bounded-load
// policy applies: the single oldest message is kept for opening context,
// the N-1 most recent messages follow, and the returned value carries the
// hasMoreMessages/totalMessages metadata markers.
func (s *Store) GetConversation(ctx context.Context, uid string, messageLimit int) (*Conversation, error) {
	if messageLimit <= 0 && s.monitor != nil && s.monitor.Level() >= pressure.LevelHigh {
		slog.Debug("degrading to bounded conversation load",
			"conversation", uid,
			"level", s.monitor.Level().String(),
		)
		messageLimit = pressureBoundedLimit
	}

	if messageLimit <= 0 {
		if cached, ok := s.convCache.Get(uid); ok {
			return cloneConversation(cached), nil
		}
	}

	conv, err := s.findConversation(ctx, uid)
	if err != nil {
		return nil, err
	}

	total, err := s.driver.CountMessages(ctx, uid)
	if err != nil {
		return nil, err
	}

	if messageLimit <= 0 || total <= messageLimit {
		msgs, err := s.driver.ListMessages(ctx, &FindMessage{ConversationUID: &uid})
		if err != nil {
			return nil, err
		}
		conv.Messages = msgs
		if messageLimit <= 0 {
			s.convCache.Set(uid, cloneConversation(conv))
		}
		return conv, nil
	}

	// Bounded load: oldest message plus the most recent tail. Truncating in
	// the middle rather than the head keeps the conversation's opening
	// context available for coherent continuation.
	one := 1
	oldest, err := s.driver.ListMessages(ctx, &FindMessage{ConversationUID: &uid, Limit: &one})
	if err != nil {
		return nil, err
	}
	tailN := messageLimit - 1
	recent, err := s.driver.ListMessages(ctx, &FindMessage{ConversationUID: &uid, Limit: &tailN, OrderDesc: true})
	if err != nil {
		return nil, err
	}

	merged := make([]*Message, 0, messageLimit)
	merged = append(merged, oldest...)
	for _, m := range recent {
		if len(oldest) > 0 && m.UID == oldest[0].UID {
			continue
		}
		merged = append(merged, m)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedTs != merged[j].CreatedTs {
			return merged[i].CreatedTs < merged[j].CreatedTs
		}
		return merged[i].Seq < merged[j].Seq
	})

	conv.Messages = merged
	if conv.Metadata == nil {
		conv.Metadata = map[string]any{}
	}
	conv.Metadata[MetadataKeyHasMore] = true
	conv.Metadata[MetadataKeyTotalMessages] = total
	return conv, nil
}

// GetConversationMeta loads a conversation without touching its messages.
func (s *Store) GetConversationMeta(ctx context.Context, uid string) (*Conversation, error) {
	return s.findConversation(ctx, uid)
}

// ListMessages returns one ascending page of a conversation's messages,
// independent of the bounded-load shortcut. Used for progressive
// "load earlier messages" gestures.
func (s *Store) ListMessages(ctx context.Context, conversationUID string, page, pageSize int) ([]*Message, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page < 0 {
		page = 0
	}
	offset := page * pageSize
	return s.driver.ListMessages(ctx, &FindMessage{
		ConversationUID: &conversationUID,
		Limit:           &pageSize,
		Offset:          &offset,
	})
}

// GetMessage fetches a single message by uid.
func (s *Store) GetMessage(ctx context.Context, uid string) (*Message, error) {
	msgs, err := s.driver.ListMessages(ctx, &FindMessage{UID: &uid})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "message %s", uid)
	}
	return msgs[0], nil
}

// SaveConversation upserts the conversation and reconciles its message set
// against storage with a diff-based sync: messages present in the incoming
// value but absent from storage are inserted, messages present in storage
// but absent from the incoming value are deleted, and the intersection is
// left untouched. Content updates to existing messages go through
// SaveMessage/UpdateMessage so a concurrent streaming write is never
// clobbered by a whole-conversation save.
func (s *Store) SaveConversation(ctx context.Context, conv *Conversation) (*Conversation, error) {
	if conv == nil {
		return nil, errors.New("nil conversation")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	save := cloneConversation(conv)
	now := time.Now().Unix()
	if save.UID == "" {
		save.UID = shortuuid.New()
		save.CreatedTs = now
	}
	save.UpdatedTs = now

	stored, err := s.driver.ListMessages(ctx, &FindMessage{ConversationUID: &save.UID})
	if err != nil {
		return nil, err
	}
	storedSet := make(map[string]bool, len(stored))
	for _, m := range stored {
		storedSet[m.UID] = true
	}
	incomingSet := make(map[string]bool, len(save.Messages))

	var inserts []*Message
	for _, m := range save.Messages {
		msg := cloneMessage(m)
		if msg.UID == "" {
			msg.UID = shortuuid.New()
		}
		incomingSet[msg.UID] = true
		if !storedSet[msg.UID] {
			msg.ConversationUID = save.UID
			if msg.CreatedTs == 0 {
				msg.CreatedTs = now
			}
			inserts = append(inserts, msg)
		}
	}

	var deleteUIDs []string
	for _, m := range stored {
		if !incomingSet[m.UID] {
			deleteUIDs = append(deleteUIDs, m.UID)
		}
	}

	saved, err := s.driver.SaveConversation(ctx, save, inserts, deleteUIDs)
	if err != nil {
		return nil, err
	}
	s.convCache.Remove(save.UID)
	return saved, nil
}

// SaveMessage persists a new message, assigning a uid and timestamp when
// missing, and bumps the owning conversation's updated_ts.
func (s *Store) SaveMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	if strings.TrimSpace(msg.ConversationUID) == "" {
		return nil, errors.New("message without conversation")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	create := cloneMessage(msg)
	if create.UID == "" {
		create.UID = shortuuid.New()
	}
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	created, err := s.driver.CreateMessage(ctx, create)
	if err != nil {
		return nil, err
	}
	s.convCache.Remove(create.ConversationUID)
	return created, nil
}

// UpdateMessage applies a partial message update. This is the streaming
// write path: the only mutation allowed to touch a message whose status is
// still streaming.
func (s *Store) UpdateMessage(ctx context.Context, update *UpdateMessage) (*Message, error) {
	if update == nil || update.UID == "" {
		return nil, errors.New("update without uid")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Delivered and failed messages are immutable except for metadata edits
	// (tags, reactions). Content and status may only move while streaming.
	if update.Content != nil || update.Status != nil {
		current, err := s.driver.ListMessages(ctx, &FindMessage{UID: &update.UID})
		if err != nil {
			return nil, err
		}
		if len(current) == 0 {
			return nil, errors.Wrapf(ErrNotFound, "message %s", update.UID)
		}
		if current[0].IsFinal() {
			return nil, errors.Errorf("message %s is final, only metadata may change", update.UID)
		}
	}

	updated, err := s.driver.UpdateMessage(ctx, update)
	if err != nil {
		return nil, err
	}
	s.convCache.Remove(updated.ConversationUID)
	return updated, nil
}

// UpdateConversation applies a partial conversation update. updated_ts is
// always refreshed, keeping the conversation-list sort key monotonic.
func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	if update == nil || update.UID == "" {
		return nil, errors.New("update without uid")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	updated, err := s.driver.UpdateConversation(ctx, update)
	if err != nil {
		return nil, err
	}
	s.convCache.Remove(update.UID)
	return updated, nil
}

// DeleteConversation removes the conversation and cascades into its
// messages. Returns false, not an error, when the uid did not exist.
func (s *Store) DeleteConversation(ctx context.Context, uid string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted, err := s.driver.DeleteConversation(ctx, uid)
	if err != nil {
		return false, err
	}
	s.convCache.Remove(uid)
	return deleted, nil
}

// CreateFolder allocates a new folder.
func (s *Store) CreateFolder(ctx context.Context, name string) (*Folder, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().Unix()
	return s.driver.CreateFolder(ctx, &Folder{
		UID:       shortuuid.New(),
		Name:      name,
		CreatedTs: now,
		UpdatedTs: now,
	})
}

// ListFolders returns folders ordered by sort_order then created_ts.
func (s *Store) ListFolders(ctx context.Context, find *FindFolder) ([]*Folder, error) {
	if find == nil {
		find = &FindFolder{}
	}
	return s.driver.ListFolders(ctx, find)
}

// GetFolder fetches a single folder by uid.
func (s *Store) GetFolder(ctx context.Context, uid string) (*Folder, error) {
	folders, err := s.driver.ListFolders(ctx, &FindFolder{UID: &uid})
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "folder %s", uid)
	}
	return folders[0], nil
}

// UpdateFolder applies a partial folder update. Conversation membership is
// deduplicated, preserving first-seen order.
func (s *Store) UpdateFolder(ctx context.Context, update *UpdateFolder) (*Folder, error) {
	if update == nil || update.UID == "" {
		return nil, errors.New("update without uid")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if update.ConversationUIDs != nil {
		deduped := dedupeUIDs(*update.ConversationUIDs)
		update.ConversationUIDs = &deduped
	}
	return s.driver.UpdateFolder(ctx, update)
}

// AddConversationToFolder appends the conversation uid to the folder's
// membership list, ignoring duplicates.
func (s *Store) AddConversationToFolder(ctx context.Context, folderUID, conversationUID string) (*Folder, error) {
	folder, err := s.GetFolder(ctx, folderUID)
	if err != nil {
		return nil, err
	}
	if folder.Contains(conversationUID) {
		return folder, nil
	}
	members := append(append([]string{}, folder.ConversationUIDs...), conversationUID)
	return s.UpdateFolder(ctx, &UpdateFolder{UID: folderUID, ConversationUIDs: &members})
}

// RemoveConversationFromFolder drops the conversation uid from the folder's
// membership list. The conversation itself is untouched.
func (s *Store) RemoveConversationFromFolder(ctx context.Context, folderUID, conversationUID string) (*Folder, error) {
	folder, err := s.GetFolder(ctx, folderUID)
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(folder.ConversationUIDs))
	for _, uid := range folder.ConversationUIDs {
		if uid != conversationUID {
			members = append(members, uid)
		}
	}
	return s.UpdateFolder(ctx, &UpdateFolder{UID: folderUID, ConversationUIDs: &members})
}

// DeleteFolder removes the folder only; referenced conversations survive.
func (s *Store) DeleteFolder(ctx context.Context, uid string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.driver.DeleteFolder(ctx, uid)
}

func (s *Store) findConversation(ctx context.Context, uid string) (*Conversation, error) {
	convs, err := s.driver.ListConversations(ctx, &FindConversation{UID: &uid})
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "conversation %s", uid)
	}
	return convs[0], nil
}

func dedupeUIDs(uids []string) []string {
	seen := make(map[string]bool, len(uids))
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	return out
}

func cloneConversation(c *Conversation) *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	out.Metadata = cloneMetadata(c.Metadata)
	out.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = cloneMessage(m)
	}
	return &out
}

func cloneMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Metadata = cloneMetadata(m.Metadata)
	return &out
}

func cloneMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
