package relay

import (
	"context"
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/1ureka/parley/internal/protocol"
)

type memConversation struct {
	meta     Conversation
	messages []Message
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[string]User
	convs  map[string]*memConversation
	spent  map[string]time.Time
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]User),
		convs: make(map[string]*memConversation),
		spent: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (s *MemoryStore) allocID() protocol.MessageID {
	s.nextID++
	return protocol.MessageID(strconv.FormatInt(s.nextID, 10))
}

func (s *MemoryStore) CreateUser(_ context.Context, username string, settings map[string]any) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := User{ID: s.allocID(), Username: username, Settings: maps.Clone(settings)}
	if u.Settings == nil {
		u.Settings = map[string]any{}
	}
	s.users[string(u.ID)] = u
	return u, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, conversationID, content string, sender protocol.Sender) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	conv, ok := s.convs[conversationID]
	if !ok {
		conv = &memConversation{meta: Conversation{
			ID:        protocol.MessageID(conversationID),
			CreatedAt: now,
			IsActive:  true,
		}}
		s.convs[conversationID] = conv
	}

	msg := Message{
		ID:             s.allocID(),
		Content:        content,
		Sender:         sender,
		Timestamp:      now,
		ConversationID: protocol.MessageID(conversationID),
	}
	conv.messages = append(conv.messages, msg)
	conv.meta.MessageCount = len(conv.messages)
	return msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	msgs := conv.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message{}, msgs...), nil
}

func (s *MemoryStore) ListConversations(context.Context) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Conversation{}
	for _, conv := range s.convs {
		if !conv.meta.IsArchived {
			out = append(out, conv.meta)
		}
	}
	sortConversations(out)
	return out, nil
}

func (s *MemoryStore) ArchiveConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	conv.meta.IsArchived = true
	conv.meta.IsActive = false
	return nil
}

func (s *MemoryStore) ConsumeToken(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, exp := range s.spent {
		if now.After(exp) {
			delete(s.spent, id)
		}
	}
	if _, used := s.spent[jti]; used {
		return false, nil
	}
	s.spent[jti] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

// sortConversations orders newest first.
func sortConversations(convs []Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
}
