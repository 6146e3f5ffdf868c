package convsync

import (
	"context"
	"sync"
)

// ============================================================================
// Local Message Store
// ============================================================================

// MessageStore is the durable per-conversation message cache. It is the only
// component that owns cached data; the Engine is the only writer.
type MessageStore interface {
	// Load returns the cached messages of a conversation ordered by
	// (CreatedAt, ID). An unknown conversation yields an empty slice.
	Load(ctx context.Context, conversationID string) ([]Message, error)

	// Append stores msgs, skipping any whose ID is already stored, and
	// returns how many were newly stored.
	Append(ctx context.Context, conversationID string, msgs []Message) (int, error)

	// LoadConversation returns the persisted conversation record, or nil
	// if none was saved yet.
	LoadConversation(ctx context.Context, conversationID string) (*Conversation, error)

	// SaveConversation replaces the persisted conversation record.
	SaveConversation(ctx context.Context, conv *Conversation) error

	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

type memoryEntry struct {
	msgs []Message
	ids  map[string]struct{}
}

// MemoryStore is a goroutine-safe in-memory MessageStore.
type MemoryStore struct {
	mu            sync.RWMutex
	entries       map[string]*memoryEntry
	conversations map[string]*Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:       make(map[string]*memoryEntry),
		conversations: make(map[string]*Conversation),
	}
}

func (s *MemoryStore) Load(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[conversationID]
	if e == nil {
		return []Message{}, nil
	}
	return append([]Message(nil), e.msgs...), nil
}

func (s *MemoryStore) Append(_ context.Context, conversationID string, msgs []Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[conversationID]
	if e == nil {
		e = &memoryEntry{ids: make(map[string]struct{})}
		s.entries[conversationID] = e
	}
	added := 0
	for _, m := range msgs {
		if _, ok := e.ids[m.ID]; ok {
			continue
		}
		e.ids[m.ID] = struct{}{}
		e.msgs = insertSorted(e.msgs, m)
		added++
	}
	return added, nil
}

func (s *MemoryStore) LoadConversation(_ context.Context, conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.conversations[conversationID]
	if c == nil {
		return nil, nil
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return &cp, nil
}

func (s *MemoryStore) SaveConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conv
	cp.Participants = append([]string(nil), conv.Participants...)
	s.conversations[conv.ID] = &cp
	return nil
}

// Len returns the number of cached messages for a conversation.
func (s *MemoryStore) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.entries[conversationID]; e != nil {
		return len(e.msgs)
	}
	return 0
}

func (s *MemoryStore) Close() error { return nil }
