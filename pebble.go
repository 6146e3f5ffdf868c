package convsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Key layout
// ============================================================================
//
//	c/<conv>/m/<unixnano:20>/<msgID>  message JSON, iterated in merge order
//	c/<conv>/i/<msgID>                message key, dedup index
//	c/<conv>/meta                     conversation JSON
//
// Conversation IDs are path-escaped so they cannot contain the separator.

func convPrefix(conversationID string) string {
	return "c/" + url.PathEscape(conversationID) + "/"
}

func msgPrefix(conversationID string) []byte {
	return []byte(convPrefix(conversationID) + "m/")
}

func msgKey(conversationID string, m *Message) []byte {
	ts := m.CreatedAt.UnixNano()
	if ts < 0 {
		ts = 0
	}
	return []byte(fmt.Sprintf("%sm/%020d/%s", convPrefix(conversationID), ts, m.ID))
}

func idKey(conversationID, messageID string) []byte {
	return []byte(convPrefix(conversationID) + "i/" + messageID)
}

func metaKey(conversationID string) []byte {
	return []byte(convPrefix(conversationID) + "meta")
}

// prefixUpperBound returns the smallest key greater than every key that
// starts with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// ============================================================================
// PebbleStore
// ============================================================================

// PebbleStore is a durable MessageStore backed by a pebble database.
type PebbleStore struct {
	db   *pebble.DB
	path string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// OpenPebbleStore opens or creates a store at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		jww.ERROR.Printf("[convsync pebble] open %s failed: %+v", path, err)
		return nil, wrapSentinel(ErrStorage, err, "open pebble store at %s", path)
	}
	return &PebbleStore{db: db, path: path, locks: make(map[string]*sync.Mutex)}, nil
}

// returns the append lock of a conversation, creating it if needed
func (s *PebbleStore) convLock(conversationID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[conversationID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[conversationID] = l
	return l
}

func (s *PebbleStore) Load(_ context.Context, conversationID string) ([]Message, error) {
	prefix := msgPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, wrapSentinel(ErrStorage, err, "iterate %s", conversationID)
	}
	defer iter.Close()

	msgs := []Message{}
	for iter.First(); iter.Valid(); iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, wrapSentinel(ErrStorage, err, "corrupt message record %q", iter.Key())
		}
		msgs = append(msgs, m)
	}
	if err := iter.Error(); err != nil {
		return nil, wrapSentinel(ErrStorage, err, "iterate %s", conversationID)
	}
	sortMessages(msgs)
	jww.TRACE.Printf("[convsync pebble] Load(%s) -> %d messages", conversationID, len(msgs))
	return msgs, nil
}

func (s *PebbleStore) Append(_ context.Context, conversationID string, msgs []Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	lock := s.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	inBatch := make(map[string]struct{}, len(msgs))
	added := 0
	for i := range msgs {
		m := &msgs[i]
		if _, ok := inBatch[m.ID]; ok {
			continue
		}
		exists, err := s.has(idKey(conversationID, m.ID))
		if err != nil {
			return 0, wrapSentinel(ErrStorage, err, "lookup message %s", m.ID)
		}
		if exists {
			jww.DEBUG.Printf("[convsync pebble] Append(%s): %s already stored", conversationID, m.ID)
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			return 0, wrapSentinel(ErrStorage, err, "marshal message %s", m.ID)
		}
		k := msgKey(conversationID, m)
		if err := batch.Set(k, data, nil); err != nil {
			return 0, wrapSentinel(ErrStorage, err, "stage message %s", m.ID)
		}
		if err := batch.Set(idKey(conversationID, m.ID), k, nil); err != nil {
			return 0, wrapSentinel(ErrStorage, err, "stage index %s", m.ID)
		}
		inBatch[m.ID] = struct{}{}
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		jww.ERROR.Printf("[convsync pebble] commit %s failed: %+v", conversationID, err)
		return 0, wrapSentinel(ErrStorage, err, "commit %d messages to %s", added, conversationID)
	}
	jww.TRACE.Printf("[convsync pebble] Append(%s) stored %d of %d", conversationID, added, len(msgs))
	return added, nil
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) LoadConversation(_ context.Context, conversationID string) (*Conversation, error) {
	v, closer, err := s.db.Get(metaKey(conversationID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapSentinel(ErrStorage, err, "get conversation %s", conversationID)
	}
	defer closer.Close()
	var c Conversation
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, wrapSentinel(ErrStorage, err, "corrupt conversation record %s", conversationID)
	}
	return &c, nil
}

func (s *PebbleStore) SaveConversation(_ context.Context, conv *Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return wrapSentinel(ErrStorage, err, "marshal conversation %s", conv.ID)
	}
	if err := s.db.Set(metaKey(conv.ID), data, pebble.Sync); err != nil {
		jww.ERROR.Printf("[convsync pebble] save conversation %s failed: %+v", conv.ID, err)
		return wrapSentinel(ErrStorage, err, "save conversation %s", conv.ID)
	}
	return nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if err := s.db.Close(); err != nil {
		return wrapSentinel(ErrStorage, err, "close pebble store at %s", s.path)
	}
	return nil
}
