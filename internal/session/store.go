package session

import (
	"sort"
	"sync"

	"wellness-chat/internal/models"
)

type entry struct {
	msg models.Message
}

// Store is the ordered, deduplicated message log of one open room. Entries
// are kept sorted by SentAt; equal timestamps keep merge arrival order.
type Store struct {
	localUserID int64

	mu      sync.RWMutex
	seeded  bool
	entries []*entry
	byID    map[int64]*entry
}

func NewStore(localUserID int64) *Store {
	return &Store{
		localUserID: localUserID,
		byID:        make(map[int64]*entry),
	}
}

// Seed populates the log from durable history. It may be called once.
func (s *Store) Seed(messages []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seeded {
		return ErrAlreadySeeded
	}
	s.seeded = true

	for _, m := range messages {
		s.insert(m)
	}
	return nil
}

// Append inserts a live message and reports whether it was new.
func (s *Store) Append(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(m)
}

func (s *Store) insert(m models.Message) bool {
	if _, ok := s.byID[m.ID]; ok {
		return false
	}

	e := &entry{msg: m}
	pos := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].msg.SentAt.After(m.SentAt)
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = e
	s.byID[m.ID] = e
	return true
}

// ApplyReadReceipt marks as read the listed messages that the local user sent
// and readerID did not. Unknown ids are ignored. It returns the ids whose
// state actually changed.
func (s *Store) ApplyReadReceipt(readerID int64, ids []int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []int64
	for _, id := range ids {
		e, ok := s.byID[id]
		if !ok || e.msg.IsRead {
			continue
		}
		if e.msg.SenderID != s.localUserID || e.msg.SenderID == readerID {
			continue
		}
		e.msg.IsRead = true
		changed = append(changed, id)
	}
	return changed
}

// MarkSeen marks peer messages read after the local user's own receipt was
// acknowledged by the server. It returns the ids whose state changed.
func (s *Store) MarkSeen(ids []int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []int64
	for _, id := range ids {
		e, ok := s.byID[id]
		if !ok || e.msg.IsRead || e.msg.SenderID == s.localUserID {
			continue
		}
		e.msg.IsRead = true
		changed = append(changed, id)
	}
	return changed
}

// Snapshot returns a copy of the log in display order.
func (s *Store) Snapshot() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// Unread returns the ids of peer messages not yet read, in display order.
func (s *Store) Unread() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for _, e := range s.entries {
		if e.msg.SenderID != s.localUserID && !e.msg.IsRead {
			ids = append(ids, e.msg.ID)
		}
	}
	return ids
}

func (s *Store) Get(id int64) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return e.msg, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
