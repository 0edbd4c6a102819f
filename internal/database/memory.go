package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"wellness-chat/internal/models"
)

type sessionKey struct {
	userID    int64
	roomName  string
	sessionID string
}

var _ Database = (*MemoryDB)(nil)

// MemoryDB keeps everything in process memory. It backs tests and the
// in-memory server mode.
type MemoryDB struct {
	mu       sync.Mutex
	now      func() time.Time
	users    map[int64]*models.User
	lastSeen map[int64]time.Time
	rooms    map[string]*models.Room
	messages map[string][]*models.Message
	sessions map[sessionKey]time.Time
	nextUser int64
	nextMsg  int64
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		now:      time.Now,
		users:    make(map[int64]*models.User),
		lastSeen: make(map[int64]time.Time),
		rooms:    make(map[string]*models.Room),
		messages: make(map[string][]*models.Message),
		sessions: make(map[sessionKey]time.Time),
	}
}

func (db *MemoryDB) Close() error { return nil }

func (db *MemoryDB) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, u := range db.users {
		if strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrUserNotFound
}

func (db *MemoryDB) CreateUser(_ context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	for _, u := range db.users {
		if strings.EqualFold(u.Email, req.Email) || u.Username == req.Username {
			return nil, ErrUserExists
		}
	}

	db.nextUser++
	u := &models.User{
		ID:           db.nextUser,
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		CreatedAt:    db.now(),
	}
	db.users[u.ID] = u

	c := *u
	c.PasswordHash = ""
	return &c, nil
}

func (db *MemoryDB) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	c.PasswordHash = ""
	return &c, nil
}

func (db *MemoryDB) GetOrCreateRoom(_ context.Context, user1ID, user2ID int64) (*models.Room, error) {
	if user1ID > user2ID {
		user1ID, user2ID = user2ID, user1ID
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.users[user1ID] == nil || db.users[user2ID] == nil {
		return nil, ErrUserNotFound
	}

	name := models.RoomName(user1ID, user2ID)
	room, ok := db.rooms[name]
	if !ok {
		room = &models.Room{Name: name, User1ID: user1ID, User2ID: user2ID, CreatedAt: db.now()}
		db.rooms[name] = room
	}
	c := *room
	return &c, nil
}

func (db *MemoryDB) GetRoom(_ context.Context, name string) (*models.Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	room, ok := db.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	c := *room
	return &c, nil
}

func (db *MemoryDB) ListUserRooms(_ context.Context, userID int64) ([]*models.RoomSummary, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var rooms []*models.RoomSummary
	for _, r := range db.rooms {
		if !r.HasParticipant(userID) {
			continue
		}
		peer := db.users[r.PeerOf(userID)]
		s := &models.RoomSummary{
			Name: r.Name,
			Peer: models.Member{ID: peer.ID, Username: peer.Username, Email: peer.Email},
		}
		if msgs := db.messages[r.Name]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			text, at := last.Text, last.SentAt
			s.LastMessage = &text
			s.LastMessageTimestamp = &at
		}
		rooms = append(rooms, s)
	}

	sort.Slice(rooms, func(i, j int) bool {
		a, b := rooms[i].LastMessageTimestamp, rooms[j].LastMessageTimestamp
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return rooms[i].Name < rooms[j].Name
	})
	return rooms, nil
}

func (db *MemoryDB) SaveMessage(_ context.Context, roomName string, senderID int64, text string) (*models.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.rooms[roomName]; !ok {
		return nil, ErrRoomNotFound
	}

	db.nextMsg++
	m := &models.Message{
		ID:       db.nextMsg,
		RoomID:   roomName,
		SenderID: senderID,
		Text:     text,
		SentAt:   db.now(),
	}
	db.messages[roomName] = append(db.messages[roomName], m)

	c := *m
	return &c, nil
}

func (db *MemoryDB) LoadMessages(_ context.Context, roomName string, limit int) ([]*models.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	msgs := db.messages[roomName]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		c := *m
		out[i] = &c
	}
	return out, nil
}

func (db *MemoryDB) MarkMessagesRead(_ context.Context, roomName string, readerID int64, ids []int64) ([]int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	var changed []int64
	for _, m := range db.messages[roomName] {
		if _, ok := want[m.ID]; !ok || m.IsRead || m.SenderID == readerID {
			continue
		}
		m.IsRead = true
		changed = append(changed, m.ID)
	}
	return changed, nil
}

func (db *MemoryDB) CreateActiveSession(_ context.Context, userID int64, roomName, sessionID string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	first := db.sessionCount(userID) == 0
	db.sessions[sessionKey{userID, roomName, sessionID}] = db.now()
	return first, nil
}

func (db *MemoryDB) RemoveActiveSession(_ context.Context, userID int64, roomName, sessionID string) (*models.Presence, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.sessions, sessionKey{userID, roomName, sessionID})

	p := &models.Presence{UserID: userID, IsOnline: db.sessionCount(userID) > 0}
	if !p.IsOnline {
		now := db.now()
		db.lastSeen[userID] = now
		p.LastSeenAt = &now
	}
	return p, nil
}

func (db *MemoryDB) UpdateSessionActivity(_ context.Context, userID int64, roomName, sessionID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	key := sessionKey{userID, roomName, sessionID}
	if _, ok := db.sessions[key]; ok {
		db.sessions[key] = db.now()
	}
	return nil
}

func (db *MemoryDB) GetPresence(_ context.Context, userID int64) (*models.Presence, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.users[userID]; !ok {
		return nil, ErrUserNotFound
	}

	p := &models.Presence{UserID: userID, IsOnline: db.sessionCount(userID) > 0}
	if ls, ok := db.lastSeen[userID]; ok {
		p.LastSeenAt = &ls
	}
	return p, nil
}

func (db *MemoryDB) sessionCount(userID int64) int {
	n := 0
	for k := range db.sessions {
		if k.userID == userID {
			n++
		}
	}
	return n
}
