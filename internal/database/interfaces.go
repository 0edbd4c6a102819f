package database

import (
	"context"
	"errors"

	"wellness-chat/internal/models"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
	ErrRoomNotFound = errors.New("room not found")
)

type UserRepository interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

type RoomRepository interface {
	// GetOrCreateRoom returns the room of the two participants, creating it on first use.
	GetOrCreateRoom(ctx context.Context, user1ID, user2ID int64) (*models.Room, error)
	GetRoom(ctx context.Context, name string) (*models.Room, error)
	ListUserRooms(ctx context.Context, userID int64) ([]*models.RoomSummary, error)
}

type MessageRepository interface {
	SaveMessage(ctx context.Context, roomName string, senderID int64, text string) (*models.Message, error)
	// LoadMessages returns the newest limit messages of the room, oldest first.
	LoadMessages(ctx context.Context, roomName string, limit int) ([]*models.Message, error)
	// MarkMessagesRead flips is_read on the listed messages of the room not
	// sent by readerID and returns the ids that changed.
	MarkMessagesRead(ctx context.Context, roomName string, readerID int64, ids []int64) ([]int64, error)
}

// SessionRepository tracks live stream connections. A user is online while
// at least one session exists for them in any room.
type SessionRepository interface {
	// CreateActiveSession reports whether this is the user's first session.
	CreateActiveSession(ctx context.Context, userID int64, roomName, sessionID string) (bool, error)
	// RemoveActiveSession returns the user's presence after removal. When the
	// last session goes, last_seen is stamped.
	RemoveActiveSession(ctx context.Context, userID int64, roomName, sessionID string) (*models.Presence, error)
	UpdateSessionActivity(ctx context.Context, userID int64, roomName, sessionID string) error
	GetPresence(ctx context.Context, userID int64) (*models.Presence, error)
}

type Database interface {
	UserRepository
	RoomRepository
	MessageRepository
	SessionRepository
	Close() error
}
