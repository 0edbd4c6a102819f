package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidRoomName = errors.New("invalid room name")

const roomPrefix = "chat"

// Room is a conversation between exactly two participants. Its name is
// derived from the participant pair, see RoomName.
type Room struct {
	Name      string    `json:"name"`
	User1ID   int64     `json:"user1_id"`
	User2ID   int64     `json:"user2_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is one of the two room members.
func (r *Room) HasParticipant(userID int64) bool {
	return r.User1ID == userID || r.User2ID == userID
}

// PeerOf returns the other participant of the room.
func (r *Room) PeerOf(userID int64) int64 {
	if r.User1ID == userID {
		return r.User2ID
	}
	return r.User1ID
}

type RoomSummary struct {
	Name                 string     `json:"name"`
	Peer                 Member     `json:"peer"`
	LastMessage          *string    `json:"last_message"`
	LastMessageTimestamp *time.Time `json:"last_message_timestamp"`
}

type Member struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// RoomName builds the canonical "chat_<lo>_<hi>" name for a participant pair.
func RoomName(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s_%d_%d", roomPrefix, a, b)
}

// ParseRoomName returns the ordered participant ids encoded in name.
// The bare "<a>_<b>" form is accepted as well.
func ParseRoomName(name string) (int64, int64, error) {
	parts := strings.Split(name, "_")
	if len(parts) == 3 && parts[0] == roomPrefix {
		parts = parts[1:]
	}
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
	}

	a, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
	}
	b, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
	}
	if a <= 0 || b <= 0 || a == b {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
	}

	if a > b {
		a, b = b, a
	}
	return a, b, nil
}
