package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wellness-chat/internal/database"
	"wellness-chat/internal/models"
)

var (
	ErrForbidden    = errors.New("forbidden - not a participant of this room")
	ErrRoomNotFound = errors.New("room not found")
	ErrEmptyMessage = errors.New("message is empty")
	ErrSelfChat     = errors.New("cannot open a room with yourself")
)

// DefaultHistoryLimit caps the number of messages returned for a room.
const DefaultHistoryLimit = 500

type RoomService struct {
	db           database.Database
	historyLimit int
}

func NewRoomService(db database.Database) *RoomService {
	return &RoomService{db: db, historyLimit: DefaultHistoryLimit}
}

// Authorize resolves the room named roomName for userID. The room is created
// on first access, as long as both participants exist.
func (s *RoomService) Authorize(ctx context.Context, roomName string, userID int64) (*models.Room, error) {
	a, b, err := models.ParseRoomName(roomName)
	if err != nil {
		return nil, err
	}
	if userID != a && userID != b {
		return nil, ErrForbidden
	}

	room, err := s.db.GetOrCreateRoom(ctx, a, b)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return room, nil
}

// StartRoom returns the room between userID and peerID.
func (s *RoomService) StartRoom(ctx context.Context, userID, peerID int64) (*models.Room, error) {
	if userID == peerID {
		return nil, ErrSelfChat
	}
	if peerID <= 0 {
		return nil, ErrRoomNotFound
	}
	return s.Authorize(ctx, models.RoomName(userID, peerID), userID)
}

func (s *RoomService) History(ctx context.Context, roomName string, userID int64) ([]*models.Message, error) {
	room, err := s.Authorize(ctx, roomName, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.db.LoadMessages(ctx, room.Name, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return msgs, nil
}

// PeerDetail describes the other participant of the room as seen by userID.
func (s *RoomService) PeerDetail(ctx context.Context, roomName string, userID int64) (*models.PeerProfile, error) {
	room, err := s.Authorize(ctx, roomName, userID)
	if err != nil {
		return nil, err
	}

	peer, err := s.db.GetUserByID(ctx, room.PeerOf(userID))
	if err != nil {
		return nil, err
	}
	presence, err := s.db.GetPresence(ctx, peer.ID)
	if err != nil {
		return nil, err
	}

	return &models.PeerProfile{
		UserID:      peer.ID,
		DisplayName: peer.Username,
		AvatarURL:   peer.AvatarURL,
		IsOnline:    presence.IsOnline,
		LastSeenAt:  presence.LastSeenAt,
	}, nil
}

func (s *RoomService) PostMessage(ctx context.Context, room *models.Room, senderID int64, text string) (*models.Message, error) {
	if !room.HasParticipant(senderID) {
		return nil, ErrForbidden
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	return s.db.SaveMessage(ctx, room.Name, senderID, text)
}

// MarkRead marks the listed peer messages as read by readerID and returns
// the ids whose state changed.
func (s *RoomService) MarkRead(ctx context.Context, room *models.Room, readerID int64, ids []int64) ([]int64, error) {
	if !room.HasParticipant(readerID) {
		return nil, ErrForbidden
	}
	return s.db.MarkMessagesRead(ctx, room.Name, readerID, ids)
}

func (s *RoomService) ListUserRooms(ctx context.Context, userID int64) ([]*models.RoomSummary, error) {
	rooms, err := s.db.ListUserRooms(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rooms == nil {
		rooms = []*models.RoomSummary{}
	}
	return rooms, nil
}
