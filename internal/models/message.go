package models

import "time"

// Message is a chat message as stored by the backend. ID is assigned by the
// database and is the only identity a message has.
type Message struct {
	ID       int64     `json:"id"`
	RoomID   string    `json:"room_id"`
	SenderID int64     `json:"sender_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
	IsRead   bool      `json:"is_read"`
}

type Presence struct {
	UserID     int64      `json:"user_id"`
	IsOnline   bool       `json:"is_online"`
	LastSeenAt *time.Time `json:"last_seen"`
}

// PeerProfile is the peer-detail payload: who the other participant is and
// whether they are connected right now.
type PeerProfile struct {
	UserID      int64      `json:"user_id"`
	DisplayName string     `json:"display_name"`
	AvatarURL   string     `json:"avatar_url"`
	IsOnline    bool       `json:"is_online"`
	LastSeenAt  *time.Time `json:"last_seen"`
}

func (p *PeerProfile) Presence() Presence {
	return Presence{
		UserID:     p.UserID,
		IsOnline:   p.IsOnline,
		LastSeenAt: p.LastSeenAt,
	}
}
