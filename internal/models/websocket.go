package models

type EventType string

const (
	EventChatMessage    EventType = "chat_message"
	EventPresenceUpdate EventType = "presence_update"
	EventMessagesRead   EventType = "messages_read"
	EventMarkAsRead     EventType = "mark_as_read"
)

// TimestampLayout is the wire format of every timestamp carried in events.
const TimestampLayout = "2006-01-02T15:04:05.999999999Z07:00"

// ChatMessageEvent travels in both directions. Clients fill only Message
// (SenderID is informational); the server adds the id, timestamp and read flag.
type ChatMessageEvent struct {
	Type        EventType `json:"type"`
	Message     string    `json:"message"`
	SenderID    int64     `json:"sender_id"`
	SenderEmail string    `json:"sender_email,omitempty"`
	MessageID   int64     `json:"message_id,omitempty"`
	Timestamp   string    `json:"timestamp,omitempty"`
	IsRead      bool      `json:"is_read"`
}

type PresenceUpdateEvent struct {
	Type     EventType `json:"type"`
	UserID   int64     `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen *string   `json:"last_seen,omitempty"`
}

type MessagesReadEvent struct {
	Type       EventType `json:"type"`
	ReaderID   int64     `json:"reader_id"`
	MessageIDs []int64   `json:"message_ids"`
}

type MarkAsReadEvent struct {
	Type       EventType `json:"type"`
	MessageIDs []int64   `json:"message_ids"`
}
