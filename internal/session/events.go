package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fastjson"

	"wellness-chat/internal/models"
)

// Event is an inbound notification from a Connection. The set is closed:
// MessageEvent, PresenceEvent and ReadReceiptEvent come from the wire,
// OpenedEvent and ClosedEvent from the connection lifecycle.
type Event interface {
	event()
}

type MessageEvent struct {
	Message models.Message
}

type PresenceEvent struct {
	Presence models.Presence
}

type ReadReceiptEvent struct {
	ReaderID   int64
	MessageIDs []int64
}

type OpenedEvent struct {
	Conn *Connection
}

// ClosedEvent is delivered exactly once per connection. Err is nil when the
// caller closed the connection and wraps ErrConnectionLost otherwise.
type ClosedEvent struct {
	Conn *Connection
	Err  error
}

func (MessageEvent) event()     {}
func (PresenceEvent) event()    {}
func (ReadReceiptEvent) event() {}
func (OpenedEvent) event()      {}
func (ClosedEvent) event()      {}

// Outbound is an event the local participant may send.
type Outbound interface {
	encode(senderID int64) ([]byte, error)
}

// OutboundMessage is the intent produced by Composer.Commit.
type OutboundMessage struct {
	Text string
}

type MarkRead struct {
	MessageIDs []int64
}

func (m OutboundMessage) encode(senderID int64) ([]byte, error) {
	return json.Marshal(models.ChatMessageEvent{
		Type:     models.EventChatMessage,
		Message:  m.Text,
		SenderID: senderID,
	})
}

func (m MarkRead) encode(int64) ([]byte, error) {
	return json.Marshal(models.MarkAsReadEvent{
		Type:       models.EventMarkAsRead,
		MessageIDs: m.MessageIDs,
	})
}

// legacyTimestampLayout is the str(datetime) form some backends emit.
const legacyTimestampLayout = "2006-01-02 15:04:05.999999999-07:00"

// ParseTimestamp accepts RFC 3339 timestamps and the space separated variant.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(legacyTimestampLayout, s)
}

type decoder struct {
	pool   fastjson.ParserPool
	roomID string
}

// decode turns one text frame into an Event. Every failure wraps ErrMalformedEvent.
func (d *decoder) decode(data []byte) (Event, error) {
	p := d.pool.Get()
	defer d.pool.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("%w: frame is not an object", ErrMalformedEvent)
	}

	kind := models.EventType(v.GetStringBytes("type"))
	switch kind {
	case models.EventChatMessage:
		return d.decodeMessage(v)
	case models.EventPresenceUpdate:
		return decodePresence(v)
	case models.EventMessagesRead:
		return decodeReadReceipt(v)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, kind)
	}
}

func (d *decoder) decodeMessage(v *fastjson.Value) (Event, error) {
	text := v.Get("message")
	if text == nil || text.Type() != fastjson.TypeString {
		return nil, fmt.Errorf("%w: chat_message without message", ErrMalformedEvent)
	}
	id, err := requiredInt64(v, "message_id")
	if err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, fmt.Errorf("%w: chat_message id %d", ErrMalformedEvent, id)
	}
	sender, err := requiredInt64(v, "sender_id")
	if err != nil {
		return nil, err
	}
	sentAt, err := ParseTimestamp(string(v.GetStringBytes("timestamp")))
	if err != nil {
		return nil, fmt.Errorf("%w: chat_message timestamp: %v", ErrMalformedEvent, err)
	}

	sb, _ := text.StringBytes()
	return MessageEvent{Message: models.Message{
		ID:       id,
		RoomID:   d.roomID,
		SenderID: sender,
		Text:     string(sb),
		SentAt:   sentAt,
		IsRead:   v.GetBool("is_read"),
	}}, nil
}

func decodePresence(v *fastjson.Value) (Event, error) {
	userID, err := requiredInt64(v, "user_id")
	if err != nil {
		return nil, err
	}
	online := v.Get("is_online")
	if online == nil {
		return nil, fmt.Errorf("%w: presence_update without is_online", ErrMalformedEvent)
	}
	isOnline, err := online.Bool()
	if err != nil {
		return nil, fmt.Errorf("%w: is_online: %v", ErrMalformedEvent, err)
	}

	p := models.Presence{UserID: userID, IsOnline: isOnline}
	if ls := v.Get("last_seen"); ls != nil && ls.Type() != fastjson.TypeNull {
		raw, err := ls.StringBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: last_seen: %v", ErrMalformedEvent, err)
		}
		t, err := ParseTimestamp(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: last_seen: %v", ErrMalformedEvent, err)
		}
		p.LastSeenAt = &t
	}
	return PresenceEvent{Presence: p}, nil
}

func decodeReadReceipt(v *fastjson.Value) (Event, error) {
	reader, err := requiredInt64(v, "reader_id")
	if err != nil {
		return nil, err
	}
	ids := v.Get("message_ids")
	if ids == nil {
		return nil, fmt.Errorf("%w: messages_read without message_ids", ErrMalformedEvent)
	}
	values, err := ids.Array()
	if err != nil {
		return nil, fmt.Errorf("%w: message_ids: %v", ErrMalformedEvent, err)
	}

	out := make([]int64, 0, len(values))
	for _, item := range values {
		id, err := item.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: message_ids item: %v", ErrMalformedEvent, err)
		}
		out = append(out, id)
	}
	return ReadReceiptEvent{ReaderID: reader, MessageIDs: out}, nil
}

func requiredInt64(v *fastjson.Value, key string) (int64, error) {
	f := v.Get(key)
	if f == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedEvent, key)
	}
	n, err := f.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, key, err)
	}
	return n, nil
}
