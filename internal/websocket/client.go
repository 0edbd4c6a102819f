package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"wellness-chat/internal/metrics"
	"wellness-chat/internal/models"
	"wellness-chat/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var errUnknownFrame = errors.New("unknown frame type")

type Client struct {
	manager   *Manager
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	user      *models.User
	room      *models.Room
	sessionID string
	logger    *zap.SugaredLogger
	parser    fastjson.Parser
}

func newClient(m *Manager, conn *websocket.Conn, user *models.User, room *models.Room) (*Client, error) {
	if !room.HasParticipant(user.ID) {
		return nil, services.ErrForbidden
	}

	sessionID := uuid.NewString()
	return &Client{
		manager:   m,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		user:      user,
		room:      room,
		sessionID: sessionID,
		logger:    m.logger.With("room", room.Name, "user_id", user.ID, "session_id", sessionID),
	}, nil
}

func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
		c.manager.leave(c.room.Name)
		metrics.ActiveConnections.Dec()

		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()
		presence, err := c.manager.db.RemoveActiveSession(ctx, c.user.ID, c.room.Name, c.sessionID)
		if err != nil {
			c.logger.Errorf("Error removing active session: %v", err)
		} else if !presence.IsOnline {
			c.manager.BroadcastPresence(presence)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Errorf("WebSocket error: %v", err)
			}
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		if err := c.manager.db.UpdateSessionActivity(ctx, c.user.ID, c.room.Name, c.sessionID); err != nil {
			c.logger.Errorf("Error updating session activity: %v", err)
		}
		c.handleFrame(ctx, message)
		cancel()
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	v, err := c.parser.ParseBytes(data)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		c.logger.Warnf("Dropping malformed frame: %v", err)
		return
	}

	switch kind := models.EventType(v.GetStringBytes("type")); {
	case kind == models.EventChatMessage, kind == "" && v.Exists("message"):
		c.handleChat(ctx, v)
	case kind == models.EventMarkAsRead:
		c.handleMarkRead(ctx, v)
	default:
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
		c.logger.Warnf("Dropping frame: %v %q", errUnknownFrame, kind)
	}
}

func (c *Client) handleChat(ctx context.Context, v *fastjson.Value) {
	text := v.GetStringBytes("message")
	if text == nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		c.logger.Warn("Dropping chat_message without text")
		return
	}

	msg, err := c.manager.rooms.PostMessage(ctx, c.room, c.user.ID, string(text))
	if err != nil {
		if errors.Is(err, services.ErrEmptyMessage) {
			metrics.FramesDropped.WithLabelValues("empty").Inc()
			return
		}
		c.logger.Errorf("Error saving message: %v", err)
		return
	}

	data, err := json.Marshal(models.ChatMessageEvent{
		Type:        models.EventChatMessage,
		Message:     msg.Text,
		SenderID:    msg.SenderID,
		SenderEmail: c.user.Email,
		MessageID:   msg.ID,
		Timestamp:   msg.SentAt.UTC().Format(models.TimestampLayout),
		IsRead:      msg.IsRead,
	})
	if err != nil {
		c.logger.Errorf("Error marshaling message: %v", err)
		return
	}

	metrics.MessagesPosted.Inc()
	c.hub.publish(data)
}

func (c *Client) handleMarkRead(ctx context.Context, v *fastjson.Value) {
	ids, err := int64Array(v, "message_ids")
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		c.logger.Warnf("Dropping mark_as_read: %v", err)
		return
	}

	changed, err := c.manager.rooms.MarkRead(ctx, c.room, c.user.ID, ids)
	if err != nil {
		c.logger.Errorf("Error marking messages read: %v", err)
		return
	}
	if len(changed) == 0 {
		return
	}

	data, err := json.Marshal(models.MessagesReadEvent{
		Type:       models.EventMessagesRead,
		ReaderID:   c.user.ID,
		MessageIDs: changed,
	})
	if err != nil {
		c.logger.Errorf("Error marshaling read receipt: %v", err)
		return
	}

	metrics.MessagesRead.Add(float64(len(changed)))
	c.hub.publish(data)
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Errorf("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func int64Array(v *fastjson.Value, key string) ([]int64, error) {
	arr := v.Get(key)
	if arr == nil {
		return nil, fmt.Errorf("missing %s", key)
	}
	items, err := arr.Array()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		id, err := item.Int64()
		if err != nil {
			return nil, fmt.Errorf("%s item: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
