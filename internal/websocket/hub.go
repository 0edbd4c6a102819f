package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wellness-chat/internal/database"
	"wellness-chat/internal/metrics"
	"wellness-chat/internal/models"
	"wellness-chat/internal/services"
)

var ErrHubClosed = errors.New("room hub is shut down")

// Hub fans frames out to every stream connected to one room.
type Hub struct {
	room       string
	clients    map[*Client]bool
	Broadcast  chan []byte
	Register   chan *Client
	Unregister chan *Client
	shutdown   chan struct{}
	done       chan struct{}
	logger     *zap.SugaredLogger
}

func NewHub(room string, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		room:       room,
		clients:    make(map[*Client]bool),
		Broadcast:  make(chan []byte),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.With("room", room),
	}
}

func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.shutdown:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.Register:
			h.clients[client] = true
			h.logger.Infof("User %d joined", client.user.ID)

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Infof("User %d left", client.user.ID)
			}

		case message := <-h.Broadcast:
			h.broadcastToAll(message)
		}
	}
}

func (h *Hub) broadcastToAll(message []byte) {
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			h.logger.Warnf("Dropping slow client of user %d", client.user.ID)
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// publish hands message to the hub unless it has stopped.
func (h *Hub) publish(message []byte) {
	select {
	case h.Broadcast <- message:
	case <-h.done:
	}
}

func (h *Hub) ShutdownHub() {
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
}

type hubEntry struct {
	hub  *Hub
	refs int
}

// Manager owns the room hubs. A hub runs while at least one stream is
// attached to its room.
type Manager struct {
	mu     sync.Mutex
	hubs   map[string]*hubEntry
	db     database.SessionRepository
	rooms  *services.RoomService
	logger *zap.SugaredLogger
}

func NewManager(db database.SessionRepository, rooms *services.RoomService, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		hubs:   make(map[string]*hubEntry),
		db:     db,
		rooms:  rooms,
		logger: logger,
	}
}

// Serve attaches an upgraded connection of user to room and starts its pumps.
func (m *Manager) Serve(conn *websocket.Conn, user *models.User, room *models.Room) error {
	client, err := newClient(m, conn, user, room)
	if err != nil {
		return err
	}

	hub := m.join(room.Name)
	client.hub = hub
	select {
	case hub.Register <- client:
	case <-hub.done:
		m.leave(room.Name)
		return ErrHubClosed
	}
	metrics.ActiveConnections.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	first, err := m.db.CreateActiveSession(ctx, user.ID, room.Name, client.sessionID)
	if err != nil {
		client.logger.Errorf("Error creating active session: %v", err)
	} else if first {
		m.BroadcastPresence(&models.Presence{UserID: user.ID, IsOnline: true})
	}

	go client.WritePump()
	go client.ReadPump()
	return nil
}

func (m *Manager) join(room string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.hubs[room]
	if !ok {
		e = &hubEntry{hub: NewHub(room, m.logger)}
		m.hubs[room] = e
		go e.hub.Run()
		metrics.ActiveRooms.Inc()
	}
	e.refs++
	return e.hub
}

func (m *Manager) leave(room string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.hubs[room]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.hub.ShutdownHub()
		delete(m.hubs, room)
		metrics.ActiveRooms.Dec()
		m.logger.Debugf("Cleaned up unused hub for room %s", room)
	}
}

// BroadcastPresence sends a presence_update to every running room the user
// belongs to.
func (m *Manager) BroadcastPresence(p *models.Presence) {
	ev := models.PresenceUpdateEvent{
		Type:     models.EventPresenceUpdate,
		UserID:   p.UserID,
		IsOnline: p.IsOnline,
	}
	if p.LastSeenAt != nil {
		ls := p.LastSeenAt.UTC().Format(models.TimestampLayout)
		ev.LastSeen = &ls
	}
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Errorf("Error marshaling presence update: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.hubs {
		a, b, err := models.ParseRoomName(name)
		if err != nil || (a != p.UserID && b != p.UserID) {
			continue
		}
		e.hub.publish(data)
	}
}

func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}

// Shutdown stops every hub, which closes all attached streams.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for room, e := range m.hubs {
		e.hub.ShutdownHub()
		delete(m.hubs, room)
		metrics.ActiveRooms.Dec()
	}
}

const dbTimeout = 5 * time.Second
