package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Listener receives connection events in transport order, on the
// connection's read goroutine.
type Listener func(Event)

// Manager owns at most one live Connection per room.
type Manager struct {
	baseURL string
	opts    options

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewManager returns a Manager dialing rooms under baseURL (ws:// or wss://).
func NewManager(baseURL string, opts ...Option) *Manager {
	return &Manager{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    newOptions(opts),
		conns:   make(map[string]*Connection),
	}
}

// Open dials the room stream. Any previous connection for the same room is
// closed first. Listeners are registered before dialing, so the OpenedEvent
// and every inbound event reach them; on dial failure they receive the
// ClosedEvent and Open returns an error wrapping ErrConnectionLost.
func (m *Manager) Open(ctx context.Context, roomID string, creds Credentials, listeners ...Listener) (*Connection, error) {
	c := &Connection{
		id:        uuid.New(),
		roomID:    roomID,
		senderID:  creds.UserID,
		url:       m.streamURL(roomID, creds.Token),
		opts:      m.opts,
		state:     StateIdle,
		listeners: append([]Listener(nil), listeners...),
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}
	c.decoder.roomID = roomID
	c.logger = m.opts.logger.With(zap.String("room", roomID), zap.String("conn_id", c.id.String()))
	c.onFinish = func() { m.forget(roomID, c) }

	m.mu.Lock()
	prev := m.conns[roomID]
	m.conns[roomID] = c
	m.mu.Unlock()

	if prev != nil {
		prev.logger.Debug("Superseded by a new connection")
		prev.Close()
	}

	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Active returns the live connection for roomID, if any.
func (m *Manager) Active(roomID string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[roomID]
}

// CloseAll closes every connection owned by the manager.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (m *Manager) forget(roomID string, c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[roomID] == c {
		delete(m.conns, roomID)
	}
}

func (m *Manager) streamURL(roomID, token string) string {
	q := url.Values{}
	q.Set("token", token)
	return m.baseURL + "/ws/chat/" + url.PathEscape(roomID) + "/?" + q.Encode()
}

// Connection is one duplex stream to a room.
type Connection struct {
	id       uuid.UUID
	roomID   string
	senderID int64
	url      string
	opts     options
	logger   *zap.SugaredLogger
	decoder  decoder
	onFinish func()

	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	listeners  []Listener
	cancelDial context.CancelFunc
	err        error

	send       chan []byte
	done       chan struct{}
	finishOnce sync.Once
	dropped    atomic.Int64
}

func (c *Connection) ID() string     { return c.id.String() }
func (c *Connection) RoomID() string { return c.roomID }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reaches closed or errored.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error: nil while live or after a caller Close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dropped counts inbound frames discarded as malformed.
func (c *Connection) Dropped() int64 {
	return c.dropped.Load()
}

// Subscribe adds a listener. It is a no-op once the connection has ended.
func (c *Connection) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateErrored {
		return
	}
	c.listeners = append(c.listeners, l)
}

func (c *Connection) dial(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnecting
	c.cancelDial = cancel
	c.mu.Unlock()

	c.logger.Debug("Dialing room stream")
	ws, resp, err := c.opts.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w: handshake status %d: %v", ErrConnectionLost, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		if c.State() != StateConnecting {
			// Closed while dialing.
			return ErrClosed
		}
		c.logger.Warnf("Dial failed: %v", err)
		c.finish(err)
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.state = StateOpen
	c.ws = ws
	c.cancelDial = nil
	c.mu.Unlock()

	c.logger.Info("Room stream open")
	c.dispatch(OpenedEvent{Conn: c})

	go c.writePump(ws)
	go c.readPump(ws)
	return nil
}

// Send transmits ev once, in call order. It fails with ErrNotConnected
// unless the connection is open.
func (c *Connection) Send(ev Outbound) error {
	data, err := ev.encode(c.senderID)
	if err != nil {
		return fmt.Errorf("encoding outbound event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return ErrNotConnected
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close is idempotent. Listeners get their ClosedEvent synchronously and
// are unregistered before Close returns.
func (c *Connection) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return nil
	case StateErrored:
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	ws := c.ws
	cancel := c.cancelDial
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}

	c.finish(nil)
	if ws != nil {
		ws.Close()
	}
	return nil
}

// finish moves the connection to its terminal state and notifies listeners once.
func (c *Connection) finish(err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		if err != nil {
			c.state = StateErrored
		} else {
			c.state = StateClosed
		}
		c.err = err
		listeners := c.listeners
		c.listeners = nil
		close(c.done)
		c.mu.Unlock()

		if err != nil {
			c.logger.Warnf("Room stream lost: %v", err)
		} else {
			c.logger.Info("Room stream closed")
		}

		for _, l := range listeners {
			l(ClosedEvent{Conn: c, Err: err})
		}
		if c.onFinish != nil {
			c.onFinish()
		}
	})
}

func (c *Connection) dispatch(ev Event) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (c *Connection) readPump(ws *websocket.Conn) {
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(c.opts.pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.opts.pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			switch c.State() {
			case StateClosing, StateClosed:
				c.finish(nil)
			default:
				c.finish(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			}
			return
		}

		ev, err := c.decoder.decode(data)
		if err != nil {
			c.dropped.Add(1)
			c.logger.Warnf("Dropping inbound frame: %v", err)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Connection) writePump(ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Errorf("Write error: %v", err)
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
