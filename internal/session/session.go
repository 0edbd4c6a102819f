package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"wellness-chat/internal/models"
)

// Change tells an Observer which slice of session state moved.
type Change int

const (
	ChangeMessages Change = iota + 1
	ChangeReadState
	ChangePresence
	ChangeConnection
)

func (c Change) String() string {
	switch c {
	case ChangeMessages:
		return "messages"
	case ChangeReadState:
		return "read_state"
	case ChangePresence:
		return "presence"
	case ChangeConnection:
		return "connection"
	default:
		return fmt.Sprintf("Change(%d)", int(c))
	}
}

type Observer func(Change)

// Engine runs one room session at a time for a single participant.
type Engine struct {
	loader  *HistoryLoader
	manager *Manager
	creds   Credentials
	opts    options

	mu         sync.Mutex
	generation uint64
	active     *Session
}

func NewEngine(loader *HistoryLoader, manager *Manager, creds Credentials, opts ...Option) *Engine {
	return &Engine{
		loader:  loader,
		manager: manager,
		creds:   creds,
		opts:    newOptions(opts),
	}
}

// OpenRoom closes the current room, loads roomID's history and peer snapshot,
// seeds the session and only then opens the stream. A failed load returns an
// error wrapping ErrHistoryUnavailable and no stream is opened. If the room is
// closed or replaced before the load finishes, the result is discarded and
// ErrRoomClosed is returned. A stream that fails to open does not fail
// OpenRoom: the session is returned in StateErrored and can Reconnect.
func (e *Engine) OpenRoom(ctx context.Context, roomID string) (*Session, error) {
	e.mu.Lock()
	e.generation++
	gen := e.generation
	prev := e.active
	e.active = nil
	e.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	h, err := e.loader.Load(ctx, roomID, e.creds)
	if err != nil {
		return nil, err
	}

	s := newSession(e, roomID)

	e.mu.Lock()
	if gen != e.generation {
		e.mu.Unlock()
		s.logger.Debug("Discarding history of a room closed while loading")
		return nil, ErrRoomClosed
	}
	e.active = s
	e.mu.Unlock()

	s.seed(h)
	if err := s.connect(ctx); errors.Is(err, ErrRoomClosed) {
		return nil, err
	}
	return s, nil
}

// CloseRoom closes the active room and invalidates any load in flight.
func (e *Engine) CloseRoom() {
	e.mu.Lock()
	e.generation++
	s := e.active
	e.active = nil
	e.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

func (e *Engine) Active() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) release(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == s {
		e.active = nil
	}
}

// Session is one open room: the message store, trackers, composer and the
// current connection.
type Session struct {
	engine   *Engine
	roomID   string
	logger   *zap.SugaredLogger
	observer Observer

	store    *Store
	receipts *ReceiptTracker
	presence *PresenceTracker
	composer *Composer
	peer     models.PeerProfile

	mu      sync.Mutex
	closed  bool
	conn    *Connection
	connGen uint64
	lost    chan struct{}
	done    chan struct{}
}

func newSession(e *Engine, roomID string) *Session {
	logger := e.opts.logger.With(zap.String("room", roomID))
	s := &Session{
		engine:   e,
		roomID:   roomID,
		logger:   logger,
		observer: e.opts.observer,
		store:    NewStore(e.creds.UserID),
		receipts: NewReceiptTracker(e.creds.UserID, logger),
		presence: NewPresenceTracker(e.creds.UserID),
		lost:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.composer = NewComposer(s)
	return s
}

func (s *Session) RoomID() string             { return s.roomID }
func (s *Session) Composer() *Composer        { return s.composer }
func (s *Session) Messages() []models.Message { return s.store.Snapshot() }
func (s *Session) Unread() []int64            { return s.store.Unread() }
func (s *Session) Presence() PresenceState    { return s.presence.Current() }

func (s *Session) Peer() models.PeerProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Lost receives a signal each time the stream ends without the session being closed.
func (s *Session) Lost() <-chan struct{} { return s.lost }

// State reports the state of the current connection.
func (s *Session) State() State {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return StateIdle
	}
	return conn.State()
}

func (s *Session) Connection() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Submit commits the composer draft and sends it. Nothing is sent, and the
// draft is kept, while the stream is not open.
func (s *Session) Submit() (bool, error) {
	conn := s.Connection()
	if conn == nil || conn.State() != StateOpen {
		return false, ErrNotConnected
	}

	intent := s.composer.Commit()
	if intent == nil {
		return false, nil
	}
	if err := conn.Send(*intent); err != nil {
		s.composer.restore(intent.Text)
		return false, err
	}
	return true, nil
}

// Send sends text directly, leaving the composer draft alone.
func (s *Session) Send(text string) (bool, error) {
	conn := s.Connection()
	if conn == nil || conn.State() != StateOpen {
		return false, ErrNotConnected
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}
	if err := conn.Send(OutboundMessage{Text: text}); err != nil {
		return false, err
	}
	return true, nil
}

// Reconnect refetches history and the peer snapshot, merges them into the
// session and opens a stream that supersedes the current one.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.isClosed() {
		return ErrRoomClosed
	}

	h, err := s.engine.loader.Load(ctx, s.roomID, s.engine.creds)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrRoomClosed
	}

	// The current stream is about to be superseded; anything requested from
	// here on waits for the new one.
	s.receipts.OnConnectionLost()
	s.merge(h)
	return s.connect(ctx)
}

// Close tears the room down. Listeners are detached before Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connGen++
	conn := s.conn
	close(s.done)
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	// A stream still dialing has not reported OpenedEvent yet.
	if dialing := s.engine.manager.Active(s.roomID); dialing != nil && dialing != conn {
		dialing.Close()
	}
	s.engine.release(s)
	s.logger.Debug("Room closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) seed(h *History) {
	s.setPeer(h.Peer)
	if err := s.store.Seed(h.Messages); err != nil {
		s.logger.Errorf("Seeding store: %v", err)
	}
	s.presence.Seed(h.Presence)
	s.receipts.OnHistoryLoaded(h.Messages)
}

func (s *Session) merge(h *History) {
	s.setPeer(h.Peer)

	added := false
	var readOurs, readTheirs []int64
	for _, m := range h.Messages {
		if s.store.Append(m) {
			added = true
			continue
		}
		if !m.IsRead {
			continue
		}
		if m.SenderID == s.engine.creds.UserID {
			readOurs = append(readOurs, m.ID)
		} else {
			readTheirs = append(readTheirs, m.ID)
		}
	}
	flipped := len(s.store.ApplyReadReceipt(h.Peer.UserID, readOurs)) + len(s.store.MarkSeen(readTheirs))

	if added {
		s.notify(ChangeMessages)
	}
	if flipped > 0 {
		s.notify(ChangeReadState)
	}

	before := s.presence.Current()
	s.presence.Seed(h.Presence)
	if after := s.presence.Current(); !samePresence(before, after) {
		s.notify(ChangePresence)
	}

	s.receipts.OnHistoryLoaded(h.Messages)
}

func (s *Session) setPeer(p models.PeerProfile) {
	s.mu.Lock()
	s.peer = p
	s.mu.Unlock()
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrRoomClosed
	}
	s.connGen++
	gen := s.connGen
	s.mu.Unlock()

	conn, err := s.engine.manager.Open(ctx, s.roomID, s.engine.creds, s.listener(gen))
	if err != nil {
		if s.isStale(gen) {
			return ErrRoomClosed
		}
		s.logger.Warnf("Stream unavailable: %v", err)
		return err
	}

	if s.isStale(gen) {
		conn.Close()
		return ErrRoomClosed
	}
	return nil
}

func (s *Session) isStale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.connGen != gen
}

func (s *Session) listener(gen uint64) Listener {
	return func(ev Event) {
		s.mu.Lock()
		current := !s.closed && s.connGen == gen
		s.mu.Unlock()
		if !current {
			return
		}
		s.handle(ev)
	}
}

func (s *Session) handle(ev Event) {
	switch ev := ev.(type) {
	case OpenedEvent:
		s.mu.Lock()
		s.conn = ev.Conn
		s.mu.Unlock()

		conn := ev.Conn
		s.receipts.OnConnectionReady(func(ids []int64) error {
			return conn.Send(MarkRead{MessageIDs: ids})
		})
		s.notify(ChangeConnection)

	case MessageEvent:
		if s.store.Append(ev.Message) {
			s.notify(ChangeMessages)
			s.receipts.OnMessageReceived(ev.Message)
		}

	case ReadReceiptEvent:
		var changed []int64
		if ev.ReaderID == s.engine.creds.UserID {
			changed = s.store.MarkSeen(ev.MessageIDs)
		} else {
			changed = s.store.ApplyReadReceipt(ev.ReaderID, ev.MessageIDs)
		}
		if len(changed) > 0 {
			s.notify(ChangeReadState)
		}

	case PresenceEvent:
		if s.presence.OnPresenceEvent(ev.Presence) {
			s.notify(ChangePresence)
		}

	case ClosedEvent:
		s.mu.Lock()
		s.conn = ev.Conn
		s.mu.Unlock()

		s.receipts.OnConnectionLost()
		s.notify(ChangeConnection)
		if ev.Err != nil {
			select {
			case s.lost <- struct{}{}:
			default:
			}
		}

	default:
		s.logger.Warnf("Ignoring unexpected event %T", ev)
	}
}

func (s *Session) notify(c Change) {
	if s.observer != nil {
		s.observer(c)
	}
}

func samePresence(a, b PresenceState) bool {
	if a.UserID != b.UserID || a.IsOnline != b.IsOnline {
		return false
	}
	if a.LastSeenAt == nil || b.LastSeenAt == nil {
		return a.LastSeenAt == nil && b.LastSeenAt == nil
	}
	return a.LastSeenAt.Equal(*b.LastSeenAt)
}
