package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wellness-chat/internal/models"
)

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) observe(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) has(c Change) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, x := range l.changes {
		if x == c {
			return true
		}
	}
	return false
}

func (l *changeLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = nil
}

func newTestEngine(b *fakeBackend, opts ...Option) *Engine {
	return NewEngine(
		NewHistoryLoader(b.httpURL(), opts...),
		NewManager(b.wsURL(), opts...),
		testCreds,
		opts...,
	)
}

func TestOpenRoomSeedsThenAcknowledges(t *testing.T) {
	b := newFakeBackend(t)
	b.setHistory(
		msg(1, localID, at(1), false),
		msg(2, peerID, at(2), false),
		msg(3, peerID, at(3), false),
	)
	e := newTestEngine(b)

	s, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	defer e.CloseRoom()

	require.Same(t, s, e.Active())
	require.Equal(t, StateOpen, s.State())
	require.Equal(t, []int64{1, 2, 3}, idsOf(s.Messages()))
	require.Equal(t, "therapist", s.Peer().DisplayName)

	stream := b.nextStream()
	frame := stream.next(t)
	require.Equal(t, "mark_as_read", frame["type"])
	require.Equal(t, []int64{2, 3}, idList(frame["message_ids"]))
}

func TestSessionLiveTraffic(t *testing.T) {
	b := newFakeBackend(t)
	b.setHistory(msg(1, localID, at(1), false))
	log := &changeLog{}
	e := newTestEngine(b, WithObserver(log.observe))

	s, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	defer e.CloseRoom()
	stream := b.nextStream()

	// Peer message arrives twice; it is stored once and acknowledged once.
	stream.send(t, chatFrame(2, peerID, "hello", at(2)))
	stream.send(t, chatFrame(2, peerID, "hello", at(2)))

	frame := stream.next(t)
	require.Equal(t, "mark_as_read", frame["type"])
	require.Equal(t, []int64{2}, idList(frame["message_ids"]))
	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	require.True(t, log.has(ChangeMessages))

	// The peer reads our message.
	stream.send(t, models.MessagesReadEvent{Type: models.EventMessagesRead, ReaderID: peerID, MessageIDs: []int64{1, 2}})
	require.Eventually(t, func() bool {
		m, _ := s.store.Get(1)
		return m.IsRead
	}, time.Second, 5*time.Millisecond)
	m, _ := s.store.Get(2)
	require.False(t, m.IsRead)

	// The server confirms our own receipt.
	stream.send(t, models.MessagesReadEvent{Type: models.EventMessagesRead, ReaderID: localID, MessageIDs: []int64{2}})
	require.Eventually(t, func() bool { return len(s.Unread()) == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, log.has(ChangeReadState))

	// Presence.
	left := at(10)
	ls := left.Format(models.TimestampLayout)
	stream.send(t, models.PresenceUpdateEvent{Type: models.EventPresenceUpdate, UserID: peerID, IsOnline: false, LastSeen: &ls})
	require.Eventually(t, func() bool {
		seen, ok := s.Presence().VisibleLastSeen()
		return ok && seen.Equal(left)
	}, time.Second, 5*time.Millisecond)
	require.True(t, log.has(ChangePresence))
}

func TestSessionSubmit(t *testing.T) {
	b := newFakeBackend(t)
	e := newTestEngine(b)

	s, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	stream := b.nextStream()

	s.Composer().AppendText("  how are you?  ")
	sent, err := s.Submit()
	require.NoError(t, err)
	require.True(t, sent)
	require.Empty(t, s.Composer().Draft())

	frame := stream.next(t)
	require.Equal(t, "chat_message", frame["type"])
	require.Equal(t, "how are you?", frame["message"])

	// Nothing is shown until the server echoes it back.
	require.Empty(t, s.Messages())
	stream.send(t, chatFrame(5, localID, "how are you?", at(1)))
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	s.Composer().AppendText("   ")
	sent, err = s.Submit()
	require.NoError(t, err)
	require.False(t, sent)
	require.Empty(t, s.Composer().Draft())

	e.CloseRoom()
	s.Composer().AppendText("later")
	sent, err = s.Submit()
	require.ErrorIs(t, err, ErrNotConnected)
	require.False(t, sent)
	require.Equal(t, "later", s.Composer().Draft())
}

func TestSessionSendLeavesDraft(t *testing.T) {
	b := newFakeBackend(t)
	e := newTestEngine(b)

	s, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	stream := b.nextStream()

	s.Composer().AppendText("half typed")
	sent, err := s.Send(" quick note ")
	require.NoError(t, err)
	require.True(t, sent)
	require.Equal(t, "half typed", s.Composer().Draft())
	require.Equal(t, "quick note", stream.next(t)["message"])

	sent, err = s.Send("  ")
	require.NoError(t, err)
	require.False(t, sent)

	e.CloseRoom()
	_, err = s.Send("too late")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestOpenRoomHistoryFailure(t *testing.T) {
	b := newFakeBackend(t)
	b.historyStatus = 500
	e := newTestEngine(b)

	s, err := e.OpenRoom(context.Background(), testRoom)
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrHistoryUnavailable)
	require.Nil(t, e.Active())

	select {
	case <-b.streams:
		t.Fatal("stream opened without history")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOpenRoomDiscardsStaleLoad(t *testing.T) {
	b := newFakeBackend(t)
	gate := make(chan struct{})
	b.historyGate = gate
	e := newTestEngine(b)

	errc := make(chan error, 1)
	go func() {
		_, err := e.OpenRoom(context.Background(), testRoom)
		errc <- err
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.historyCalls == 1
	}, time.Second, 5*time.Millisecond)

	e.CloseRoom()
	close(gate)

	require.ErrorIs(t, <-errc, ErrRoomClosed)
	require.Nil(t, e.Active())
	select {
	case <-b.streams:
		t.Fatal("stream opened for a closed room")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOpenRoomReplacesPrevious(t *testing.T) {
	b := newFakeBackend(t)
	e := newTestEngine(b)

	first, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	s1 := b.nextStream()

	second, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	defer e.CloseRoom()
	b.nextStream()

	select {
	case <-first.Done():
	default:
		t.Fatal("previous session still open")
	}
	require.Same(t, second, e.Active())
	s1.expectClosed(t)
}

func TestOpenRoomAbsorbsDialFailure(t *testing.T) {
	b := newFakeBackend(t)
	b.rejectStream = true
	b.setHistory(msg(1, peerID, at(1), false))
	e := newTestEngine(b)

	s, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	defer e.CloseRoom()

	require.Equal(t, StateErrored, s.State())
	require.Equal(t, []int64{1}, s.receipts.Pending())
	select {
	case <-s.Lost():
	default:
		t.Fatal("lost not signalled")
	}

	b.mu.Lock()
	b.rejectStream = false
	b.messages = append(b.messages, msg(2, peerID, at(2), false))
	b.mu.Unlock()

	require.NoError(t, s.Reconnect(context.Background()))
	require.Equal(t, StateOpen, s.State())
	require.Equal(t, []int64{1, 2}, idsOf(s.Messages()))

	frame := b.nextStream().next(t)
	require.Equal(t, []int64{1, 2}, idList(frame["message_ids"]))
}

func TestMaintainReconnects(t *testing.T) {
	b := newFakeBackend(t)
	e := newTestEngine(b)

	s, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	first := b.nextStream()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Maintain(ctx, NewBackoff(10*time.Millisecond, 50*time.Millisecond)) }()

	require.NoError(t, first.ws.Close())

	second := b.nextStream()
	require.Eventually(t, func() bool { return s.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)

	second.send(t, chatFrame(9, peerID, "back", at(1)))
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	e.CloseRoom()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Maintain did not return")
	}
}

func TestClosedSessionIgnoresEvents(t *testing.T) {
	b := newFakeBackend(t)
	log := &changeLog{}
	e := newTestEngine(b, WithObserver(log.observe))

	s, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	b.nextStream()

	e.CloseRoom()
	require.Nil(t, e.Active())
	require.Equal(t, StateClosed, s.State())
	require.ErrorIs(t, s.Reconnect(context.Background()), ErrRoomClosed)

	// Delivered through a listener of the old connection.
	s.listener(1)(MessageEvent{Message: msg(4, peerID, at(1), false)})
	require.Empty(t, s.Messages())
}

func TestReconnectReconcilesReadStateAndPresence(t *testing.T) {
	b := newFakeBackend(t)
	b.setHistory(
		msg(1, localID, at(1), false),
		msg(2, peerID, at(2), false),
	)
	log := &changeLog{}
	e := newTestEngine(b, WithObserver(log.observe))

	s, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	defer e.CloseRoom()
	first := b.nextStream()
	require.Equal(t, []int64{2}, idList(first.next(t)["message_ids"]))
	require.False(t, s.Presence().IsOnline)

	require.NoError(t, first.ws.Close())
	require.Eventually(t, func() bool { return s.State() == StateErrored }, 2*time.Second, 5*time.Millisecond)

	// Meanwhile the peer read our message, another device of ours read
	// theirs, and the peer came online.
	b.mu.Lock()
	b.messages = []models.Message{
		msg(1, localID, at(1), true),
		msg(2, peerID, at(2), true),
	}
	b.peer.IsOnline = true
	b.mu.Unlock()
	log.reset()

	require.NoError(t, s.Reconnect(context.Background()))
	b.nextStream()

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].IsRead)
	require.True(t, msgs[1].IsRead)
	require.Empty(t, s.Unread())
	require.True(t, s.Presence().IsOnline)

	require.True(t, log.has(ChangeReadState))
	require.True(t, log.has(ChangePresence))
	require.False(t, log.has(ChangeMessages))
}

func TestReconnectResendsReceiptLostWithStream(t *testing.T) {
	b := newFakeBackend(t)
	e := newTestEngine(b)

	s, err := e.OpenRoom(context.Background(), testRoom)
	require.NoError(t, err)
	defer e.CloseRoom()
	first := b.nextStream()

	first.send(t, chatFrame(5, peerID, "are you there?", at(1)))
	require.Equal(t, []int64{5}, idList(first.next(t)["message_ids"]))

	// The stream dies before the backend applied the receipt.
	require.NoError(t, first.ws.Close())
	require.Eventually(t, func() bool { return s.State() == StateErrored }, 2*time.Second, 5*time.Millisecond)
	b.setHistory(msg(5, peerID, at(1), false))

	require.NoError(t, s.Reconnect(context.Background()))
	second := b.nextStream()
	frame := second.next(t)
	require.Equal(t, "mark_as_read", frame["type"])
	require.Equal(t, []int64{5}, idList(frame["message_ids"]))
}

func TestCloseRoomCancelsDialInFlight(t *testing.T) {
	b := newFakeBackend(t)
	gate := make(chan struct{})
	defer close(gate)
	b.streamGate = gate
	e := newTestEngine(b)

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := e.OpenRoom(context.Background(), testRoom)
		done <- result{s, err}
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.streamCalls == 1
	}, 2*time.Second, 5*time.Millisecond)

	e.CloseRoom()
	select {
	case res := <-done:
		require.Nil(t, res.s)
		require.ErrorIs(t, res.err, ErrRoomClosed)
	case <-time.After(time.Second):
		t.Fatal("OpenRoom still waiting on the handshake")
	}
	require.Nil(t, e.Active())
}
