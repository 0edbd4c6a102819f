package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"wellness-chat/internal/models"
)

const (
	testToken = "secret-token"
	testRoom  = "chat_1_2"
	localID   = int64(1)
	peerID    = int64(2)
)

var testCreds = Credentials{Token: testToken, UserID: localID}

// fakeBackend serves history, peer detail and room streams for one room.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	messages      []models.Message
	peer          models.PeerProfile
	historyStatus int
	rejectStream  bool
	historyCalls  int
	historyGate   chan struct{}
	streamGate    chan struct{}
	streamCalls   int

	streams chan *fakeStream
}

type fakeStream struct {
	ws      *websocket.Conn
	inbound chan []byte
	writeMu sync.Mutex
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	b := &fakeBackend{
		t:       t,
		peer:    models.PeerProfile{UserID: peerID, DisplayName: "therapist"},
		streams: make(chan *fakeStream, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/messages/", b.handleHistory)
	mux.HandleFunc("/api/chat/rooms/", b.handlePeer)
	mux.HandleFunc("/ws/chat/", b.handleStream)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) httpURL() string { return b.srv.URL }

func (b *fakeBackend) wsURL() string { return "ws" + strings.TrimPrefix(b.srv.URL, "http") }

func (b *fakeBackend) setHistory(msgs ...models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = msgs
}

func (b *fakeBackend) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+testToken
}

func (b *fakeBackend) handleHistory(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.historyCalls++
	status := b.historyStatus
	msgs := b.messages
	gate := b.historyGate
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !b.authorized(r) {
		writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if status != 0 {
		writeTestJSON(w, status, map[string]string{"error": "boom"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeTestJSON(w, http.StatusOK, msgs)
}

func (b *fakeBackend) handlePeer(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	b.mu.Lock()
	peer := b.peer
	b.mu.Unlock()
	writeTestJSON(w, http.StatusOK, peer)
}

func (b *fakeBackend) handleStream(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.streamCalls++
	reject := b.rejectStream
	gate := b.streamGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if reject || r.URL.Query().Get("token") != testToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s := &fakeStream{ws: ws, inbound: make(chan []byte, 32)}
	b.streams <- s
	go func() {
		defer close(s.inbound)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			s.inbound <- data
		}
	}()
}

func (b *fakeBackend) nextStream() *fakeStream {
	b.t.Helper()
	select {
	case s := <-b.streams:
		return s
	case <-time.After(2 * time.Second):
		b.t.Fatal("no stream was opened")
		return nil
	}
}

func (s *fakeStream) send(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.sendRaw(t, data)
}

func (s *fakeStream) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	require.NoError(t, s.ws.WriteMessage(websocket.TextMessage, data))
}

func (s *fakeStream) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case data, ok := <-s.inbound:
		require.True(t, ok, "stream closed")
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func (s *fakeStream) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.inbound:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream still open")
		}
	}
}

func writeTestJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func chatFrame(id, sender int64, text string, at time.Time) models.ChatMessageEvent {
	return models.ChatMessageEvent{
		Type:      models.EventChatMessage,
		Message:   text,
		SenderID:  sender,
		MessageID: id,
		Timestamp: at.Format(models.TimestampLayout),
	}
}

func msg(id, sender int64, at time.Time, read bool) models.Message {
	return models.Message{
		ID:       id,
		RoomID:   testRoom,
		SenderID: sender,
		Text:     "message",
		SentAt:   at,
		IsRead:   read,
	}
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func idsOf(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func idList(v interface{}) []int64 {
	raw, _ := v.([]interface{})
	out := make([]int64, 0, len(raw))
	for _, x := range raw {
		out = append(out, int64(x.(float64)))
	}
	return out
}

// eventRecorder collects listener events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan struct{}, 64)}
}

func (r *eventRecorder) listener(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.snapshot()
}

func (r *eventRecorder) count(match func(Event) bool) int {
	n := 0
	for _, ev := range r.snapshot() {
		if match(ev) {
			n++
		}
	}
	return n
}

func isClosed(ev Event) bool {
	_, ok := ev.(ClosedEvent)
	return ok
}
