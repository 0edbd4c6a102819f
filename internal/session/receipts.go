package session

import (
	"sync"

	"go.uber.org/zap"

	"wellness-chat/internal/models"
)

// SendMarkRead transmits one mark_as_read for ids.
type SendMarkRead func(ids []int64) error

// ReceiptTracker decides which peer messages to acknowledge and makes sure
// each id is requested once: immediately while a sender is available,
// otherwise queued until the next OnConnectionReady.
type ReceiptTracker struct {
	localUserID int64
	logger      *zap.SugaredLogger

	mu        sync.Mutex
	send      SendMarkRead
	pending   []int64
	requested map[int64]struct{}
	// sent holds ids handed to the current sender; unconfirmed holds those
	// whose sender has since been lost.
	sent        map[int64]struct{}
	unconfirmed map[int64]struct{}
}

func NewReceiptTracker(localUserID int64, logger *zap.SugaredLogger) *ReceiptTracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ReceiptTracker{
		localUserID: localUserID,
		logger:      logger,
		requested:   make(map[int64]struct{}),
		sent:        make(map[int64]struct{}),
		unconfirmed: make(map[int64]struct{}),
	}
}

// OnHistoryLoaded requests one batch for every unread peer message in history.
// An id sent over a connection that was lost since is requested again when
// history still reports it unread.
func (t *ReceiptTracker) OnHistoryLoaded(messages []models.Message) {
	t.rearm(messages)
	t.request(t.collect(messages...))
}

func (t *ReceiptTracker) OnMessageReceived(m models.Message) {
	t.request(t.collect(m))
}

// OnConnectionReady installs send and flushes the queue in a single call.
func (t *ReceiptTracker) OnConnectionReady(send SendMarkRead) {
	t.mu.Lock()
	t.send = send
	ids := t.pending
	t.pending = nil
	t.mu.Unlock()

	if len(ids) > 0 {
		t.dispatch(send, ids)
	}
}

// OnConnectionLost switches the tracker back to queuing.
func (t *ReceiptTracker) OnConnectionLost() {
	t.mu.Lock()
	t.send = nil
	for id := range t.sent {
		t.unconfirmed[id] = struct{}{}
	}
	t.sent = make(map[int64]struct{})
	t.mu.Unlock()
}

// Pending returns the ids waiting for a connection.
func (t *ReceiptTracker) Pending() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int64(nil), t.pending...)
}

func (t *ReceiptTracker) rearm(messages []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range messages {
		if _, ok := t.unconfirmed[m.ID]; !ok {
			continue
		}
		delete(t.unconfirmed, m.ID)
		if !m.IsRead {
			delete(t.requested, m.ID)
		}
	}
}

func (t *ReceiptTracker) collect(messages ...models.Message) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []int64
	for _, m := range messages {
		if m.SenderID == t.localUserID || m.IsRead {
			continue
		}
		if _, ok := t.requested[m.ID]; ok {
			continue
		}
		t.requested[m.ID] = struct{}{}
		ids = append(ids, m.ID)
	}
	return ids
}

func (t *ReceiptTracker) request(ids []int64) {
	if len(ids) == 0 {
		return
	}

	t.mu.Lock()
	send := t.send
	if send == nil {
		t.pending = append(t.pending, ids...)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.dispatch(send, ids)
}

func (t *ReceiptTracker) dispatch(send SendMarkRead, ids []int64) {
	t.mu.Lock()
	for _, id := range ids {
		t.sent[id] = struct{}{}
	}
	t.mu.Unlock()

	if err := send(ids); err != nil {
		t.logger.Debugf("Queueing %d read receipts: %v", len(ids), err)

		t.mu.Lock()
		for _, id := range ids {
			delete(t.sent, id)
			delete(t.unconfirmed, id)
		}
		t.send = nil
		t.pending = append(t.pending, ids...)
		t.mu.Unlock()
	}
}
