package session

import (
	"sync"
	"time"

	"wellness-chat/internal/models"
)

type PresenceState struct {
	UserID   int64
	IsOnline bool
	// LastSeenAt is kept across online periods; read it through VisibleLastSeen.
	LastSeenAt *time.Time
}

// VisibleLastSeen returns the last-seen time only while the peer is offline.
func (p PresenceState) VisibleLastSeen() (time.Time, bool) {
	if p.IsOnline || p.LastSeenAt == nil {
		return time.Time{}, false
	}
	return *p.LastSeenAt, true
}

// PresenceTracker follows the peer's presence. Events about anyone else,
// including the local user, are ignored.
type PresenceTracker struct {
	localUserID int64

	mu     sync.RWMutex
	seeded bool
	state  PresenceState
}

func NewPresenceTracker(localUserID int64) *PresenceTracker {
	return &PresenceTracker{localUserID: localUserID}
}

func (t *PresenceTracker) Seed(snapshot models.Presence) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seeded = true
	t.state = PresenceState{
		UserID:     snapshot.UserID,
		IsOnline:   snapshot.IsOnline,
		LastSeenAt: copyTime(snapshot.LastSeenAt),
	}
}

// OnPresenceEvent applies ev and reports whether the state changed.
func (t *PresenceTracker) OnPresenceEvent(ev models.Presence) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seeded || ev.UserID == t.localUserID || ev.UserID != t.state.UserID {
		return false
	}

	changed := t.state.IsOnline != ev.IsOnline
	t.state.IsOnline = ev.IsOnline
	if ev.LastSeenAt != nil && (t.state.LastSeenAt == nil || !t.state.LastSeenAt.Equal(*ev.LastSeenAt)) {
		t.state.LastSeenAt = copyTime(ev.LastSeenAt)
		changed = true
	}
	return changed
}

func (t *PresenceTracker) Current() PresenceState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.state
	s.LastSeenAt = copyTime(t.state.LastSeenAt)
	return s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
