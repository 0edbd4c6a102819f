package session

import (
	"strings"
	"sync"
)

// StateReporter is anything that knows whether the room stream is open.
type StateReporter interface {
	State() State
}

// Composer holds the draft being typed for the room.
type Composer struct {
	conn StateReporter

	mu    sync.Mutex
	draft string
}

func NewComposer(conn StateReporter) *Composer {
	return &Composer{conn: conn}
}

func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

func (c *Composer) AppendText(fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft += fragment
}

func (c *Composer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = ""
}

// Commit turns the draft into an outbound message. A whitespace-only draft
// is cleared and yields nil. While the stream is not open Commit yields nil
// and keeps the draft. On success the draft is cleared before returning.
func (c *Composer) Commit() *OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	text := strings.TrimSpace(c.draft)
	if text == "" {
		c.draft = ""
		return nil
	}
	if c.conn == nil || c.conn.State() != StateOpen {
		return nil
	}

	c.draft = ""
	return &OutboundMessage{Text: text}
}

// restore puts text back when a committed message could not be sent and
// nothing new was typed meanwhile.
func (c *Composer) restore(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draft == "" {
		c.draft = text
	}
}
