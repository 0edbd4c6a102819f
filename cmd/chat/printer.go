package main

import (
	"fmt"
	"io"
	"sync"

	"wellness-chat/internal/models"
	"wellness-chat/internal/session"
)

// printer renders session changes as lines of text. Each message and each
// read flip is printed once.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	self   int64
	source func() *session.Session
	shown  map[int64]bool
	read   map[int64]bool
}

func newPrinter(out io.Writer, self int64, source func() *session.Session) *printer {
	return &printer{
		out:    out,
		self:   self,
		source: source,
		shown:  make(map[int64]bool),
		read:   make(map[int64]bool),
	}
}

func (p *printer) Observe(c session.Change) {
	s := p.source()
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch c {
	case session.ChangeMessages:
		p.messages(s)
	case session.ChangeReadState:
		p.receipts(s)
	case session.ChangePresence:
		p.presence(s)
	case session.ChangeConnection:
		fmt.Fprintf(p.out, "-- connection %s\n", s.State())
	}
}

// Snapshot prints the whole room as currently held by s.
func (p *printer) Snapshot(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	peer := s.Peer()
	fmt.Fprintf(p.out, "== %s with %s\n", s.RoomID(), peer.DisplayName)
	p.presence(s)
	p.messages(s)
	for _, m := range s.Messages() {
		if m.SenderID == p.self && m.IsRead {
			p.read[m.ID] = true
		}
	}
}

func (p *printer) messages(s *session.Session) {
	name := s.Peer().DisplayName
	for _, m := range s.Messages() {
		if p.shown[m.ID] {
			continue
		}
		p.shown[m.ID] = true
		fmt.Fprintln(p.out, formatMessage(m, p.self, name))
	}
}

func (p *printer) receipts(s *session.Session) {
	for _, m := range s.Messages() {
		if m.SenderID != p.self || !m.IsRead || p.read[m.ID] {
			continue
		}
		p.read[m.ID] = true
		fmt.Fprintf(p.out, "   ✓✓ #%d read\n", m.ID)
	}
}

func (p *printer) presence(s *session.Session) {
	st := s.Presence()
	if st.IsOnline {
		fmt.Fprintln(p.out, "-- peer is online")
		return
	}
	if seen, ok := st.VisibleLastSeen(); ok {
		fmt.Fprintf(p.out, "-- peer is offline, last seen %s\n", seen.Local().Format("Jan 2 15:04"))
		return
	}
	fmt.Fprintln(p.out, "-- peer is offline")
}

func formatMessage(m models.Message, self int64, peerName string) string {
	who := peerName
	mark := ""
	if m.SenderID == self {
		who = "me"
		mark = " ✓"
		if m.IsRead {
			mark = " ✓✓"
		}
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.SentAt.Local().Format("15:04"), who, m.Text, mark)
}
