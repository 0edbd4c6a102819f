package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"wellness-chat/internal/config"
	"wellness-chat/internal/session"
	"wellness-chat/pkg/logger"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		logger.Fatal("Cannot parse client config: %v", err)
	}
	defer logger.Sync()

	email := flag.String("email", cfg.Email, "account email (CHAT_EMAIL)")
	password := flag.String("password", cfg.Password, "account password (CHAT_PASSWORD)")
	username := flag.String("register", "", "register a new account with this username before logging in")
	peerID := flag.Int64("peer", 0, "user id of the participant to chat with")
	list := flag.Bool("rooms", false, "list rooms and exit")
	flag.Parse()

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -email EMAIL -password PASSWORD [-register USERNAME] (-peer ID | -rooms)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := newBackend(cfg.HTTPURL)
	if *username != "" {
		if _, err := api.Register(ctx, *username, *email, *password); err != nil {
			logger.Fatal("Registration failed: %v", err)
		}
	}
	account, err := api.Login(ctx, *email, *password)
	if err != nil {
		logger.Fatal("Login failed: %v", err)
	}

	if *list {
		rooms, err := api.Rooms(ctx, account.Token)
		if err != nil {
			logger.Fatal("Listing rooms failed: %v", err)
		}
		for _, r := range rooms {
			last := ""
			if r.LastMessage != nil {
				last = *r.LastMessage
			}
			fmt.Printf("%-20s %-16s (id %d) %s\n", r.Name, r.Peer.Username, r.Peer.ID, last)
		}
		return
	}
	if *peerID <= 0 {
		logger.Fatal("A -peer id is required")
	}

	room, err := api.StartRoom(ctx, account.Token, *peerID)
	if err != nil {
		logger.Fatal("Opening room failed: %v", err)
	}

	if err := run(ctx, cfg, session.Credentials{Token: account.Token, UserID: account.User.ID}, room.Name); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("%v", err)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, creds session.Credentials, roomName string) error {
	var engine *session.Engine
	out := newPrinter(os.Stdout, creds.UserID, func() *session.Session { return engine.Active() })

	log := session.WithLogger(logger.L())
	engine = session.NewEngine(
		session.NewHistoryLoader(cfg.HTTPURL, log),
		session.NewManager(cfg.WSURL, log, session.WithDialer(&websocket.Dialer{HandshakeTimeout: cfg.DialTimeout})),
		creds,
		log,
		session.WithObserver(out.Observe),
	)
	defer engine.CloseRoom()

	s, err := engine.OpenRoom(ctx, roomName)
	if err != nil {
		return fmt.Errorf("opening %s: %w", roomName, err)
	}
	out.Snapshot(s)

	go func() {
		if err := s.Maintain(ctx, session.NewBackoff(cfg.BackoffInitial, cfg.BackoffMax)); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Reconnect loop stopped: %v", err)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			submit(s, line)
		}
	}
}

func submit(s *session.Session, line string) {
	c := s.Composer()
	if c.Draft() != "" {
		line = "\n" + line
	}
	c.AppendText(line)

	_, err := s.Submit()
	switch {
	case errors.Is(err, session.ErrNotConnected):
		fmt.Fprintf(os.Stdout, "-- not connected (%s), message kept as draft\n", s.State())
	case err != nil:
		fmt.Fprintf(os.Stdout, "-- send failed: %v\n", err)
	}
}
