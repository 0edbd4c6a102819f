package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"wellness-chat/internal/models"
)

// History is everything a room needs before its stream is opened.
type History struct {
	Messages []models.Message
	Peer     models.PeerProfile
	Presence models.Presence
}

// HistoryLoader fetches the durable message log and the peer snapshot over HTTP.
type HistoryLoader struct {
	baseURL string
	opts    options
}

func NewHistoryLoader(baseURL string, opts ...Option) *HistoryLoader {
	return &HistoryLoader{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    newOptions(opts),
	}
}

// Load issues both fetches concurrently. It fails with ErrHistoryUnavailable
// unless both succeed.
func (l *HistoryLoader) Load(ctx context.Context, roomID string, creds Credentials) (*History, error) {
	room := url.PathEscape(roomID)
	h := &History{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.getJSON(gctx, "/api/chat/messages/"+room+"/", creds, &h.Messages)
	})
	g.Go(func() error {
		return l.getJSON(gctx, "/api/chat/rooms/"+room+"/peer/", creds, &h.Peer)
	})
	if err := g.Wait(); err != nil {
		l.opts.logger.Warnw("History load failed", "room", roomID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}

	for i := range h.Messages {
		if h.Messages[i].RoomID == "" {
			h.Messages[i].RoomID = roomID
		}
	}
	h.Presence = h.Peer.Presence()

	l.opts.logger.Debugw("History loaded", "room", roomID, "messages", len(h.Messages))
	return h, nil
}

func (l *HistoryLoader) getJSON(ctx context.Context, path string, creds Credentials, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := l.opts.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(body))
		}
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, errResp.Error)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: decoding body: %w", path, err)
	}
	return nil
}
