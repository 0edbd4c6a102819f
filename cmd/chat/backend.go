package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wellness-chat/internal/models"
)

// backend wraps the account and room endpoints the terminal client needs
// before it can hand a room over to the session engine.
type backend struct {
	baseURL string
	http    *http.Client
}

func newBackend(baseURL string) *backend {
	return &backend{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *backend) Register(ctx context.Context, username, email, password string) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	err := b.do(ctx, http.MethodPost, "/register", "", models.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *backend) Login(ctx context.Context, email, password string) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	err := b.do(ctx, http.MethodPost, "/login", "", models.LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *backend) StartRoom(ctx context.Context, token string, peerID int64) (*models.Room, error) {
	var room models.Room
	if err := b.do(ctx, http.MethodPost, "/api/chat/rooms/", token, map[string]int64{"peer_id": peerID}, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (b *backend) Rooms(ctx context.Context, token string) ([]models.RoomSummary, error) {
	var rooms []models.RoomSummary
	if err := b.do(ctx, http.MethodGet, "/api/chat/rooms/", token, nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (b *backend) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
