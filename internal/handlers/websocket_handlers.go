package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"wellness-chat/internal/auth"
	"wellness-chat/internal/services"
	ws "wellness-chat/internal/websocket"
	"wellness-chat/pkg/logger"
)

type WebSocketHandlers struct {
	authService *auth.Service
	roomService *services.RoomService
	hubManager  *ws.Manager
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, roomService *services.RoomService, hubManager *ws.Manager) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		roomService: roomService,
		hubManager:  hubManager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket serves GET /ws/chat/{room}/?token=.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.authService.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	room, err := h.roomService.Authorize(r.Context(), chi.URLParam(r, "room"), user.ID)
	if err != nil {
		writeRoomError(w, "WebSocket room", err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	if err := h.hubManager.Serve(conn, user, room); err != nil {
		logger.Error("Error attaching client: %v", err)
		conn.Close()
	}
}
