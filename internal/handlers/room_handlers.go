package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wellness-chat/internal/models"
	"wellness-chat/internal/services"
	"wellness-chat/pkg/logger"
)

type RoomHandlers struct {
	roomService *services.RoomService
}

func NewRoomHandlers(roomService *services.RoomService) *RoomHandlers {
	return &RoomHandlers{
		roomService: roomService,
	}
}

type startRoomRequest struct {
	PeerID int64 `json:"peer_id"`
}

// History serves GET /api/chat/messages/{room}/.
func (h *RoomHandlers) History(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	msgs, err := h.roomService.History(r.Context(), chi.URLParam(r, "room"), user.ID)
	if err != nil {
		writeRoomError(w, "History", err)
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}

// Peer serves GET /api/chat/rooms/{room}/peer/.
func (h *RoomHandlers) Peer(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	peer, err := h.roomService.PeerDetail(r.Context(), chi.URLParam(r, "room"), user.ID)
	if err != nil {
		writeRoomError(w, "Peer detail", err)
		return
	}

	writeJSON(w, http.StatusOK, peer)
}

func (h *RoomHandlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	rooms, err := h.roomService.ListUserRooms(r.Context(), user.ID)
	if err != nil {
		logger.Error("List rooms error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, rooms)
}

// StartRoom returns the room shared with the requested peer, creating it
// when needed.
func (h *RoomHandlers) StartRoom(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req startRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	room, err := h.roomService.StartRoom(r.Context(), user.ID, req.PeerID)
	if err != nil {
		writeRoomError(w, "Start room", err)
		return
	}

	writeJSON(w, http.StatusOK, room)
}

func writeRoomError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidRoomName), errors.Is(err, services.ErrSelfChat):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, services.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room not found")
	default:
		logger.Error("%s error: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
