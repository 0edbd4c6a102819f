package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"wellness-chat/internal/auth"
	"wellness-chat/internal/database"
	"wellness-chat/internal/metrics"
	"wellness-chat/internal/models"
	"wellness-chat/pkg/logger"
)

type AuthHandlers struct {
	authService *auth.Service
}

func NewAuthHandlers(authService *auth.Service) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	response, err := h.authService.Register(r.Context(), &req)
	if err != nil {
		var verr *auth.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Reason)
		case errors.Is(err, database.ErrUserExists):
			writeError(w, http.StatusConflict, "user already exists")
		default:
			logger.Error("Registration error: %v", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	metrics.UsersRegistered.Inc()
	writeJSON(w, http.StatusCreated, response)
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	response, err := h.authService.Login(r.Context(), &req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		logger.Error("Login error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, response)
}
