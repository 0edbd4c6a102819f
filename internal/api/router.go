package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wellness-chat/internal/auth"
	"wellness-chat/internal/handlers"
)

type Handlers struct {
	Auth      *handlers.AuthHandlers
	Rooms     *handlers.RoomHandlers
	WebSocket *handlers.WebSocketHandlers
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger *zap.SugaredLogger, authService *auth.Service, h Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(observe(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", health)

	r.With(enforceJSON).Post("/register", h.Auth.Register)
	r.With(enforceJSON).Post("/login", h.Auth.Login)

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(handlers.RequireAuth(authService))

		r.Get("/messages/{room}/", h.Rooms.History)
		r.Get("/rooms/", h.Rooms.ListRooms)
		r.With(enforceJSON).Post("/rooms/", h.Rooms.StartRoom)
		r.Get("/rooms/{room}/peer/", h.Rooms.Peer)
	})

	r.Get("/ws/chat/{room}/", h.WebSocket.HandleWebSocket)

	return r
}

func health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
