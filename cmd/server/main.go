package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"wellness-chat/internal/api"
	"wellness-chat/internal/auth"
	"wellness-chat/internal/config"
	"wellness-chat/internal/database"
	"wellness-chat/internal/handlers"
	"wellness-chat/internal/services"
	"wellness-chat/internal/websocket"
	"wellness-chat/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	if cfg.Server.LogJSON {
		if z, err := zap.NewProduction(); err == nil {
			logger.SetGlobal(logger.FromZap(z))
		}
	}
	defer logger.Sync()

	// Initialize database
	db := openDatabase(cfg)
	defer db.Close()

	// Initialize services
	authService := auth.NewService(db, cfg)
	roomService := services.NewRoomService(db)

	// Initialize WebSocket hub manager
	hubManager := websocket.NewManager(db, roomService, logger.L())

	// Initialize handlers
	router := api.NewRouter(logger.L(), authService, api.Handlers{
		Auth:      handlers.NewAuthHandlers(authService),
		Rooms:     handlers.NewRoomHandlers(roomService),
		WebSocket: handlers.NewWebSocketHandlers(authService, roomService, hubManager),
	})

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	logger.Info("🚀 Server started on http://localhost%s (storage: %s)", cfg.Server.Port, cfg.Database.Storage)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws/chat/{room}/?token=", cfg.Server.Port)
	printAPIEndpoints()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error: %v", err)
	}
	hubManager.Shutdown()
}

func openDatabase(cfg *config.Config) database.Database {
	if cfg.Database.Storage == config.StorageMemory {
		logger.Warn("Using in-memory storage, data is lost on exit")
		return database.NewMemoryDB()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewPostgresDB(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		logger.Fatal("Failed to migrate database: %v", err)
	}
	return db
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   POST /register")
	logger.Info("   POST /login")
	logger.Info("   GET  /api/chat/rooms/")
	logger.Info("   POST /api/chat/rooms/")
	logger.Info("   GET  /api/chat/messages/{room}/")
	logger.Info("   GET  /api/chat/rooms/{room}/peer/")
	logger.Info("   GET  /health")
	logger.Info("   GET  /metrics")
}
