// Command collabd is the collaboration-core process: the websocket
// endpoint spec.md §4 describes, backed by the Room Registry, Postgres
// persistence, and Redis fan-out. Grounded on the donor's
// cmd/collab/main.go, generalized from its bare ServeMux + CloseAll
// shutdown into a registry that checkpoints every live room on exit.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/collabcore/server/internal/auth"
	"github.com/collabcore/server/internal/config"
	"github.com/collabcore/server/internal/db"
	"github.com/collabcore/server/internal/logger"
	"github.com/collabcore/server/internal/redis"
	"github.com/collabcore/server/internal/room"
	"github.com/collabcore/server/internal/session"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database: %v", err)
	}
	defer database.Close()

	pubsub, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis: %v", err)
	}
	defer pubsub.Close()

	room.SnapshotOpThreshold = cfg.SnapshotOpThreshold
	room.CheckpointInterval = cfg.SnapshotInterval

	registry := room.NewRegistry(ctx, database, pubsub)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	sessionServer := session.NewServer(session.Config{
		JoinDeadline:      cfg.JoinDeadline,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, session.RegistryAdapter{Reg: registry}, verifier, database)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"roomCount":` + itoa(registry.Count()) + `}`))
	})
	mux.HandleFunc("/ws", sessionServer.HandleUpgrade)

	httpServer := &http.Server{
		Addr:         ":" + cfg.CollabPort,
		Handler:      corsMiddleware(cfg.ClientOrigin, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("collabd listening on port %s", cfg.CollabPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("collabd failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("collabd shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("collabd http shutdown error: %v", err)
	}

	registry.Shutdown(shutdownCtx)
	cancel()
	logger.Info("collabd stopped")
}

func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
