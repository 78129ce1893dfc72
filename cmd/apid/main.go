// Command apid is the metadata API process spec.md §1 places outside
// the collaboration core: document lifecycle and permission grants.
// Grounded on the donor's cmd/api/main.go, generalized from its bare
// r.Run(":"+port) into an explicit http.Server with graceful shutdown,
// matching cmd/collabd's shape.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/collabcore/server/internal/api"
	"github.com/collabcore/server/internal/auth"
	"github.com/collabcore/server/internal/config"
	"github.com/collabcore/server/internal/db"
	"github.com/collabcore/server/internal/logger"
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

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	handler := api.NewHandler(database, verifier, cfg.JWTSecret)

	engine := gin.Default()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.ClientOrigin},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: cfg.ClientOrigin != "*",
		MaxAge:           12 * time.Hour,
	}))

	handler.RegisterRoutes(engine)

	httpServer := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("apid listening on port %s", cfg.APIPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("apid failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("apid shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("apid http shutdown error: %v", err)
	}

	cancel()
	logger.Info("apid stopped")
}
