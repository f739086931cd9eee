package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/voicelink/agentdash_backend/config"
	"github.com/voicelink/agentdash_backend/elevensync"
	"github.com/voicelink/agentdash_backend/middlewares"
	"github.com/voicelink/agentdash_backend/models"
	"github.com/voicelink/agentdash_backend/vault"
)

// convai-sync-service is the sync engine as its own deployment: it serves the
// Pub/Sub push endpoint and the authenticated sync triggers, nothing else.
// Useful when long backfills should not share an autoscaler with the
// dashboard API.

const defaultPort = "8081"

func main() {
	port := os.Getenv("SYNC_SERVICE_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	secret := strings.TrimSpace(os.Getenv("CREDENTIALS_ENCRYPTION_KEY"))
	if secret == "" {
		logger.Panic("CREDENTIALS_ENCRYPTION_KEY is required")
	}
	v, err := vault.New(secret)
	if err != nil {
		logger.Panic("could not initialize credential vault: " + err.Error())
	}

	store := elevensync.NewStore(config.GetDB)
	engine := elevensync.NewEngine(store, v, logger)
	syncHandler := elevensync.NewHandler(engine, store, v, config.GetDB, logger)

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/pubsub/sync", syncHandler.PubSubPush)

	api := r.Group("/api/integrations/elevenlabs")
	api.Use(middlewares.AuthMiddleware())
	api.Use(middlewares.OrganizationMiddleware())
	{
		api.POST("/sync", syncHandler.Sync)
		api.POST("/sync/async", syncHandler.SyncAsync)
		api.GET("/sync/runs", syncHandler.History)
		api.GET("/sync/runs/:id", syncHandler.RunDetail)
		api.POST("/sync/runs/:id/retry", syncHandler.RetryRun)
	}

	srv := &http.Server{Addr: ":" + port, Handler: r}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// The dashboard service owns migrations; this service assumes the
	// schema exists unless told otherwise.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RUN_MIGRATIONS")), "true") {
		models.MigrateTable()
	}

	logger.WithFields(logrus.Fields{"port": port}).Info("convai sync service ready")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}
