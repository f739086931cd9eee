package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/voicelink/agentdash_backend/config"
	"github.com/voicelink/agentdash_backend/dashboard"
	"github.com/voicelink/agentdash_backend/elevensync"
	"github.com/voicelink/agentdash_backend/middlewares"
	"github.com/voicelink/agentdash_backend/models"
	"github.com/voicelink/agentdash_backend/vault"
)

const defaultPort = "8080"

// RateLimiter throttles per client IP using Redis counters.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if exists == 0 {
		if err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err(); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func credentialVault(logger *logrus.Logger) *vault.Vault {
	secret := strings.TrimSpace(os.Getenv("CREDENTIALS_ENCRYPTION_KEY"))
	if secret == "" {
		secret = "AgentDash-Dev-Key"
		logger.Warn("CREDENTIALS_ENCRYPTION_KEY not set; using development default")
	}
	v, err := vault.New(secret)
	if err != nil {
		logger.Panic("could not initialize credential vault: " + err.Error())
	}
	return v
}

func buildCORS() cors.Config {
	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Deny all when unconfigured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "X-Correlation-Id")
	corsConfig.AllowCredentials = true
	return corsConfig
}

func registerRoutes(r *gin.Engine, logger *logrus.Logger) {
	v := credentialVault(logger)
	store := elevensync.NewStore(config.GetDB)
	engine := elevensync.NewEngine(store, v, logger)
	syncHandler := elevensync.NewHandler(engine, store, v, config.GetDB, logger)
	dashHandler := dashboard.NewHandler(config.GetDB, logger)

	r.POST("/api/auth/login", dashHandler.Login)

	// Pub/Sub push subscriptions authenticate at the infrastructure level
	// (OIDC on the subscription), not with a dashboard session.
	r.POST("/pubsub/sync", syncHandler.PubSubPush)

	api := r.Group("/api")
	api.Use(middlewares.AuthMiddleware())
	api.Use(middlewares.OrganizationMiddleware())
	{
		api.GET("/me", dashHandler.Me)

		api.GET("/agents", dashHandler.ListAgents)
		api.POST("/agents", dashHandler.CreateAgent)
		api.PUT("/agents/:id", dashHandler.UpdateAgent)
		api.DELETE("/agents/:id", dashHandler.DeleteAgent)

		api.GET("/conversations", dashHandler.ListConversations)
		api.GET("/conversations/stats", dashHandler.Stats)
		api.GET("/conversations/export", dashHandler.ExportConversations)
		api.GET("/conversations/:id", dashHandler.GetConversation)
		api.GET("/conversations/:id/audio", dashHandler.ConversationAudio)

		integrations := api.Group("/integrations/elevenlabs")
		{
			integrations.GET("", syncHandler.Status)
			integrations.POST("/connect", syncHandler.Connect)
			integrations.POST("/test", syncHandler.Test)
			integrations.POST("/approve", middlewares.RequireAdmin(), syncHandler.Approve)
			integrations.DELETE("", syncHandler.Disconnect)

			integrations.POST("/sync", syncHandler.Sync)
			integrations.POST("/sync/async", syncHandler.SyncAsync)
			integrations.GET("/sync/runs", syncHandler.History)
			integrations.GET("/sync/runs/:id", syncHandler.RunDetail)
			integrations.POST("/sync/runs/:id/retry", syncHandler.RetryRun)
		}
	}

	r.NoRoute(customNotFoundHandler)
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for a
	// graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision
	// healthy. Until DB/Redis are ready, app endpoints answer 503.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.Use(cors.New(buildCORS()))

	// Optional rate limiting for public deployments.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		r.Use(func(c *gin.Context) {
			rdb := config.GetRedisDB()
			if rdb == nil {
				c.Next()
				return
			}
			NewRateLimiter(rdb, limit, time.Duration(windowSec)*time.Second).RateLimitMiddleware(c)
		})
	}

	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())

	registerRoutes(r, logger)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can run DDL that blocks tables; allow running migrations
	// as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	logger.WithFields(logrus.Fields{
		"port": port,
	}).Info("agentdash backend ready")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
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

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
