// Package app wires the admission engine into a runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/medrelay/admission/internal/audit"
	"github.com/medrelay/admission/internal/db"
	"github.com/medrelay/admission/internal/httpapi"
	"github.com/medrelay/admission/internal/policy"
	"github.com/medrelay/admission/internal/ratelimit"
	"github.com/medrelay/admission/internal/settings"
)

// shutdownGrace bounds how long in-flight requests get on shutdown.
const shutdownGrace = 10 * time.Second

// RunServer builds the engine from the environment and serves until ctx is
// canceled.
func RunServer(ctx context.Context, port int) error {
	cfg := settings.Load()
	policies := policy.NewStore(cfg)
	log.WithFields(log.Fields{
		"version":  policies.Version(),
		"source":   policies.Source(),
		"scale":    cfg.Scale,
		"disabled": cfg.Disabled,
	}).Info("admission: policy loaded")

	var client *redis.Client
	var store ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if errPing := client.Ping(ctxPing).Err(); errPing != nil {
			log.WithError(errPing).Warn("admission: redis unreachable at startup, degraded checks until it recovers")
		}
		cancel()
		store = ratelimit.NewRedisLimiter(client, cfg.RedisPrefix)
	} else {
		log.Info("admission: no redis configured, limits are per instance")
	}

	var recorder *audit.Recorder
	if cfg.AuditDSN != "" {
		conn, errOpen := db.Open(cfg.AuditDSN)
		if errOpen != nil {
			log.WithError(errOpen).Warn("admission: audit database unavailable, grants will not be recorded")
		} else if errMigrate := db.Migrate(conn); errMigrate != nil {
			log.WithError(errMigrate).Warn("admission: audit migration failed, grants will not be recorded")
		} else {
			recorder = audit.NewRecorder(conn)
		}
	}

	registry := ratelimit.NewBypassRegistry(ratelimit.BypassOptions{
		Client:     client,
		Prefix:     cfg.RedisPrefix,
		Auditor:    recorder,
		DefaultTTL: cfg.BypassTTL,
		MaxTTL:     settings.MaxBypassTTL,
	})
	manager := ratelimit.NewManager(policies, ratelimit.ManagerOptions{
		Store:        store,
		Registry:     registry,
		FailMode:     cfg.FailMode,
		StoreTimeout: cfg.StoreTimeout,
	})

	go func() {
		if errWatch := policy.Watch(ctx, policies); errWatch != nil && !errors.Is(errWatch, context.Canceled) {
			log.WithError(errWatch).Warn("admission: policy watcher stopped")
		}
	}()

	router := buildRouter(manager, recorder)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("admission: listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		ctxShutdown, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if errShutdown := srv.Shutdown(ctxShutdown); errShutdown != nil {
			return errShutdown
		}
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// buildRouter assembles the HTTP surface: admin/metrics routes unthrottled,
// the protected API group behind the enforcement middleware.
func buildRouter(manager *ratelimit.Manager, recorder *audit.Recorder) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	httpapi.NewHandler(manager, recorder).Register(router)

	api := router.Group("/api", httpapi.RateLimit(manager))
	api.Any("/*path", func(c *gin.Context) {
		// Placeholder for the protected upstream; deployments proxy here.
		c.JSON(http.StatusOK, gin.H{"admitted": true})
	})
	return router
}
