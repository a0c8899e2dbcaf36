// Package api wires together all HTTP routes for the audit engine.
//
// Route grouping philosophy:
//   - /health, /ready, and /version are unauthenticated so that load
//     balancers and orchestrators can probe the process without credentials.
//   - Everything under /api/v1/ requires a tenant-scoped bearer token. There
//     are no partially authenticated data routes: the tenant guard either
//     establishes a scope or the request is rejected outright.
//
// Middleware runs in a fixed order: security headers first (they apply even
// to rejected requests), then request ID, metrics, rate limiting, and
// finally authentication on the protected group.
package api

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/projectpulse/audit-engine/internal/aiprovider"
	"github.com/projectpulse/audit-engine/internal/alerts"
	"github.com/projectpulse/audit-engine/internal/anomaly"
	"github.com/projectpulse/audit-engine/internal/api/anomalies"
	"github.com/projectpulse/audit-engine/internal/api/events"
	"github.com/projectpulse/audit-engine/internal/classify"
	"github.com/projectpulse/audit-engine/internal/config"
	"github.com/projectpulse/audit-engine/internal/crypto"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
	"github.com/projectpulse/audit-engine/internal/jobs"
	"github.com/projectpulse/audit-engine/internal/middleware"
	"github.com/projectpulse/audit-engine/internal/safego"
)

// BackgroundServices holds references to background jobs that must be
// stopped during graceful shutdown. The caller (cmd/server) is responsible
// for calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	sweeper     *jobs.AnomalySweeper
	retrainer   *jobs.ModelRetrainer
	auditor     *jobs.ChainAuditor
	biasChecker *jobs.BiasChecker
}

// Shutdown stops all background goroutines. It should be called after the
// HTTP server has been shut down so that in-flight requests drain first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.sweeper != nil {
		bg.sweeper.Stop()
	}
	if bg.retrainer != nil {
		bg.retrainer.Stop()
	}
	if bg.auditor != nil {
		bg.auditor.Stop()
	}
	if bg.biasChecker != nil {
		bg.biasChecker.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router and starts the background
// jobs. rdb may be nil when Redis is not configured; the classification
// cache and rate limiter then run purely in-process.
func NewRouter(cfg *config.Config, db *sqlx.DB, rdb *redis.Client) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	logger := slog.Default()

	// Field-level encryption key for sensitive event fields. The process
	// cannot run without it: storing audit details in plaintext is not a
	// degraded mode we offer.
	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		log.Fatal("ENCRYPTION_KEY environment variable must be set")
	}
	cipher, err := crypto.NewFieldCipher([]byte(encryptionKey))
	if errors.Is(err, crypto.ErrKeyLengthInvalid) {
		// Operators may hand us a passphrase instead of raw key material;
		// derive the key then. The salt is fixed so every replica of the
		// deployment derives the same key from the same passphrase.
		cipher, err = crypto.DeriveFieldCipher(encryptionKey, []byte("projectpulse-audit-field-key-v1"), 100000)
	}
	if err != nil {
		log.Fatalf("Failed to initialize field cipher: %v", err)
	}

	// Repositories
	eventRepo := repositories.NewEventRepository(db, cipher, cfg.Chain.AppendRetries, cfg.Chain.MaxBatchSize)
	anomalyRepo := repositories.NewAnomalyRepository(db)
	alertRepo := repositories.NewAlertRepository(db)
	modelRepo := repositories.NewModelRepository(db)

	// Detection and classification pipeline
	engine := anomaly.NewEngine(cfg.Anomaly, eventRepo, modelRepo, anomalyRepo, logger)
	provider := aiprovider.NewClient(cfg.AI, logger)
	classifier := classify.NewClassifier(provider, logger)
	cache := classify.NewCache(cfg.Classification.CacheTTL, rdb, logger)
	monitor := alerts.NewMonitor(alertRepo, anomalyRepo, alerts.NewLogNotifier(logger), logger)
	biasMonitor := alerts.NewBiasMonitor(eventRepo, alertRepo, logger)

	// Background jobs
	bg := &BackgroundServices{
		sweeper: jobs.NewAnomalySweeper(eventRepo, anomalyRepo, engine, classifier, cache,
			monitor, logger, cfg.Jobs.SweepIntervalMinutes),
		retrainer:   jobs.NewModelRetrainer(modelRepo, engine, logger, cfg.Jobs.RetrainIntervalHours),
		auditor:     jobs.NewChainAuditor(eventRepo, logger, cfg.Jobs.ChainAuditIntervalHours),
		biasChecker: jobs.NewBiasChecker(biasMonitor, logger, cfg.Alerts.BiasWindowDays),
	}
	jobCtx := context.Background()
	safego.Go(func() { bg.sweeper.Start(jobCtx) })
	safego.Go(func() { bg.retrainer.Start(jobCtx) })
	safego.Go(func() { bg.auditor.Start(jobCtx) })
	safego.Go(func() { bg.biasChecker.Start(jobCtx) })
	logger.Info("background jobs started",
		"sweep_interval_minutes", cfg.Jobs.SweepIntervalMinutes,
		"retrain_interval_hours", cfg.Jobs.RetrainIntervalHours,
		"chain_audit_interval_hours", cfg.Jobs.ChainAuditIntervalHours)

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders(cfg.Security))
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.RateLimit(cfg.Security.RateLimiting, rdb))

	// Probe endpoints
	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, rdb))
	router.GET("/version", versionHandler())

	// Authenticated API
	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth())
	events.NewHandler(eventRepo, cfg.Chain, logger).RegisterRoutes(v1)
	anomalies.NewHandler(anomalyRepo, alertRepo, modelRepo, logger).RegisterRoutes(v1)

	return router, bg
}

func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler also probes Redis when configured. Redis is optional
// infrastructure, so a missing client is not a readiness failure, but a
// configured-and-unreachable one is.
func readinessHandler(db *sqlx.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if rdb != nil {
			if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}
