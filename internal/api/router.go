// Package api wires together all HTTP routes for the audit and provenance service.
//
// Route grouping philosophy:
//   - Every business route requires authentication. Audit appends, signature
//     ceremonies, and traceability writes come from authenticated users or
//     service keys; there is no anonymous surface beyond health probes.
//   - Ledger queries and chain verification sit behind an additional admin
//     gate: an authenticated caller who is not an administrator gets 403,
//     while a missing or invalid token gets 401 before the gate is reached.
package api

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/veritrail/veritrail/internal/api/auditapi"
	"github.com/veritrail/veritrail/internal/api/traceability"
	"github.com/veritrail/veritrail/internal/auth"
	"github.com/veritrail/veritrail/internal/config"
	"github.com/veritrail/veritrail/internal/db/repositories"
	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/ledger/mirror"
	"github.com/veritrail/veritrail/internal/middleware"
	"github.com/veritrail/veritrail/internal/snapshot"
	"github.com/veritrail/veritrail/internal/storage"

	// Import storage backends to register them
	_ "github.com/veritrail/veritrail/internal/storage/azure"
	_ "github.com/veritrail/veritrail/internal/storage/gcs"
	_ "github.com/veritrail/veritrail/internal/storage/local"
	_ "github.com/veritrail/veritrail/internal/storage/s3"
)

// BackgroundServices holds resources that must be released during graceful
// shutdown. The caller (cmd/server) is responsible for calling Shutdown()
// after the HTTP server has drained in-flight requests.
type BackgroundServices struct {
	mirrorShipper mirror.Shipper
	rateLimiters  []middleware.Limiter
}

// Shutdown stops rate limiter goroutines and flushes the mirror shipper.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.mirrorShipper != nil {
		if err := bg.mirrorShipper.Close(); err != nil {
			slog.Error("failed to close mirror shipper", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sqlx.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	// Initialize storage backend
	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage backend: %v", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)

	// Initialize repositories
	auditRepo := repositories.NewAuditRepository(db)
	historyRepo := repositories.NewHistoryRepository(db)
	serviceKeyRepo := repositories.NewServiceKeyRepository(db)

	// Initialize the mirror shipper. It stays a nil interface when no
	// destination is configured so the ledger writer skips shipping entirely.
	var shipper mirror.Shipper
	bg := &BackgroundServices{}
	if cfg.Mirror.Enabled {
		ms, err := mirror.NewMultiShipper(mirrorConfigs(cfg))
		if err != nil {
			log.Fatalf("Failed to initialize mirror shipper: %v", err)
		}
		if ms != nil {
			shipper = ms
			bg.mirrorShipper = ms
			slog.Info("ledger mirroring enabled", "destinations", len(cfg.Mirror.Shippers))
		}
	}

	// Initialize the ledger core and snapshot stores
	writer := ledger.NewWriter(auditRepo, shipper)
	chainVerifier := ledger.NewVerifier(auditRepo)
	signer := ledger.NewSigner(auditRepo, cfg.Signing.Secret, cfg.Signing.MaxAuthAge)
	snapStore := snapshot.NewStore(storageBackend, cfg.Storage.DefaultBackend,
		cfg.Snapshots.URLExpiry, cfg.Snapshots.ArchivalURLExpiry)
	historyLedger := snapshot.NewHistoryLedger(historyRepo, cfg.History.Strict)

	tokenVerifier := auth.NewVerifier(cfg.Auth.JWTSecret)

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// Readiness check endpoint (includes storage backend probe)
	router.GET("/ready", readinessHandler(db, storageBackend))

	// API version
	router.GET("/version", versionHandler())

	// File serving endpoint for local storage with ServeDirectly enabled
	if cfg.Storage.DefaultBackend == "local" && cfg.Storage.Local.ServeDirectly {
		router.GET("/v1/files/*filepath", ServeFileHandler(storageBackend))
	}

	// Initialize rate limiters
	generalRateLimiter := buildRateLimiter(cfg, middleware.DefaultRateLimitConfig())
	writeRateLimiter := buildRateLimiter(cfg, middleware.WriteRateLimitConfig())
	bg.rateLimiters = append(bg.rateLimiters, generalRateLimiter, writeRateLimiter)

	apiV1 := router.Group("/api/v1")

	// Authenticated endpoints
	authenticated := apiV1.Group("")
	authenticated.Use(middleware.RequireIdentity(tokenVerifier, cfg, serviceKeyRepo))
	if cfg.Security.RateLimiting.Enabled {
		authenticated.Use(middleware.RateLimitMiddleware(generalRateLimiter))
	}
	{
		// Ledger writes and the signature ceremony are open to any
		// authenticated caller; the writer stamps the acting identity.
		authenticated.POST("/audit/records",
			middleware.RateLimitMiddleware(writeRateLimiter),
			auditapi.AppendRecordHandler(writer))
		authenticated.POST("/audit/records/:id/sign",
			middleware.RateLimitMiddleware(writeRateLimiter),
			auditapi.SignRecordHandler(signer))

		// Ledger queries and verification require the admin gate
		auditRead := authenticated.Group("/audit")
		auditRead.Use(middleware.RequireAuditAdmin(cfg))
		{
			auditRead.GET("/records", auditapi.ListRecordsHandler(auditRepo))
			auditRead.GET("/records/:id", auditapi.GetRecordHandler(auditRepo))
			auditRead.GET("/verify", auditapi.VerifyChainHandler(chainVerifier))
		}

		// Standalone snapshot upload for archival and export flows
		authenticated.POST("/snapshots",
			middleware.RateLimitMiddleware(writeRateLimiter),
			traceability.UploadSnapshotHandler(snapStore))

		// Traceability: scopes, snapshot recording, history queries
		authenticated.POST("/traceability/scopes",
			middleware.RateLimitMiddleware(writeRateLimiter),
			traceability.OpenScopeHandler(historyLedger))
		authenticated.GET("/traceability/scopes/:id", traceability.GetScopeHandler(historyLedger))
		authenticated.POST("/traceability/:entityId/history",
			middleware.RateLimitMiddleware(writeRateLimiter),
			traceability.RecordSnapshotHandler(snapStore, historyLedger))
		authenticated.GET("/traceability/:entityId/history", traceability.ListHistoryHandler(historyLedger))
		authenticated.GET("/traceability/:entityId/history/:scopeId/document",
			traceability.FetchDocumentHandler(snapStore, historyLedger))
		authenticated.GET("/traceability/:entityId/latest", traceability.LatestHandler(snapStore, historyLedger))
	}

	return router, bg
}

// buildRateLimiter returns a Redis-backed limiter when a Redis address is
// configured (shared buckets across replicas) and an in-process limiter
// otherwise.
func buildRateLimiter(cfg *config.Config, rlCfg middleware.RateLimitConfig) middleware.Limiter {
	if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
		rlCfg.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
	}
	if cfg.Security.RateLimiting.Burst > 0 {
		rlCfg.BurstSize = cfg.Security.RateLimiting.Burst
	}

	if addr := cfg.Security.RateLimiting.RedisAddr; addr != "" {
		return middleware.NewRedisRateLimiter(addr,
			cfg.Security.RateLimiting.RedisPassword,
			cfg.Security.RateLimiting.RedisDB, rlCfg)
	}
	return middleware.NewRateLimiter(rlCfg)
}

// mirrorConfigs converts the viper-backed mirror configuration into the
// shipper package's own config type.
func mirrorConfigs(cfg *config.Config) []mirror.Config {
	configs := make([]mirror.Config, 0, len(cfg.Mirror.Shippers))
	for _, sc := range cfg.Mirror.Shippers {
		mc := mirror.Config{
			Enabled: sc.Enabled,
			Type:    sc.Type,
		}
		if sc.Webhook != nil {
			mc.Webhook = &mirror.WebhookConfig{
				URL:           sc.Webhook.URL,
				Headers:       sc.Webhook.Headers,
				Timeout:       time.Duration(sc.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     sc.Webhook.BatchSize,
				FlushInterval: time.Duration(sc.Webhook.FlushInterval) * time.Second,
			}
		}
		if sc.File != nil {
			mc.File = &mirror.FileConfig{
				Path:       sc.File.Path,
				MaxSizeMB:  sc.File.MaxSizeMB,
				MaxBackups: sc.File.MaxBackups,
			}
		}
		configs = append(configs, mc)
	}
	return configs
}

// healthCheckHandler returns the health status of the service
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

// readinessHandler returns the readiness status of the service. Unlike the
// liveness probe (/health), this also checks the storage backend so a
// readiness gate fails when snapshot writes would error.
func readinessHandler(db *sqlx.DB, storageBackend storage.Storage) gin.HandlerFunc {
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

		// Probe with a known-absent sentinel path. Exists() exercises
		// authentication and network connectivity without creating state.
		if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":     "veritrail",
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured request logging via slog
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.Any("request_id", requestID),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
