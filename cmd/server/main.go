// Package main is the entry point for the veritrail server binary. It
// dispatches subcommands (serve, migrate, verify-chain, servicekey, and
// version) via a simple switch on os.Args so the binary's full CLI surface is
// readable in one place without requiring a cobra dependency. The serve
// command runs auto-migration on startup so freshly deployed containers never
// need a separate migration step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- pprof serves only on a dedicated internal port, never the API listener.
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veritrail/veritrail/internal/api"
	"github.com/veritrail/veritrail/internal/auth"
	"github.com/veritrail/veritrail/internal/config"
	"github.com/veritrail/veritrail/internal/db"
	"github.com/veritrail/veritrail/internal/db/models"
	"github.com/veritrail/veritrail/internal/db/repositories"
	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "verify-chain":
		limit := ledger.DefaultVerifyLimit
		if len(os.Args) > 2 {
			limit, err = strconv.Atoi(os.Args[2])
			if err != nil {
				return fmt.Errorf("usage: %s verify-chain [limit]", os.Args[0])
			}
		}
		return verifyChain(cfg, limit)
	case "servicekey":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s servicekey <name> [admin]", os.Args[0])
		}
		admin := len(os.Args) > 3 && os.Args[3] == "admin"
		return createServiceKey(cfg, os.Args[2], admin)
	case "version":
		fmt.Printf("veritrail v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, verify-chain, servicekey, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logging as early as possible so all subsequent
	// output uses the configured format and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Surface degraded-security modes loudly at startup rather than at first use.
	if cfg.Auth.JWTSecret == "" && cfg.Server.IsProduction() {
		return fmt.Errorf("auth.jwt_secret must be configured in production")
	}
	if cfg.Signing.Secret == "" {
		slog.Warn("no signing secret configured; electronic signatures will use an ephemeral per-process key")
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	// Begin exporting DB pool statistics to Prometheus.
	telemetry.StartDBStatsCollector(database)

	// Run migrations automatically on startup
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", schemaVersion, "dirty", dirty)
	}

	// Prometheus metrics live on a dedicated port so the scrape path stays off
	// the public ingress and skips the API's rate limiting.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	// pprof on its own internal port, off by default.
	if cfg.Telemetry.Profiling.Enabled {
		pprofAddr := fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port)
		go func() {
			slog.Info("starting pprof server", "addr", pprofAddr)
			srv := &http.Server{
				Addr:         pprofAddr,
				Handler:      http.DefaultServeMux, // net/http/pprof registers here at init time
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("pprof server error", "error", err)
			}
		}()
	}

	sqlxDB := sqlx.NewDb(database, "postgres")
	router, bgServices := api.NewRouter(cfg, sqlxDB)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"storage_backend", cfg.Storage.DefaultBackend,
			"history_strict", cfg.History.Strict)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// verifyChain runs a chain verification pass from the command line and exits
// non-zero when the chain is broken, which makes it usable from cron or a CI
// compliance check.
func verifyChain(cfg *config.Config, limit int) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	auditRepo := repositories.NewAuditRepository(sqlx.NewDb(database, "postgres"))
	verifier := ledger.NewVerifier(auditRepo)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := verifier.VerifyChain(ctx, limit)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	if !result.OK {
		return fmt.Errorf("chain integrity broken at record %s (examined %d records)", result.BreakAt, result.Count)
	}
	fmt.Printf("chain intact: %d records verified\n", result.Count)
	return nil
}

// createServiceKey mints a machine credential and prints the raw key exactly
// once; only its bcrypt hash is stored.
func createServiceKey(cfg *config.Config, name string, admin bool) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	rawKey, hash, displayPrefix, err := auth.GenerateServiceKey(cfg.Auth.ServiceKeys.Prefix)
	if err != nil {
		return fmt.Errorf("failed to generate service key: %w", err)
	}

	keyRepo := repositories.NewServiceKeyRepository(sqlx.NewDb(database, "postgres"))
	key := &models.ServiceKey{
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: displayPrefix,
		Admin:     admin,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := keyRepo.CreateServiceKey(ctx, key); err != nil {
		return fmt.Errorf("failed to store service key: %w", err)
	}

	fmt.Printf("service key created: id=%s name=%s admin=%v\n", key.ID, name, admin)
	fmt.Printf("key (shown once, store it now): %s\n", rawKey)
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	slog.Info("migration completed", "version", schemaVersion, "dirty", dirty)
	return nil
}
