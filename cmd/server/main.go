/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the residence registry server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env files, then environment)
  2. Open the SQLite store (reconciles the schema on open)
  3. Apply the seed file, when configured
  4. Open the asset file store
  5. Configure HTTP router and start the server

ENVIRONMENT:
  PORT, DB_PATH, ASSET_ROOT, ASSET_URL_PREFIX, ASSET_MAX_IMAGE_BYTES,
  ASSET_MAX_DOCUMENT_BYTES, SEED_FILE, LOG_LEVEL, CORS_ORIGINS.
  See config/config.go for defaults.

  The server only runs on SQLite. Use cmd/reconcile to bring a Postgres
  database into shape.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - cmd/reconcile/root.go: Out-of-band schema reconciliation
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/residence-registry/api"
	"github.com/warp/residence-registry/assets"
	"github.com/warp/residence-registry/config"
	"github.com/warp/residence-registry/logging"
	"github.com/warp/residence-registry/seed"
	"github.com/warp/residence-registry/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logging.New("registry", cfg.LogLevel)

	if cfg.DBDriver != "sqlite3" {
		log.Fatalf("The server runs on sqlite3 only, got DB_DRIVER=%s", cfg.DBDriver)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath, sqlite.WithLogger(log))
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	if cfg.SeedFile != "" {
		if err := applySeed(store, cfg.SeedFile, log); err != nil {
			log.Fatalf("Failed to apply seed: %v", err)
		}
	}

	files, err := assets.NewFileStore(cfg.Assets.Root, cfg.Assets.Limits(), log)
	if err != nil {
		log.Fatalf("Failed to open asset store: %v", err)
	}

	handler := api.NewHandler(store, files, cfg.Assets.URLPrefix, log)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "db": cfg.DBPath, "assets": files.Root()}).
			Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped")
}

func applySeed(store *sqlite.Store, path string, log logrus.FieldLogger) error {
	doc, err := seed.LoadFile(path)
	if err != nil {
		return err
	}
	res, err := seed.Apply(context.Background(), store, doc)
	if err != nil {
		return err
	}
	log.WithField("seed_file", path).Info("Seed applied: " + res.String())
	return nil
}
