/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the attendance hub server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the logger
  3. Open the record store backend (memory, sqlite or gsheets)
  4. Ensure every table exists with its header
  5. Create repository, notification service, authenticator and handler
  6. Start the schema scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  Optional YAML config file
  -env     Environment name (DEV, TEST, PROD); overrides ENV

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the schema scheduler
  4. Close the backend
  5. Exit

EXAMPLES:
  # Local development on SQLite
  ./server

  # Google Sheets backend
  ATTENDANCE_STORE_BACKEND=gsheets \
  ATTENDANCE_STORE_SPREADSHEET_ID=1AbC... \
  ./server -env=PROD

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - sheet/: Record store and backends
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/megaformation/attendance-hub/api"
	"github.com/megaformation/attendance-hub/attendance"
	"github.com/megaformation/attendance-hub/config"
	"github.com/megaformation/attendance-hub/notify"
	"github.com/megaformation/attendance-hub/sheet"
	"github.com/megaformation/attendance-hub/sheet/gsheets"
	"github.com/megaformation/attendance-hub/sheet/sqlite"
)

func main() {
	configFile := flag.String("config", "", "YAML config file")
	env := flag.String("env", "", "Environment (DEV, TEST, PROD)")
	flag.Parse()

	cfg, err := config.Load(config.Options{File: *configFile, Env: *env})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	backend, closer, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return errors.Wrap(err, "open backend")
	}
	if closer != nil {
		defer closer.Close()
	}
	store := sheet.NewStore(backend, sheet.Options{
		Retry: sheet.RetryPolicy{
			Attempts:       cfg.Store.Attempts,
			InitialBackoff: cfg.Store.InitialBackoff,
			Multiplier:     2,
		},
		StructureTTL: cfg.Store.StructureTTL,
		DataTTL:      cfg.Store.DataTTL,
		Logger:       logger.Named("sheet"),
	})

	composer := notify.NewComposer(cfg.Messaging.BaseURL, cfg.Messaging.CountryCode)
	repo := attendance.NewRepository(store,
		attendance.WithPhoneNormalizer(composer.NormalizePhone),
		attendance.WithLogger(logger.Named("attendance")))
	if err := repo.EnsureSchema(ctx); err != nil {
		return errors.Wrap(err, "ensure schema")
	}

	notifier := notify.NewService(repo, composer,
		notify.WithServiceLogger(logger.Named("notify")),
		notify.WithExamSession(cfg.Messaging.ExamSession))

	secret := cfg.Auth.Secret
	if secret == "" {
		secret = uuid.NewString() + uuid.NewString()
		logger.Warn("auth.secret not set, using a random secret; sessions end on restart")
	}
	auth := api.NewAuthenticator(secret, cfg.Auth.TokenTTL, cfg.BranchNames(), cfg.Auth.Passwords, logger.Named("auth"))

	branches := make([]api.BranchDTO, len(cfg.Branches))
	for i, b := range cfg.Branches {
		branches[i] = api.BranchDTO{Code: b.Code, Name: b.Name}
	}
	handler := api.NewHandler(repo, notifier, auth, branches, logger.Named("api"))

	scheduler := api.NewSchemaScheduler(repo, cfg.Store.SchemaCheckInterval, logger.Named("schema"))
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger.Named("http"),
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("backend", cfg.Store.Backend),
			zap.Int("branches", len(branches)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "forced shutdown")
	}

	logger.Info("server stopped")
	return nil
}

// openBackend returns the configured backend and, when it holds resources,
// its closer.
func openBackend(ctx context.Context, cfg config.Store) (sheet.Backend, io.Closer, error) {
	switch cfg.Backend {
	case "memory":
		return sheet.NewMemory(), nil, nil
	case "sqlite":
		b, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	case "gsheets":
		b, err := gsheets.New(ctx, cfg.SpreadsheetID, cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	default:
		return nil, nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}
}
