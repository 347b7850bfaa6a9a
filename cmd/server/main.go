/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the meal engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize SQLite store
  3. Create API handler with dependencies
  4. Start the closing scheduler (when enabled)
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides the config
  -db      SQLite database path, overrides the config
           Use ":memory:" for in-memory database

ENVIRONMENT:
  MEAL_* variables and a local .env file override the YAML file.
  See config/config.go for the full list.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the closing scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/api"
	"github.com/jfemon8/Meal-Management-sub002/config"
	"github.com/jfemon8/Meal-Management-sub002/store/sqlite"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	cfg.SetupLogging()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	handler, err := api.NewHandler(store, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to build handler")
	}

	var scheduler *api.ClosingScheduler
	if cfg.Closing.Enabled {
		schedules, err := cfg.ClosingSchedules()
		if err != nil {
			log.WithError(err).Fatal("Invalid closing schedules")
		}
		scheduler = api.NewClosingScheduler(handler.Closer, schedules)
		scheduler.Start()
		for _, next := range scheduler.NextRuns() {
			log.WithFields(log.Fields{"meal": next.Meal, "at": next.At}).Info("Next closing run")
		}
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("addr", server.Addr).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if scheduler != nil {
		scheduler.Stop(ctx)
	}
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Server stopped")
}
