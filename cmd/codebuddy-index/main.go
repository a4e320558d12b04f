package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/olasunkanmi-SE/codebuddy-index/internal/config"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/errortypes"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/logger"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/server"

	codebuddyindex "github.com/olasunkanmi-SE/codebuddy-index"
)

func main() {
	// Initialize logging first thing
	appLogger := setupLogging()

	appLogger.Info("CodeBuddy Index MCP Server - Starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		errortypes.LogError(nil, err)
		appLogger.Fatal("Failed to load configuration")
	}

	// Configure logging based on config
	if cfg.Logging.Level != "" {
		appLogger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
		appLogger.Info("Log level set to %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format == "json" {
		appLogger.SetFormat(logger.JSON)
		appLogger.Info("Log format set to JSON")
	}

	// Components log through slog; build their handler from the same
	// logging config so level and format apply process-wide.
	slogLogger := buildSlogLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(slogLogger)

	// Wire the store, pipeline and safeguards controller
	components, err := codebuddyindex.CreateComponents(cfg, slogLogger)
	if err != nil {
		errortypes.LogError(nil, err)
		appLogger.Fatal("Failed to initialize index components")
	}
	appLogger.WithContext("store").Info("SQLite vector store initialized at %s", cfg.Store.SQLitePath)

	// Initialize the MCP server
	srv := server.NewIndexToolServer(components.Store, components.Pipeline, components.Safeguards)
	srvLogger := appLogger.WithContext("server")

	if err := srv.Initialize(); err != nil {
		errortypes.LogError(nil, errortypes.ConfigError(err, "Failed to initialize MCP server"))
		appLogger.Fatal("Failed to initialize MCP server")
	}
	srvLogger.Info("MCP server initialized")

	// Start the background resource monitor
	components.Safeguards.Start()

	// Handle graceful shutdown
	setupSignalHandler(components, appLogger)

	// Start the MCP server (this will block until the server is terminated)
	srvLogger.Info("Starting MCP server...")
	if err := srv.Start(); err != nil {
		errortypes.LogError(nil, errortypes.APIError(err, "MCP server failed"))
		appLogger.Fatal("Failed to start MCP server")
	}
}

// buildSlogLogger constructs the slog logger the components share, honoring
// the configured level and format.
func buildSlogLogger(level, format string) *slog.Logger {
	var slogLevel slog.Level
	switch logger.ParseLevel(level) {
	case logger.DEBUG:
		slogLevel = slog.LevelDebug
	case logger.WARN:
		slogLevel = slog.LevelWarn
	case logger.ERROR, logger.FATAL, logger.DISABLED:
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: slogLevel}
	var handler slog.Handler
	if logger.ParseFormat(format) == logger.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// setupLogging configures and returns the application logger
func setupLogging() *logger.Logger {
	cfg := logger.DefaultConfig()

	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		cfg.Level = logger.ParseLevel(levelStr)
	}

	appLogger := logger.New(cfg)
	logger.SetDefaultLogger(appLogger)
	return appLogger
}

// setupSignalHandler sets up a signal handler for graceful shutdown.
func setupSignalHandler(components *codebuddyindex.Components, log *logger.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Info("Received shutdown signal, terminating gracefully...")

		components.Safeguards.Dispose()

		// Dispose flushes any buffered writes before closing
		if err := components.Store.Dispose(); err != nil {
			errortypes.LogError(nil, errortypes.DatabaseError(err, "Error closing store during shutdown"))
		} else {
			log.Info("Index store closed successfully")
		}

		log.Info("Shutdown complete")
		os.Exit(0)
	}()
}
