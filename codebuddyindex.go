// Package codebuddyindex exposes the semantic code index as an embeddable
// service: a SQLite-backed vector store, an embedding pipeline, and a
// safeguards controller wired together behind an MCP tool server.
package codebuddyindex

import (
	"context"
	"log/slog"

	"github.com/olasunkanmi-SE/codebuddy-index/internal/config"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/errortypes"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/pipeline"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/providers"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/safeguards"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/server"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/telemetry"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/vector"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/vectorstore"
)

// Config represents the configuration for the code index service.
type Config = config.Config

// Components holds the wired service internals for callers that embed the
// index rather than running it as an MCP server.
type Components struct {
	Store      vectorstore.VectorStore
	Pipeline   *pipeline.Pipeline
	Safeguards *safeguards.Controller
	Metrics    *telemetry.MetricsCollector
}

// Server represents the code index service.
type Server struct {
	config     *config.Config
	components *Components
	toolServer server.IndexToolServer
	logger     *slog.Logger
}

// ServerOptions defines the options for creating a new Server.
type ServerOptions struct {
	Config     *Config      // Pre-filled config. If nil, ConfigPath is used.
	ConfigPath string       // Path to config file. Used if Config is nil. If both are empty, DefaultConfig() is used.
	Logger     *slog.Logger // External logger. If nil, slog.Default() is used.
}

// NewServer creates a new code index Server with the given options.
// If opts.Config is provided, it will be used directly. Otherwise, if
// opts.ConfigPath is provided, configuration will be loaded from that path.
// If neither is provided, DefaultConfig() will be used.
func NewServer(opts ServerOptions) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg *Config
	var err error

	if opts.Config != nil {
		cfg = opts.Config
		logger.Info("Using provided Config object for server initialization")
	} else if opts.ConfigPath != "" {
		logger.Info("Loading configuration for server initialization", "path", opts.ConfigPath)
		cfg, err = config.LoadConfigWithPath(opts.ConfigPath)
		if err != nil {
			logger.Error("Failed to load configuration from path", "path", opts.ConfigPath, "error", err)
			return nil, errortypes.ConfigError(err, "Failed to load configuration from path: "+opts.ConfigPath)
		}
	} else {
		logger.Warn("No Config object or ConfigPath provided, using default configuration")
		cfg = DefaultConfig()
	}

	components, err := CreateComponents(cfg, logger)
	if err != nil {
		logger.Error("Failed to create components during server initialization", "error", err)
		return nil, err
	}

	logger.Info("Initializing index tool server component")
	mcpServer := server.NewIndexToolServer(components.Store, components.Pipeline, components.Safeguards)
	if err := mcpServer.Initialize(); err != nil {
		logger.Error("Failed to initialize MCP index tool server component", "error", err)
		components.Safeguards.Dispose()
		components.Store.Dispose()
		return nil, errortypes.ConfigError(err, "Failed to initialize MCP index tool server component")
	}

	logger.Info("Code index server successfully initialized")
	return &Server{
		config:     cfg,
		components: components,
		toolServer: mcpServer,
		logger:     logger,
	}, nil
}

// DefaultConfig returns the default configuration for the code index service.
func DefaultConfig() *Config {
	return config.NewConfig()
}

// Start starts the code index service. It blocks until the MCP transport
// shuts down.
func (s *Server) Start() error {
	s.logger.Info("Starting code index service")
	s.components.Safeguards.Start()
	return s.toolServer.Start()
}

// Stop stops the code index service, flushing pending writes.
func (s *Server) Stop() error {
	s.logger.Info("Stopping code index service")
	if err := s.toolServer.Stop(); err != nil {
		s.logger.Error("Error stopping tool server", "error", err)
		return err
	}

	s.components.Safeguards.Dispose()

	s.logger.Info("Closing index store")
	if err := s.components.Store.Dispose(); err != nil {
		s.logger.Error("Failed to close index store", "error", err)
		return err
	}

	s.logger.Info("Code index service stopped")
	return nil
}

// Search runs a semantic search against the index.
func (s *Server) Search(ctx context.Context, query string, limit int, threshold float64) ([]vectorstore.SearchResult, error) {
	queryVector, err := s.components.Pipeline.GenerateEmbedding(ctx, query)
	if err != nil {
		s.logger.Error("Failed to create embedding for query", "query", query, "error", err)
		return nil, err
	}
	results, err := s.components.Store.Search(ctx, queryVector, limit, threshold)
	if err != nil {
		s.logger.Error("Failed to search index", "limit", limit, "error", err)
		return nil, err
	}
	s.logger.Info("Retrieved search results", "count", len(results))
	return results, nil
}

// GetComponents returns the wired service internals.
func (s *Server) GetComponents() *Components {
	return s.components
}

// CreateComponents creates and initializes the service components without
// creating a server instance. This is useful for callers that need direct
// access to the store, pipeline, and safeguards controller.
func CreateComponents(cfg *Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}

	metrics := telemetry.NewMetricsCollector()

	logger.Info("Initializing SQLite vector store", "path", cfg.Store.SQLitePath)
	store := vectorstore.NewSQLiteVectorStore(cfg.FlushDebounce(), metrics)
	if err := store.Initialize(cfg.Store.SQLitePath); err != nil {
		logger.Error("Failed to initialize SQLite vector store", "path", cfg.Store.SQLitePath, "error", err)
		return nil, errortypes.DatabaseError(err, "Failed to initialize SQLite vector store")
	}

	logger.Info("Initializing embedder", "provider", cfg.Embedder.Provider, "dimensions", cfg.Embedder.Dimensions)
	dimensions := cfg.Embedder.Dimensions
	if dimensions <= 0 {
		dimensions = vector.DefaultEmbeddingDimensions
	}
	var emb vector.Embedder
	switch cfg.Embedder.Provider {
	case "mock", "":
		emb = vector.NewMockEmbedder(dimensions)
	default:
		logger.Warn("Unknown embedder provider, using mock embedder", "provider", cfg.Embedder.Provider)
		emb = vector.NewMockEmbedder(dimensions)
	}

	provider, err := createDescriptionProvider(cfg, logger)
	if err != nil {
		store.Dispose()
		return nil, err
	}

	pipe := pipeline.New(emb, provider, pipeline.Options{
		BatchSize:            cfg.Pipeline.BatchSize,
		MaxRetries:           cfg.Pipeline.MaxRetries,
		RetryDelay:           cfg.RetryDelay(),
		BatchDelay:           cfg.BatchDelay(),
		RequestsPerMinute:    cfg.Pipeline.RequestsPerMinute,
		DescriptionMaxLength: cfg.Descriptions.MaxLength,
	}, metrics, logger)

	guards := safeguards.NewController(safeguards.Config{
		Limits: safeguards.ResourceLimits{
			MaxMemoryMB:      cfg.Safeguards.MaxMemoryMB,
			MaxHeapMB:        cfg.Safeguards.MaxHeapMB,
			MaxCPUPercent:    cfg.Safeguards.MaxCpuPercent,
			GCThresholdMB:    cfg.Safeguards.GcThresholdMB,
			AlertThresholdMB: cfg.Safeguards.AlertThresholdMB,
		},
		BreakerFailureThreshold: cfg.Safeguards.BreakerFailureThreshold,
		BreakerCooldown:         cfg.BreakerCooldown(),
		MonitorInterval:         cfg.MonitorInterval(),
	}, safeguards.Hooks{
		ClearCaches:     pipe.ClearCache,
		ReduceBatchSize: pipe.ReduceBatchSize,
		PauseIndexing: func() {
			pipe.Pause()
			// Committing here keeps already-indexed chunks safe if the
			// process is killed while paused.
			if err := store.SaveToDisk(); err != nil {
				logger.Error("Failed to flush store while pausing", "error", err)
			}
		},
		ResumeIndexing: pipe.Resume,
		RestartWorker: func() {
			pipe.RestartEmbedder()
			pipe.ResetBatchSize()
		},
	}, metrics, logger)

	logger.Info("Components successfully initialized")
	return &Components{
		Store:      store,
		Pipeline:   pipe,
		Safeguards: guards,
		Metrics:    metrics,
	}, nil
}

// createDescriptionProvider builds the optional description backend. An
// empty provider name disables descriptions entirely.
func createDescriptionProvider(cfg *Config, logger *slog.Logger) (providers.Provider, error) {
	switch cfg.Descriptions.Provider {
	case "":
		logger.Info("No description provider configured, descriptions disabled")
		return nil, nil
	case "mock":
		return providers.NewTestProvider("mock", "mock description", nil), nil
	default:
		factory := providers.NewProviderFactory(map[string]providers.Config{
			cfg.Descriptions.Provider: {
				APIKey:  cfg.Descriptions.ApiKey,
				ModelID: cfg.Descriptions.ModelID,
			},
		})
		provider, err := factory.GetProvider(cfg.Descriptions.Provider)
		if err != nil {
			logger.Error("Failed to create description provider", "provider", cfg.Descriptions.Provider, "error", err)
			return nil, errortypes.ConfigError(err, "Failed to create description provider")
		}
		return provider, nil
	}
}
