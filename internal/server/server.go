package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/localrivet/gomcp/server"

	"github.com/olasunkanmi-SE/codebuddy-index/internal/errortypes"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/pipeline"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/safeguards"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/tools"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/util"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/vectorstore"
)

// Common server error types
var (
	ErrServerNotInitialized = errors.New("server not initialized")
	ErrMissingDependencies  = errors.New("one or more required dependencies are nil")
)

// DefaultIndexTimeout bounds one guarded indexing run.
const DefaultIndexTimeout = 5 * time.Minute

// MCPIndexToolServer implements the IndexToolServer interface for handling
// MCP tool calls against the code index.
type MCPIndexToolServer struct {
	store      vectorstore.VectorStore
	pipeline   *pipeline.Pipeline
	safeguards *safeguards.Controller
	mcpServer  server.Server
}

// NewIndexToolServer creates a new MCPIndexToolServer instance.
func NewIndexToolServer(store vectorstore.VectorStore, pipe *pipeline.Pipeline, guards *safeguards.Controller) *MCPIndexToolServer {
	return &MCPIndexToolServer{
		store:      store,
		pipeline:   pipe,
		safeguards: guards,
	}
}

// Initialize initializes the server with dependencies and configurations.
func (s *MCPIndexToolServer) Initialize() error {
	slog.Info("Initializing MCP Index Tool Server")

	if s.store == nil || s.pipeline == nil || s.safeguards == nil {
		return errortypes.ConfigError(ErrMissingDependencies, "server initialization failed")
	}

	srv := server.NewServer("codebuddy-index")

	srv = srv.Tool(tools.ToolIndexFile, "Index a source file's chunks into the semantic code index",
		s.handleIndexFile)

	srv = srv.Tool(tools.ToolRemoveFile, "Remove a file and all its chunks from the index",
		s.handleRemoveFile)

	srv = srv.Tool(tools.ToolSearch, "Search the index by semantic similarity to a query",
		s.handleSearch)

	srv = srv.Tool(tools.ToolKeywordSearch, "Search the index by keyword matching",
		s.handleKeywordSearch)

	srv = srv.Tool(tools.ToolGetStats, "Report the number of indexed chunks and files",
		s.handleGetStats)

	srv = srv.Tool(tools.ToolClearIndex, "Remove every chunk and file from the index",
		s.handleClearIndex)

	srv = srv.Tool(tools.ToolSafeguardsStatus, "Report resource usage and safeguards state",
		s.handleSafeguardsStatus)

	s.mcpServer = srv
	slog.Info("MCP Index Tool Server initialized successfully", "tool_count", 7)
	return nil
}

// Start starts the MCP server on the stdio transport.
func (s *MCPIndexToolServer) Start() error {
	if s.mcpServer == nil {
		return errortypes.ConfigError(ErrServerNotInitialized, "cannot start server")
	}

	slog.Info("Starting MCP Index Tool Server")

	stdioServer := s.mcpServer.AsStdio()
	return stdioServer.Run()
}

// Stop gracefully shuts down the MCP server.
func (s *MCPIndexToolServer) Stop() error {
	slog.Info("Stopping MCP Index Tool Server")
	// The server will exit when stdin is closed
	return nil
}

// handleIndexFile handles the index_file MCP tool call.
func (s *MCPIndexToolServer) handleIndexFile(ctx *server.Context, req tools.IndexFileRequest) (tools.IndexFileResponse, error) {
	slog.Info("Processing index_file request",
		"file_path", req.FilePath, "content_length", len(req.Content), "chunks", len(req.Chunks))

	response := tools.IndexFileResponse{
		Status: "success",
	}

	if req.FilePath == "" {
		err := errortypes.ValidationError(errors.New("file_path cannot be empty"), "invalid index_file request")
		errortypes.LogError(nil, err)
		response.Status = "error"
		response.Error = err.Error()
		return response, nil
	}

	contentHash := util.HashContent(req.Content)

	if !req.Force {
		changed, err := s.store.IsFileChanged(req.FilePath, contentHash)
		if err != nil {
			err = errortypes.DatabaseError(err, "failed to check file state").
				WithField("file_path", req.FilePath)
			errortypes.LogError(nil, err)
			response.Status = "error"
			response.Error = err.Error()
			return response, nil
		}
		if !changed {
			slog.Info("File unchanged, skipping", "file_path", req.FilePath)
			response.Skipped = true
			return response, nil
		}
	}

	chunks := s.buildChunks(req)

	s.safeguards.SetIndexingActive(true)
	defer s.safeguards.SetIndexingActive(false)

	var result *pipeline.BatchResult
	err := s.safeguards.Execute(context.Background(), tools.ToolIndexFile,
		safeguards.ExecOptions{Timeout: DefaultIndexTimeout},
		func(execCtx context.Context) error {
			var procErr error
			result, procErr = s.pipeline.ProcessChunks(execCtx, chunks, true)
			if procErr != nil {
				return procErr
			}

			// Stale chunks from a previous version of the file must not
			// survive re-indexing.
			if remErr := s.store.RemoveFile(req.FilePath); remErr != nil {
				return remErr
			}

			docs := make([]vectorstore.Document, 0, len(result.Successful))
			for _, item := range result.Successful {
				docs = append(docs, vectorstore.Document{
					ID:        item.ID,
					Text:      item.Text,
					Vector:    item.Vector,
					FilePath:  item.FilePath,
					StartLine: item.StartLine,
					EndLine:   item.EndLine,
					ChunkType: item.ChunkType,
					Language:  item.Language,
				})
			}
			if addErr := s.store.AddDocuments(execCtx, docs); addErr != nil {
				return addErr
			}
			// Record the hash only for a fully indexed file. A partial run
			// leaves the stored hash stale, so a later index_file of the
			// same content retries the failed chunks instead of skipping.
			if len(result.Failed) > 0 {
				return nil
			}
			return s.store.UpdateFileMetadata(req.FilePath, contentHash, len(docs))
		})
	if err != nil {
		err = errortypes.InternalError(err, "failed to index file").
			WithField("file_path", req.FilePath)
		errortypes.LogError(nil, err)
		response.Status = "error"
		response.Error = err.Error()
		return response, nil
	}

	response.ChunksIndexed = len(result.Successful)
	response.ChunksFailed = len(result.Failed)
	slog.Info("Successfully indexed file",
		"file_path", req.FilePath, "indexed", response.ChunksIndexed, "failed", response.ChunksFailed)
	return response, nil
}

// buildChunks converts the request payload into pipeline chunks, treating
// the whole file as one chunk when the client sent none.
func (s *MCPIndexToolServer) buildChunks(req tools.IndexFileRequest) []pipeline.Chunk {
	if len(req.Chunks) == 0 {
		lines := strings.Count(req.Content, "\n") + 1
		return []pipeline.Chunk{{
			ID:        util.ChunkID(req.FilePath, 1, lines),
			Text:      req.Content,
			FilePath:  req.FilePath,
			StartLine: 1,
			EndLine:   lines,
			ChunkType: "file",
			Language:  req.Language,
		}}
	}

	chunks := make([]pipeline.Chunk, 0, len(req.Chunks))
	for _, c := range req.Chunks {
		chunks = append(chunks, pipeline.Chunk{
			ID:        util.ChunkID(req.FilePath, c.StartLine, c.EndLine),
			Text:      c.Text,
			FilePath:  req.FilePath,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			ChunkType: c.ChunkType,
			Language:  req.Language,
		})
	}
	return chunks
}

// handleRemoveFile handles the remove_file MCP tool call.
func (s *MCPIndexToolServer) handleRemoveFile(ctx *server.Context, req tools.RemoveFileRequest) (tools.RemoveFileResponse, error) {
	slog.Info("Processing remove_file request", "file_path", req.FilePath)

	response := tools.RemoveFileResponse{
		Status: "success",
	}

	if req.FilePath == "" {
		err := errortypes.ValidationError(errors.New("file_path cannot be empty"), "invalid remove_file request")
		errortypes.LogError(nil, err)
		response.Status = "error"
		response.Error = err.Error()
		return response, nil
	}

	if err := s.store.RemoveFile(req.FilePath); err != nil {
		err = errortypes.DatabaseError(err, "failed to remove file").
			WithField("file_path", req.FilePath)
		errortypes.LogError(nil, err)
		response.Status = "error"
		response.Error = err.Error()
		return response, nil
	}

	slog.Info("Successfully removed file", "file_path", req.FilePath)
	return response, nil
}

// handleSearch handles the search MCP tool call.
func (s *MCPIndexToolServer) handleSearch(ctx *server.Context, req tools.SearchRequest) (tools.SearchResponse, error) {
	slog.Info("Processing search request", "query", req.Query, "limit", req.Limit)

	response := tools.SearchResponse{
		Status:  "success",
		Results: []tools.SearchResultPayload{},
	}

	limit := req.Limit
	if limit <= 0 {
		limit = tools.DefaultSearchLimit
	}
	// Only an omitted threshold falls back to the default; an explicit 0
	// means "no similarity filter".
	threshold := tools.DefaultSearchThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	queryVector, err := s.pipeline.GenerateEmbedding(context.Background(), req.Query)
	if err != nil {
		err = errortypes.APIError(err, "failed to create embedding for query").
			WithField("query", req.Query)
		errortypes.LogError(nil, err)
		response.Status = "error"
		response.Error = err.Error()
		return response, nil
	}

	results, err := s.store.Search(context.Background(), queryVector, limit, threshold)
	if err != nil {
		err = errortypes.DatabaseError(err, "failed to search index").
			WithField("limit", limit)
		errortypes.LogError(nil, err)
		response.Status = "error"
		response.Error = err.Error()
		return response, nil
	}

	for _, r := range results {
		response.Results = append(response.Results, tools.SearchResultPayload{
			ID:         r.ID,
			Text:       r.Text,
			FilePath:   r.FilePath,
			StartLine:  r.StartLine,
			EndLine:    r.EndLine,
			Similarity: r.Similarity,
		})
	}

	slog.Info("Successfully searched index", "count", len(response.Results))
	return response, nil
}

// handleKeywordSearch handles the keyword_search MCP tool call.
func (s *MCPIndexToolServer) handleKeywordSearch(ctx *server.Context, req tools.KeywordSearchRequest) (tools.KeywordSearchResponse, error) {
	slog.Info("Processing keyword_search request", "query", req.Query, "limit", req.Limit)

	response := tools.KeywordSearchResponse{
		Status:  "success",
		Results: []tools.KeywordResultPayload{},
	}

	limit := req.Limit
	if limit <= 0 {
		limit = tools.DefaultSearchLimit
	}

	results, err := s.store.KeywordSearch(context.Background(), req.Query, limit)
	if err != nil {
		err = errortypes.DatabaseError(err, "failed to keyword-search index").
			WithField("limit", limit)
		errortypes.LogError(nil, err)
		response.Status = "error"
		response.Error = err.Error()
		return response, nil
	}

	for _, r := range results {
		response.Results = append(response.Results, tools.KeywordResultPayload{
			ID:        r.ID,
			Text:      r.Text,
			FilePath:  r.FilePath,
			StartLine: r.StartLine,
			EndLine:   r.EndLine,
			Score:     r.Score,
		})
	}

	slog.Info("Successfully keyword-searched index", "count", len(response.Results))
	return response, nil
}

// handleGetStats handles the get_stats MCP tool call.
func (s *MCPIndexToolServer) handleGetStats(ctx *server.Context, req tools.GetStatsRequest) (tools.GetStatsResponse, error) {
	slog.Info("Processing get_stats request")

	response := tools.GetStatsResponse{
		Status: "success",
	}

	stats, err := s.store.GetStats()
	if err != nil {
		err = errortypes.DatabaseError(err, "failed to read index stats")
		errortypes.LogError(nil, err)
		response.Status = "error"
		response.Error = err.Error()
		return response, nil
	}

	response.TotalChunks = stats.TotalChunks
	response.ChunksWithVectors = stats.ChunksWithVectors
	response.TotalFiles = stats.TotalFiles
	response.DBPath = stats.DBPath
	return response, nil
}

// handleClearIndex handles the clear_index MCP tool call.
func (s *MCPIndexToolServer) handleClearIndex(ctx *server.Context, req tools.ClearIndexRequest) (tools.ClearIndexResponse, error) {
	slog.Info("Processing clear_index request")

	response := tools.ClearIndexResponse{
		Status: "success",
	}

	if req.Confirmation != "confirm" {
		response.Status = "error"
		response.Error = "Confirmation required. Set confirmation to 'confirm' to proceed with clearing the index"
		slog.Warn("Clear index operation rejected: missing confirmation")
		return response, nil
	}

	if err := s.store.Clear(); err != nil {
		err = errortypes.DatabaseError(err, "failed to clear index")
		errortypes.LogError(nil, err)
		response.Status = "error"
		response.Error = err.Error()
		return response, nil
	}

	slog.Info("Successfully cleared index")
	return response, nil
}

// handleSafeguardsStatus handles the safeguards_status MCP tool call.
func (s *MCPIndexToolServer) handleSafeguardsStatus(ctx *server.Context, req tools.SafeguardsStatusRequest) (tools.SafeguardsStatusResponse, error) {
	slog.Info("Processing safeguards_status request", "resume", req.Resume)

	response := tools.SafeguardsStatusResponse{
		Status: "success",
	}

	if req.Resume {
		if err := s.safeguards.Resume(); err != nil {
			errortypes.LogError(nil, err)
			response.Status = "error"
			response.Error = err.Error()
			// Still report the current state below.
		}
	}

	status := s.safeguards.GetStatus()
	response.Healthy = status.Healthy
	response.CircuitState = status.CircuitState
	response.EmergencyStopped = status.EmergencyStopped
	response.HeapUsedMB = status.Usage.HeapUsedMB
	response.RSSMB = status.Usage.RSSMB
	response.CPUPercent = status.Usage.CPUPercent
	return response, nil
}
