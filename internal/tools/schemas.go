// Package tools defines the interfaces and data structures
// for the CodeBuddy index service.
package tools

const (
	// ToolIndexFile is the name of the index_file MCP tool
	ToolIndexFile = "index_file"

	// ToolRemoveFile is the name of the remove_file MCP tool
	ToolRemoveFile = "remove_file"

	// ToolSearch is the name of the search MCP tool
	ToolSearch = "search"

	// ToolKeywordSearch is the name of the keyword_search MCP tool
	ToolKeywordSearch = "keyword_search"

	// ToolGetStats is the name of the get_stats MCP tool
	ToolGetStats = "get_stats"

	// ToolClearIndex is the name of the clear_index MCP tool
	ToolClearIndex = "clear_index"

	// ToolSafeguardsStatus is the name of the safeguards_status MCP tool
	ToolSafeguardsStatus = "safeguards_status"

	// DefaultSearchLimit is the default number of results to return
	// when no limit is specified in a search request
	DefaultSearchLimit = 5

	// DefaultSearchThreshold is the minimum similarity score a result
	// must reach when no threshold is specified
	DefaultSearchThreshold = 0.3
)

// ChunkPayload is one unit of code sent for indexing. Chunk boundaries
// are decided by the client; the server never re-splits content.
type ChunkPayload struct {
	// Text is the chunk's source text
	Text string `json:"text"`

	// StartLine is the first line of the chunk in the file (1-based)
	StartLine int `json:"start_line"`

	// EndLine is the last line of the chunk in the file
	EndLine int `json:"end_line"`

	// ChunkType describes the kind of code the chunk holds
	// (e.g. "function", "class", "block")
	ChunkType string `json:"chunk_type,omitempty"`
}

// IndexFileRequest defines the input schema for index_file tool
type IndexFileRequest struct {
	// FilePath is the workspace-relative path of the file
	FilePath string `json:"file_path"`

	// Content is the file's full text, used for change detection
	Content string `json:"content"`

	// Language is the file's programming language
	Language string `json:"language,omitempty"`

	// Chunks are the pre-split units to index. When empty, the whole
	// file content is indexed as a single chunk.
	Chunks []ChunkPayload `json:"chunks,omitempty"`

	// Force skips change detection and re-indexes even when the file
	// content is unchanged
	Force bool `json:"force,omitempty"`
}

// IndexFileResponse defines the output schema for index_file tool
type IndexFileResponse struct {
	// Status indicates the result of the operation ("success" or "error")
	Status string `json:"status"`

	// Skipped is true when the file was unchanged and not re-indexed
	Skipped bool `json:"skipped"`

	// ChunksIndexed is the number of chunks written to the store
	ChunksIndexed int `json:"chunks_indexed"`

	// ChunksFailed is the number of chunks that could not be embedded
	ChunksFailed int `json:"chunks_failed"`

	// Error contains an error message if Status is "error"
	Error string `json:"error,omitempty"`
}

// RemoveFileRequest defines the input schema for remove_file tool
type RemoveFileRequest struct {
	// FilePath is the workspace-relative path of the file to remove
	FilePath string `json:"file_path"`
}

// RemoveFileResponse defines the output schema for remove_file tool
type RemoveFileResponse struct {
	// Status indicates the result of the operation ("success" or "error")
	Status string `json:"status"`

	// Error contains an error message if Status is "error"
	Error string `json:"error,omitempty"`
}

// SearchRequest defines the input schema for search tool
type SearchRequest struct {
	// Query is the natural-language or code query to search for
	Query string `json:"query"`

	// Limit is the maximum number of results to return
	// If not specified, DefaultSearchLimit will be used
	Limit int `json:"limit,omitempty"`

	// Threshold is the minimum cosine similarity a result must reach.
	// If omitted, DefaultSearchThreshold will be used; an explicit 0
	// requests an unfiltered search.
	Threshold *float64 `json:"threshold,omitempty"`
}

// SearchResultPayload is one semantic search hit
type SearchResultPayload struct {
	// ID is the chunk's identifier
	ID string `json:"id"`

	// Text is the chunk's source text
	Text string `json:"text"`

	// FilePath is the file the chunk came from
	FilePath string `json:"file_path"`

	// StartLine and EndLine locate the chunk in the file
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// Similarity is the cosine similarity to the query, in [-1, 1]
	Similarity float64 `json:"similarity"`
}

// SearchResponse defines the output schema for search tool
type SearchResponse struct {
	// Status indicates the result of the operation ("success" or "error")
	Status string `json:"status"`

	// Results contains the matching chunks, best first
	Results []SearchResultPayload `json:"results"`

	// Error contains an error message if Status is "error"
	Error string `json:"error,omitempty"`
}

// KeywordSearchRequest defines the input schema for keyword_search tool
type KeywordSearchRequest struct {
	// Query holds the keywords to match against chunk text
	Query string `json:"query"`

	// Limit is the maximum number of results to return
	// If not specified, DefaultSearchLimit will be used
	Limit int `json:"limit,omitempty"`
}

// KeywordResultPayload is one keyword search hit
type KeywordResultPayload struct {
	// ID is the chunk's identifier
	ID string `json:"id"`

	// Text is the chunk's source text
	Text string `json:"text"`

	// FilePath is the file the chunk came from
	FilePath string `json:"file_path"`

	// StartLine and EndLine locate the chunk in the file
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// Score is the number of query keywords found in the chunk
	Score int `json:"score"`
}

// KeywordSearchResponse defines the output schema for keyword_search tool
type KeywordSearchResponse struct {
	// Status indicates the result of the operation ("success" or "error")
	Status string `json:"status"`

	// Results contains the matching chunks, best first
	Results []KeywordResultPayload `json:"results"`

	// Error contains an error message if Status is "error"
	Error string `json:"error,omitempty"`
}

// GetStatsRequest defines the input schema for get_stats tool
type GetStatsRequest struct{}

// GetStatsResponse defines the output schema for get_stats tool
type GetStatsResponse struct {
	// Status indicates the result of the operation ("success" or "error")
	Status string `json:"status"`

	// TotalChunks is the number of chunks in the index
	TotalChunks int `json:"total_chunks"`

	// ChunksWithVectors is the number of chunks that have embeddings
	ChunksWithVectors int `json:"chunks_with_vectors"`

	// TotalFiles is the number of indexed files
	TotalFiles int `json:"total_files"`

	// DBPath is the location of the index database
	DBPath string `json:"db_path"`

	// Error contains an error message if Status is "error"
	Error string `json:"error,omitempty"`
}

// ClearIndexRequest defines the input schema for clear_index tool
type ClearIndexRequest struct {
	// Confirmation is a required field to confirm the operation
	// Must be set to "confirm" to prevent accidental clearing
	Confirmation string `json:"confirmation"`
}

// ClearIndexResponse defines the output schema for clear_index tool
type ClearIndexResponse struct {
	// Status indicates the result of the operation ("success" or "error")
	Status string `json:"status"`

	// Error contains an error message if Status is "error"
	Error string `json:"error,omitempty"`
}

// SafeguardsStatusRequest defines the input schema for safeguards_status tool
type SafeguardsStatusRequest struct {
	// Resume lifts an active emergency stop before reporting, provided
	// resource usage has returned under the limits
	Resume bool `json:"resume,omitempty"`
}

// SafeguardsStatusResponse defines the output schema for safeguards_status tool
type SafeguardsStatusResponse struct {
	// Status indicates the result of the operation ("success" or "error")
	Status string `json:"status"`

	// Healthy is true when no emergency stop is active, the circuit
	// breaker is closed, and usage is under the limits
	Healthy bool `json:"healthy"`

	// CircuitState is the breaker's current state
	// ("CLOSED", "OPEN" or "HALF_OPEN")
	CircuitState string `json:"circuit_state"`

	// EmergencyStopped is true while an emergency stop is active
	EmergencyStopped bool `json:"emergency_stopped"`

	// HeapUsedMB, RSSMB and CPUPercent are the latest resource sample
	HeapUsedMB float64 `json:"heap_used_mb"`
	RSSMB      float64 `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`

	// Error contains an error message if Status is "error"
	Error string `json:"error,omitempty"`
}
