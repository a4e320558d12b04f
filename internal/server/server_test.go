package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olasunkanmi-SE/codebuddy-index/internal/pipeline"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/safeguards"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/tools"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/vector"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/vectorstore"
)

var testError = errors.New("test error")

// MockVectorStore implements the vectorstore.VectorStore interface for testing
type MockVectorStore struct {
	AddedDocs       []vectorstore.Document
	RemovedFiles    []string
	MetadataUpdates map[string]int
	SearchResults   []vectorstore.SearchResult
	KeywordResults  []vectorstore.KeywordResult
	SearchLimit     int
	SearchThreshold float64
	FileChanged     bool
	Cleared         bool
	StatsValue      vectorstore.Stats
	ReturnError     bool
}

func newMockStore() *MockVectorStore {
	return &MockVectorStore{
		MetadataUpdates: map[string]int{},
		FileChanged:     true,
	}
}

func (m *MockVectorStore) Initialize(dbPath string) error {
	if m.ReturnError {
		return testError
	}
	return nil
}

func (m *MockVectorStore) IsFileChanged(filePath, contentHash string) (bool, error) {
	if m.ReturnError {
		return false, testError
	}
	return m.FileChanged, nil
}

func (m *MockVectorStore) AddDocument(ctx context.Context, doc vectorstore.Document) error {
	return m.AddDocuments(ctx, []vectorstore.Document{doc})
}

func (m *MockVectorStore) AddDocuments(ctx context.Context, docs []vectorstore.Document) error {
	if m.ReturnError {
		return testError
	}
	m.AddedDocs = append(m.AddedDocs, docs...)
	return nil
}

func (m *MockVectorStore) RemoveFile(filePath string) error {
	if m.ReturnError {
		return testError
	}
	m.RemovedFiles = append(m.RemovedFiles, filePath)
	return nil
}

func (m *MockVectorStore) UpdateFileMetadata(filePath, fileHash string, chunkCount int) error {
	if m.ReturnError {
		return testError
	}
	m.MetadataUpdates[filePath] = chunkCount
	return nil
}

func (m *MockVectorStore) Search(ctx context.Context, queryVector []float32, k int, threshold float64) ([]vectorstore.SearchResult, error) {
	if m.ReturnError {
		return nil, testError
	}
	m.SearchLimit = k
	m.SearchThreshold = threshold
	if len(m.SearchResults) > k {
		return m.SearchResults[:k], nil
	}
	return m.SearchResults, nil
}

func (m *MockVectorStore) KeywordSearch(ctx context.Context, query string, k int) ([]vectorstore.KeywordResult, error) {
	if m.ReturnError {
		return nil, testError
	}
	m.SearchLimit = k
	return m.KeywordResults, nil
}

func (m *MockVectorStore) GetStats() (vectorstore.Stats, error) {
	if m.ReturnError {
		return vectorstore.Stats{}, testError
	}
	return m.StatsValue, nil
}

func (m *MockVectorStore) GetIndexedFiles() ([]vectorstore.FileMetadata, error) {
	if m.ReturnError {
		return nil, testError
	}
	return nil, nil
}

func (m *MockVectorStore) Clear() error {
	if m.ReturnError {
		return testError
	}
	m.Cleared = true
	return nil
}

func (m *MockVectorStore) SaveToDisk() error { return nil }

func (m *MockVectorStore) Dispose() error { return nil }

func newTestServer(t *testing.T, store vectorstore.VectorStore) *MCPIndexToolServer {
	t.Helper()

	pipe := pipeline.New(vector.NewMockEmbedder(8), nil, pipeline.Options{}, nil, nil)
	guards := safeguards.NewController(safeguards.Config{}, safeguards.Hooks{}, nil, nil)
	t.Cleanup(guards.Dispose)

	srv := NewIndexToolServer(store, pipe, guards)
	if err := srv.Initialize(); err != nil {
		t.Fatalf("Failed to initialize server: %v", err)
	}
	return srv
}

func TestIndexFile(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store)

	req := tools.IndexFileRequest{
		FilePath: "src/auth.go",
		Content:  "package auth\n\nfunc Login() {}\n",
		Language: "go",
		Chunks: []tools.ChunkPayload{
			{Text: "func Login() {}", StartLine: 3, EndLine: 3, ChunkType: "function"},
		},
	}

	response, err := srv.handleIndexFile(nil, req)
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "success" {
		t.Fatalf("Expected status 'success', got '%s' (%s)", response.Status, response.Error)
	}
	if response.Skipped {
		t.Error("Changed file must not be skipped")
	}
	if response.ChunksIndexed != 1 {
		t.Errorf("Expected 1 chunk indexed, got %d", response.ChunksIndexed)
	}

	if len(store.AddedDocs) != 1 {
		t.Fatalf("Expected 1 stored document, got %d", len(store.AddedDocs))
	}
	doc := store.AddedDocs[0]
	if doc.FilePath != "src/auth.go" || doc.StartLine != 3 {
		t.Errorf("Unexpected document %+v", doc)
	}
	if len(doc.Vector) != 8 {
		t.Errorf("Expected 8-dim vector, got %d", len(doc.Vector))
	}

	// Old chunks are dropped before the new ones land.
	if len(store.RemovedFiles) != 1 || store.RemovedFiles[0] != "src/auth.go" {
		t.Errorf("Expected stale chunks removed, got %v", store.RemovedFiles)
	}
	if count := store.MetadataUpdates["src/auth.go"]; count != 1 {
		t.Errorf("Expected metadata chunk count 1, got %d", count)
	}
}

func TestIndexFileUnchangedSkips(t *testing.T) {
	store := newMockStore()
	store.FileChanged = false
	srv := newTestServer(t, store)

	response, err := srv.handleIndexFile(nil, tools.IndexFileRequest{
		FilePath: "src/auth.go",
		Content:  "package auth",
	})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "success" || !response.Skipped {
		t.Errorf("Expected skipped success, got %+v", response)
	}
	if len(store.AddedDocs) != 0 {
		t.Errorf("Unchanged file must not be re-indexed, stored %d docs", len(store.AddedDocs))
	}
}

func TestIndexFileForceOverridesChangeDetection(t *testing.T) {
	store := newMockStore()
	store.FileChanged = false
	srv := newTestServer(t, store)

	response, err := srv.handleIndexFile(nil, tools.IndexFileRequest{
		FilePath: "src/auth.go",
		Content:  "package auth",
		Force:    true,
	})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Skipped {
		t.Error("Force must bypass change detection")
	}
	// Whole file indexed as a single chunk when no chunks were sent.
	if len(store.AddedDocs) != 1 {
		t.Fatalf("Expected 1 stored document, got %d", len(store.AddedDocs))
	}
	if store.AddedDocs[0].ChunkType != "file" {
		t.Errorf("Expected whole-file chunk, got %q", store.AddedDocs[0].ChunkType)
	}
}

// rejectingEmbedder fails embedding for one specific text and delegates the
// rest to a mock embedder.
type rejectingEmbedder struct {
	inner vector.Embedder
	bad   string
}

func (r *rejectingEmbedder) Initialize() error { return r.inner.Initialize() }

func (r *rejectingEmbedder) Dimensions() int { return r.inner.Dimensions() }

func (r *rejectingEmbedder) CreateEmbedding(text string) ([]float32, error) {
	if text == r.bad {
		return nil, testError
	}
	return r.inner.CreateEmbedding(text)
}

func TestIndexFilePartialFailureLeavesHashStale(t *testing.T) {
	store := newMockStore()

	emb := &rejectingEmbedder{inner: vector.NewMockEmbedder(8), bad: "func Broken() {}"}
	pipe := pipeline.New(emb, nil, pipeline.Options{
		BatchSize:  1,
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}, nil, nil)
	guards := safeguards.NewController(safeguards.Config{}, safeguards.Hooks{}, nil, nil)
	t.Cleanup(guards.Dispose)

	srv := NewIndexToolServer(store, pipe, guards)
	if err := srv.Initialize(); err != nil {
		t.Fatalf("Failed to initialize server: %v", err)
	}

	response, err := srv.handleIndexFile(nil, tools.IndexFileRequest{
		FilePath: "src/auth.go",
		Content:  "package auth",
		Chunks: []tools.ChunkPayload{
			{Text: "func Works() {}", StartLine: 1, EndLine: 1},
			{Text: "func Broken() {}", StartLine: 3, EndLine: 3},
		},
	})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "success" {
		t.Fatalf("Expected success with partial results, got %+v", response)
	}
	if response.ChunksIndexed != 1 || response.ChunksFailed != 1 {
		t.Fatalf("Expected 1 indexed / 1 failed, got %d/%d",
			response.ChunksIndexed, response.ChunksFailed)
	}

	// The hash must not be recorded, so re-indexing the same content
	// retries the failed chunk instead of being skipped.
	if _, recorded := store.MetadataUpdates["src/auth.go"]; recorded {
		t.Error("Metadata hash must not be recorded for a partially indexed file")
	}
}

func TestIndexFileValidation(t *testing.T) {
	srv := newTestServer(t, newMockStore())

	response, err := srv.handleIndexFile(nil, tools.IndexFileRequest{})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "error" || response.Error == "" {
		t.Errorf("Expected validation error response, got %+v", response)
	}
}

func TestSearch(t *testing.T) {
	store := newMockStore()
	store.SearchResults = []vectorstore.SearchResult{
		{Document: vectorstore.Document{ID: "a", Text: "func Login()", FilePath: "src/auth.go"}, Similarity: 0.9},
		{Document: vectorstore.Document{ID: "b", Text: "func Logout()", FilePath: "src/auth.go"}, Similarity: 0.7},
	}
	srv := newTestServer(t, store)

	response, err := srv.handleSearch(nil, tools.SearchRequest{Query: "login handler"})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "success" {
		t.Fatalf("Expected status 'success', got '%s' (%s)", response.Status, response.Error)
	}
	if len(response.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(response.Results))
	}
	if response.Results[0].ID != "a" || response.Results[0].Similarity != 0.9 {
		t.Errorf("Unexpected first result %+v", response.Results[0])
	}
	if store.SearchLimit != tools.DefaultSearchLimit {
		t.Errorf("Expected default limit %d, got %d", tools.DefaultSearchLimit, store.SearchLimit)
	}
	if store.SearchThreshold != tools.DefaultSearchThreshold {
		t.Errorf("Expected default threshold %v, got %v", tools.DefaultSearchThreshold, store.SearchThreshold)
	}
}

func TestSearchExplicitZeroThreshold(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store)

	zero := 0.0
	response, err := srv.handleSearch(nil, tools.SearchRequest{Query: "login handler", Threshold: &zero})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "success" {
		t.Fatalf("Expected success, got %+v", response)
	}
	// An explicit 0 means unfiltered and must not be coerced to the default.
	if store.SearchThreshold != 0 {
		t.Errorf("Expected threshold 0 passed through, got %v", store.SearchThreshold)
	}
}

func TestKeywordSearch(t *testing.T) {
	store := newMockStore()
	store.KeywordResults = []vectorstore.KeywordResult{
		{Document: vectorstore.Document{ID: "a", Text: "parse config file"}, Score: 2},
	}
	srv := newTestServer(t, store)

	response, err := srv.handleKeywordSearch(nil, tools.KeywordSearchRequest{Query: "parse config", Limit: 3})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if len(response.Results) != 1 || response.Results[0].Score != 2 {
		t.Errorf("Unexpected results %+v", response.Results)
	}
	if store.SearchLimit != 3 {
		t.Errorf("Expected limit 3, got %d", store.SearchLimit)
	}
}

func TestGetStats(t *testing.T) {
	store := newMockStore()
	store.StatsValue = vectorstore.Stats{TotalChunks: 12, ChunksWithVectors: 10, TotalFiles: 3, DBPath: "/tmp/index.db"}
	srv := newTestServer(t, store)

	response, err := srv.handleGetStats(nil, tools.GetStatsRequest{})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.TotalChunks != 12 || response.ChunksWithVectors != 10 || response.TotalFiles != 3 {
		t.Errorf("Unexpected stats %+v", response)
	}
}

func TestClearIndexRequiresConfirmation(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store)

	response, err := srv.handleClearIndex(nil, tools.ClearIndexRequest{})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "error" {
		t.Error("Expected rejection without confirmation")
	}
	if store.Cleared {
		t.Fatal("Store must not be cleared without confirmation")
	}

	response, err = srv.handleClearIndex(nil, tools.ClearIndexRequest{Confirmation: "confirm"})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "success" || !store.Cleared {
		t.Errorf("Expected cleared store, got %+v", response)
	}
}

func TestRemoveFile(t *testing.T) {
	store := newMockStore()
	srv := newTestServer(t, store)

	response, err := srv.handleRemoveFile(nil, tools.RemoveFileRequest{FilePath: "src/old.go"})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "success" {
		t.Fatalf("Expected success, got %+v", response)
	}
	if len(store.RemovedFiles) != 1 || store.RemovedFiles[0] != "src/old.go" {
		t.Errorf("Unexpected removals %v", store.RemovedFiles)
	}

	response, err = srv.handleRemoveFile(nil, tools.RemoveFileRequest{})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "error" {
		t.Error("Expected validation error for empty path")
	}
}

func TestSafeguardsStatus(t *testing.T) {
	srv := newTestServer(t, newMockStore())

	response, err := srv.handleSafeguardsStatus(nil, tools.SafeguardsStatusRequest{})
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if response.Status != "success" {
		t.Fatalf("Expected success, got %+v", response)
	}
	if response.CircuitState != "CLOSED" {
		t.Errorf("Expected CLOSED breaker, got %s", response.CircuitState)
	}
	if response.EmergencyStopped {
		t.Error("Expected no emergency stop")
	}
	if response.HeapUsedMB <= 0 {
		t.Errorf("Expected heap sample, got %f", response.HeapUsedMB)
	}
}

func TestErrorHandling(t *testing.T) {
	store := newMockStore()
	store.ReturnError = true
	srv := newTestServer(t, store)

	cases := []struct {
		name string
		call func() (string, string)
	}{
		{"index_file", func() (string, string) {
			r, _ := srv.handleIndexFile(nil, tools.IndexFileRequest{FilePath: "a.go", Content: "x"})
			return r.Status, r.Error
		}},
		{"remove_file", func() (string, string) {
			r, _ := srv.handleRemoveFile(nil, tools.RemoveFileRequest{FilePath: "a.go"})
			return r.Status, r.Error
		}},
		{"search", func() (string, string) {
			r, _ := srv.handleSearch(nil, tools.SearchRequest{Query: "q"})
			return r.Status, r.Error
		}},
		{"keyword_search", func() (string, string) {
			r, _ := srv.handleKeywordSearch(nil, tools.KeywordSearchRequest{Query: "q"})
			return r.Status, r.Error
		}},
		{"get_stats", func() (string, string) {
			r, _ := srv.handleGetStats(nil, tools.GetStatsRequest{})
			return r.Status, r.Error
		}},
		{"clear_index", func() (string, string) {
			r, _ := srv.handleClearIndex(nil, tools.ClearIndexRequest{Confirmation: "confirm"})
			return r.Status, r.Error
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, errMsg := tc.call()
			if status != "error" {
				t.Errorf("Expected status 'error', got '%s'", status)
			}
			if errMsg == "" {
				t.Error("Expected error message in response")
			}
		})
	}
}
