// Package vectorstore provides persistent storage and similarity search over
// code-chunk embeddings for the code index.
package vectorstore

import (
	"context"
	"time"
)

// Document is one indexable chunk record. ID is unique and stable across
// re-indexing of the same logical chunk; storing an existing ID replaces the
// prior record. A nil or empty Vector is stored as "no vector": the record is
// excluded from similarity search but still reachable by keyword search.
type Document struct {
	ID        string
	Text      string
	Vector    []float32
	FilePath  string
	StartLine int
	EndLine   int
	ChunkType string
	Language  string
}

// SearchResult is one similarity-search hit.
type SearchResult struct {
	Document
	Similarity float64
}

// KeywordResult is one keyword-search hit. Score is the number of query
// tokens found as case-insensitive substrings of the document text.
type KeywordResult struct {
	Document
	Score int
}

// FileMetadata records the last indexed state of one file.
type FileMetadata struct {
	FilePath   string
	FileHash   string
	ChunkCount int
	IndexedAt  time.Time
}

// Stats summarizes the contents of the store.
type Stats struct {
	TotalChunks       int    `json:"total_chunks"`
	ChunksWithVectors int    `json:"chunks_with_vectors"`
	TotalFiles        int    `json:"total_files"`
	DBPath            string `json:"db_path"`
}

// VectorStore defines the interface for storing and searching chunk
// embeddings.
type VectorStore interface {
	// Initialize opens or creates the backing database. It is idempotent and
	// safe to call concurrently; only the first caller does real work.
	Initialize(dbPath string) error

	// IsFileChanged reports whether the file is unseen or its stored hash
	// differs from contentHash.
	IsFileChanged(filePath string, contentHash string) (bool, error)

	// AddDocument upserts one chunk record.
	AddDocument(ctx context.Context, doc Document) error

	// AddDocuments upserts many chunk records as an atomic group: if any
	// write fails, none of the batch is visible afterwards.
	AddDocuments(ctx context.Context, docs []Document) error

	// RemoveFile deletes all chunk records and the metadata record for the
	// file. Removing an unknown file is a no-op.
	RemoveFile(filePath string) error

	// UpdateFileMetadata upserts the file's metadata row; called once per
	// file after all its chunks have been written.
	UpdateFileMetadata(filePath string, fileHash string, chunkCount int) error

	// Search ranks all vectored chunks by cosine similarity against
	// queryVector, drops results below threshold, and returns the top k.
	Search(ctx context.Context, queryVector []float32, k int, threshold float64) ([]SearchResult, error)

	// KeywordSearch ranks chunks by the number of query tokens (3+ chars)
	// found as case-insensitive substrings of their text.
	KeywordSearch(ctx context.Context, query string, k int) ([]KeywordResult, error)

	// GetStats returns counts describing the store contents.
	GetStats() (Stats, error)

	// GetIndexedFiles lists the metadata of every indexed file.
	GetIndexedFiles() ([]FileMetadata, error)

	// Clear removes every chunk and metadata record.
	Clear() error

	// SaveToDisk synchronously commits any buffered writes.
	SaveToDisk() error

	// Dispose flushes pending writes and releases the database.
	Dispose() error
}
