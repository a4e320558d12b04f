package vector

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// MockEmbedder is a deterministic Embedder used for tests and offline runs.
// The same text always produces the same unit-length vector.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder creates a new MockEmbedder with the specified dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 128
	}
	return &MockEmbedder{
		dimensions: dimensions,
	}
}

// Initialize sets up the embedder with any required configuration.
func (e *MockEmbedder) Initialize() error {
	return nil
}

// Dimensions returns the configured vector length.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// CreateEmbedding generates a deterministic embedding for the given text,
// seeded from its SHA-256 digest and normalized to unit length.
func (e *MockEmbedder) CreateEmbedding(text string) ([]float32, error) {
	embedding := make([]float32, e.dimensions)
	hash := sha256.Sum256([]byte(text))

	for i := 0; i < e.dimensions; i++ {
		hashIdx := (i * 4) % len(hash)
		seed := binary.LittleEndian.Uint32(append(hash[hashIdx:], hash[:4]...))

		// Value between -1 and 1 derived from the seed.
		embedding[i] = float32(seed%1000)/500.0 - 1.0
	}

	e.normalizeEmbedding(embedding)
	return embedding, nil
}

// normalizeEmbedding normalizes the embedding to have unit length.
func (e *MockEmbedder) normalizeEmbedding(embedding []float32) {
	var sumSquares float32
	for _, val := range embedding {
		sumSquares += val * val
	}
	if sumSquares == 0 {
		return
	}

	magnitude := float32(math.Sqrt(float64(sumSquares)))
	for i := range embedding {
		embedding[i] /= magnitude
	}
}
