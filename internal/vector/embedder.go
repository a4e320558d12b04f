// Package vector provides the embedding backend interface and the byte-level
// vector utilities used by the code index.
package vector

const (
	// DefaultEmbeddingDimensions defines the standard size of embedding vectors.
	DefaultEmbeddingDimensions = 768
)

// Embedder defines the interface for creating vector embeddings from text.
// All vectors stored in one index must come from the same embedder; mixing
// vector spaces silently corrupts search quality, so there is no automatic
// fallback between embedder implementations.
type Embedder interface {
	// CreateEmbedding converts text into a vector representation.
	CreateEmbedding(text string) ([]float32, error)

	// Initialize sets up the embedder with any required configuration.
	Initialize() error

	// Dimensions returns the length of the vectors this embedder produces.
	Dimensions() int
}
