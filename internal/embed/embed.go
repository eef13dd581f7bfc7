// Package embed generates L2-normalized dense vectors for text and
// stores them in an in-process vector index keyed by document ID and
// content hash. Two providers exist: an Ollama-backed transformer
// embedder and a deterministic hash-based fallback that needs no
// runtime. The embedding dimension is fixed for the process lifetime;
// a mismatch is fatal.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"
)

// Embedding constants.
const (
	// DefaultDimensions is the default embedding dimension.
	DefaultDimensions = 384

	// DefaultBatchSize is the default batch size for embedding requests.
	DefaultBatchSize = 32

	// MaxBatchSize caps batches to prevent memory exhaustion.
	MaxBatchSize = 256

	// DefaultTimeout is the default per-request embedding timeout.
	DefaultTimeout = 60 * time.Second
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// ContentHash returns the hash tying a stored vector to the exact
// content it was produced from. Stale vectors (mismatched hash) must
// be regenerated before use in a ranking pass.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:16])
}

// normalizeVector L2-normalizes in a fresh slice. Because vectors are
// normalized, dot product equals cosine similarity.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// CosineSimilarity computes the cosine similarity of two vectors of
// equal length. Inputs are assumed normalized, so this is a dot
// product mapped from [-1,1] into [0,1].
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return (dot + 1) / 2
}
