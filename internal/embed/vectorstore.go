package embed

import (
	"context"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// Record ties a stored vector to the content it was produced from.
type Record struct {
	DocumentID  string
	ContentHash string
	CreatedAt   time.Time
}

// Result is one nearest-neighbor hit.
type Result struct {
	ID         string
	Similarity float64 // cosine similarity mapped into [0,1]
}

// VectorStore is an in-process HNSW index over document embeddings.
// It is single-writer / many-reader: Upsert and Remove serialize on
// the write lock, searches share the read lock. Deleted nodes are
// orphaned in the graph rather than removed (coder/hnsw breaks when
// the last node is deleted) and filtered out of results.
type VectorStore struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	dims    int
	idMap   map[string]uint64
	keyMap  map[uint64]string
	records map[string]Record
	nextKey uint64
	closed  bool
}

// NewVectorStore creates a vector store with a fixed dimension. The
// dimension is constant for the process lifetime.
func NewVectorStore(dims int) *VectorStore {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &VectorStore{
		graph:   graph,
		dims:    dims,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		records: make(map[string]Record),
	}
}

// Dimensions returns the fixed embedding dimension.
func (s *VectorStore) Dimensions() int { return s.dims }

// NeedsEmbedding reports whether the stored vector for id is missing
// or stale relative to contentHash.
func (s *VectorStore) NeedsEmbedding(id, contentHash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return !ok || rec.ContentHash != contentHash
}

// Upsert stores the vector for a document. A vector whose content hash
// matches the stored record is skipped. Dimension mismatch is fatal.
func (s *VectorStore) Upsert(ctx context.Context, id, contentHash string, vector []float32) error {
	if len(vector) != s.dims {
		return pperrors.Newf(pperrors.KindEmbedFailure,
			"embedding dimension mismatch: index %d, vector %d", s.dims, len(vector)).
			WithDetail("code", "EMBED_DIM")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pperrors.New(pperrors.KindEmbedFailure, "vector store is closed")
	}

	if rec, ok := s.records[id]; ok {
		if rec.ContentHash == contentHash {
			return nil
		}
		// Orphan the stale node; the new one replaces it in the maps.
		if oldKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, oldKey)
			delete(s.idMap, id)
		}
	}

	key := s.nextKey
	s.nextKey++

	s.graph.Add(hnsw.MakeNode(key, vector))
	s.idMap[id] = key
	s.keyMap[key] = id
	s.records[id] = Record{DocumentID: id, ContentHash: contentHash, CreatedAt: time.Now()}
	return nil
}

// Search returns up to k nearest documents by cosine similarity.
func (s *VectorStore) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != s.dims {
		return nil, pperrors.Newf(pperrors.KindEmbedFailure,
			"embedding dimension mismatch: index %d, query %d", s.dims, len(query)).
			WithDetail("code", "EMBED_DIM")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, pperrors.New(pperrors.KindEmbedFailure, "vector store is closed")
	}
	if s.graph.Len() == 0 {
		return []Result{}, nil
	}

	// Overfetch to compensate for orphaned nodes still in the graph.
	nodes := s.graph.Search(query, k+len(s.records)-len(s.idMap)+k)

	results := make([]Result, 0, k)
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue
		}
		distance := s.graph.Distance(query, node.Value)
		results = append(results, Result{
			ID:         id,
			Similarity: clamp01(1 - float64(distance)/2),
		})
		if len(results) >= k {
			break
		}
	}
	return results, nil
}

// Remove drops documents from the index by ID (lazy deletion).
func (s *VectorStore) Remove(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
		delete(s.records, id)
	}
}

// Len returns the number of live vectors.
func (s *VectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Close marks the store closed.
func (s *VectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
