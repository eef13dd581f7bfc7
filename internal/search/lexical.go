package search

import (
	"context"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// LexicalIndex wraps an in-memory bleve index for the fuzzy/keyword
// path of the hybrid pipeline.
type LexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// lexicalDoc is the indexed projection of a document.
type lexicalDoc struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category"`
}

// Hit is one lexical match with its score normalized to [0,1].
type Hit struct {
	ID    string
	Score float64
}

// NewLexicalIndex builds an empty in-memory index.
func NewLexicalIndex() (*LexicalIndex, error) {
	indexMapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textField := bleve.NewTextFieldMapping()
	docMapping.AddFieldMappingsAt("title", textField)
	docMapping.AddFieldMappingsAt("content", textField)

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("category", keywordField)

	indexMapping.DefaultMapping = docMapping

	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindUnknown, "create lexical index", err)
	}
	return &LexicalIndex{index: idx}, nil
}

// Index adds or replaces documents in a single batch.
func (l *LexicalIndex) Index(docs ...*models.Document) error {
	if len(docs) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return pperrors.New(pperrors.KindUnknown, "lexical index is closed")
	}

	batch := l.index.NewBatch()
	for _, doc := range docs {
		ld := lexicalDoc{Title: doc.Title, Content: doc.Content, Category: string(doc.Category)}
		if err := batch.Index(doc.ID, ld); err != nil {
			return pperrors.Wrap(pperrors.KindUnknown, "index document "+doc.ID, err)
		}
	}
	if err := l.index.Batch(batch); err != nil {
		return pperrors.Wrap(pperrors.KindUnknown, "execute index batch", err)
	}
	return nil
}

// Delete removes documents by ID.
func (l *LexicalIndex) Delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return pperrors.New(pperrors.KindUnknown, "lexical index is closed")
	}

	batch := l.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := l.index.Batch(batch); err != nil {
		return pperrors.Wrap(pperrors.KindUnknown, "execute delete batch", err)
	}
	return nil
}

// Search runs the fuzzy/keyword query and returns up to limit hits.
// Bleve's unbounded scores are mapped into [0,1] by dividing by the
// top hit's score.
func (l *LexicalIndex) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return []Hit{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, pperrors.New(pperrors.KindUnknown, "lexical index is closed")
	}

	titleQuery := bleve.NewMatchQuery(query)
	titleQuery.SetField("title")
	titleQuery.SetBoost(2.0)

	contentQuery := bleve.NewMatchQuery(query)
	contentQuery.SetField("content")

	fuzzyQuery := bleve.NewMatchQuery(query)
	fuzzyQuery.SetField("content")
	fuzzyQuery.SetFuzziness(1)

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(titleQuery, contentQuery, fuzzyQuery))
	req.Size = limit

	result, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindUnknown, "lexical search", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	var top float64
	if len(result.Hits) > 0 {
		top = result.Hits[0].Score
	}
	for _, hit := range result.Hits {
		score := hit.Score
		if top > 0 {
			score = hit.Score / top
		}
		hits = append(hits, Hit{ID: hit.ID, Score: score})
	}
	return hits, nil
}

// Len returns the number of indexed documents.
func (l *LexicalIndex) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0
	}
	n, err := l.index.DocCount()
	if err != nil {
		return 0
	}
	return n
}

// Close releases the index.
func (l *LexicalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.index.Close()
}
