// Package fileadapter indexes local file trees: Markdown, plain text,
// JSON, YAML, and PDF documents, with optional change watching and a
// JSON snapshot for fast restart.
package fileadapter

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"

	"github.com/dpark2025/personal-pipeline/internal/adapter"
	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/runbook"
)

// Fuzzy-score field weights.
const (
	titleWeight    = 0.4
	contentWeight  = 0.6
	categoryWeight = 0.2

	defaultFuzzyThreshold = 0.2
)

// FileAdapter serves documents from one or more local directory
// trees.
type FileAdapter struct {
	adapter.Base
	logger   *slog.Logger
	detector *runbook.Detector

	mu    sync.RWMutex
	docs  map[string]*models.Document
	index bleve.Index

	watch *watcher
}

// indexedDoc is the bleve projection of a document.
type indexedDoc struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Category string `json:"category"`
}

// New builds a file adapter from its configuration.
func New(cfg config.AdapterConfig, logger *slog.Logger) (*FileAdapter, error) {
	if cfg.File == nil {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: file block missing", cfg.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileAdapter{
		Base:     adapter.NewBase(cfg),
		logger:   logger.With(slog.String("source", cfg.Name)),
		detector: runbook.NewDetector(0),
		docs:     make(map[string]*models.Document),
	}, nil
}

// Type returns the source kind.
func (a *FileAdapter) Type() models.SourceType { return models.SourceTypeFile }

// Initialize verifies the roots, builds the index (from snapshot when
// available), and starts the change watcher if configured.
func (a *FileAdapter) Initialize(ctx context.Context) error {
	cfg := a.Config()
	for _, root := range cfg.File.Paths {
		info, err := os.Stat(root)
		if err != nil {
			return pperrors.Wrap(pperrors.KindSourceAdapter, "source root inaccessible: "+root, err)
		}
		if !info.IsDir() {
			return pperrors.Newf(pperrors.KindSourceAdapter, "source root is not a directory: %s", root)
		}
	}

	docs, err := loadSnapshot(cfg.File.SnapshotPath)
	if err != nil {
		a.logger.Warn("snapshot load failed; rescanning", slog.String("error", err.Error()))
		docs = nil
	}
	if docs == nil {
		docs, err = a.scan(ctx)
		if err != nil {
			return err
		}
		if err := saveSnapshot(cfg.File.SnapshotPath, docs); err != nil {
			a.logger.Warn("snapshot save failed", slog.String("error", err.Error()))
		}
	}
	if err := a.publish(docs); err != nil {
		return err
	}

	if cfg.File.WatchChanges {
		w, err := newWatcher(cfg.File.Paths, 0, a.onChange, a.logger)
		if err != nil {
			a.logger.Warn("change watching unavailable", slog.String("error", err.Error()))
		} else {
			a.watch = w
		}
	}
	return nil
}

// onChange runs an incremental refresh after the debounce window.
func (a *FileAdapter) onChange() {
	cfg := a.Config()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
	defer cancel()
	if _, err := a.RefreshIndex(ctx, false); err != nil {
		a.logger.Warn("change-triggered refresh failed", slog.String("error", err.Error()))
	}
}

func (a *FileAdapter) scan(ctx context.Context) ([]*models.Document, error) {
	cfg := a.Config()
	s := &scanner{
		sourceName: cfg.Name,
		cfg:        *cfg.File,
		categories: cfg.Categories,
		detector:   a.detector,
		logger:     a.logger,
	}
	return s.Scan(ctx)
}

// publish atomically replaces the document table and search index.
func (a *FileAdapter) publish(docs []*models.Document) error {
	indexMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("title", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("content", bleve.NewTextFieldMapping())
	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("category", keyword)
	indexMapping.DefaultMapping = docMapping

	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return pperrors.Wrap(pperrors.KindSourceAdapter, "create index", err)
	}

	batch := idx.NewBatch()
	table := make(map[string]*models.Document, len(docs))
	for _, doc := range docs {
		table[doc.ID] = doc
		err := batch.Index(doc.ID, indexedDoc{
			Title:    doc.Title,
			Content:  doc.Content,
			Category: string(doc.Category),
		})
		if err != nil {
			return pperrors.Wrap(pperrors.KindSourceAdapter, "index document", err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return pperrors.Wrap(pperrors.KindSourceAdapter, "build index", err)
	}

	a.mu.Lock()
	old := a.index
	a.docs = table
	a.index = idx
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	a.SetIndexed(len(table))
	return nil
}

// Search runs the weighted fuzzy query over title, content, and
// category.
func (a *FileAdapter) Search(ctx context.Context, query string, filters *models.SearchFilters) (docs []*models.Document, err error) {
	start := time.Now()
	defer func() { a.Observe(start, err) }()

	a.mu.RLock()
	idx := a.index
	a.mu.RUnlock()
	if idx == nil {
		return nil, pperrors.New(pperrors.KindSourceAdapter, "adapter not initialized")
	}

	titleQ := bleve.NewMatchQuery(query)
	titleQ.SetField("title")
	titleQ.SetBoost(titleWeight)
	titleQ.SetFuzziness(1)

	contentQ := bleve.NewMatchQuery(query)
	contentQ.SetField("content")
	contentQ.SetBoost(contentWeight)
	contentQ.SetFuzziness(1)

	categoryQ := bleve.NewMatchQuery(query)
	categoryQ.SetField("category")
	categoryQ.SetBoost(categoryWeight)

	limit := 50
	if filters != nil && filters.MaxResults > 0 {
		limit = filters.MaxResults * 2
	}
	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(titleQ, contentQ, categoryQ))
	req.Size = limit

	result, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "file search", err)
	}

	threshold := a.Config().File.FuzzyThreshold
	if threshold <= 0 {
		threshold = defaultFuzzyThreshold
	}

	var top float64
	if len(result.Hits) > 0 {
		top = result.Hits[0].Score
	}

	now := time.Now()
	elapsed := time.Since(start).Milliseconds()
	out := make([]*models.Document, 0, len(result.Hits))

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, hit := range result.Hits {
		score := hit.Score
		if top > 0 {
			score = hit.Score / top
		}
		if score < threshold {
			continue
		}
		doc, ok := a.docs[hit.ID]
		if !ok {
			continue
		}
		if filters != nil && !filters.Allows(doc, now) {
			continue
		}
		annotated := *doc
		annotated.ConfidenceScore = score
		annotated.RetrievalTimeMS = elapsed
		out = append(out, &annotated)
		if filters != nil && filters.MaxResults > 0 && len(out) >= filters.MaxResults {
			break
		}
	}
	return out, nil
}

// SearchRunbooks finds runbook documents relevant to an alert.
func (a *FileAdapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]*models.Runbook, error) {
	query := alertType
	for _, sys := range affectedSystems {
		query += " " + sys
	}
	docs, err := a.Search(ctx, query, &models.SearchFilters{
		Categories: []models.Category{models.CategoryRunbook},
	})
	if err != nil {
		return nil, err
	}

	out := make([]*models.Runbook, 0, len(docs))
	for _, doc := range docs {
		if rb := runbook.FromDocument(doc); rb != nil {
			out = append(out, rb)
		}
	}
	return out, nil
}

// GetDocument returns the indexed document by ID.
func (a *FileAdapter) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	a.mu.RLock()
	doc, ok := a.docs[id]
	a.mu.RUnlock()
	if !ok {
		return nil, pperrors.NotFound("document %q", id)
	}
	return doc, nil
}

// HealthCheck verifies every root is still accessible.
func (a *FileAdapter) HealthCheck(ctx context.Context) adapter.Health {
	start := time.Now()
	for _, root := range a.Config().File.Paths {
		if _, err := os.Stat(root); err != nil {
			return adapter.Health{
				Healthy:   false,
				LatencyMS: time.Since(start).Milliseconds(),
				Details:   "root inaccessible: " + root,
			}
		}
	}
	return adapter.Health{Healthy: true, LatencyMS: time.Since(start).Milliseconds()}
}

// RefreshIndex rebuilds the document table. Concurrent refreshes are
// serialized: the loser returns false immediately.
func (a *FileAdapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !a.BeginRefresh() {
		return false, nil
	}
	defer a.EndRefresh()

	docs, err := a.scan(ctx)
	if err != nil {
		return false, err
	}
	if err := a.publish(docs); err != nil {
		return false, err
	}
	if err := saveSnapshot(a.Config().File.SnapshotPath, docs); err != nil {
		a.logger.Warn("snapshot save failed", slog.String("error", err.Error()))
	}
	return true, nil
}

// Metadata returns the adapter summary.
func (a *FileAdapter) Metadata() adapter.Metadata {
	return a.Stats(models.SourceTypeFile)
}

// Documents returns a snapshot of the full document table, for engine
// indexing.
func (a *FileAdapter) Documents() []*models.Document {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*models.Document, 0, len(a.docs))
	for _, doc := range a.docs {
		out = append(out, doc)
	}
	return out
}

// Cleanup stops the watcher and releases the index.
func (a *FileAdapter) Cleanup() error {
	if a.watch != nil {
		_ = a.watch.Close()
		a.watch = nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.index != nil {
		err := a.index.Close()
		a.index = nil
		return err
	}
	return nil
}
