package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/cache"
	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/embed"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/runbook"
	"github.com/dpark2025/personal-pipeline/internal/telemetry"
)

// overfetchFactor widens the candidate pool before filtering so that
// post-filter results can still fill the requested limit.
const overfetchFactor = 3

// suspiciousTTLDivisor shortens the cache TTL for flagged queries.
const suspiciousTTLDivisor = 4

// Options assembles an Engine.
type Options struct {
	Config   config.SearchConfig
	Embedder embed.Embedder
	Cache    *cache.SearchCache
	CacheTTL time.Duration
	Metrics  *telemetry.Recorder
	Logger   *slog.Logger
}

// Engine orchestrates the hybrid pipeline over the indexed document
// set: cache, semantic similarity, lexical match, metadata weighting,
// boosting, filtering.
type Engine struct {
	cfg       config.SearchConfig
	embedder  embed.Embedder
	vectors   *embed.VectorStore
	lexical   *LexicalIndex
	cache     *cache.SearchCache
	cacheTTL  time.Duration
	metrics   *telemetry.Recorder
	logger    *slog.Logger
	processor *Processor
	scorer    *Scorer

	mu         sync.RWMutex
	docs       map[string]*models.Document
	priorities map[string]int
}

// Response is the annotated result set of one search.
type Response struct {
	Results         []*models.Document `json:"results"`
	FallbackUsed    bool               `json:"fallback_used,omitempty"`
	Cached          bool               `json:"cached,omitempty"`
	Suspicious      []string           `json:"suspicious,omitempty"`
	RetrievalTimeMS int64              `json:"retrieval_time_ms"`
}

// RunbookMatch pairs a matched runbook with its source document and
// the refined relevance score.
type RunbookMatch struct {
	Runbook   *models.Runbook  `json:"runbook"`
	Document  *models.Document `json:"document"`
	Relevance float64          `json:"relevance"`
}

// NewEngine builds the engine and its indexes.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Embedder == nil {
		return nil, pperrors.New(pperrors.KindConfig, "engine requires an embedder")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	lexical, err := NewLexicalIndex()
	if err != nil {
		return nil, err
	}

	weights := Weights{
		Semantic: opts.Config.SemanticWeight,
		Fuzzy:    opts.Config.FuzzyWeight,
		Metadata: opts.Config.MetadataWeight,
	}

	return &Engine{
		cfg:        opts.Config,
		embedder:   opts.Embedder,
		vectors:    embed.NewVectorStore(opts.Embedder.Dimensions()),
		lexical:    lexical,
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		processor:  NewProcessor(),
		scorer:     NewScorer(weights),
		docs:       make(map[string]*models.Document),
		priorities: make(map[string]int),
	}, nil
}

// SetSourcePriority records the priority used to break score ties.
func (e *Engine) SetSourcePriority(sourceName string, priority int) {
	e.mu.Lock()
	e.priorities[sourceName] = priority
	e.mu.Unlock()
}

// IndexDocuments adds or refreshes documents across all indexes.
// Unchanged content (by hash) skips re-embedding.
func (e *Engine) IndexDocuments(ctx context.Context, docs []*models.Document) error {
	if len(docs) == 0 {
		return nil
	}

	for _, doc := range docs {
		doc.Clamp(e.cfg.MaxDocumentBytes)
	}
	if err := e.lexical.Index(docs...); err != nil {
		return err
	}

	e.mu.Lock()
	for _, doc := range docs {
		e.docs[doc.ID] = doc
	}
	e.mu.Unlock()

	// Embed only documents whose content actually changed.
	var pending []*models.Document
	var hashes []string
	for _, doc := range docs {
		h := embed.ContentHash(doc.Title + "\n" + doc.Content)
		if e.vectors.NeedsEmbedding(doc.ID, h) {
			pending = append(pending, doc)
			hashes = append(hashes, h)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	texts := make([]string, len(pending))
	for i, doc := range pending {
		texts[i] = doc.Title + "\n" + doc.Content
	}
	vectors, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	for i, doc := range pending {
		if err := e.vectors.Upsert(ctx, doc.ID, hashes[i], vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDocuments drops documents from all indexes.
func (e *Engine) RemoveDocuments(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	e.mu.Lock()
	for _, id := range ids {
		delete(e.docs, id)
	}
	e.mu.Unlock()
	e.vectors.Remove(ids...)
	return e.lexical.Delete(ids...)
}

// RemoveSource drops every document belonging to a source, for full
// re-index on refresh.
func (e *Engine) RemoveSource(sourceName string) error {
	e.mu.Lock()
	var ids []string
	for id, doc := range e.docs {
		if doc.SourceName == sourceName {
			ids = append(ids, id)
			delete(e.docs, id)
		}
	}
	e.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	e.vectors.Remove(ids...)
	if e.cache != nil {
		e.cache.Invalidate("source:" + sourceName)
	}
	return e.lexical.Delete(ids...)
}

// Document returns the indexed document by ID.
func (e *Engine) Document(id string) (*models.Document, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.docs[id]
	return doc, ok
}

// DocumentCount returns the size of the indexed set.
func (e *Engine) DocumentCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

// Search runs the full pipeline for a query.
func (e *Engine) Search(ctx context.Context, query string, filters *models.SearchFilters, qctx *models.QueryContext) (*Response, error) {
	start := time.Now()

	processed, err := e.processor.Process(query, qctx)
	if err != nil {
		return nil, err
	}
	if len(processed.Suspicious) > 0 {
		e.logger.Warn("suspicious query patterns",
			slog.String("query", processed.Original),
			slog.Any("patterns", processed.Suspicious))
	}

	effective := e.effectiveFilters(processed, filters)
	key := cache.Key(processed.Original, effective)

	// A zero TTL means results are never cached.
	if e.cache == nil || e.cacheTTL <= 0 {
		resp, err := e.executeSearch(ctx, processed, effective)
		if err != nil {
			return nil, err
		}
		e.finish(resp, processed, start)
		return resp, nil
	}

	ttl := e.cacheTTL
	if len(processed.Suspicious) > 0 {
		ttl /= suspiciousTTLDivisor
	}

	tags := cache.Tags{QueryHash: cache.QueryHashTag(processed.Original)}

	// The compute path stores conditionally (non-empty, <= 100
	// results), so GetOrCompute itself is told never to cache.
	data, cached, err := e.cache.GetOrCompute(ctx, key, -1, tags, func(ctx context.Context) ([]byte, error) {
		resp, err := e.executeSearch(ctx, processed, effective)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			return nil, pperrors.Wrap(pperrors.KindCache, "encode search response", err)
		}
		if len(resp.Results) > 0 && len(resp.Results) <= 100 {
			e.cache.Set(ctx, key, payload, ttl, e.resultTags(processed, resp))
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, pperrors.Wrap(pperrors.KindCache, "decode cached search response", err)
	}
	resp.Cached = cached
	if e.metrics != nil {
		e.metrics.RecordCache(cached)
	}
	e.finish(&resp, processed, start)
	return &resp, nil
}

// SearchRunbooks finds runbooks relevant to an alert. Critical and
// high severities run with the urgent flag set.
func (e *Engine) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string, qctx *models.QueryContext) ([]*RunbookMatch, error) {
	var sb strings.Builder
	sb.WriteString("runbook for ")
	sb.WriteString(alertType)
	if severity != "" {
		fmt.Fprintf(&sb, " severity %s", severity)
	}
	for _, sys := range affectedSystems {
		fmt.Fprintf(&sb, " system %s", sys)
	}

	derived := &models.QueryContext{
		AlertType: alertType,
		Severity:  severity,
		Systems:   affectedSystems,
		Urgent:    severity == models.SeverityCritical || severity == models.SeverityHigh,
	}
	if qctx != nil {
		derived.Metadata = qctx.Metadata
		derived.Urgent = derived.Urgent || qctx.Urgent
	}

	filters := &models.SearchFilters{Categories: []models.Category{models.CategoryRunbook}}
	resp, err := e.Search(ctx, sb.String(), filters, derived)
	if err != nil {
		return nil, err
	}

	matches := make([]*RunbookMatch, 0, len(resp.Results))
	for _, doc := range resp.Results {
		if doc.Category != models.CategoryRunbook {
			continue
		}
		rb := runbook.FromDocument(doc)
		if rb == nil {
			continue
		}
		matches = append(matches, &RunbookMatch{
			Runbook:   rb,
			Document:  doc,
			Relevance: doc.ConfidenceScore + runbook.Relevance(rb, alertType, severity, affectedSystems),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Relevance != matches[j].Relevance {
			return matches[i].Relevance > matches[j].Relevance
		}
		return matches[i].Document.ID < matches[j].Document.ID
	})
	return matches, nil
}

// executeSearch is the uncached pipeline body.
func (e *Engine) executeSearch(ctx context.Context, processed *ProcessedQuery, filters *models.SearchFilters) (*Response, error) {
	limit := e.resultLimit(processed, filters)
	fetch := limit * overfetchFactor

	semantic := make(map[string]float64)
	fallback := false

	qvec, err := e.embedder.Embed(ctx, processed.Enhanced)
	if err == nil {
		results, verr := e.vectors.Search(ctx, qvec, fetch)
		if verr != nil {
			err = verr
		} else {
			for _, r := range results {
				semantic[r.ID] = r.Similarity
			}
		}
	}
	if err != nil {
		if !e.cfg.FallbackEnabled {
			return nil, pperrors.Wrap(pperrors.KindEmbedFailure, "semantic path failed", err)
		}
		fallback = true
		e.logger.Warn("semantic path failed; falling back to fuzzy-only",
			slog.String("error", err.Error()))
	}

	hits, err := e.lexical.Search(ctx, processed.Enhanced, fetch)
	if err != nil {
		if fallback {
			// Both paths down.
			return nil, pperrors.Wrap(pperrors.KindEmbedFailure, "fallback lexical path failed", err)
		}
		return nil, err
	}
	fuzzy := make(map[string]float64, len(hits))
	for _, h := range hits {
		fuzzy[h.ID] = h.Score
	}

	candidates := make(map[string]struct{}, len(semantic)+len(fuzzy))
	for id := range semantic {
		candidates[id] = struct{}{}
	}
	for id := range fuzzy {
		candidates[id] = struct{}{}
	}

	now := time.Now()
	results := make([]*models.Document, 0, len(candidates))
	e.mu.RLock()
	priority := make(map[string]int, len(e.priorities))
	for k, v := range e.priorities {
		priority[k] = v
	}
	for id := range candidates {
		doc, ok := e.docs[id]
		if !ok {
			continue
		}
		sem, fz := semantic[id], fuzzy[id]
		if fallback {
			if fz < e.cfg.MinFuzzyThreshold {
				continue
			}
		} else if sem < e.cfg.MinSemanticThreshold && fz < e.cfg.MinFuzzyThreshold {
			continue
		}
		if !filters.Allows(doc, now) {
			continue
		}

		meta := MetadataScore(doc, filters, now)
		score, reasons := e.scorer.Score(doc, processed.Original, sem, fz, meta)

		scored := *doc
		scored.ConfidenceScore = score
		scored.MatchReasons = reasons
		results = append(results, &scored)
	}
	e.mu.RUnlock()

	models.SortDocuments(results, func(name string) int {
		if p, ok := priority[name]; ok {
			return p
		}
		return int(^uint(0) >> 1)
	})
	if len(results) > limit {
		results = results[:limit]
	}

	return &Response{Results: results, FallbackUsed: fallback}, nil
}

// effectiveFilters merges caller filters with the processor's
// recommendation; explicit filters win.
func (e *Engine) effectiveFilters(processed *ProcessedQuery, filters *models.SearchFilters) *models.SearchFilters {
	if filters != nil {
		return filters
	}
	f := processed.Filters
	return &f
}

func (e *Engine) resultLimit(processed *ProcessedQuery, filters *models.SearchFilters) int {
	limit := e.cfg.MaxResults
	if processed.LimitTarget > 0 {
		limit = processed.LimitTarget
	}
	if filters != nil && filters.MaxResults > 0 {
		limit = filters.MaxResults
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

func (e *Engine) resultTags(processed *ProcessedQuery, resp *Response) cache.Tags {
	tags := cache.Tags{QueryHash: cache.QueryHashTag(processed.Original)}
	if len(resp.Results) > 0 {
		tags.SourceName = resp.Results[0].SourceName
		tags.Category = string(resp.Results[0].Category)
	}
	return tags
}

func (e *Engine) finish(resp *Response, processed *ProcessedQuery, start time.Time) {
	elapsed := time.Since(start).Milliseconds()
	resp.RetrievalTimeMS = elapsed
	resp.Suspicious = processed.Suspicious
	for _, doc := range resp.Results {
		doc.RetrievalTimeMS = elapsed
	}
}

// Close releases the engine's indexes. The cache and embedder are
// owned by the caller.
func (e *Engine) Close() error {
	if err := e.lexical.Close(); err != nil {
		return err
	}
	return e.vectors.Close()
}
