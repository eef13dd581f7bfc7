package webadapter

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/adapter"
	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/runbook"
)

const defaultMatchThreshold = 0.3

// WebAdapter serves documents fetched from configured HTTP endpoints.
type WebAdapter struct {
	adapter.Base
	logger   *slog.Logger
	detector *runbook.Detector
	fetch    *fetcher

	mu   sync.RWMutex
	docs map[string]*models.Document
}

// New builds a web adapter. Unknown auth types fail CONFIG here.
func New(cfg config.AdapterConfig, logger *slog.Logger) (*WebAdapter, error) {
	if cfg.HTTP == nil {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: http block missing", cfg.Name)
	}
	if len(cfg.HTTP.Endpoints) == 0 {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: no endpoints configured", cfg.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	auth, err := newAuthorizer(cfg.HTTP.Auth)
	if err != nil {
		return nil, err
	}

	return &WebAdapter{
		Base:     adapter.NewBase(cfg),
		logger:   logger.With(slog.String("source", cfg.Name)),
		detector: runbook.NewDetector(0),
		fetch:    newFetcher(*cfg.HTTP, auth),
		docs:     make(map[string]*models.Document),
	}, nil
}

// Type returns the source kind.
func (a *WebAdapter) Type() models.SourceType { return models.SourceTypeHTTP }

// Initialize fetches every endpoint. Individual endpoint failures are
// logged; init fails only when every endpoint fails.
func (a *WebAdapter) Initialize(ctx context.Context) error {
	return a.fetchAll(ctx)
}

func (a *WebAdapter) fetchAll(ctx context.Context) error {
	cfg := a.Config()
	type result struct {
		docs []*models.Document
		err  error
	}
	results := make(chan result, len(cfg.HTTP.Endpoints))

	var wg sync.WaitGroup
	for _, ep := range cfg.HTTP.Endpoints {
		wg.Add(1)
		go func(ep config.HTTPEndpointConfig) {
			defer wg.Done()
			docs, err := a.fetchEndpoint(ctx, ep)
			results <- result{docs: docs, err: err}
		}(ep)
	}
	wg.Wait()
	close(results)

	table := make(map[string]*models.Document)
	var firstErr error
	failures := 0
	for res := range results {
		if res.err != nil {
			failures++
			if firstErr == nil {
				firstErr = res.err
			}
			a.logger.Warn("endpoint fetch failed", slog.String("error", res.err.Error()))
			continue
		}
		for _, doc := range res.docs {
			table[doc.ID] = doc
		}
	}
	if failures == len(cfg.HTTP.Endpoints) {
		return pperrors.Wrap(pperrors.KindSourceAdapter, "all endpoints failed", firstErr)
	}

	a.mu.Lock()
	a.docs = table
	a.mu.Unlock()
	a.SetIndexed(len(table))
	return nil
}

func (a *WebAdapter) fetchEndpoint(ctx context.Context, ep config.HTTPEndpointConfig) ([]*models.Document, error) {
	body, err := a.fetch.Fetch(ctx, ep)
	if err != nil {
		return nil, err
	}

	var docs []*models.Document
	switch ep.ContentType {
	case "json":
		docs, err = extractJSON(a.Name(), ep, body)
	case "", "html":
		docs, err = extractHTML(a.Name(), ep, body)
	default:
		return nil, pperrors.Newf(pperrors.KindConfig, "endpoint %s: unknown content type %q", ep.Name, ep.ContentType)
	}
	if err != nil {
		return nil, err
	}

	for _, doc := range docs {
		if det := a.detector.Detect(doc.Title, doc.Content, doc.Metadata); det.IsRunbook {
			doc.Category = models.CategoryRunbook
			doc.Metadata["runbook_class"] = string(det.Class)
			doc.Metadata["runbook_score"] = det.Score
		}
	}
	return docs, nil
}

// Search scores the fetched documents against the query.
func (a *WebAdapter) Search(ctx context.Context, query string, filters *models.SearchFilters) (out []*models.Document, err error) {
	start := time.Now()
	defer func() { a.Observe(start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, pperrors.Wrap(pperrors.KindTimeout, "web search", err)
	}

	a.mu.RLock()
	docs := make([]*models.Document, 0, len(a.docs))
	for _, doc := range a.docs {
		docs = append(docs, doc)
	}
	a.mu.RUnlock()

	return adapter.MatchDocuments(query, docs, filters, defaultMatchThreshold, time.Since(start).Milliseconds()), nil
}

// SearchRunbooks finds fetched runbook documents relevant to an
// alert.
func (a *WebAdapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]*models.Runbook, error) {
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

// GetDocument returns a fetched document by ID.
func (a *WebAdapter) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	a.mu.RLock()
	doc, ok := a.docs[id]
	a.mu.RUnlock()
	if !ok {
		return nil, pperrors.NotFound("document %q", id)
	}
	return doc, nil
}

// HealthCheck probes the first endpoint with a short deadline.
func (a *WebAdapter) HealthCheck(ctx context.Context) adapter.Health {
	cfg := a.Config()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ep := cfg.HTTP.Endpoints[0]
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ep.URL, nil)
	if err != nil {
		return adapter.Health{Healthy: false, Details: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return adapter.Health{Healthy: false, LatencyMS: latency, Details: err.Error()}
	}
	_ = resp.Body.Close()

	healthy := resp.StatusCode < http.StatusInternalServerError
	details := ""
	if !healthy {
		details = resp.Status
	}
	return adapter.Health{Healthy: healthy, LatencyMS: latency, Details: details}
}

// RefreshIndex re-fetches all endpoints; concurrent refreshes are
// serialized.
func (a *WebAdapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !a.BeginRefresh() {
		return false, nil
	}
	defer a.EndRefresh()
	if err := a.fetchAll(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Metadata returns the adapter summary.
func (a *WebAdapter) Metadata() adapter.Metadata {
	return a.Stats(models.SourceTypeHTTP)
}

// Documents returns a snapshot of the fetched document set.
func (a *WebAdapter) Documents() []*models.Document {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*models.Document, 0, len(a.docs))
	for _, doc := range a.docs {
		out = append(out, doc)
	}
	return out
}

// Cleanup drops the document table.
func (a *WebAdapter) Cleanup() error {
	a.mu.Lock()
	a.docs = make(map[string]*models.Document)
	a.mu.Unlock()
	return nil
}
