// Package wikiadapter indexes pages from a Confluence-style wiki REST
// API. Pages are scoped to configured spaces, generated pages are
// excluded by default, and requests stay under a conservative local
// share of the vendor rate limit.
package wikiadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/adapter"
	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/runbook"
)

const (
	defaultQuotaPct       = 0.10
	defaultMinInterval    = 500 * time.Millisecond
	defaultMaxPageKB      = 512
	defaultMatchThreshold = 0.3
	pageBatchSize         = 50

	// Typical vendor ceiling used to size the local hourly budget
	// when the API does not report one.
	assumedVendorHourlyLimit = 5000
)

var generatedLabels = map[string]bool{
	"generated":      true,
	"auto-generated": true,
	"autogenerated":  true,
}

// WikiAdapter serves pages indexed from a wiki REST API.
type WikiAdapter struct {
	adapter.Base
	logger   *slog.Logger
	detector *runbook.Detector
	quota    *adapter.Quota
	client   *client
	baseURL  string

	mu   sync.RWMutex
	docs map[string]*models.Document
}

// New builds a wiki adapter. Credentials are resolved from the
// environment per request, not here.
func New(cfg config.AdapterConfig, logger *slog.Logger) (*WikiAdapter, error) {
	if cfg.Wiki == nil {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: wiki block missing", cfg.Name)
	}
	if cfg.Wiki.BaseURL == "" {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: base_url required", cfg.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	pct := cfg.Wiki.HourlyQuotaPct
	if pct <= 0 || pct > 1 {
		pct = defaultQuotaPct
	}
	minInterval := defaultMinInterval
	if cfg.Wiki.MinIntervalMS > 0 {
		minInterval = time.Duration(cfg.Wiki.MinIntervalMS) * time.Millisecond
	}

	return &WikiAdapter{
		Base:     adapter.NewBase(cfg),
		logger:   logger.With(slog.String("source", cfg.Name)),
		detector: runbook.NewDetector(cfg.Wiki.RunbookThreshold),
		quota:    adapter.NewQuota(int(float64(assumedVendorHourlyLimit)*pct), minInterval),
		client:   newClient(*cfg.Wiki),
		baseURL:  strings.TrimRight(cfg.Wiki.BaseURL, "/"),
		docs:     make(map[string]*models.Document),
	}, nil
}

// Type returns the source kind.
func (a *WikiAdapter) Type() models.SourceType { return models.SourceTypeWiki }

// Initialize verifies credentials against the current-user endpoint,
// then indexes the configured spaces.
func (a *WikiAdapter) Initialize(ctx context.Context) error {
	if err := a.quota.Acquire(ctx); err != nil {
		return err
	}
	body, err := a.client.getJSON(ctx, a.baseURL+"/rest/api/user/current")
	if err != nil {
		if pperrors.KindOf(err) == pperrors.KindAuth {
			return err
		}
		return pperrors.Wrap(pperrors.KindAuth, "wiki identity verification", err)
	}
	var who struct {
		DisplayName string `json:"displayName"`
	}
	_ = json.Unmarshal(body, &who)
	a.logger.Info("wiki authenticated", slog.String("user", who.DisplayName))

	return a.indexAll(ctx)
}

func (a *WikiAdapter) indexAll(ctx context.Context) error {
	cfg := a.Config()

	spaces := append([]string(nil), cfg.Wiki.Spaces...)
	if len(spaces) == 0 {
		var err error
		spaces, err = a.listSpaces(ctx)
		if err != nil {
			return err
		}
	}

	table := make(map[string]*models.Document)
	var firstErr error
	failures := 0
	for _, space := range spaces {
		docs, err := a.indexSpace(ctx, space)
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			a.logger.Warn("space indexing failed",
				slog.String("space", space),
				slog.String("error", err.Error()))
			continue
		}
		for _, doc := range docs {
			table[doc.ID] = doc
		}
	}
	if len(spaces) > 0 && failures == len(spaces) {
		return pperrors.Wrap(pperrors.KindSourceAdapter, "all spaces failed", firstErr)
	}

	a.mu.Lock()
	a.docs = table
	a.mu.Unlock()
	a.SetIndexed(len(table))
	return nil
}

func (a *WikiAdapter) listSpaces(ctx context.Context) ([]string, error) {
	var out []string
	start := 0
	for {
		if err := a.quota.Acquire(ctx); err != nil {
			return nil, err
		}
		u := fmt.Sprintf("%s/rest/api/space?limit=%d&start=%d", a.baseURL, pageBatchSize, start)
		body, err := a.client.getJSON(ctx, u)
		if err != nil {
			return nil, err
		}
		var page struct {
			Results []struct {
				Key string `json:"key"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "decode space list", err)
		}
		for _, s := range page.Results {
			out = append(out, s.Key)
		}
		if len(page.Results) < pageBatchSize {
			return out, nil
		}
		start += pageBatchSize
	}
}

type wikiPage struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Version struct {
		When time.Time `json:"when"`
		By   struct {
			DisplayName string `json:"displayName"`
		} `json:"by"`
	} `json:"version"`
	Metadata struct {
		Labels struct {
			Results []struct {
				Name string `json:"name"`
			} `json:"results"`
		} `json:"labels"`
	} `json:"metadata"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

func (a *WikiAdapter) indexSpace(ctx context.Context, space string) ([]*models.Document, error) {
	cfg := a.Config()
	maxKB := cfg.Wiki.MaxPageSizeKB
	if maxKB <= 0 {
		maxKB = defaultMaxPageKB
	}
	maxBytes := maxKB * 1024

	var docs []*models.Document
	start := 0
	for {
		if err := a.quota.Acquire(ctx); err != nil {
			return nil, err
		}
		u := fmt.Sprintf("%s/rest/api/content?spaceKey=%s&type=page&expand=%s&limit=%d&start=%d",
			a.baseURL, url.QueryEscape(space),
			url.QueryEscape("body.storage,version,metadata.labels"),
			pageBatchSize, start)
		body, err := a.client.getJSON(ctx, u)
		if err != nil {
			return nil, err
		}
		var page struct {
			Results []wikiPage `json:"results"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "decode content list", err)
		}

		for _, p := range page.Results {
			if !cfg.Wiki.IncludeGenerated && isGenerated(p) {
				a.logger.Debug("generated page skipped",
					slog.String("space", space),
					slog.String("title", p.Title))
				continue
			}
			if len(p.Body.Storage.Value) > maxBytes {
				a.logger.Debug("page exceeds size cap",
					slog.String("space", space),
					slog.String("title", p.Title))
				continue
			}
			doc, err := a.buildDocument(space, p)
			if err != nil {
				a.logger.Warn("page extraction failed",
					slog.String("title", p.Title),
					slog.String("error", err.Error()))
				continue
			}
			docs = append(docs, doc)
		}
		if len(page.Results) < pageBatchSize {
			return docs, nil
		}
		start += pageBatchSize
	}
}

// isGenerated flags machine-produced pages by label or title marker.
func isGenerated(p wikiPage) bool {
	for _, l := range p.Metadata.Labels.Results {
		if generatedLabels[strings.ToLower(l.Name)] {
			return true
		}
	}
	title := strings.ToLower(p.Title)
	return strings.HasPrefix(title, "[generated]") || strings.HasPrefix(title, "generated:")
}

func (a *WikiAdapter) buildDocument(space string, p wikiPage) (*models.Document, error) {
	cfg := a.Config()

	content, err := storageToText(p.Body.Storage.Value)
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "parse page "+p.ID, err)
	}

	labels := make([]string, 0, len(p.Metadata.Labels.Results))
	for _, l := range p.Metadata.Labels.Results {
		labels = append(labels, l.Name)
	}

	metadata := map[string]any{
		"space":   space,
		"page_id": p.ID,
	}
	if p.Version.By.DisplayName != "" {
		metadata["author"] = p.Version.By.DisplayName
	}
	if len(labels) > 0 {
		metadata["labels"] = labels
	}

	category := models.CategoryGeneral
	for _, l := range labels {
		if c := models.Category(strings.ToLower(l)); c.Valid() {
			category = c
			break
		}
	}
	if category == models.CategoryGeneral && len(cfg.Categories) > 0 {
		category = models.Category(cfg.Categories[0])
	}
	if det := a.detector.Detect(p.Title, content, metadata); det.IsRunbook {
		category = models.CategoryRunbook
		metadata["runbook_class"] = string(det.Class)
		metadata["runbook_score"] = det.Score
	}

	pageURL := a.baseURL + p.Links.WebUI

	doc := &models.Document{
		ID:          models.HashID(a.Name(), space, p.ID),
		Title:       p.Title,
		Content:     content,
		SourceName:  a.Name(),
		SourceType:  models.SourceTypeWiki,
		Category:    category,
		URL:         pageURL,
		LastUpdated: p.Version.When,
		Metadata:    metadata,
	}
	if doc.LastUpdated.IsZero() {
		doc.LastUpdated = time.Now()
	}
	doc.Clamp(0)
	return doc, nil
}

// Search scores the indexed pages against the query.
func (a *WikiAdapter) Search(ctx context.Context, query string, filters *models.SearchFilters) (out []*models.Document, err error) {
	start := time.Now()
	defer func() { a.Observe(start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, pperrors.Wrap(pperrors.KindTimeout, "wiki search", err)
	}

	a.mu.RLock()
	docs := make([]*models.Document, 0, len(a.docs))
	for _, doc := range a.docs {
		docs = append(docs, doc)
	}
	a.mu.RUnlock()

	return adapter.MatchDocuments(query, docs, filters, defaultMatchThreshold, time.Since(start).Milliseconds()), nil
}

// SearchRunbooks finds indexed runbook pages relevant to an alert.
func (a *WikiAdapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]*models.Runbook, error) {
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

// GetDocument returns an indexed page by ID.
func (a *WikiAdapter) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	a.mu.RLock()
	doc, ok := a.docs[id]
	a.mu.RUnlock()
	if !ok {
		return nil, pperrors.NotFound("document %q", id)
	}
	return doc, nil
}

// HealthCheck probes the space listing with a short deadline.
func (a *WikiAdapter) HealthCheck(ctx context.Context) adapter.Health {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := a.client.getJSON(ctx, a.baseURL+"/rest/api/space?limit=1")
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return adapter.Health{Healthy: false, LatencyMS: latency, Details: err.Error()}
	}
	return adapter.Health{Healthy: true, LatencyMS: latency}
}

// RefreshIndex re-indexes all spaces; concurrent refreshes are
// serialized.
func (a *WikiAdapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !a.BeginRefresh() {
		return false, nil
	}
	defer a.EndRefresh()
	if err := a.indexAll(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Metadata returns the adapter summary.
func (a *WikiAdapter) Metadata() adapter.Metadata {
	return a.Stats(models.SourceTypeWiki)
}

// Documents returns a snapshot of the indexed page set.
func (a *WikiAdapter) Documents() []*models.Document {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*models.Document, 0, len(a.docs))
	for _, doc := range a.docs {
		out = append(out, doc)
	}
	return out
}

// Cleanup drops the document table.
func (a *WikiAdapter) Cleanup() error {
	a.mu.Lock()
	a.docs = make(map[string]*models.Document)
	a.mu.Unlock()
	return nil
}
