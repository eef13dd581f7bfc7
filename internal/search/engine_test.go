package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpark2025/personal-pipeline/internal/cache"
	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/embed"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		SemanticWeight:       0.6,
		FuzzyWeight:          0.25,
		MetadataWeight:       0.15,
		MinSemanticThreshold: 0,
		MinFuzzyThreshold:    0,
		MaxResults:           10,
		MaxDocumentBytes:     100 * 1024,
		FallbackEnabled:      true,
	}
}

func testDocuments() []*models.Document {
	now := time.Now()
	return []*models.Document{
		{
			ID:          "docs:disk-space-runbook",
			Title:       "Disk Space Alert Runbook",
			Content:     "Runbook for disk space alerts. Steps: check df output, clear old logs, expand the volume.",
			SourceName:  "docs",
			SourceType:  models.SourceTypeFile,
			Category:    models.CategoryRunbook,
			LastUpdated: now.Add(-24 * time.Hour),
		},
		{
			ID:          "docs:memory-leak-runbook",
			Title:       "Memory Leak Response",
			Content:     "Runbook for memory pressure. Steps: capture heap profile, restart the worker pool.",
			SourceName:  "docs",
			SourceType:  models.SourceTypeFile,
			Category:    models.CategoryRunbook,
			LastUpdated: now.Add(-48 * time.Hour),
		},
		{
			ID:          "wiki:onboarding",
			Title:       "Team Onboarding Guide",
			Content:     "How to set up your laptop and request access to dashboards.",
			SourceName:  "wiki",
			SourceType:  models.SourceTypeWiki,
			Category:    models.CategoryGuide,
			LastUpdated: now.Add(-200 * 24 * time.Hour),
		},
	}
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Embedder == nil {
		opts.Embedder = embed.NewStaticEmbedder(64)
	}
	if opts.Config.MaxResults == 0 {
		opts.Config = testSearchConfig()
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.IndexDocuments(context.Background(), testDocuments()))
	return e
}

func TestSearchRanksRelevantDocumentFirst(t *testing.T) {
	e := newTestEngine(t, Options{})
	resp, err := e.Search(context.Background(), "disk space alert", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	assert.Equal(t, "docs:disk-space-runbook", resp.Results[0].ID)
	assert.Contains(t, resp.Results[0].MatchReasons, "title_match")
	assert.GreaterOrEqual(t, resp.Results[0].ConfidenceScore, 0.0)
	assert.LessOrEqual(t, resp.Results[0].ConfidenceScore, 1.0)
	assert.GreaterOrEqual(t, resp.RetrievalTimeMS, int64(0))
}

func TestSearchAppliesFilters(t *testing.T) {
	e := newTestEngine(t, Options{})
	filters := &models.SearchFilters{SourceTypes: []models.SourceType{models.SourceTypeWiki}}

	resp, err := e.Search(context.Background(), "onboarding laptop access", filters, nil)
	require.NoError(t, err)
	for _, doc := range resp.Results {
		assert.Equal(t, models.SourceTypeWiki, doc.SourceType)
	}
}

func TestSearchRespectsMaxResults(t *testing.T) {
	e := newTestEngine(t, Options{})
	filters := &models.SearchFilters{MaxResults: 1}

	resp, err := e.Search(context.Background(), "runbook steps", filters, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(resp.Results), 1)
}

func TestSearchValidationError(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.Search(context.Background(), "x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindValidation, pperrors.KindOf(err))
}

type failingEmbedder struct{ dims int }

func (f *failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("model unavailable")
}

func (f *failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		v := make([]float32, f.dims)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (f *failingEmbedder) Dimensions() int                    { return f.dims }
func (f *failingEmbedder) ModelName() string                  { return "failing" }
func (f *failingEmbedder) Available(ctx context.Context) bool { return false }
func (f *failingEmbedder) Close() error                       { return nil }

func TestSearchFallsBackToFuzzyOnEmbedFailure(t *testing.T) {
	e := newTestEngine(t, Options{Embedder: &failingEmbedder{dims: 64}})

	resp, err := e.Search(context.Background(), "disk space alert", nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.FallbackUsed)
	assert.NotEmpty(t, resp.Results)
}

func TestSearchEmbedFailureWithoutFallback(t *testing.T) {
	cfg := testSearchConfig()
	cfg.FallbackEnabled = false
	e := newTestEngine(t, Options{Embedder: &failingEmbedder{dims: 64}, Config: cfg})

	_, err := e.Search(context.Background(), "disk space alert", nil, nil)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindEmbedFailure, pperrors.KindOf(err))
}

func TestSearchUsesCache(t *testing.T) {
	c, err := cache.New(cache.Options{MaxKeys: 64, SweepInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	e := newTestEngine(t, Options{Cache: c, CacheTTL: time.Minute})

	first, err := e.Search(context.Background(), "disk space alert", nil, nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	require.NotEmpty(t, first.Results)

	second, err := e.Search(context.Background(), "disk space alert", nil, nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Results[0].ID, second.Results[0].ID)

	// Key normalization makes reordered queries hit the same entry.
	third, err := e.Search(context.Background(), "Alert: disk space!", nil, nil)
	require.NoError(t, err)
	assert.True(t, third.Cached)
}

func TestSearchZeroTTLNeverCaches(t *testing.T) {
	c, err := cache.New(cache.Options{MaxKeys: 64, SweepInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	e := newTestEngine(t, Options{Cache: c, CacheTTL: 0})

	first, err := e.Search(context.Background(), "disk space alert", nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first.Results)

	second, err := e.Search(context.Background(), "disk space alert", nil, nil)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.Equal(t, 0, c.Len())
}

func TestSearchEmptyResultsNotCached(t *testing.T) {
	c, err := cache.New(cache.Options{MaxKeys: 64, SweepInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	cfg := testSearchConfig()
	cfg.MinFuzzyThreshold = 0.99
	cfg.MinSemanticThreshold = 0.99
	e := newTestEngine(t, Options{Cache: c, CacheTTL: time.Minute, Config: cfg})

	resp, err := e.Search(context.Background(), "no such topic anywhere", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, c.Len())
}

func TestRemoveSourceDropsDocuments(t *testing.T) {
	e := newTestEngine(t, Options{})
	require.NoError(t, e.RemoveSource("docs"))

	assert.Equal(t, 1, e.DocumentCount())
	_, ok := e.Document("docs:disk-space-runbook")
	assert.False(t, ok)

	resp, err := e.Search(context.Background(), "disk space alert", nil, nil)
	require.NoError(t, err)
	for _, doc := range resp.Results {
		assert.NotEqual(t, "docs", doc.SourceName)
	}
}

func TestIndexDocumentsClampsContent(t *testing.T) {
	cfg := testSearchConfig()
	cfg.MaxDocumentBytes = 64
	e := newTestEngine(t, Options{Config: cfg})

	long := &models.Document{
		ID:         "docs:long",
		Title:      "Long Document",
		Content:    string(make([]byte, 500)),
		SourceName: "docs",
		SourceType: models.SourceTypeFile,
		Category:   models.CategoryGeneral,
	}
	require.NoError(t, e.IndexDocuments(context.Background(), []*models.Document{long}))

	doc, ok := e.Document("docs:long")
	require.True(t, ok)
	assert.Len(t, doc.Content, 64+len(models.TruncationSentinel))
}

func TestSearchRunbooks(t *testing.T) {
	e := newTestEngine(t, Options{})

	matches, err := e.SearchRunbooks(context.Background(), "disk_space", models.SeverityCritical, []string{"storage"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	for _, m := range matches {
		assert.Equal(t, models.CategoryRunbook, m.Document.Category)
		assert.NotNil(t, m.Runbook)
	}
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Relevance, matches[i].Relevance)
	}
}
