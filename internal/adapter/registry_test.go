package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// fakeAdapter is a scriptable in-memory adapter.
type fakeAdapter struct {
	Base
	sourceType models.SourceType
	docs       []*models.Document
	searchErr  error
	healthy    bool
	cleaned    atomic.Bool
	searchWait time.Duration
}

func newFakeAdapter(name string, priority int, docs []*models.Document) *fakeAdapter {
	return &fakeAdapter{
		Base:       NewBase(config.AdapterConfig{Name: name, Priority: priority}),
		sourceType: models.SourceTypeFile,
		docs:       docs,
		healthy:    true,
	}
}

func (f *fakeAdapter) Type() models.SourceType { return f.sourceType }

func (f *fakeAdapter) Initialize(ctx context.Context) error { return nil }

func (f *fakeAdapter) Search(ctx context.Context, query string, filters *models.SearchFilters) ([]*models.Document, error) {
	if f.searchWait > 0 {
		select {
		case <-time.After(f.searchWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.docs, nil
}

func (f *fakeAdapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]*models.Runbook, error) {
	return nil, nil
}

func (f *fakeAdapter) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	for _, d := range f.docs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, pperrors.NotFound("document %q", id)
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) Health {
	return Health{Healthy: f.healthy, LatencyMS: 1}
}

func (f *fakeAdapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !f.BeginRefresh() {
		return false, nil
	}
	defer f.EndRefresh()
	f.SetIndexed(len(f.docs))
	return true, nil
}

func (f *fakeAdapter) Metadata() Metadata { return f.Stats(f.sourceType) }

func (f *fakeAdapter) Cleanup() error {
	f.cleaned.Store(true)
	return nil
}

func docWithScore(id, source string, score float64) *models.Document {
	return &models.Document{ID: id, SourceName: source, ConfidenceScore: score, SourceType: models.SourceTypeFile}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(newFakeAdapter("docs", 1, nil)))

	err := r.Register(newFakeAdapter("docs", 2, nil))
	require.Error(t, err)
	assert.Equal(t, pperrors.KindConfig, pperrors.KindOf(err))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryDeregister(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeAdapter("docs", 1, nil)
	require.NoError(t, r.Register(a))

	require.NoError(t, r.Deregister("docs"))
	assert.True(t, a.cleaned.Load())
	assert.Equal(t, 0, r.Len())

	err := r.Deregister("docs")
	assert.Equal(t, pperrors.KindNotFound, pperrors.KindOf(err))
}

func TestSearchAllMergesAndSorts(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(newFakeAdapter("low", 2, []*models.Document{
		docWithScore("low:a", "low", 0.9),
		docWithScore("low:b", "low", 0.5),
	})))
	require.NoError(t, r.Register(newFakeAdapter("high", 1, []*models.Document{
		docWithScore("high:a", "high", 0.9),
	})))

	fan, err := r.SearchAll(context.Background(), "anything", nil)
	require.NoError(t, err)
	require.Len(t, fan.Documents, 3)
	assert.Empty(t, fan.Failures)

	// Equal scores break ties by priority (lower first).
	assert.Equal(t, "high:a", fan.Documents[0].ID)
	assert.Equal(t, "low:a", fan.Documents[1].ID)
	assert.Equal(t, "low:b", fan.Documents[2].ID)
}

func TestSearchAllToleratesPartialFailure(t *testing.T) {
	r := NewRegistry(nil, nil)
	failing := newFakeAdapter("bad", 1, nil)
	failing.searchErr = errors.New("connection refused")
	require.NoError(t, r.Register(failing))
	require.NoError(t, r.Register(newFakeAdapter("good", 2, []*models.Document{
		docWithScore("good:a", "good", 0.8),
	})))

	fan, err := r.SearchAll(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Len(t, fan.Documents, 1)

	require.Contains(t, fan.Failures, "bad")
	assert.Equal(t, pperrors.KindSourceAdapter, pperrors.KindOf(fan.Failures["bad"]))
}

func TestSearchAllFailsWhenAllFail(t *testing.T) {
	r := NewRegistry(nil, nil)
	for _, name := range []string{"a", "b"} {
		f := newFakeAdapter(name, 1, nil)
		f.searchErr = errors.New("down")
		require.NoError(t, r.Register(f))
	}

	_, err := r.SearchAll(context.Background(), "anything", nil)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindSourceAdapter, pperrors.KindOf(err))
}

func TestSearchAllHonorsDeadline(t *testing.T) {
	r := NewRegistry(nil, nil)
	slow := newFakeAdapter("slow", 1, []*models.Document{docWithScore("slow:a", "slow", 0.9)})
	slow.searchWait = 500 * time.Millisecond
	require.NoError(t, r.Register(slow))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.SearchAll(ctx, "anything", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestSearchAllEmptyRegistry(t *testing.T) {
	r := NewRegistry(nil, nil)
	fan, err := r.SearchAll(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Empty(t, fan.Documents)
}

func TestHealthAll(t *testing.T) {
	r := NewRegistry(nil, nil)
	healthy := newFakeAdapter("up", 1, nil)
	sick := newFakeAdapter("down", 2, nil)
	sick.healthy = false
	require.NoError(t, r.Register(healthy))
	require.NoError(t, r.Register(sick))

	health := r.HealthAll(context.Background())
	require.Len(t, health, 2)
	assert.True(t, health["up"].Healthy)
	assert.False(t, health["down"].Healthy)
}

func TestDegradedAdapterStaysVisible(t *testing.T) {
	r := NewRegistry(nil, nil)
	inner := newFakeAdapter("broken", 1, nil)
	cause := errors.New("root path missing")
	require.NoError(t, r.Register(NewDegraded(inner, cause)))

	health := r.HealthAll(context.Background())
	require.Contains(t, health, "broken")
	assert.False(t, health["broken"].Healthy)
	assert.Contains(t, health["broken"].Details, "root path missing")

	a, ok := r.Get("broken")
	require.True(t, ok)
	_, err := a.Search(context.Background(), "anything", nil)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindSourceAdapter, pperrors.KindOf(err))

	metas := r.MetadataAll()
	require.Len(t, metas, 1)
	assert.Equal(t, "broken", metas[0].Name)
}

func TestCleanupReverseOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := newFakeAdapter("first", 1, nil)
	b := newFakeAdapter("second", 2, nil)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	require.NoError(t, r.Cleanup())
	assert.True(t, a.cleaned.Load())
	assert.True(t, b.cleaned.Load())
	assert.Equal(t, 0, r.Len())
}

func TestBaseRefreshSerialization(t *testing.T) {
	b := NewBase(config.AdapterConfig{Name: "docs"})

	require.True(t, b.BeginRefresh())
	assert.False(t, b.BeginRefresh(), "second concurrent refresh must be skipped")
	b.EndRefresh()
	assert.True(t, b.BeginRefresh())
}

func TestBaseStats(t *testing.T) {
	b := NewBase(config.AdapterConfig{Name: "docs"})

	b.Observe(time.Now().Add(-10*time.Millisecond), nil)
	b.Observe(time.Now().Add(-20*time.Millisecond), errors.New("boom"))
	b.SetIndexed(42)

	m := b.Stats(models.SourceTypeFile)
	assert.Equal(t, "docs", m.Name)
	assert.Equal(t, 42, m.DocumentCount)
	assert.InDelta(t, 0.5, m.SuccessRate, 1e-9)
	assert.Greater(t, m.AvgResponseTimeMS, 0.0)
	assert.False(t, m.LastIndexed.IsZero())
}
