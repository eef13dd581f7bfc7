package mcpserver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpark2025/personal-pipeline/internal/adapter"
	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/embed"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/search"
	"github.com/dpark2025/personal-pipeline/internal/transform"
)

// stubAdapter satisfies the adapter contract for registry-backed tools.
type stubAdapter struct {
	adapter.Base
	docs      []*models.Document
	healthy   bool
	searchErr error
}

func newStubAdapter(name string, docs []*models.Document) *stubAdapter {
	return &stubAdapter{
		Base:    adapter.NewBase(config.AdapterConfig{Name: name, Priority: 1}),
		docs:    docs,
		healthy: true,
	}
}

func (a *stubAdapter) Type() models.SourceType              { return models.SourceTypeFile }
func (a *stubAdapter) Initialize(ctx context.Context) error { return nil }

func (a *stubAdapter) Search(ctx context.Context, query string, filters *models.SearchFilters) ([]*models.Document, error) {
	if a.searchErr != nil {
		return nil, a.searchErr
	}
	now := time.Now()
	out := make([]*models.Document, 0, len(a.docs))
	for _, d := range a.docs {
		if filters.Allows(d, now) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (a *stubAdapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]*models.Runbook, error) {
	return nil, nil
}

func (a *stubAdapter) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	for _, d := range a.docs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, assert.AnError
}

func (a *stubAdapter) HealthCheck(ctx context.Context) adapter.Health {
	return adapter.Health{Healthy: a.healthy, LatencyMS: 1}
}

func (a *stubAdapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	return true, nil
}

func (a *stubAdapter) Metadata() adapter.Metadata { return a.Stats(models.SourceTypeFile) }
func (a *stubAdapter) Cleanup() error             { return nil }

func diskRunbookData() map[string]any {
	return map[string]any{
		"id":       "rb-disk",
		"title":    "Disk Space Alert Runbook",
		"triggers": []any{"disk_space"},
		"decision_tree": map[string]any{
			"id":        "root",
			"condition": "usage above 90 percent",
			"outcome":   "clear old logs",
		},
		"procedures": []any{
			map[string]any{"id": "step-1", "name": "check-usage", "description": "Run df -h on the affected host."},
			map[string]any{"id": "step-2", "name": "clear-logs", "description": "Rotate and compress logs older than 7 days."},
			map[string]any{"id": "step-3", "name": "expand-volume", "description": "Grow the volume if usage stays above 85 percent."},
		},
		"escalation_path": []any{
			map[string]any{"role": "primary", "contact": "oncall@ops.example.com, #ops-alerts"},
			map[string]any{"role": "manager", "contact": "mgr@ops.example.com", "business_hours": true},
		},
	}
}

func dispatcherDocuments() []*models.Document {
	now := time.Now()
	return []*models.Document{
		{
			ID:          "docs:disk-runbook",
			Title:       "Disk Space Alert Runbook",
			Content:     "Runbook for disk space alerts. Escalate to the on-call if cleanup fails.",
			SourceName:  "docs",
			SourceType:  models.SourceTypeFile,
			Category:    models.CategoryRunbook,
			LastUpdated: now.Add(-time.Hour),
			Metadata:    map[string]any{"runbook_data": diskRunbookData()},
		},
		{
			ID:          "docs:memory-notes",
			Title:       "Memory Pressure Notes",
			Content:     "Runbook notes for memory pressure. Capture a heap profile first.",
			SourceName:  "docs",
			SourceType:  models.SourceTypeFile,
			Category:    models.CategoryRunbook,
			LastUpdated: now.Add(-2 * time.Hour),
		},
		{
			ID:          "wiki:onboarding",
			Title:       "Team Onboarding Guide",
			Content:     "How to request dashboard access and set up a laptop.",
			SourceName:  "wiki",
			SourceType:  models.SourceTypeWiki,
			Category:    models.CategoryGuide,
			LastUpdated: now.Add(-90 * 24 * time.Hour),
		},
	}
}

func newTestDispatcher(t *testing.T, docs []*models.Document) *Dispatcher {
	t.Helper()

	engine, err := search.NewEngine(search.Options{
		Config: config.SearchConfig{
			SemanticWeight:   0.6,
			FuzzyWeight:      0.25,
			MetadataWeight:   0.15,
			MaxResults:       10,
			MaxDocumentBytes: 100 * 1024,
			FallbackEnabled:  true,
		},
		Embedder: embed.NewStaticEmbedder(64),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	require.NoError(t, engine.IndexDocuments(context.Background(), docs))

	registry := adapter.NewRegistry(nil, nil)
	stub := newStubAdapter("docs", docs)
	stub.SetIndexed(len(docs))
	require.NoError(t, registry.Register(stub))

	feedback, err := NewFeedbackLog(t.TempDir())
	require.NoError(t, err)

	d, err := NewDispatcher(engine, registry, feedback, nil, nil)
	require.NoError(t, err)
	return d
}

func TestDispatchRejectsUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	env := d.Dispatch(context.Background(), "delete_everything", nil)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION", env.Error.Code)
}

func TestDispatchSearchKnowledgeBase(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	env := d.Dispatch(context.Background(), "search_knowledge_base", map[string]any{
		"query": "disk space cleanup",
	})
	require.True(t, env.Success, "error: %+v", env.Error)
	assert.NotEmpty(t, env.Metadata.RequestID)
	assert.NotEmpty(t, env.Metadata.CacheStrategy)

	docs, ok := env.Data.([]*models.Document)
	require.True(t, ok)
	require.NotEmpty(t, docs)
	assert.Equal(t, "docs:disk-runbook", docs[0].ID)
}

func TestDispatchSearchKnowledgeBaseCategoryFilter(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	env := d.Dispatch(context.Background(), "search_knowledge_base", map[string]any{
		"query":      "onboarding laptop access",
		"categories": []any{"guide"},
	})
	require.True(t, env.Success)
	docs := env.Data.([]*models.Document)
	for _, doc := range docs {
		assert.Equal(t, models.CategoryGuide, doc.Category)
	}

	env = d.Dispatch(context.Background(), "search_knowledge_base", map[string]any{
		"query":      "onboarding",
		"categories": []any{"nonsense"},
	})
	assert.False(t, env.Success)
	assert.Equal(t, "VALIDATION", env.Error.Code)
}

func TestDispatchSearchSurvivesFailingSource(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	failing := newStubAdapter("flaky", nil)
	failing.searchErr = errors.New("connection refused")
	failing.healthy = false
	require.NoError(t, d.registry.Register(failing))

	env := d.Dispatch(context.Background(), "search_knowledge_base", map[string]any{
		"query": "disk space cleanup",
	})
	require.True(t, env.Success, "error: %+v", env.Error)

	docs := env.Data.([]*models.Document)
	require.NotEmpty(t, docs)
	for _, doc := range docs {
		assert.NotEqual(t, "flaky", doc.SourceName)
	}

	var noted bool
	for _, n := range env.Metadata.Notes {
		if strings.Contains(n, "flaky") && strings.Contains(n, "SOURCE_ADAPTER") {
			noted = true
		}
	}
	assert.True(t, noted, "expected a failure note for the flaky source, got %v", env.Metadata.Notes)

	env = d.Dispatch(context.Background(), "list_sources", map[string]any{"include_health": true})
	require.True(t, env.Success)
	for _, view := range env.Data.([]SourceView) {
		if view.Name == "flaky" {
			require.NotNil(t, view.Health)
			assert.False(t, view.Health.Healthy)
		}
	}
}

func TestDispatchSearchMergesAdapterOnlyDocuments(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	extra := &models.Document{
		ID:          "cmdb:disk-layout",
		Title:       "Disk Layout Reference",
		Content:     "Partition and volume layout for the database fleet.",
		SourceName:  "cmdb",
		SourceType:  models.SourceTypeDatabase,
		Category:    models.CategoryGeneral,
		LastUpdated: time.Now(),
	}
	require.NoError(t, d.registry.Register(newStubAdapter("cmdb", []*models.Document{extra})))

	env := d.Dispatch(context.Background(), "search_knowledge_base", map[string]any{
		"query": "disk space cleanup",
	})
	require.True(t, env.Success, "error: %+v", env.Error)

	ids := make([]string, 0)
	for _, doc := range env.Data.([]*models.Document) {
		ids = append(ids, doc.ID)
	}
	assert.Contains(t, ids, "cmdb:disk-layout")
}

func TestDispatchSearchRunbooks(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	env := d.Dispatch(context.Background(), "search_runbooks", map[string]any{
		"alert_type":       "disk_space",
		"severity":         "critical",
		"affected_systems": []any{"db-01"},
	})
	require.True(t, env.Success, "error: %+v", env.Error)
	assert.Equal(t, transform.StrategyHighPriority, env.Metadata.CacheStrategy)

	views, ok := env.Data.([]transform.RunbookView)
	require.True(t, ok)
	require.NotEmpty(t, views)
	assert.Equal(t, "rb-disk", views[0].ID)
	assert.Equal(t, "/runbooks/rb-disk", views[0].URL)
	assert.Len(t, views[0].ProcedureURLs, 3)
	assert.Greater(t, views[0].Relevance, 0.0)
}

func TestDispatchGetDecisionTree(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	env := d.Dispatch(context.Background(), "get_decision_tree", map[string]any{
		"alert_context": "disk space filling up on db host",
	})
	require.True(t, env.Success, "error: %+v", env.Error)

	data := env.Data.(map[string]any)
	assert.Equal(t, "rb-disk", data["runbook_id"])
	tree := data["decision_tree"].(*models.DecisionNode)
	assert.Equal(t, "usage above 90 percent", tree.Condition)
}

func TestDispatchGetDecisionTreeNotFound(t *testing.T) {
	docs := dispatcherDocuments()[1:] // no structured runbook data
	d := newTestDispatcher(t, docs)

	env := d.Dispatch(context.Background(), "get_decision_tree", map[string]any{
		"alert_context": "memory pressure",
	})
	assert.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestDispatchGetProcedure(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	env := d.Dispatch(context.Background(), "get_procedure", map[string]any{
		"runbook_id": "docs:disk-runbook",
		"step_name":  "check-usage",
	})
	require.True(t, env.Success, "error: %+v", env.Error)

	view, ok := env.Data.(transform.ProcedureView)
	require.True(t, ok)
	assert.Equal(t, "step-1", view.Step.ID)
	assert.Len(t, view.NextSteps, 2)
	assert.Equal(t, "/procedures/docs:disk-runbook/step-1", view.ExecutionURL)
}

func TestDispatchGetProcedureNotFound(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	env := d.Dispatch(context.Background(), "get_procedure", map[string]any{
		"runbook_id": "docs:missing",
		"step_name":  "check-usage",
	})
	assert.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	env = d.Dispatch(context.Background(), "get_procedure", map[string]any{
		"runbook_id": "docs:disk-runbook",
		"step_name":  "no-such-step",
	})
	assert.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestDispatchGetEscalationPath(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	// Outside business hours only the 24x7 contact is eligible.
	env := d.Dispatch(context.Background(), "get_escalation_path", map[string]any{
		"severity":       "critical",
		"business_hours": false,
	})
	require.True(t, env.Success, "error: %+v", env.Error)

	view := env.Data.(transform.EscalationView)
	require.Len(t, view.Contacts, 1)
	assert.Equal(t, "primary", view.Contacts[0].Role)
	assert.Equal(t, 1, view.Contacts[0].EscalationOrder)
	assert.Equal(t, "oncall@ops.example.com", view.Contacts[0].ContactMethods["email"])

	env = d.Dispatch(context.Background(), "get_escalation_path", map[string]any{
		"severity":       "critical",
		"business_hours": true,
	})
	require.True(t, env.Success)
	assert.Len(t, env.Data.(transform.EscalationView).Contacts, 2)
}

func TestDispatchGetEscalationPathSkipsFailedAttempts(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	env := d.Dispatch(context.Background(), "get_escalation_path", map[string]any{
		"severity":        "high",
		"business_hours":  true,
		"failed_attempts": []any{"primary"},
	})
	require.True(t, env.Success)
	view := env.Data.(transform.EscalationView)
	require.Len(t, view.Contacts, 1)
	assert.Equal(t, "manager", view.Contacts[0].Role)

	env = d.Dispatch(context.Background(), "get_escalation_path", map[string]any{
		"severity":        "high",
		"business_hours":  false,
		"failed_attempts": []any{"primary"},
	})
	assert.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestDispatchListSources(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	env := d.Dispatch(context.Background(), "list_sources", nil)
	require.True(t, env.Success)
	views := env.Data.([]SourceView)
	require.Len(t, views, 1)
	assert.Equal(t, "docs", views[0].Name)
	assert.Equal(t, 3, views[0].DocumentCount)
	assert.Nil(t, views[0].Health)

	env = d.Dispatch(context.Background(), "list_sources", map[string]any{"include_health": true})
	require.True(t, env.Success)
	views = env.Data.([]SourceView)
	require.NotNil(t, views[0].Health)
	assert.True(t, views[0].Health.Healthy)
}

func TestDispatchRecordResolutionFeedback(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	env := d.Dispatch(context.Background(), "record_resolution_feedback", map[string]any{
		"runbook_id":              "rb-disk",
		"procedure_id":            "step-2",
		"outcome":                 "resolved",
		"resolution_time_minutes": float64(18),
		"notes":                   "cleared rotated logs",
	})
	require.True(t, env.Success, "error: %+v", env.Error)

	records, err := d.feedback.All()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "rb-disk", records[0].RunbookID)
	assert.Equal(t, 18, records[0].ResolutionTimeMinutes)
	assert.False(t, records[0].RecordedAt.IsZero())
}

func TestDispatchFeedbackInformsSuccessRate(t *testing.T) {
	d := newTestDispatcher(t, dispatcherDocuments())

	for _, outcome := range []string{"resolved", "failed"} {
		env := d.Dispatch(context.Background(), "record_resolution_feedback", map[string]any{
			"runbook_id":              "rb-disk",
			"procedure_id":            "step-1",
			"outcome":                 outcome,
			"resolution_time_minutes": float64(5),
		})
		require.True(t, env.Success)
	}

	env := d.Dispatch(context.Background(), "search_runbooks", map[string]any{
		"alert_type":       "disk_space",
		"severity":         "high",
		"affected_systems": []any{"db-01"},
	})
	require.True(t, env.Success)
	views := env.Data.([]transform.RunbookView)
	require.NotEmpty(t, views)
	assert.InDelta(t, 0.5, views[0].Metadata.SuccessRate, 1e-9)
}
