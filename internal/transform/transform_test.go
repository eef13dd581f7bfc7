package transform

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

func TestValidateRequestUnknownTool(t *testing.T) {
	_, err := ValidateRequest("drop_tables", nil)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindValidation, pperrors.KindOf(err))
}

func TestValidateRequestMissingField(t *testing.T) {
	_, err := ValidateRequest("search_knowledge_base", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, pperrors.KindValidation, pperrors.KindOf(err))
}

func TestValidateRequestQueryBounds(t *testing.T) {
	_, err := ValidateRequest("search_knowledge_base", map[string]any{"query": "x"})
	require.Error(t, err)

	_, err = ValidateRequest("search_knowledge_base", map[string]any{"query": strings.Repeat("q", 501)})
	require.Error(t, err)

	req, err := ValidateRequest("search_knowledge_base", map[string]any{"query": "disk space"})
	require.NoError(t, err)
	assert.NotEmpty(t, req.RequestID)
}

func TestValidateRequestMaxResultsBounds(t *testing.T) {
	for _, bad := range []any{0, 101, 2.5, "ten"} {
		_, err := ValidateRequest("search_knowledge_base", map[string]any{"query": "disk", "max_results": bad})
		require.Error(t, err, "max_results=%v", bad)
	}
	_, err := ValidateRequest("search_knowledge_base", map[string]any{"query": "disk", "max_results": float64(10)})
	require.NoError(t, err)
}

func TestValidateRequestRejectsPollutingKeys(t *testing.T) {
	_, err := ValidateRequest("search_knowledge_base", map[string]any{
		"query":     "disk space",
		"__proto__": map[string]any{"admin": true},
	})
	require.Error(t, err)
	assert.Equal(t, pperrors.KindValidation, pperrors.KindOf(err))

	_, err = ValidateRequest("search_knowledge_base", map[string]any{
		"query":   "disk space",
		"filters": map[string]any{"constructor": "x"},
	})
	require.Error(t, err)
}

func TestValidateRequestSeverity(t *testing.T) {
	_, err := ValidateRequest("search_runbooks", map[string]any{
		"alert_type":       "disk_space",
		"severity":         "catastrophic",
		"affected_systems": []any{"host"},
	})
	require.Error(t, err)

	req, err := ValidateRequest("search_runbooks", map[string]any{
		"alert_type":       "disk_space",
		"severity":         "critical",
		"affected_systems": []any{"host"},
	})
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, req.CachePriority)
	assert.True(t, req.Hints.ParallelLookup)
	assert.Equal(t, 2.0, req.Hints.UrgencyMultiplier)
}

func TestSanitizeStringIdempotent(t *testing.T) {
	raw := `  query <script>alert(1)</script> with <iframe src="x"></iframe> markup onclick="evil()" `
	once := SanitizeString(raw)
	assert.NotContains(t, once, "script")
	assert.NotContains(t, once, "iframe")
	assert.NotContains(t, once, "onclick")
	assert.Equal(t, once, SanitizeString(once))
}

func TestSanitizeNestedArguments(t *testing.T) {
	req, err := ValidateRequest("search_knowledge_base", map[string]any{
		"query": "disk space",
		"filters": map[string]any{
			"notes": []any{"<script>x</script>clean"},
		},
	})
	require.NoError(t, err)
	filters := req.Args["filters"].(map[string]any)
	notes := filters["notes"].([]any)
	assert.Equal(t, "clean", notes[0])
}

func TestCachePriorityClassification(t *testing.T) {
	assert.Equal(t, PriorityHigh, classifyPriority(map[string]any{"severity": "high"}))
	assert.Equal(t, PriorityMedium, classifyPriority(map[string]any{"severity": "medium"}))
	assert.Equal(t, PriorityMedium, classifyPriority(map[string]any{"affected_systems": []any{"db"}}))
	assert.Equal(t, PriorityStandard, classifyPriority(map[string]any{}))
}

func TestFeedbackValidation(t *testing.T) {
	_, err := ValidateRequest("record_resolution_feedback", map[string]any{
		"runbook_id":              "rb-1",
		"procedure_id":            "step-1",
		"outcome":                 "",
		"resolution_time_minutes": float64(10),
	})
	require.Error(t, err)

	_, err = ValidateRequest("record_resolution_feedback", map[string]any{
		"runbook_id":              "rb-1",
		"procedure_id":            "step-1",
		"outcome":                 "resolved",
		"resolution_time_minutes": float64(-5),
	})
	require.Error(t, err)
}

func TestPerformanceTiers(t *testing.T) {
	assert.Equal(t, TierFast, TierFor(150))
	assert.Equal(t, TierMedium, TierFor(200))
	assert.Equal(t, TierMedium, TierFor(999))
	assert.Equal(t, TierSlow, TierFor(1000))
}

func TestCacheStrategyPrecedence(t *testing.T) {
	assert.Equal(t, StrategyHighPriority, StrategyFor(PriorityHigh, TierSlow, 0))
	assert.Equal(t, StrategyPerformanceCache, StrategyFor(PriorityStandard, TierFast, 0))
	assert.Equal(t, StrategyHighConfidence, StrategyFor(PriorityStandard, TierMedium, 0.9))
	assert.Equal(t, StrategyStandard, StrategyFor(PriorityStandard, TierMedium, 0.5))
}

func TestSuccessEnvelope(t *testing.T) {
	env := Success([]string{"a"}, ResponseInfo{
		RequestID:       "req-1",
		RetrievalTimeMS: 80,
		ConfidenceScore: 0.9,
		Source:          "docs",
		Cached:          true,
		Priority:        PriorityStandard,
	})
	assert.True(t, env.Success)
	assert.Nil(t, env.Error)
	assert.Equal(t, TierFast, env.Metadata.PerformanceTier)
	assert.Equal(t, StrategyPerformanceCache, env.Metadata.CacheStrategy)
	assert.True(t, env.Metadata.Cached)
}

func TestFailureEnvelope(t *testing.T) {
	err := pperrors.Newf(pperrors.KindRateLimit, "slow down").WithRetryAfter(3 * time.Second)
	env := Failure(err, ResponseInfo{RequestID: "req-2", RetrievalTimeMS: 1500})

	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "RATE_LIMIT", env.Error.Code)
	assert.True(t, env.Error.Retryable)
	assert.Equal(t, int64(3000), env.Error.RetryAfterMS)
	assert.Equal(t, TierSlow, env.Metadata.PerformanceTier)
}

func TestFailureEnvelopeClassifiesPlainErrors(t *testing.T) {
	env := Failure(assert.AnError, ResponseInfo{})
	assert.Equal(t, "UNKNOWN", env.Error.Code)
}

func TestEnrichRunbooks(t *testing.T) {
	rb := &models.Runbook{
		ID:    "rb-1",
		Title: "Disk Space",
		Procedures: []models.ProcedureStep{
			{ID: "s1", Name: "check"},
			{ID: "s2", Name: "clear"},
		},
	}
	views := EnrichRunbooks([]*models.Runbook{rb}, map[string]float64{"rb-1": 0.8})
	require.Len(t, views, 1)
	assert.Equal(t, "/runbooks/rb-1", views[0].URL)
	assert.Equal(t, []string{"/procedures/rb-1/s1", "/procedures/rb-1/s2"}, views[0].ProcedureURLs)
	assert.Equal(t, 0.8, views[0].Relevance)
}

func TestEnrichProcedure(t *testing.T) {
	view := EnrichProcedure("rb-1",
		models.ProcedureStep{ID: "s1", Name: "check"},
		[]models.ProcedureStep{{ID: "s2"}})
	assert.Equal(t, "/procedures/rb-1/s1", view.ExecutionURL)
	assert.Equal(t, "/runbooks/rb-1", view.RunbookURL)
	require.Len(t, view.NextSteps, 1)
}

func TestEnrichEscalation(t *testing.T) {
	contacts := []models.EscalationContact{
		{Role: "primary", Contact: "oncall@ops.example.com, +1-555-0100, #ops-alerts"},
		{Role: "secondary", Contact: "lead@ops.example.com"},
	}
	view := EnrichEscalation(contacts, models.SeverityCritical)
	require.Len(t, view.Contacts, 2)
	assert.Equal(t, 1, view.Contacts[0].EscalationOrder)
	assert.Equal(t, "oncall@ops.example.com", view.Contacts[0].ContactMethods["email"])
	assert.Equal(t, "#ops-alerts", view.Contacts[0].ContactMethods["chat"])
	assert.Equal(t, 5, view.Contacts[0].ResponseTimeMin)
	assert.Equal(t, 10, view.Contacts[1].ResponseTimeMin)
}
