package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

func TestProcessRejectsOutOfRangeQueries(t *testing.T) {
	p := NewProcessor()

	_, err := p.Process("a", nil)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindValidation, pperrors.KindOf(err))

	_, err = p.Process("", nil)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindValidation, pperrors.KindOf(err))

	_, err = p.Process(strings.Repeat("x", 501), nil)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindValidation, pperrors.KindOf(err))

	// Boundary lengths are accepted.
	_, err = p.Process("ab", nil)
	assert.NoError(t, err)
	_, err = p.Process(strings.Repeat("x", 500), nil)
	assert.NoError(t, err)
}

func TestProcessIntentClassification(t *testing.T) {
	p := NewProcessor()
	tests := []struct {
		query string
		qctx  *models.QueryContext
		want  Intent
	}{
		{"payment service outage", nil, IntentEmergencyResponse},
		{"disk alert runbook", nil, IntentFindRunbook},
		{"who to contact for database issues", nil, IntentEscalationPath},
		{"steps to rotate certificates", nil, IntentProcedureLookup},
		{"kafka consumer lag tuning", nil, IntentGeneralSearch},
		{"memory usage", &models.QueryContext{Urgent: true}, IntentEmergencyResponse},
		{"memory usage", &models.QueryContext{Severity: models.SeverityCritical}, IntentEmergencyResponse},
	}
	for _, tt := range tests {
		pq, err := p.Process(tt.query, tt.qctx)
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.want, pq.Intent, tt.query)
	}
}

func TestProcessExtractsEntities(t *testing.T) {
	p := NewProcessor()

	pq, err := p.Process("redis high memory on kubernetes", nil)
	require.NoError(t, err)
	assert.Contains(t, pq.Systems, "redis")
	assert.Contains(t, pq.Systems, "kubernetes")
	assert.Equal(t, models.SeverityHigh, pq.Severity)

	// Context overrides and supplements.
	pq, err = p.Process("latency spike", &models.QueryContext{
		Severity: models.SeverityCritical,
		Systems:  []string{"gateway"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, pq.Severity)
	assert.Contains(t, pq.Systems, "gateway")
}

func TestProcessFlagsSuspiciousPatterns(t *testing.T) {
	p := NewProcessor()
	tests := []struct {
		query string
		want  string
	}{
		{"<script>alert(1)</script>", "script_injection"},
		{"../../etc/passwd troubleshooting", "path_traversal"},
		{"disk full' OR '1'='1", "sql_injection"},
		{"debug ${jndi:ldap} errors", "template_injection"},
	}
	for _, tt := range tests {
		pq, err := p.Process(tt.query, nil)
		require.NoError(t, err, "suspicious queries are advisory, not blocked")
		assert.Contains(t, pq.Suspicious, tt.want, tt.query)
	}

	pq, err := p.Process("ordinary disk space query", nil)
	require.NoError(t, err)
	assert.Empty(t, pq.Suspicious)
}

func TestProcessEnhancedQueryCarriesContext(t *testing.T) {
	p := NewProcessor()

	pq, err := p.Process("service degraded", &models.QueryContext{
		AlertType: "disk_space",
		Severity:  models.SeverityHigh,
		Systems:   []string{"postgres"},
	})
	require.NoError(t, err)
	assert.Contains(t, pq.Enhanced, "disk_space")
	assert.Contains(t, pq.Enhanced, "high")
	assert.Contains(t, pq.Enhanced, "postgres")
	assert.True(t, strings.HasPrefix(pq.Enhanced, "service degraded"))
}

func TestProcessRecommendsFilters(t *testing.T) {
	p := NewProcessor()

	pq, err := p.Process("runbook for disk alerts", nil)
	require.NoError(t, err)
	assert.Equal(t, []models.Category{models.CategoryRunbook}, pq.Filters.Categories)
	assert.Equal(t, 10, pq.LimitTarget)

	pq, err = p.Process("database outage", nil)
	require.NoError(t, err)
	assert.Equal(t, IntentEmergencyResponse, pq.Intent)
	assert.Equal(t, 5, pq.LimitTarget)
}
