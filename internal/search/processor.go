// Package search implements the hybrid retrieval pipeline: query
// processing, semantic and lexical scoring, metadata weighting, and
// the engine that combines them over the indexed document set.
package search

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// Intent classifies what the caller is trying to accomplish.
type Intent string

const (
	IntentEmergencyResponse Intent = "EMERGENCY_RESPONSE"
	IntentFindRunbook       Intent = "FIND_RUNBOOK"
	IntentEscalationPath    Intent = "ESCALATION_PATH"
	IntentProcedureLookup   Intent = "PROCEDURE_LOOKUP"
	IntentGeneralSearch     Intent = "GENERAL_SEARCH"
)

// Query length bounds in runes.
const (
	MinQueryLength = 2
	MaxQueryLength = 500
)

// ProcessedQuery is the analyzed form of a raw query.
type ProcessedQuery struct {
	Original    string
	Enhanced    string
	Intent      Intent
	Systems     []string
	Severity    models.Severity
	AlertType   string
	Urgent      bool
	Suspicious  []string
	Filters     models.SearchFilters
	LimitTarget int
}

// Suspicious-pattern detectors. Advisory only: a flagged query still
// runs, but gets a reduced cache TTL and a log line.
var suspiciousPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"script_injection", regexp.MustCompile(`(?i)<\s*script|javascript\s*:|on\w+\s*=`)},
	{"path_traversal", regexp.MustCompile(`\.\./|\.\.\\`)},
	{"sql_injection", regexp.MustCompile(`(?i)union\s+select|drop\s+table|insert\s+into|;\s*--|'\s*or\s+'?1'?\s*=\s*'?1`)},
	{"template_injection", regexp.MustCompile(`\$\{|\{\{|\$\(`)},
}

// System names recognized during entity extraction.
var knownSystems = []string{
	"database", "postgres", "mysql", "redis", "kafka", "elasticsearch",
	"nginx", "kubernetes", "docker", "dns", "api", "gateway", "queue",
	"disk", "memory", "cpu", "network", "storage", "cache", "loadbalancer",
	"payment", "auth",
}

var severityTokens = map[string]models.Severity{
	"critical": models.SeverityCritical,
	"p1":       models.SeverityCritical,
	"sev1":     models.SeverityCritical,
	"high":     models.SeverityHigh,
	"p2":       models.SeverityHigh,
	"medium":   models.SeverityMedium,
	"low":      models.SeverityLow,
	"info":     models.SeverityInfo,
}

// Processor analyzes raw queries into ProcessedQuery values.
type Processor struct{}

// NewProcessor returns a query processor.
func NewProcessor() *Processor { return &Processor{} }

// Process validates and analyzes a query with its optional context.
// Queries shorter than 2 or longer than 500 runes are rejected.
func (p *Processor) Process(query string, qctx *models.QueryContext) (*ProcessedQuery, error) {
	trimmed := strings.TrimSpace(query)
	n := utf8.RuneCountInString(trimmed)
	if n < MinQueryLength {
		return nil, pperrors.Validation("query must be at least 2 characters")
	}
	if n > MaxQueryLength {
		return nil, pperrors.Validation("query must be at most 500 characters")
	}

	pq := &ProcessedQuery{Original: trimmed}
	lower := strings.ToLower(trimmed)

	for _, sp := range suspiciousPatterns {
		if sp.re.MatchString(trimmed) {
			pq.Suspicious = append(pq.Suspicious, sp.name)
		}
	}

	pq.Systems = extractSystems(lower)
	pq.Severity = extractSeverity(lower)

	if qctx != nil {
		pq.AlertType = qctx.AlertType
		pq.Urgent = qctx.Urgent
		if qctx.Severity != "" {
			pq.Severity = qctx.Severity
		}
		for _, sys := range qctx.Systems {
			if !containsString(pq.Systems, strings.ToLower(sys)) {
				pq.Systems = append(pq.Systems, strings.ToLower(sys))
			}
		}
	}

	pq.Intent = classifyIntent(lower, pq)
	pq.Enhanced = enhanceQuery(trimmed, pq)
	pq.Filters, pq.LimitTarget = recommend(pq.Intent)
	return pq, nil
}

func classifyIntent(lower string, pq *ProcessedQuery) Intent {
	switch {
	case pq.Urgent || pq.Severity == models.SeverityCritical ||
		containsAny(lower, "outage", "emergency", "incident", "is down", "sev1"):
		return IntentEmergencyResponse
	case containsAny(lower, "escalat", "on-call", "oncall", "page ", "who to contact", "contact"):
		return IntentEscalationPath
	case containsAny(lower, "runbook", "playbook", "alert"):
		return IntentFindRunbook
	case containsAny(lower, "procedure", "steps", "how to", "how do i", "process for"):
		return IntentProcedureLookup
	default:
		return IntentGeneralSearch
	}
}

// enhanceQuery appends context terms absent from the original text so
// lexical and semantic scoring see them too.
func enhanceQuery(query string, pq *ProcessedQuery) string {
	lower := strings.ToLower(query)
	var extra []string
	if pq.AlertType != "" && !strings.Contains(lower, strings.ToLower(pq.AlertType)) {
		extra = append(extra, pq.AlertType)
	}
	if pq.Severity != "" && !strings.Contains(lower, string(pq.Severity)) {
		extra = append(extra, string(pq.Severity))
	}
	for _, sys := range pq.Systems {
		if !strings.Contains(lower, sys) {
			extra = append(extra, sys)
		}
	}
	if len(extra) == 0 {
		return query
	}
	return query + " " + strings.Join(extra, " ")
}

func recommend(intent Intent) (models.SearchFilters, int) {
	switch intent {
	case IntentEmergencyResponse:
		return models.SearchFilters{Categories: []models.Category{models.CategoryRunbook}}, 5
	case IntentFindRunbook:
		return models.SearchFilters{Categories: []models.Category{models.CategoryRunbook}}, 10
	case IntentEscalationPath:
		return models.SearchFilters{}, 5
	case IntentProcedureLookup:
		return models.SearchFilters{Categories: []models.Category{models.CategoryProcedure, models.CategoryRunbook}}, 10
	default:
		return models.SearchFilters{}, 10
	}
}

func extractSystems(lower string) []string {
	var out []string
	for _, sys := range knownSystems {
		if strings.Contains(lower, sys) {
			out = append(out, sys)
		}
	}
	return out
}

func extractSeverity(lower string) models.Severity {
	for _, tok := range strings.Fields(lower) {
		if sev, ok := severityTokens[strings.Trim(tok, ".,:;!?")]; ok {
			return sev
		}
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
