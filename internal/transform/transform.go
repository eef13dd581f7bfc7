// Package transform is the bridge between the protocol surfaces and
// the search core: it validates and sanitizes inbound tool arguments,
// assigns request identifiers and cache priorities, and folds results
// and errors into the uniform response envelope.
package transform

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// CachePriority categorizes a request for cache TTL and warmup
// decisions.
type CachePriority string

const (
	PriorityHigh     CachePriority = "high"
	PriorityMedium   CachePriority = "medium"
	PriorityStandard CachePriority = "standard"
)

// Query length bounds in runes.
const (
	MinQueryLength = 2
	MaxQueryLength = 500
)

// Result count bounds.
const (
	MinResults = 1
	MaxResults = 100
)

// Keys that would collide with object internals in weakly typed
// consumers. Rejected outright rather than stripped.
var pollutingKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

var (
	scriptRe  = regexp.MustCompile(`(?is)<script\b.*?(?:</script>|$)`)
	iframeRe  = regexp.MustCompile(`(?is)<iframe\b.*?(?:</iframe>|$)`)
	handlerRe = regexp.MustCompile(`(?i)\son\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
)

// PerformanceHints suggest execution parameters downstream.
type PerformanceHints struct {
	SuggestedTimeoutMS int64   `json:"suggested_timeout_ms"`
	ParallelLookup     bool    `json:"parallel_lookup"`
	UrgencyMultiplier  float64 `json:"urgency_multiplier"`
}

// Request is a validated, sanitized tool invocation.
type Request struct {
	Tool            string           `json:"tool"`
	RequestID       string           `json:"request_id"`
	Args            map[string]any   `json:"args"`
	CachePriority   CachePriority    `json:"cache_priority"`
	Hints           PerformanceHints `json:"hints"`
	TransformTimeMS int64            `json:"transform_time_ms"`
}

// requiredFields lists the mandatory argument names per tool.
var requiredFields = map[string][]string{
	"search_knowledge_base":      {"query"},
	"search_runbooks":            {"alert_type", "severity", "affected_systems"},
	"get_decision_tree":          {"alert_context"},
	"get_procedure":              {"runbook_id", "step_name"},
	"get_escalation_path":        {"severity", "business_hours"},
	"list_sources":               {},
	"record_resolution_feedback": {"runbook_id", "procedure_id", "outcome", "resolution_time_minutes"},
}

// ValidateRequest checks and sanitizes the arguments for a tool call.
// The returned request carries a fresh request ID; sanitization is
// idempotent so re-validating a validated request is a no-op.
func ValidateRequest(tool string, args map[string]any) (*Request, error) {
	start := time.Now()

	required, ok := requiredFields[tool]
	if !ok {
		return nil, pperrors.Validation("unknown tool %q", tool)
	}
	if args == nil {
		args = map[string]any{}
	}

	sanitized, err := sanitizeValue(args)
	if err != nil {
		return nil, err
	}
	clean := sanitized.(map[string]any)

	for _, field := range required {
		if _, ok := clean[field]; !ok {
			return nil, pperrors.Validation("tool %s: missing required field %q", tool, field)
		}
	}

	if err := validateFields(tool, clean); err != nil {
		return nil, err
	}

	req := &Request{
		Tool:          tool,
		RequestID:     uuid.NewString(),
		Args:          clean,
		CachePriority: classifyPriority(clean),
	}
	req.Hints = hintsFor(req.CachePriority)
	req.TransformTimeMS = time.Since(start).Milliseconds()
	return req, nil
}

func validateFields(tool string, args map[string]any) error {
	if q, ok := args["query"]; ok {
		s, ok := q.(string)
		if !ok {
			return pperrors.Validation("query must be a string")
		}
		n := utf8.RuneCountInString(strings.TrimSpace(s))
		if n < MinQueryLength || n > MaxQueryLength {
			return pperrors.Validation("query length must be between %d and %d characters", MinQueryLength, MaxQueryLength)
		}
	}

	if sev, ok := args["severity"]; ok {
		s, ok := sev.(string)
		if !ok || !models.Severity(s).Valid() {
			return pperrors.Validation("severity must be one of critical, high, medium, low, info")
		}
	}

	if mr, ok := args["max_results"]; ok {
		n, ok := asInt(mr)
		if !ok || n < MinResults || n > MaxResults {
			return pperrors.Validation("max_results must be between %d and %d", MinResults, MaxResults)
		}
	}

	if bh, ok := args["business_hours"]; ok {
		if _, isBool := bh.(bool); !isBool {
			return pperrors.Validation("business_hours must be a boolean")
		}
	}

	if tool == "record_resolution_feedback" {
		if n, ok := asInt(args["resolution_time_minutes"]); !ok || n < 0 {
			return pperrors.Validation("resolution_time_minutes must be a non-negative integer")
		}
		if s, ok := args["outcome"].(string); !ok || s == "" {
			return pperrors.Validation("outcome must be a non-empty string")
		}
	}
	return nil
}

// sanitizeValue walks the argument tree, rejecting polluting keys and
// stripping active markup from strings.
func sanitizeValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if pollutingKeys[strings.ToLower(k)] {
				return nil, pperrors.Validation("argument key %q is not allowed", k)
			}
			clean, err := sanitizeValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = clean
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			clean, err := sanitizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case string:
		return SanitizeString(t), nil
	default:
		return v, nil
	}
}

// SanitizeString strips script and iframe blocks and inline event
// handlers, then trims whitespace. Idempotent.
func SanitizeString(s string) string {
	out := scriptRe.ReplaceAllString(s, "")
	out = iframeRe.ReplaceAllString(out, "")
	out = handlerRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// classifyPriority buckets the request from its urgency signals.
func classifyPriority(args map[string]any) CachePriority {
	sev, _ := args["severity"].(string)
	switch models.Severity(sev) {
	case models.SeverityCritical, models.SeverityHigh:
		return PriorityHigh
	case models.SeverityMedium:
		return PriorityMedium
	}
	if systems, ok := args["affected_systems"].([]any); ok && len(systems) > 0 {
		return PriorityMedium
	}
	if _, ok := args["alert_type"]; ok {
		return PriorityMedium
	}
	return PriorityStandard
}

func hintsFor(p CachePriority) PerformanceHints {
	switch p {
	case PriorityHigh:
		return PerformanceHints{SuggestedTimeoutMS: 2000, ParallelLookup: true, UrgencyMultiplier: 2.0}
	case PriorityMedium:
		return PerformanceHints{SuggestedTimeoutMS: 5000, ParallelLookup: true, UrgencyMultiplier: 1.5}
	default:
		return PerformanceHints{SuggestedTimeoutMS: 10000, ParallelLookup: false, UrgencyMultiplier: 1.0}
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
