package transform

import (
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// PerformanceTier buckets observed latency.
type PerformanceTier string

const (
	TierFast   PerformanceTier = "fast"   // < 200 ms
	TierMedium PerformanceTier = "medium" // < 1000 ms
	TierSlow   PerformanceTier = "slow"
)

// CacheStrategy names the caching treatment a response earned.
type CacheStrategy string

const (
	StrategyHighPriority     CacheStrategy = "high_priority"
	StrategyPerformanceCache CacheStrategy = "performance_cache"
	StrategyHighConfidence   CacheStrategy = "high_confidence"
	StrategyStandard         CacheStrategy = "standard"
)

// Envelope is the uniform response shape on both surfaces.
type Envelope struct {
	Success  bool       `json:"success"`
	Data     any        `json:"data,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// ErrorBody is the wire form of a structured error.
type ErrorBody struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	Severity     string            `json:"severity"`
	Retryable    bool              `json:"retryable"`
	RetryAfterMS int64             `json:"retry_after_ms,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Metadata annotates every response with timing and provenance.
type Metadata struct {
	RequestID       string          `json:"request_id,omitempty"`
	RetrievalTimeMS int64           `json:"retrieval_time_ms"`
	ConfidenceScore float64         `json:"confidence_score,omitempty"`
	Source          string          `json:"source,omitempty"`
	Cached          bool            `json:"cached"`
	MatchReasons    []string        `json:"match_reasons,omitempty"`
	PerformanceTier PerformanceTier `json:"performance_tier"`
	CacheStrategy   CacheStrategy   `json:"cache_strategy"`
	TransformTimeMS int64           `json:"transform_time_ms,omitempty"`
	Notes           []string        `json:"notes,omitempty"`
}

// ResponseInfo carries the raw signals the success builder folds into
// envelope metadata.
type ResponseInfo struct {
	RequestID       string
	RetrievalTimeMS int64
	ConfidenceScore float64
	Source          string
	Cached          bool
	MatchReasons    []string
	Priority        CachePriority
	TransformTimeMS int64
	Notes           []string
}

// Success builds the uniform success envelope.
func Success(data any, info ResponseInfo) Envelope {
	tier := TierFor(info.RetrievalTimeMS)
	return Envelope{
		Success: true,
		Data:    data,
		Metadata: Metadata{
			RequestID:       info.RequestID,
			RetrievalTimeMS: info.RetrievalTimeMS,
			ConfidenceScore: info.ConfidenceScore,
			Source:          info.Source,
			Cached:          info.Cached,
			MatchReasons:    info.MatchReasons,
			PerformanceTier: tier,
			CacheStrategy:   StrategyFor(info.Priority, tier, info.ConfidenceScore),
			TransformTimeMS: info.TransformTimeMS,
			Notes:           info.Notes,
		},
	}
}

// Failure builds the uniform error envelope from any error.
func Failure(err error, info ResponseInfo) Envelope {
	structured := pperrors.AsError(err)
	tier := TierFor(info.RetrievalTimeMS)

	body := &ErrorBody{
		Code:      string(structured.Kind),
		Message:   structured.Message,
		Severity:  string(structured.Severity()),
		Retryable: structured.Retryable(),
		Details:   structured.Details,
	}
	if structured.Retryable() {
		body.RetryAfterMS = structured.RetryAfterMS()
	}

	return Envelope{
		Success: false,
		Error:   body,
		Metadata: Metadata{
			RequestID:       info.RequestID,
			RetrievalTimeMS: info.RetrievalTimeMS,
			Cached:          info.Cached,
			PerformanceTier: tier,
			CacheStrategy:   StrategyStandard,
			TransformTimeMS: info.TransformTimeMS,
		},
	}
}

// TierFor buckets a latency observation.
func TierFor(ms int64) PerformanceTier {
	switch {
	case ms < 200:
		return TierFast
	case ms < 1000:
		return TierMedium
	default:
		return TierSlow
	}
}

// StrategyFor derives the cache treatment from priority, speed, and
// confidence, in that order of precedence.
func StrategyFor(priority CachePriority, tier PerformanceTier, confidence float64) CacheStrategy {
	switch {
	case priority == PriorityHigh:
		return StrategyHighPriority
	case tier == TierFast:
		return StrategyPerformanceCache
	case confidence >= 0.8:
		return StrategyHighConfidence
	default:
		return StrategyStandard
	}
}
