package search

import (
	"strings"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/models"
)

// Weights are the relative importance of the three scoring signals.
type Weights struct {
	Semantic float64
	Fuzzy    float64
	Metadata float64
}

// DefaultWeights returns the standard hybrid mix.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.6, Fuzzy: 0.25, Metadata: 0.15}
}

// Normalized scales the weights to sum to 1. A non-positive sum falls
// back to the defaults.
func (w Weights) Normalized() Weights {
	sum := w.Semantic + w.Fuzzy + w.Metadata
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Semantic: w.Semantic / sum,
		Fuzzy:    w.Fuzzy / sum,
		Metadata: w.Metadata / sum,
	}
}

// recentWindow is the document age under which the recency boost
// applies.
const recentWindow = 7 * 24 * time.Hour

// Scorer combines the signal scores and applies multiplicative boosts.
type Scorer struct {
	weights Weights
	now     func() time.Time
}

// NewScorer builds a scorer; weights are normalized on construction.
func NewScorer(w Weights) *Scorer {
	return &Scorer{weights: w.Normalized(), now: time.Now}
}

// Score computes the final relevance for a document given the three
// signal scores, returning the value clamped to [0,1] and the boost
// reason tags that fired.
func (s *Scorer) Score(doc *models.Document, query string, semantic, fuzzy, metadata float64) (float64, []string) {
	final := semantic*s.weights.Semantic + fuzzy*s.weights.Fuzzy + metadata*s.weights.Metadata

	var reasons []string
	lowerQuery := strings.ToLower(strings.TrimSpace(query))

	if lowerQuery != "" && strings.Contains(strings.ToLower(doc.Title), lowerQuery) {
		final *= 1.5
		reasons = append(reasons, "title_match")
	}
	if lowerQuery != "" && strings.Contains(strings.ToLower(doc.Content), lowerQuery) {
		final *= 1.3
		reasons = append(reasons, "content_match")
	}
	if !doc.LastUpdated.IsZero() && s.now().Sub(doc.LastUpdated) <= recentWindow {
		final *= 1.2
		reasons = append(reasons, "recent_document")
	}
	if doc.Category == models.CategoryRunbook && containsAny(lowerQuery, "runbook", "procedure") {
		final *= 1.1
		reasons = append(reasons, "category_match")
	}
	if doc.ConfidenceScore >= 0.8 {
		final *= 1.1
		reasons = append(reasons, "high_confidence")
	}

	if final < 0 {
		final = 0
	}
	if final > 1 {
		final = 1
	}
	return final, reasons
}
