package search

import (
	"encoding/json"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/models"
)

// MetadataScore rates a document on its operational metadata alone.
// Base 0.5; additives for category match, priority, recency, recorded
// success rate, and content length; capped at 1.0.
func MetadataScore(doc *models.Document, filters *models.SearchFilters, now time.Time) float64 {
	score := 0.5

	if filters != nil {
		for _, c := range filters.Categories {
			if c == doc.Category {
				score += 0.2
				break
			}
		}
	}

	if p, ok := metadataInt(doc.Metadata, "priority"); ok && p >= 1 && p <= 5 {
		score += 0.1 * float64(6-p)
	}

	if !doc.LastUpdated.IsZero() {
		switch age := now.Sub(doc.LastUpdated); {
		case age <= 7*24*time.Hour:
			score += 0.15
		case age <= 30*24*time.Hour:
			score += 0.10
		case age <= 90*24*time.Hour:
			score += 0.05
		}
	}

	if sr, ok := metadataFloat(doc.Metadata, "success_rate"); ok && sr >= 0 && sr <= 1 {
		score += 0.2 * sr
	}

	switch n := len(doc.Content); {
	case n >= 100 && n <= 5000:
		score += 0.1
	case n > 5000 && n <= 10000:
		score += 0.05
	}

	if score > 1 {
		score = 1
	}
	return score
}

// metadataFloat reads a numeric metadata value; decoded JSON may carry
// numbers as float64, int, or json.Number.
func metadataFloat(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func metadataInt(m map[string]any, key string) (int, bool) {
	f, ok := metadataFloat(m, key)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
