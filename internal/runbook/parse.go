package runbook

import (
	"encoding/json"
	"strings"

	"github.com/dpark2025/personal-pipeline/internal/models"
)

// FromDocument recovers a structured runbook from a document. Sources
// that index full runbook records attach them under the runbook_data
// metadata key; other documents get a skeleton synthesized from the
// detection signals.
func FromDocument(doc *models.Document) *models.Runbook {
	if doc == nil {
		return nil
	}
	if raw, ok := doc.Metadata["runbook_data"]; ok {
		if rb := decodeRunbook(raw); rb != nil {
			if rb.ID == "" {
				rb.ID = doc.ID
			}
			if rb.Title == "" {
				rb.Title = doc.Title
			}
			return rb
		}
	}

	return &models.Runbook{
		ID:          doc.ID,
		Title:       doc.Title,
		Description: summarize(doc.Content, 280),
		Metadata: models.RunbookMetadata{
			UpdatedAt:  doc.LastUpdated,
			Confidence: doc.ConfidenceScore,
		},
	}
}

// decodeRunbook handles both decoded maps and raw JSON payloads.
func decodeRunbook(raw any) *models.Runbook {
	var data []byte
	switch v := raw.(type) {
	case *models.Runbook:
		return v
	case models.Runbook:
		return &v
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		data = encoded
	}

	var rb models.Runbook
	if err := json.Unmarshal(data, &rb); err != nil {
		return nil
	}
	return &rb
}

func summarize(content string, max int) string {
	if len(content) <= max {
		return content
	}
	return content[:max] + "..."
}

// Relevance refines a runbook's score for a specific alert: affected
// systems referenced in triggers, a declared severity mapping, and an
// alert-type trigger substring each add weight.
func Relevance(rb *models.Runbook, alertType string, severity models.Severity, affectedSystems []string) float64 {
	score := 0.0

	for _, sys := range affectedSystems {
		if containsFold(rb.Triggers, sys) {
			score += 0.30
			break
		}
	}
	if _, ok := rb.SeverityMapping[string(severity)]; ok {
		score += 0.20
	}
	if alertType != "" && containsFold(rb.Triggers, alertType) {
		score += 0.20
	}
	return score
}

func containsFold(list []string, needle string) bool {
	low := strings.ToLower(needle)
	if low == "" {
		return false
	}
	for _, item := range list {
		li := strings.ToLower(item)
		if li == "" {
			continue
		}
		if strings.Contains(li, low) || strings.Contains(low, li) {
			return true
		}
	}
	return false
}
