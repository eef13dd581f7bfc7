package adapter

import (
	"strings"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/models"
)

var nowFunc = time.Now

// Match weights for the lightweight in-memory scorer used by remote
// adapters over their fetched document sets.
const (
	matchTitleWeight   = 0.4
	matchContentWeight = 0.6
)

// ScoreMatch rates how well a document matches a query by token
// overlap, title-weighted. Returns a value in [0,1].
func ScoreMatch(query string, doc *models.Document) float64 {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return 0
	}

	title := strings.ToLower(doc.Title)
	content := strings.ToLower(doc.Content)

	var titleHits, contentHits int
	for _, tok := range tokens {
		if strings.Contains(title, tok) {
			titleHits++
		}
		if strings.Contains(content, tok) {
			contentHits++
		}
	}

	n := float64(len(tokens))
	score := matchTitleWeight*(float64(titleHits)/n) + matchContentWeight*(float64(contentHits)/n)
	if score > 1 {
		score = 1
	}
	return score
}

// MatchDocuments scores and filters a document set against a query,
// returning annotated copies sorted by the caller via SortDocuments.
func MatchDocuments(query string, docs []*models.Document, filters *models.SearchFilters, threshold float64, elapsedMS int64) []*models.Document {
	now := nowFunc()
	out := make([]*models.Document, 0, len(docs))
	for _, doc := range docs {
		score := ScoreMatch(query, doc)
		if score < threshold || score == 0 {
			continue
		}
		if filters != nil && !filters.Allows(doc, now) {
			continue
		}
		annotated := *doc
		annotated.ConfidenceScore = score
		annotated.RetrievalTimeMS = elapsedMS
		out = append(out, &annotated)
	}
	models.SortDocuments(out, nil)
	if filters != nil && filters.MaxResults > 0 && len(out) > filters.MaxResults {
		out = out[:filters.MaxResults]
	}
	return out
}
