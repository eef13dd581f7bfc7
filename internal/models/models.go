// Package models defines the shared data model: documents, runbooks,
// search filters, and query context. These types cross every layer
// (adapters, search engine, cache, transform, surfaces) and are
// immutable once produced by an adapter; updates replace by ID.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SourceType identifies the kind of backing source a document came from.
type SourceType string

const (
	SourceTypeFile     SourceType = "file"
	SourceTypeHTTP     SourceType = "http"
	SourceTypeWiki     SourceType = "wiki"
	SourceTypeRepo     SourceType = "repo"
	SourceTypeDatabase SourceType = "database"
)

// Valid reports whether the source type is one of the known kinds.
func (s SourceType) Valid() bool {
	switch s {
	case SourceTypeFile, SourceTypeHTTP, SourceTypeWiki, SourceTypeRepo, SourceTypeDatabase:
		return true
	}
	return false
}

// Category classifies a document by its operational role.
type Category string

const (
	CategoryRunbook   Category = "runbook"
	CategoryGuide     Category = "guide"
	CategoryAPI       Category = "api"
	CategoryGeneral   Category = "general"
	CategoryProcedure Category = "procedure"
	CategoryFAQ       Category = "faq"
)

// Valid reports whether the category is one of the known kinds.
func (c Category) Valid() bool {
	switch c {
	case CategoryRunbook, CategoryGuide, CategoryAPI, CategoryGeneral, CategoryProcedure, CategoryFAQ:
		return true
	}
	return false
}

// Severity levels for alerts and escalation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Valid reports whether the severity is a known level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// MaxDocumentBytes is the default cap on document content length.
// Longer content is truncated with an ellipsis sentinel.
const MaxDocumentBytes = 100 * 1024

// TruncationSentinel marks content that was cut at MaxDocumentBytes.
const TruncationSentinel = "..."

// Document is the unit of search. IDs follow "<source>:<locator>" or a
// deterministic hash when the source has no natural key.
type Document struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Content         string         `json:"content"`
	SourceName      string         `json:"source_name"`
	SourceType      SourceType     `json:"source_type"`
	Category        Category       `json:"category"`
	URL             string         `json:"url,omitempty"`
	LastUpdated     time.Time      `json:"last_updated"`
	ConfidenceScore float64        `json:"confidence_score"`
	MatchReasons    []string       `json:"match_reasons,omitempty"`
	RetrievalTimeMS int64          `json:"retrieval_time_ms"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Clamp enforces document invariants: confidence in [0,1] and content
// bounded by maxBytes (0 means MaxDocumentBytes).
func (d *Document) Clamp(maxBytes int) {
	if maxBytes <= 0 {
		maxBytes = MaxDocumentBytes
	}
	if d.ConfidenceScore < 0 {
		d.ConfidenceScore = 0
	}
	if d.ConfidenceScore > 1 {
		d.ConfidenceScore = 1
	}
	if len(d.Content) > maxBytes {
		d.Content = d.Content[:maxBytes] + TruncationSentinel
	}
}

// DocumentID builds the canonical "<source>:<locator>" identifier.
func DocumentID(source, locator string) string {
	return source + ":" + locator
}

// HashID derives a deterministic document ID for sources without a
// natural key.
func HashID(source string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return fmt.Sprintf("%s:%s", source, hex.EncodeToString(h[:8]))
}

// SearchFilters restricts a search to matching documents.
type SearchFilters struct {
	Categories          []Category   `json:"categories,omitempty"`
	SourceTypes         []SourceType `json:"source_types,omitempty"`
	MaxAgeDays          int          `json:"max_age_days,omitempty"`
	ConfidenceThreshold float64      `json:"confidence_threshold,omitempty"`
	MaxResults          int          `json:"max_results,omitempty"`
}

// Allows reports whether the document passes the filter set at the
// given reference time.
func (f *SearchFilters) Allows(d *Document, now time.Time) bool {
	if f == nil {
		return true
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, d.Category) {
		return false
	}
	if len(f.SourceTypes) > 0 && !containsSourceType(f.SourceTypes, d.SourceType) {
		return false
	}
	if f.MaxAgeDays > 0 && !d.LastUpdated.IsZero() {
		if now.Sub(d.LastUpdated) > time.Duration(f.MaxAgeDays)*24*time.Hour {
			return false
		}
	}
	if f.ConfidenceThreshold > 0 && d.ConfidenceScore < f.ConfidenceThreshold {
		return false
	}
	return true
}

func containsCategory(list []Category, c Category) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func containsSourceType(list []SourceType, s SourceType) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// QueryContext carries operational context alongside a query.
type QueryContext struct {
	AlertType string            `json:"alert_type,omitempty"`
	Severity  Severity          `json:"severity,omitempty"`
	Systems   []string          `json:"systems,omitempty"`
	Urgent    bool              `json:"urgent,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SortDocuments imposes the canonical total order on merged results:
// score desc, priority asc, last_updated desc, id asc. Priority is
// looked up per source name; missing sources sort last.
func SortDocuments(docs []*Document, priority func(sourceName string) int) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if a.ConfidenceScore != b.ConfidenceScore {
			return a.ConfidenceScore > b.ConfidenceScore
		}
		pa, pb := priorityOrLast(priority, a.SourceName), priorityOrLast(priority, b.SourceName)
		if pa != pb {
			return pa < pb
		}
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.After(b.LastUpdated)
		}
		return a.ID < b.ID
	})
}

func priorityOrLast(priority func(string) int, name string) int {
	if priority == nil {
		return int(^uint(0) >> 1)
	}
	return priority(name)
}
