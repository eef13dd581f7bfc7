// Package adapter defines the source adapter contract and the
// registry that fans searches out across all registered sources.
package adapter

import (
	"context"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
)

// Health is the result of one adapter health probe.
type Health struct {
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Details   string `json:"details,omitempty"`
}

// Metadata summarizes an adapter's state for list_sources.
type Metadata struct {
	Name              string            `json:"name"`
	Type              models.SourceType `json:"type"`
	DocumentCount     int               `json:"document_count"`
	LastIndexed       time.Time         `json:"last_indexed,omitzero"`
	AvgResponseTimeMS float64           `json:"avg_response_time_ms"`
	SuccessRate       float64           `json:"success_rate"`
}

// Adapter is the contract every source implements. All blocking
// operations take a context and honor its deadline.
type Adapter interface {
	// Name returns the configured source name, unique per registry.
	Name() string

	// Type returns the source kind.
	Type() models.SourceType

	// Initialize connects to the source and builds the initial index.
	Initialize(ctx context.Context) error

	// Search returns documents matching the query and filters.
	Search(ctx context.Context, query string, filters *models.SearchFilters) ([]*models.Document, error)

	// SearchRunbooks returns runbooks relevant to an alert.
	SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]*models.Runbook, error)

	// GetDocument returns the document by ID, or a NOT_FOUND error.
	GetDocument(ctx context.Context, id string) (*models.Document, error)

	// HealthCheck probes the source.
	HealthCheck(ctx context.Context) Health

	// RefreshIndex rebuilds the index. It returns false when a
	// concurrent refresh was already running and this one was skipped.
	RefreshIndex(ctx context.Context, force bool) (bool, error)

	// Metadata returns current adapter statistics.
	Metadata() Metadata

	// Configure applies a new configuration. Takes effect on the next
	// refresh.
	Configure(cfg config.AdapterConfig) error

	// Cleanup releases all resources.
	Cleanup() error
}
