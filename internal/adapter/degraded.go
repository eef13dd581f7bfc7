package adapter

import (
	"context"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// Degraded stands in for a source whose initialization failed. The
// source stays visible to the registry and to health probes instead of
// vanishing; queries against it fail with SOURCE_ADAPTER.
type Degraded struct {
	inner Adapter
	cause error
}

// NewDegraded wraps a failed adapter with its initialization error.
func NewDegraded(inner Adapter, cause error) *Degraded {
	return &Degraded{inner: inner, cause: cause}
}

func (d *Degraded) err() error {
	return pperrors.Wrap(pperrors.KindSourceAdapter, "source "+d.inner.Name()+" is unavailable", d.cause)
}

func (d *Degraded) Name() string            { return d.inner.Name() }
func (d *Degraded) Type() models.SourceType { return d.inner.Type() }

func (d *Degraded) Initialize(ctx context.Context) error { return d.err() }

func (d *Degraded) Search(ctx context.Context, query string, filters *models.SearchFilters) ([]*models.Document, error) {
	return nil, d.err()
}

func (d *Degraded) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]*models.Runbook, error) {
	return nil, d.err()
}

func (d *Degraded) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return nil, d.err()
}

func (d *Degraded) HealthCheck(ctx context.Context) Health {
	return Health{Healthy: false, Details: d.cause.Error()}
}

func (d *Degraded) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	return false, d.err()
}

func (d *Degraded) Metadata() Metadata { return d.inner.Metadata() }

func (d *Degraded) Configure(cfg config.AdapterConfig) error { return d.inner.Configure(cfg) }

func (d *Degraded) Cleanup() error { return d.inner.Cleanup() }
