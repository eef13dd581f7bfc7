package adapter

import (
	"sync"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
)

// Base carries the bookkeeping shared by all adapters: configuration,
// request statistics, and refresh serialization. Embed it and call
// Observe around each operation.
type Base struct {
	mu          sync.Mutex
	cfg         config.AdapterConfig
	docCount    int
	lastIndexed time.Time
	requests    uint64
	failures    uint64
	totalTime   time.Duration

	refreshing bool
}

// NewBase initializes shared adapter state from configuration.
func NewBase(cfg config.AdapterConfig) Base {
	return Base{cfg: cfg}
}

// Config returns the current adapter configuration.
func (b *Base) Config() config.AdapterConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// Configure swaps the configuration.
func (b *Base) Configure(cfg config.AdapterConfig) error {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	return nil
}

// Name returns the configured source name.
func (b *Base) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Name
}

// Priority returns the configured tie-break priority.
func (b *Base) Priority() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Priority
}

// Observe records one operation's duration and outcome.
func (b *Base) Observe(start time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++
	b.totalTime += time.Since(start)
	if err != nil {
		b.failures++
	}
}

// SetIndexed records the indexed document count and timestamp.
func (b *Base) SetIndexed(count int) {
	b.mu.Lock()
	b.docCount = count
	b.lastIndexed = time.Now()
	b.mu.Unlock()
}

// DocumentCount returns the current indexed document count.
func (b *Base) DocumentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.docCount
}

// BeginRefresh marks a refresh as running. It returns false when one
// is already in flight, serializing concurrent refreshes.
func (b *Base) BeginRefresh() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refreshing {
		return false
	}
	b.refreshing = true
	return true
}

// EndRefresh clears the refresh flag.
func (b *Base) EndRefresh() {
	b.mu.Lock()
	b.refreshing = false
	b.mu.Unlock()
}

// Stats builds the Metadata summary for the given source type.
func (b *Base) Stats(sourceType models.SourceType) Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metadata{
		Name:          b.cfg.Name,
		Type:          sourceType,
		DocumentCount: b.docCount,
		LastIndexed:   b.lastIndexed,
		SuccessRate:   1,
	}
	if b.requests > 0 {
		m.AvgResponseTimeMS = float64(b.totalTime.Milliseconds()) / float64(b.requests)
		m.SuccessRate = float64(b.requests-b.failures) / float64(b.requests)
	}
	return m
}
