package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/telemetry"
)

// Registry maps source names to adapter instances and coordinates
// fan-out operations across them.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string

	logger  *slog.Logger
	metrics *telemetry.Recorder
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger, metrics *telemetry.Recorder) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger,
		metrics:  metrics,
	}
}

// Register adds an adapter. Duplicate names are rejected.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return pperrors.Newf(pperrors.KindConfig, "duplicate source name %q", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Deregister removes an adapter and releases its resources.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	a, ok := r.adapters[name]
	if ok {
		delete(r.adapters, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return pperrors.NotFound("no source named %q", name)
	}
	return a.Cleanup()
}

// Get returns the adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// All returns the adapters in registration order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// Priority returns the tie-break priority for a source name. Unknown
// sources sort last.
func (r *Registry) Priority(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[name]; ok {
		if p, ok := a.(interface{ Priority() int }); ok {
			return p.Priority()
		}
	}
	return int(^uint(0) >> 1)
}

// fanoutResult carries one adapter's contribution to a fan-out.
type fanoutResult struct {
	name string
	docs []*models.Document
	err  error
}

// Fanout is the merged outcome of a registry-wide search. Failures
// holds the per-source errors the fan-out recovered from.
type Fanout struct {
	Documents []*models.Document
	Failures  map[string]error
}

// SearchAll fans the query out to every adapter in parallel under the
// shared deadline. Per-adapter failures are captured in the Fanout;
// the call errors only when every adapter fails.
func (r *Registry) SearchAll(ctx context.Context, query string, filters *models.SearchFilters) (*Fanout, error) {
	adapters := r.All()
	out := &Fanout{Failures: make(map[string]error)}
	if len(adapters) == 0 {
		return out, nil
	}

	results := make(chan fanoutResult, len(adapters))
	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			start := time.Now()
			docs, err := a.Search(ctx, query, filters)
			if r.metrics != nil {
				r.metrics.Record("adapter_search_"+a.Name(), time.Since(start), err)
			}
			results <- fanoutResult{name: a.Name(), docs: docs, err: err}
		}(a)
	}
	wg.Wait()
	close(results)

	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			out.Failures[res.name] = pperrors.Wrap(pperrors.KindSourceAdapter, "source "+res.name+" search failed", res.err)
			r.logger.Warn("source search failed",
				slog.String("source", res.name),
				slog.String("error", res.err.Error()))
			continue
		}
		out.Documents = append(out.Documents, res.docs...)
	}

	if len(out.Failures) == len(adapters) {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "all sources failed", firstErr)
	}

	models.SortDocuments(out.Documents, r.Priority)
	return out, nil
}

// HealthAll probes every adapter in parallel.
func (r *Registry) HealthAll(ctx context.Context) map[string]Health {
	adapters := r.All()
	out := make(map[string]Health, len(adapters))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			h := a.HealthCheck(ctx)
			if r.metrics != nil {
				r.metrics.SetAdapterHealth(a.Name(), h.Healthy)
			}
			mu.Lock()
			out[a.Name()] = h
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return out
}

// RefreshAll triggers a refresh on every adapter, sequentially so one
// source's rebuild does not starve another's serving path.
func (r *Registry) RefreshAll(ctx context.Context, force bool) {
	for _, a := range r.All() {
		if ctx.Err() != nil {
			return
		}
		refreshed, err := a.RefreshIndex(ctx, force)
		if err != nil {
			r.logger.Warn("source refresh failed",
				slog.String("source", a.Name()),
				slog.String("error", err.Error()))
			continue
		}
		if !refreshed {
			r.logger.Debug("source refresh skipped", slog.String("source", a.Name()))
		}
	}
}

// MetadataAll collects per-source metadata in registration order.
func (r *Registry) MetadataAll() []Metadata {
	adapters := r.All()
	out := make([]Metadata, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Metadata())
	}
	return out
}

// Cleanup releases all adapters in reverse registration order.
func (r *Registry) Cleanup() error {
	r.mu.Lock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	adapters := make([]Adapter, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		adapters = append(adapters, r.adapters[names[i]])
	}
	r.adapters = make(map[string]Adapter)
	r.order = nil
	r.mu.Unlock()

	var firstErr error
	for _, a := range adapters {
		if err := a.Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
