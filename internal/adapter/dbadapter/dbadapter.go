// Package dbadapter indexes operational documentation stored in SQL
// databases or CouchDB. SQL engines are searched through a LIKE
// disjunction query builder, CouchDB through Mango selectors; row
// values pass a sanitize/flatten/truncate pipeline before indexing.
package dbadapter

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dpark2025/personal-pipeline/internal/adapter"
	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/runbook"
)

const (
	defaultMatchThreshold = 0.3
	defaultSearchLimit    = 10
	listCapPerTable       = 500
	overfetchFactor       = 3
	probeFailThreshold    = 3
	probeTimeout          = 5 * time.Second
)

// DBAdapter serves documents drawn from mapped database tables.
type DBAdapter struct {
	adapter.Base
	logger   *slog.Logger
	detector *runbook.Detector

	st        store
	stopProbe chan struct{}
	probeDone chan struct{}
	unhealthy atomic.Bool

	mu   sync.RWMutex
	docs map[string]*models.Document
}

// New builds a database adapter. The DSN is resolved from the
// environment at Initialize, not here.
func New(cfg config.AdapterConfig, logger *slog.Logger) (*DBAdapter, error) {
	if cfg.Database == nil {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: database block missing", cfg.Name)
	}
	if cfg.Database.DSNEnvVar == "" {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: dsn_env_var required", cfg.Name)
	}
	if len(cfg.Database.Tables) == 0 {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: no tables mapped", cfg.Name)
	}
	for _, m := range cfg.Database.Tables {
		if m.Table == "" || m.TitleField == "" || m.ContentField == "" {
			return nil, pperrors.Newf(pperrors.KindConfig,
				"source %q: table mapping needs table, title_field, content_field", cfg.Name)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DBAdapter{
		Base:     adapter.NewBase(cfg),
		logger:   logger.With(slog.String("source", cfg.Name)),
		detector: runbook.NewDetector(0),
		docs:     make(map[string]*models.Document),
	}, nil
}

// Type returns the source kind.
func (a *DBAdapter) Type() models.SourceType { return models.SourceTypeDatabase }

// Initialize connects, validates the mapped schema, and warm-loads the
// document table. A table missing from the schema fails init.
func (a *DBAdapter) Initialize(ctx context.Context) error {
	cfg := a.Config()

	dsn := os.Getenv(cfg.Database.DSNEnvVar)
	if dsn == "" {
		return pperrors.Newf(pperrors.KindAuth,
			"source %q: environment variable %s is empty", cfg.Name, cfg.Database.DSNEnvVar)
	}

	var (
		st  store
		err error
	)
	if cfg.Database.Engine == "couchdb" {
		st, err = newCouchStore(ctx, dsn)
	} else {
		st, err = newSQLStore(ctx, *cfg.Database, dsn)
	}
	if err != nil {
		return err
	}
	a.st = st

	if err := st.Validate(ctx, cfg.Database.Tables); err != nil {
		_ = st.Close()
		a.st = nil
		return err
	}

	if err := a.loadAll(ctx); err != nil {
		_ = st.Close()
		a.st = nil
		return err
	}

	if cfg.Database.HealthProbeSec > 0 {
		a.stopProbe = make(chan struct{})
		a.probeDone = make(chan struct{})
		go a.probeLoop(time.Duration(cfg.Database.HealthProbeSec) * time.Second)
	}
	return nil
}

func (a *DBAdapter) loadAll(ctx context.Context) error {
	cfg := a.Config()

	table := make(map[string]*models.Document)
	for _, m := range cfg.Database.Tables {
		rows, err := a.st.List(ctx, m, listCapPerTable)
		if err != nil {
			return err
		}
		for _, row := range rows {
			doc := a.rowToDocument(m, row)
			if doc != nil {
				table[doc.ID] = doc
			}
		}
	}

	a.mu.Lock()
	a.docs = table
	a.mu.Unlock()
	a.SetIndexed(len(table))
	return nil
}

// probeLoop marks the adapter unhealthy after consecutive ping
// failures and recovers it on the first success.
func (a *DBAdapter) probeLoop(interval time.Duration) {
	defer close(a.probeDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fails := 0
	for {
		select {
		case <-a.stopProbe:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
			err := a.st.Ping(ctx)
			cancel()
			if err != nil {
				fails++
				a.logger.Warn("database probe failed",
					slog.Int("consecutive", fails),
					slog.String("error", err.Error()))
			} else {
				fails = 0
			}
			a.unhealthy.Store(fails >= probeFailThreshold)
		}
	}
}

func (a *DBAdapter) rowToDocument(m config.TableMapping, row map[string]any) *models.Document {
	cfg := a.Config()

	title := asString(row["title"])
	rawContent := asString(row["content"])
	if title == "" && rawContent == "" {
		return nil
	}
	content := processContent(rawContent, cfg.Database.MaxContentLength)
	if title == "" {
		title = summarize(content)
	}

	metadata := map[string]any{
		"table":  m.Table,
		"engine": cfg.Database.Engine,
	}
	if author := asString(row["author"]); author != "" {
		metadata["author"] = author
	}
	if tags := parseTags(row["tags"]); len(tags) > 0 {
		metadata["tags"] = tags
	}
	if summary := summarize(content); summary != "" && summary != content {
		metadata["summary"] = summary
	}

	category := models.CategoryGeneral
	if c := models.Category(strings.ToLower(asString(row["category"]))); c.Valid() {
		category = c
	} else if len(cfg.Categories) > 0 {
		category = models.Category(cfg.Categories[0])
	}
	if det := a.detector.Detect(title, content, metadata); det.IsRunbook {
		category = models.CategoryRunbook
		metadata["runbook_class"] = string(det.Class)
		metadata["runbook_score"] = det.Score
	}

	var id string
	if key := asString(row["id"]); key != "" {
		id = models.HashID(a.Name(), m.Table, key)
	} else {
		id = models.HashID(a.Name(), m.Table, title)
	}

	doc := &models.Document{
		ID:          id,
		Title:       title,
		Content:     content,
		SourceName:  a.Name(),
		SourceType:  models.SourceTypeDatabase,
		Category:    category,
		LastUpdated: parseUpdated(row["updated"]),
		Metadata:    metadata,
	}
	doc.Clamp(0)
	return doc
}

func parseTags(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		raw := asString(t)
		if raw == "" {
			return nil
		}
		parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
}

func parseUpdated(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	default:
		raw := asString(v)
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts
			}
		}
	}
	return time.Now()
}

// Search runs the disjunction query against every mapped table and
// merges the scored results.
func (a *DBAdapter) Search(ctx context.Context, query string, filters *models.SearchFilters) (out []*models.Document, err error) {
	start := time.Now()
	defer func() { a.Observe(start, err) }()

	if a.st == nil {
		return nil, pperrors.Newf(pperrors.KindSourceAdapter, "source %q not initialized", a.Name())
	}

	tokens := strings.Fields(strings.ToLower(query))
	limit := defaultSearchLimit
	if filters != nil && filters.MaxResults > 0 {
		limit = filters.MaxResults
	}

	cfg := a.Config()
	now := time.Now()
	var merged []*models.Document
	for _, m := range cfg.Database.Tables {
		rows, qerr := a.st.Search(ctx, m, tokens, limit*overfetchFactor, 0)
		if qerr != nil {
			err = qerr
			return nil, err
		}
		for _, row := range rows {
			doc := a.rowToDocument(m, row)
			if doc == nil {
				continue
			}
			score := adapter.ScoreMatch(query, doc)
			if score < defaultMatchThreshold {
				continue
			}
			if filters != nil && !filters.Allows(doc, now) {
				continue
			}
			doc.ConfidenceScore = score
			doc.RetrievalTimeMS = time.Since(start).Milliseconds()
			merged = append(merged, doc)
		}
	}

	models.SortDocuments(merged, nil)
	if len(merged) > limit {
		merged = merged[:limit]
	}

	// Keep fetched documents addressable by ID.
	a.mu.Lock()
	for _, doc := range merged {
		a.docs[doc.ID] = doc
	}
	a.mu.Unlock()

	return merged, nil
}

// SearchRunbooks finds runbook rows relevant to an alert.
func (a *DBAdapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]*models.Runbook, error) {
	query := alertType
	for _, sys := range affectedSystems {
		query += " " + sys
	}
	docs, err := a.Search(ctx, query, &models.SearchFilters{
		Categories: []models.Category{models.CategoryRunbook},
	})
	if err != nil {
		return nil, err
	}

	out := make([]*models.Runbook, 0, len(docs))
	for _, doc := range docs {
		if rb := runbook.FromDocument(doc); rb != nil {
			out = append(out, rb)
		}
	}
	return out, nil
}

// GetDocument returns a previously loaded document by ID.
func (a *DBAdapter) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	a.mu.RLock()
	doc, ok := a.docs[id]
	a.mu.RUnlock()
	if !ok {
		return nil, pperrors.NotFound("document %q", id)
	}
	return doc, nil
}

// HealthCheck pings the store and folds in the probe verdict.
func (a *DBAdapter) HealthCheck(ctx context.Context) adapter.Health {
	if a.st == nil {
		return adapter.Health{Healthy: false, Details: "not initialized"}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := a.st.Ping(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return adapter.Health{Healthy: false, LatencyMS: latency, Details: err.Error()}
	}
	if a.unhealthy.Load() {
		return adapter.Health{Healthy: false, LatencyMS: latency, Details: "consecutive probe failures"}
	}
	return adapter.Health{Healthy: true, LatencyMS: latency}
}

// RefreshIndex reloads the warm document table; concurrent refreshes
// are serialized.
func (a *DBAdapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !a.BeginRefresh() {
		return false, nil
	}
	defer a.EndRefresh()
	if a.st == nil {
		return false, pperrors.Newf(pperrors.KindSourceAdapter, "source %q not initialized", a.Name())
	}
	if err := a.loadAll(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Metadata returns the adapter summary.
func (a *DBAdapter) Metadata() adapter.Metadata {
	return a.Stats(models.SourceTypeDatabase)
}

// Documents returns a snapshot of the warm-loaded document set.
func (a *DBAdapter) Documents() []*models.Document {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*models.Document, 0, len(a.docs))
	for _, doc := range a.docs {
		out = append(out, doc)
	}
	return out
}

// Cleanup stops the probe and closes the connection pool.
func (a *DBAdapter) Cleanup() error {
	if a.stopProbe != nil {
		close(a.stopProbe)
		<-a.probeDone
		a.stopProbe = nil
	}
	a.mu.Lock()
	a.docs = make(map[string]*models.Document)
	a.mu.Unlock()
	if a.st != nil {
		err := a.st.Close()
		a.st = nil
		return err
	}
	return nil
}
