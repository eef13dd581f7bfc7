// Package repoadapter indexes documentation files from GitHub
// repositories. It authenticates with a token resolved from the
// environment at startup, keeps a conservative local share of the
// upstream rate limit, and never scans an organization without
// explicit consent in the configuration.
package repoadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v74/github"

	"github.com/dpark2025/personal-pipeline/internal/adapter"
	"github.com/dpark2025/personal-pipeline/internal/adapter/fileadapter"
	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/runbook"
)

const (
	defaultQuotaPct       = 0.10
	defaultMaxFileKB      = 512
	defaultMinInterval    = 500 * time.Millisecond
	defaultMatchThreshold = 0.3
)

var docExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".mdx":      true,
	".rst":      true,
	".txt":      true,
}

// RepoAdapter serves documentation indexed from GitHub repositories.
type RepoAdapter struct {
	adapter.Base
	logger   *slog.Logger
	detector *runbook.Detector
	quota    *adapter.Quota

	client *github.Client

	mu   sync.RWMutex
	docs map[string]*models.Document
}

// New builds a repository adapter. The token itself is resolved from
// the environment at Initialize, not here.
func New(cfg config.AdapterConfig, logger *slog.Logger) (*RepoAdapter, error) {
	if cfg.Repo == nil {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: repo block missing", cfg.Name)
	}
	if cfg.Repo.TokenEnvVar == "" {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: token_env_var required", cfg.Name)
	}
	if len(cfg.Repo.Repositories) == 0 && cfg.Repo.ScanOrganization == "" {
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: no repositories configured", cfg.Name)
	}
	if cfg.Repo.ScanOrganization != "" && !cfg.Repo.UserConsentGiven {
		return nil, pperrors.Newf(pperrors.KindConfig,
			"source %q: organization scan requires user_consent_given", cfg.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	minInterval := defaultMinInterval
	if cfg.Repo.MinIntervalMS > 0 {
		minInterval = time.Duration(cfg.Repo.MinIntervalMS) * time.Millisecond
	}

	return &RepoAdapter{
		Base:     adapter.NewBase(cfg),
		logger:   logger.With(slog.String("source", cfg.Name)),
		detector: runbook.NewDetector(cfg.Repo.RunbookThreshold),
		quota:    adapter.NewQuota(100, minInterval),
		docs:     make(map[string]*models.Document),
	}, nil
}

// Type returns the source kind.
func (a *RepoAdapter) Type() models.SourceType { return models.SourceTypeRepo }

// Initialize authenticates, verifies the identity, sizes the local
// quota from the upstream limit, and indexes the configured
// repositories.
func (a *RepoAdapter) Initialize(ctx context.Context) error {
	cfg := a.Config()

	token := os.Getenv(cfg.Repo.TokenEnvVar)
	if token == "" {
		return pperrors.Newf(pperrors.KindAuth,
			"source %q: environment variable %s is empty", cfg.Name, cfg.Repo.TokenEnvVar)
	}

	client := github.NewClient(nil).WithAuthToken(token)
	if cfg.Repo.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.Repo.BaseURL, cfg.Repo.BaseURL)
		if err != nil {
			return pperrors.Wrap(pperrors.KindConfig, "invalid base_url", err)
		}
	}
	a.client = client

	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return pperrors.Wrap(pperrors.KindAuth, "github identity verification", err)
	}
	a.logger.Info("github authenticated", slog.String("login", user.GetLogin()))

	if limits, _, err := client.RateLimit.Get(ctx); err == nil && limits.Core != nil {
		pct := cfg.Repo.HourlyQuotaPct
		if pct <= 0 || pct > 1 {
			pct = defaultQuotaPct
		}
		budget := int(float64(limits.Core.Limit) * pct)
		a.quota.SetBudget(budget)
		a.logger.Info("local quota sized",
			slog.Int("upstream_limit", limits.Core.Limit),
			slog.Int("budget", budget))
	}

	return a.indexAll(ctx)
}

func (a *RepoAdapter) indexAll(ctx context.Context) error {
	cfg := a.Config()

	repos := append([]string(nil), cfg.Repo.Repositories...)
	if cfg.Repo.ScanOrganization != "" {
		orgRepos, err := a.listOrganization(ctx, cfg.Repo.ScanOrganization)
		if err != nil {
			return err
		}
		repos = append(repos, orgRepos...)
	}

	table := make(map[string]*models.Document)
	var firstErr error
	failures := 0
	for _, full := range repos {
		owner, name, ok := strings.Cut(full, "/")
		if !ok {
			return pperrors.Newf(pperrors.KindConfig, "repository %q is not owner/name", full)
		}
		docs, err := a.indexRepository(ctx, owner, name)
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			a.logger.Warn("repository indexing failed",
				slog.String("repository", full),
				slog.String("error", err.Error()))
			continue
		}
		for _, doc := range docs {
			table[doc.ID] = doc
		}
	}
	if len(repos) > 0 && failures == len(repos) {
		return pperrors.Wrap(pperrors.KindSourceAdapter, "all repositories failed", firstErr)
	}

	a.mu.Lock()
	a.docs = table
	a.mu.Unlock()
	a.SetIndexed(len(table))
	return nil
}

// listOrganization pages through the org's repositories. Callers have
// already passed the consent gate in New.
func (a *RepoAdapter) listOrganization(ctx context.Context, org string) ([]string, error) {
	var out []string
	opts := &github.RepositoryListByOrgOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		if err := a.quota.Acquire(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := a.client.Repositories.ListByOrg(ctx, org, opts)
		if err != nil {
			return nil, wrapGitHubErr("list organization "+org, err)
		}
		for _, r := range repos {
			out = append(out, r.GetOwner().GetLogin()+"/"+r.GetName())
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (a *RepoAdapter) indexRepository(ctx context.Context, owner, name string) ([]*models.Document, error) {
	cfg := a.Config()
	maxKB := cfg.Repo.MaxFileSizeKB
	if maxKB <= 0 {
		maxKB = defaultMaxFileKB
	}
	maxBytes := maxKB * 1024

	if err := a.quota.Acquire(ctx); err != nil {
		return nil, err
	}
	repoInfo, _, err := a.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, wrapGitHubErr("get repository", err)
	}
	branch := repoInfo.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}

	if err := a.quota.Acquire(ctx); err != nil {
		return nil, err
	}
	tree, resp, err := a.client.Git.GetTree(ctx, owner, name, branch, true)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound && branch != "master" {
			if err := a.quota.Acquire(ctx); err != nil {
				return nil, err
			}
			branch = "master"
			tree, _, err = a.client.Git.GetTree(ctx, owner, name, branch, true)
		}
		if err != nil {
			return nil, wrapGitHubErr("get tree", err)
		}
	}

	var docs []*models.Document
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" || !indexablePath(entry.GetPath()) {
			continue
		}
		if entry.GetSize() > maxBytes {
			a.logger.Debug("file exceeds size cap",
				slog.String("path", entry.GetPath()),
				slog.Int("size", entry.GetSize()))
			continue
		}
		doc, err := a.fetchFile(ctx, owner, name, branch, entry)
		if err != nil {
			if pperrors.KindOf(err) == pperrors.KindRateLimit {
				return nil, err
			}
			a.logger.Warn("file fetch failed",
				slog.String("path", entry.GetPath()),
				slog.String("error", err.Error()))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (a *RepoAdapter) fetchFile(ctx context.Context, owner, name, branch string, entry *github.TreeEntry) (*models.Document, error) {
	if err := a.quota.Acquire(ctx); err != nil {
		return nil, err
	}
	fileContent, _, _, err := a.client.Repositories.GetContents(ctx, owner, name, entry.GetPath(),
		&github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return nil, wrapGitHubErr("get contents "+entry.GetPath(), err)
	}
	raw, err := fileContent.GetContent()
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "decode "+entry.GetPath(), err)
	}

	return a.buildDocument(owner+"/"+name, branch, entry, fileContent.GetHTMLURL(), raw), nil
}

func (a *RepoAdapter) buildDocument(repo, branch string, entry *github.TreeEntry, url, raw string) *models.Document {
	cfg := a.Config()

	fm, body := fileadapter.SplitFrontMatter(raw)
	title := ""
	if fm != nil {
		title = fm.Title
	}
	if title == "" {
		title = fileadapter.FirstHeading(body)
	}
	if title == "" {
		title = path.Base(entry.GetPath())
	}

	metadata := map[string]any{
		"repository": repo,
		"path":       entry.GetPath(),
		"branch":     branch,
		"sha":        entry.GetSHA(),
		"size":       entry.GetSize(),
	}
	if fm != nil {
		if fm.Author != "" {
			metadata["author"] = fm.Author
		}
		if len(fm.Tags) > 0 {
			metadata["tags"] = fm.Tags
		}
	}

	category := models.CategoryGeneral
	if fm != nil && fm.Category != "" {
		category = models.Category(fm.Category)
	} else if len(cfg.Categories) > 0 {
		category = models.Category(cfg.Categories[0])
	}
	if det := a.detector.Detect(title, body, metadata); det.IsRunbook {
		category = models.CategoryRunbook
		metadata["runbook_class"] = string(det.Class)
		metadata["runbook_score"] = det.Score
	}

	doc := &models.Document{
		ID:          models.HashID(a.Name(), repo, entry.GetPath()),
		Title:       title,
		Content:     fileadapter.Searchable(title, body),
		SourceName:  a.Name(),
		SourceType:  models.SourceTypeRepo,
		Category:    category,
		URL:         url,
		LastUpdated: time.Now(),
		Metadata:    metadata,
	}
	doc.Clamp(0)
	return doc
}

// Search scores the indexed documents against the query.
func (a *RepoAdapter) Search(ctx context.Context, query string, filters *models.SearchFilters) (out []*models.Document, err error) {
	start := time.Now()
	defer func() { a.Observe(start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, pperrors.Wrap(pperrors.KindTimeout, "repo search", err)
	}

	a.mu.RLock()
	docs := make([]*models.Document, 0, len(a.docs))
	for _, doc := range a.docs {
		docs = append(docs, doc)
	}
	a.mu.RUnlock()

	return adapter.MatchDocuments(query, docs, filters, defaultMatchThreshold, time.Since(start).Milliseconds()), nil
}

// SearchRunbooks finds indexed runbook documents relevant to an alert.
func (a *RepoAdapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]*models.Runbook, error) {
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

// GetDocument returns an indexed document by ID.
func (a *RepoAdapter) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	a.mu.RLock()
	doc, ok := a.docs[id]
	a.mu.RUnlock()
	if !ok {
		return nil, pperrors.NotFound("document %q", id)
	}
	return doc, nil
}

// HealthCheck probes the rate limit endpoint; it is cheap and does
// not count against the upstream core quota.
func (a *RepoAdapter) HealthCheck(ctx context.Context) adapter.Health {
	if a.client == nil {
		return adapter.Health{Healthy: false, Details: "not initialized"}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	limits, _, err := a.client.RateLimit.Get(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return adapter.Health{Healthy: false, LatencyMS: latency, Details: err.Error()}
	}
	details := ""
	if limits.Core != nil {
		details = "remaining " + strconv.Itoa(limits.Core.Remaining)
	}
	return adapter.Health{Healthy: true, LatencyMS: latency, Details: details}
}

// RefreshIndex re-indexes all repositories; concurrent refreshes are
// serialized.
func (a *RepoAdapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !a.BeginRefresh() {
		return false, nil
	}
	defer a.EndRefresh()
	if err := a.indexAll(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Metadata returns the adapter summary.
func (a *RepoAdapter) Metadata() adapter.Metadata {
	return a.Stats(models.SourceTypeRepo)
}

// Documents returns a snapshot of the indexed document set.
func (a *RepoAdapter) Documents() []*models.Document {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*models.Document, 0, len(a.docs))
	for _, doc := range a.docs {
		out = append(out, doc)
	}
	return out
}

// Cleanup drops the document table.
func (a *RepoAdapter) Cleanup() error {
	a.mu.Lock()
	a.docs = make(map[string]*models.Document)
	a.mu.Unlock()
	return nil
}

// indexablePath accepts documentation files: known text extensions
// plus README files without one.
func indexablePath(p string) bool {
	if p == "" {
		return false
	}
	base := path.Base(p)
	if docExtensions[strings.ToLower(path.Ext(base))] {
		return true
	}
	return strings.HasPrefix(strings.ToUpper(base), "README")
}

// wrapGitHubErr maps go-github error types onto the error taxonomy.
func wrapGitHubErr(op string, err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return pperrors.Wrap(pperrors.KindRateLimit, op, err).
			WithRetryAfter(time.Until(rateErr.Rate.Reset.Time))
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return pperrors.Wrap(pperrors.KindRateLimit, op, err).
			WithRetryAfter(abuseErr.GetRetryAfter())
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return pperrors.Wrap(pperrors.KindAuth, op, err)
		case http.StatusNotFound:
			return pperrors.Wrap(pperrors.KindNotFound, op, err)
		}
	}
	return pperrors.Wrap(pperrors.KindSourceAdapter, op, err)
}
