package repoadapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

const diskRunbook = `---
title: Disk Space Alert Runbook
author: ops
tags: [runbook, disk]
category: runbook
---
# Disk Space Alert Runbook

Triggers: disk_space alerts on any host.

## Steps

1. Check df output on the affected host.
2. Clear old logs under /var/log.
3. Escalate to on-call if usage stays above 90%.
`

// fakeGitHub serves the subset of the GitHub REST API the adapter
// touches, under the enterprise /api/v3 prefix.
type fakeGitHub struct {
	mu        sync.Mutex
	files     map[string]string // path -> content
	coreLimit int
	srv       *httptest.Server
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	g := &fakeGitHub{
		files: map[string]string{
			"README.md":          "# Ops Docs\n\nOperational documentation index.",
			"docs/disk-space.md": diskRunbook,
			"main.go":            "package main",
		},
		coreLimit: 5000,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"login": "octo"})
	})
	mux.HandleFunc("/api/v3/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		limit := g.coreLimit
		g.mu.Unlock()
		writeJSON(w, map[string]any{
			"resources": map[string]any{
				"core": map[string]any{
					"limit":     limit,
					"remaining": limit - 1,
					"reset":     time.Now().Add(time.Hour).Unix(),
				},
			},
		})
	})
	mux.HandleFunc("/api/v3/repos/acme/ops", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"name": "ops", "default_branch": "main"})
	})
	mux.HandleFunc("/api/v3/repos/acme/ops/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		entries := make([]map[string]any, 0, len(g.files))
		for path, content := range g.files {
			entries = append(entries, map[string]any{
				"path": path,
				"type": "blob",
				"sha":  "sha-" + path,
				"size": len(content),
			})
		}
		writeJSON(w, map[string]any{"sha": "tree-sha", "tree": entries})
	})
	mux.HandleFunc("/api/v3/repos/acme/ops/contents/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/v3/repos/acme/ops/contents/")
		g.mu.Lock()
		content, ok := g.files[path]
		g.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"type":     "file",
			"encoding": "base64",
			"path":     path,
			"size":     len(content),
			"content":  base64.StdEncoding.EncodeToString([]byte(content)),
			"html_url": fmt.Sprintf("https://github.example.com/acme/ops/blob/main/%s", path),
		})
	})
	mux.HandleFunc("/api/v3/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"name": "ops", "owner": map[string]any{"login": "acme"}},
		})
	})

	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func repoConfig(baseURL string, mutate func(*config.RepoAdapterConfig)) config.AdapterConfig {
	rc := &config.RepoAdapterConfig{
		TokenEnvVar:   "TEST_GH_TOKEN",
		BaseURL:       baseURL,
		Repositories:  []string{"acme/ops"},
		MinIntervalMS: 1,
	}
	if mutate != nil {
		mutate(rc)
	}
	return config.AdapterConfig{Type: "repo", Name: "gh", Repo: rc}
}

func newTestAdapter(t *testing.T, cfg config.AdapterConfig) *RepoAdapter {
	t.Helper()
	t.Setenv("TEST_GH_TOKEN", "ghp_test")
	a, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Cleanup() })
	return a
}

func TestNewRejectsOrgScanWithoutConsent(t *testing.T) {
	cfg := repoConfig("http://example.com", func(rc *config.RepoAdapterConfig) {
		rc.Repositories = nil
		rc.ScanOrganization = "acme"
		rc.UserConsentGiven = false
	})
	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindConfig, pperrors.KindOf(err))
}

func TestInitializeFailsWithoutToken(t *testing.T) {
	t.Setenv("TEST_GH_TOKEN", "")
	a, err := New(repoConfig("http://example.com", nil), nil)
	require.NoError(t, err)

	err = a.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, pperrors.KindAuth, pperrors.KindOf(err))
}

func TestInitializeFailsOnBadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	t.Setenv("TEST_GH_TOKEN", "bad")
	a, err := New(repoConfig(srv.URL, nil), nil)
	require.NoError(t, err)

	err = a.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, pperrors.KindAuth, pperrors.KindOf(err))
}

func TestInitializeIndexesDocumentationFiles(t *testing.T) {
	g := newFakeGitHub(t)
	a := newTestAdapter(t, repoConfig(g.srv.URL, nil))

	// main.go is not documentation and stays out of the index.
	assert.Equal(t, 2, a.DocumentCount())

	docs := a.Documents()
	titles := make([]string, 0, len(docs))
	for _, doc := range docs {
		titles = append(titles, doc.Title)
		assert.Equal(t, models.SourceTypeRepo, doc.SourceType)
		assert.Equal(t, "acme/ops", doc.Metadata["repository"])
	}
	assert.Contains(t, titles, "Ops Docs")
	assert.Contains(t, titles, "Disk Space Alert Runbook")
}

func TestRunbookDetectionOnIndexedFiles(t *testing.T) {
	g := newFakeGitHub(t)
	a := newTestAdapter(t, repoConfig(g.srv.URL, nil))

	id := models.HashID("gh", "acme/ops", "docs/disk-space.md")
	doc, err := a.GetDocument(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.CategoryRunbook, doc.Category)
	assert.Equal(t, "ops", doc.Metadata["author"])
}

func TestFileSizeCapSkipsLargeFiles(t *testing.T) {
	g := newFakeGitHub(t)
	g.files["docs/huge.md"] = "# Huge\n\n" + strings.Repeat("x", 4096)

	a := newTestAdapter(t, repoConfig(g.srv.URL, func(rc *config.RepoAdapterConfig) {
		rc.MaxFileSizeKB = 1
	}))

	for _, doc := range a.Documents() {
		assert.NotEqual(t, "docs/huge.md", doc.Metadata["path"])
	}
}

func TestSearchOverIndexedDocuments(t *testing.T) {
	g := newFakeGitHub(t)
	a := newTestAdapter(t, repoConfig(g.srv.URL, nil))

	docs, err := a.Search(context.Background(), "disk space alert", nil)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "Disk Space Alert Runbook", docs[0].Title)

	docs, err = a.Search(context.Background(), "unrelated nonsense zzz", nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSearchRunbooks(t *testing.T) {
	g := newFakeGitHub(t)
	a := newTestAdapter(t, repoConfig(g.srv.URL, nil))

	rbs, err := a.SearchRunbooks(context.Background(), "disk_space", models.SeverityHigh, []string{"host"})
	require.NoError(t, err)
	require.NotEmpty(t, rbs)
	assert.Equal(t, "Disk Space Alert Runbook", rbs[0].Title)
}

func TestLocalQuotaExhaustionSurfacesRateLimit(t *testing.T) {
	g := newFakeGitHub(t)
	// Budget is 10% of the upstream limit: 20 * 0.1 = 2 requests,
	// not enough to fetch any file contents.
	g.coreLimit = 20

	t.Setenv("TEST_GH_TOKEN", "ghp_test")
	a, err := New(repoConfig(g.srv.URL, nil), nil)
	require.NoError(t, err)

	err = a.Initialize(context.Background())
	require.Error(t, err)

	ppErr := pperrors.AsError(err)
	assert.Equal(t, pperrors.KindSourceAdapter, ppErr.Kind)
	inner := pperrors.AsError(ppErr.Cause)
	assert.Equal(t, pperrors.KindRateLimit, inner.Kind)
	assert.Greater(t, inner.RetryAfterMS(), int64(0))
}

func TestOrganizationScanWithConsent(t *testing.T) {
	g := newFakeGitHub(t)
	a := newTestAdapter(t, repoConfig(g.srv.URL, func(rc *config.RepoAdapterConfig) {
		rc.Repositories = nil
		rc.ScanOrganization = "acme"
		rc.UserConsentGiven = true
	}))

	assert.Equal(t, 2, a.DocumentCount())
}

func TestRefreshIndexPicksUpNewFiles(t *testing.T) {
	g := newFakeGitHub(t)
	a := newTestAdapter(t, repoConfig(g.srv.URL, nil))
	require.Equal(t, 2, a.DocumentCount())

	g.mu.Lock()
	g.files["docs/dns.md"] = "# DNS Troubleshooting\n\nVerify resolution with dig."
	g.mu.Unlock()

	refreshed, err := a.RefreshIndex(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, 3, a.DocumentCount())
}

func TestHealthCheck(t *testing.T) {
	g := newFakeGitHub(t)
	a := newTestAdapter(t, repoConfig(g.srv.URL, nil))

	h := a.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Contains(t, h.Details, "remaining")
}

func TestIndexablePath(t *testing.T) {
	assert.True(t, indexablePath("docs/guide.md"))
	assert.True(t, indexablePath("README"))
	assert.True(t, indexablePath("notes.txt"))
	assert.False(t, indexablePath("main.go"))
	assert.False(t, indexablePath("assets/logo.png"))
	assert.False(t, indexablePath(""))
}
