package dbadapter

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

var articleColumns = []string{"title", "content", "category", "author", "updated", "tags"}

func articleMapping() config.TableMapping {
	return config.TableMapping{
		Table:         "articles",
		TitleField:    "title",
		ContentField:  "body",
		CategoryField: "category",
		AuthorField:   "author",
		UpdatedField:  "updated_at",
		TagsField:     "tags",
	}
}

func dbConfig(mutate func(*config.DatabaseAdapterConfig)) config.AdapterConfig {
	dc := &config.DatabaseAdapterConfig{
		Engine:    "sqlite",
		DSNEnvVar: "TEST_DB_DSN",
		Tables:    []config.TableMapping{articleMapping()},
	}
	if mutate != nil {
		mutate(dc)
	}
	return config.AdapterConfig{Type: "database", Name: "db", Database: dc}
}

// withMockDB swaps the pool opener for a sqlmock-backed one.
func withMockDB(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	orig := openSQL
	openSQL = func(driver, dsn string) (*sqlx.DB, error) {
		return sqlx.NewDb(db, "sqlite3"), nil
	}
	t.Cleanup(func() { openSQL = orig })

	t.Setenv("TEST_DB_DSN", "file:test.db")
	return mock
}

func expectInit(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1 FROM").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("SELECT .+ FROM .+ LIMIT").WillReturnRows(rows)
}

func seedRows() *sqlmock.Rows {
	return sqlmock.NewRows(articleColumns).
		AddRow("Disk Space Alert Runbook",
			"1. Check df output.\n2. Clear old logs.\n3. Escalate to on-call if severity stays high.",
			"", "ops", "2026-08-01 10:00:00", "runbook,disk").
		AddRow("Memory Tuning Notes",
			"General notes about memory tuning on application hosts.",
			"guide", "dev", "2026-07-15 09:00:00", "")
}

func newTestAdapter(t *testing.T, mock sqlmock.Sqlmock, cfg config.AdapterConfig) *DBAdapter {
	t.Helper()
	a, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = a.Cleanup()
	})
	return a
}

func TestNewValidatesMapping(t *testing.T) {
	cfg := dbConfig(func(dc *config.DatabaseAdapterConfig) {
		dc.Tables = []config.TableMapping{{Table: "articles", TitleField: "title"}}
	})
	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindConfig, pperrors.KindOf(err))
}

func TestInitializeFailsWithoutDSN(t *testing.T) {
	t.Setenv("TEST_DB_DSN", "")
	a, err := New(dbConfig(nil), nil)
	require.NoError(t, err)

	err = a.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, pperrors.KindAuth, pperrors.KindOf(err))
}

func TestInitializeRejectsUnknownTable(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1 FROM").WillReturnError(assert.AnError)
	mock.ExpectClose()

	a, err := New(dbConfig(nil), nil)
	require.NoError(t, err)

	err = a.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, pperrors.KindConfig, pperrors.KindOf(err))
}

func TestInitializeWarmLoadsDocuments(t *testing.T) {
	mock := withMockDB(t)
	expectInit(mock, seedRows())

	a := newTestAdapter(t, mock, dbConfig(nil))
	assert.Equal(t, 2, a.DocumentCount())

	id := models.HashID("db", "articles", "Disk Space Alert Runbook")
	doc, err := a.GetDocument(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.SourceTypeDatabase, doc.SourceType)
	assert.Equal(t, "ops", doc.Metadata["author"])
	assert.Equal(t, []string{"runbook", "disk"}, doc.Metadata["tags"])
	assert.Equal(t, 2026, doc.LastUpdated.Year())
}

func TestRunbookDetectionOnRows(t *testing.T) {
	mock := withMockDB(t)
	expectInit(mock, seedRows())

	a := newTestAdapter(t, mock, dbConfig(nil))

	doc, err := a.GetDocument(context.Background(), models.HashID("db", "articles", "Disk Space Alert Runbook"))
	require.NoError(t, err)
	assert.Equal(t, models.CategoryRunbook, doc.Category)

	doc, err = a.GetDocument(context.Background(), models.HashID("db", "articles", "Memory Tuning Notes"))
	require.NoError(t, err)
	assert.Equal(t, models.CategoryGuide, doc.Category)
}

func TestSearchRunsDisjunctionQuery(t *testing.T) {
	mock := withMockDB(t)
	expectInit(mock, seedRows())

	a := newTestAdapter(t, mock, dbConfig(nil))

	mock.ExpectQuery("SELECT .+ FROM .+ WHERE .+LIKE.+ LIMIT").
		WillReturnRows(seedRows())

	docs, err := a.Search(context.Background(), "disk space", nil)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, "Disk Space Alert Runbook", docs[0].Title)
	assert.Greater(t, docs[0].ConfidenceScore, 0.0)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchRespectsCategoryFilter(t *testing.T) {
	mock := withMockDB(t)
	expectInit(mock, seedRows())

	a := newTestAdapter(t, mock, dbConfig(nil))

	mock.ExpectQuery("SELECT .+ FROM").WillReturnRows(seedRows())

	docs, err := a.Search(context.Background(), "notes tuning", &models.SearchFilters{
		Categories: []models.Category{models.CategoryGuide},
	})
	require.NoError(t, err)
	for _, doc := range docs {
		assert.Equal(t, models.CategoryGuide, doc.Category)
	}
}

func TestMappedIDColumnKeepsDuplicateTitlesDistinct(t *testing.T) {
	mock := withMockDB(t)
	rows := sqlmock.NewRows(append([]string{"id"}, articleColumns...)).
		AddRow("101", "Restart Procedure", "Restart the ingest service.", "", "", "2026-08-01", "").
		AddRow("102", "Restart Procedure", "Restart the export service.", "", "", "2026-08-02", "")
	expectInit(mock, rows)

	cfg := dbConfig(func(dc *config.DatabaseAdapterConfig) {
		m := articleMapping()
		m.IDField = "id"
		dc.Tables = []config.TableMapping{m}
	})
	a := newTestAdapter(t, mock, cfg)

	assert.Equal(t, 2, a.DocumentCount())

	first, err := a.GetDocument(context.Background(), models.HashID("db", "articles", "101"))
	require.NoError(t, err)
	assert.Contains(t, first.Content, "ingest")
	second, err := a.GetDocument(context.Background(), models.HashID("db", "articles", "102"))
	require.NoError(t, err)
	assert.Contains(t, second.Content, "export")
}

func TestHealthCheckPingsPool(t *testing.T) {
	mock := withMockDB(t)
	expectInit(mock, seedRows())

	a := newTestAdapter(t, mock, dbConfig(nil))

	mock.ExpectPing()
	h := a.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
}

func TestRefreshIndexReloads(t *testing.T) {
	mock := withMockDB(t)
	expectInit(mock, seedRows())

	a := newTestAdapter(t, mock, dbConfig(nil))

	mock.ExpectQuery("SELECT .+ FROM .+ LIMIT").WillReturnRows(
		seedRows().AddRow("DNS Notes", "Verify resolution with dig.", "", "", "2026-08-10", ""))

	refreshed, err := a.RefreshIndex(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, 3, a.DocumentCount())
}

func TestDialectQuoting(t *testing.T) {
	pg, err := dialectFor("postgres")
	require.NoError(t, err)
	quoted, err := pg.quoteIdent("articles")
	require.NoError(t, err)
	assert.Equal(t, `"articles"`, quoted)
	assert.Equal(t, `"title" ILIKE ?`, pg.likeClause(`"title"`))

	my, err := dialectFor("mysql")
	require.NoError(t, err)
	quoted, err = my.quoteIdent("kb.articles")
	require.NoError(t, err)
	assert.Equal(t, "`kb`.`articles`", quoted)
	assert.Equal(t, "lower(`title`) LIKE ?", my.likeClause("`title`"))

	_, err = pg.quoteIdent(`bad"; DROP TABLE x`)
	require.Error(t, err)
	assert.Equal(t, pperrors.KindConfig, pperrors.KindOf(err))

	_, err = dialectFor("oracle")
	require.Error(t, err)
}

func TestBuildSearchQueryShape(t *testing.T) {
	d, err := dialectFor("sqlite")
	require.NoError(t, err)

	q, args, err := buildSearchQuery(d, articleMapping(), []string{"disk", "space"}, 30, 0)
	require.NoError(t, err)
	assert.Contains(t, q, " OR ")
	assert.Contains(t, q, "LIMIT ? OFFSET ?")
	// Two tokens against two match columns, plus limit and offset.
	assert.Len(t, args, 6)
	assert.Equal(t, "%disk%", args[0])
}

func TestSelectColumnsProjectMappedIDFirst(t *testing.T) {
	d, err := dialectFor("sqlite")
	require.NoError(t, err)

	m := articleMapping()
	m.IDField = "article_id"
	q, _, err := buildListQuery(d, m, 10)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(q, `SELECT "article_id" AS id, "title" AS title`), q)
}

func TestBuildSearchQueryAppliesRowFilter(t *testing.T) {
	d, err := dialectFor("sqlite")
	require.NoError(t, err)

	m := articleMapping()
	m.Filter = "published = 1"
	q, _, err := buildSearchQuery(d, m, []string{"disk"}, 10, 0)
	require.NoError(t, err)
	assert.Contains(t, q, "AND (published = 1)")
}

func TestSanitizeStripsActiveContent(t *testing.T) {
	raw := `<p onclick="evil()">Hello</p><script>alert(1)</script><iframe src="x"></iframe>`
	out := sanitize(raw)
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "iframe")
	assert.NotContains(t, out, "onclick")
	assert.Contains(t, out, "Hello")
}

func TestProcessContentFlattensAndTruncates(t *testing.T) {
	raw := "<h1>Title</h1><p>" + strings.Repeat("word ", 100) + "</p>"
	out := processContent(raw, 50)
	assert.NotContains(t, out, "<")
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.Len(t, out, 53)

	plain := processContent("no markup here", 0)
	assert.Equal(t, "no markup here", plain)
}

func TestSummarizeTakesLeadingSentences(t *testing.T) {
	content := "First sentence. Second one! Third here? Fourth is dropped. Fifth too."
	got := summarize(content)
	assert.Contains(t, got, "First sentence.")
	assert.Contains(t, got, "Third here?")
	assert.NotContains(t, got, "Fourth")
}

func TestExtractPath(t *testing.T) {
	doc := map[string]any{
		"meta": map[string]any{"author": map[string]any{"name": "ops"}},
		"flat": "value",
	}
	assert.Equal(t, "ops", extractPath(doc, "meta.author.name"))
	assert.Equal(t, "value", extractPath(doc, "flat"))
	assert.Nil(t, extractPath(doc, "meta.missing"))
	assert.Nil(t, extractPath(doc, ""))
}
