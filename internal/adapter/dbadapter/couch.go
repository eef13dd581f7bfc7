package dbadapter

import (
	"context"
	"regexp"
	"strings"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// couchStore serves Mango queries against CouchDB databases. Each
// table mapping names a database; field mappings address document
// keys, dotted paths included.
type couchStore struct {
	client *kivik.Client
}

// newCouch is a hook replaced in tests.
var newCouch = func(dsn string) (*kivik.Client, error) {
	return kivik.New("couch", dsn)
}

func newCouchStore(ctx context.Context, dsn string) (*couchStore, error) {
	client, err := newCouch(dsn)
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "open couchdb", err)
	}
	if _, err := client.Ping(ctx); err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "couchdb connect", err)
	}
	return &couchStore{client: client}, nil
}

func (s *couchStore) Validate(ctx context.Context, mappings []config.TableMapping) error {
	for _, m := range mappings {
		exists, err := s.client.DBExists(ctx, m.Table)
		if err != nil {
			return pperrors.Wrap(pperrors.KindSourceAdapter, "check database "+m.Table, err)
		}
		if !exists {
			return pperrors.Newf(pperrors.KindConfig, "database %q does not exist", m.Table)
		}
	}
	return nil
}

// Search builds a Mango $or of case-insensitive $regex matches on the
// mapped title and content fields.
func (s *couchStore) Search(ctx context.Context, m config.TableMapping, tokens []string, limit, offset int) ([]map[string]any, error) {
	var disjuncts []map[string]any
	for _, tok := range tokens {
		pattern := "(?i)" + regexp.QuoteMeta(strings.ToLower(tok))
		for _, field := range []string{m.TitleField, m.ContentField} {
			if field == "" {
				continue
			}
			disjuncts = append(disjuncts, map[string]any{
				field: map[string]any{"$regex": pattern},
			})
		}
	}

	selector := map[string]any{}
	if len(disjuncts) > 0 {
		selector["$or"] = disjuncts
	}
	docs, err := s.find(ctx, m.Table, selector, limit, offset)
	if err != nil {
		return nil, err
	}
	return projectDocs(m, docs), nil
}

func (s *couchStore) List(ctx context.Context, m config.TableMapping, limit int) ([]map[string]any, error) {
	docs, err := s.find(ctx, m.Table, map[string]any{}, limit, 0)
	if err != nil {
		return nil, err
	}
	return projectDocs(m, docs), nil
}

// projectDocs flattens raw documents onto the same aliased row shape
// the SQL store produces, resolving dotted field paths.
func projectDocs(m config.TableMapping, docs []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		row := map[string]any{
			"title":    extractPath(doc, m.TitleField),
			"content":  extractPath(doc, m.ContentField),
			"category": extractPath(doc, m.CategoryField),
			"author":   extractPath(doc, m.AuthorField),
			"updated":  extractPath(doc, m.UpdatedField),
			"tags":     extractPath(doc, m.TagsField),
		}
		if id, ok := doc["_id"]; ok {
			row["id"] = id
		}
		out = append(out, row)
	}
	return out
}

// extractPath resolves a dotted path into nested maps.
func extractPath(doc map[string]any, path string) any {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func (s *couchStore) find(ctx context.Context, database string, selector map[string]any, limit, offset int) ([]map[string]any, error) {
	db := s.client.DB(database)
	rows := db.Find(ctx, selector, kivik.Params(map[string]any{
		"limit": limit,
		"skip":  offset,
	}))
	defer func() { _ = rows.Close() }()

	var out []map[string]any
	for rows.Next() {
		doc := make(map[string]any)
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "scan document", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "mango find", err)
	}
	return out, nil
}

func (s *couchStore) Ping(ctx context.Context) error {
	_, err := s.client.Ping(ctx)
	return err
}

func (s *couchStore) Close() error { return s.client.Close() }
