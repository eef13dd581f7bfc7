package fileadapter

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/runbook"
)

const (
	defaultMaxDepth      = 10
	defaultMaxFileSizeMB = 5
	sniffSize            = 512
)

// scanner walks the configured roots and turns files into documents.
type scanner struct {
	sourceName string
	cfg        config.FileAdapterConfig
	categories []string
	detector   *runbook.Detector
	logger     *slog.Logger
}

// Scan builds the document set from all roots. Individual file
// failures are logged and skipped; an inaccessible root fails.
func (s *scanner) Scan(ctx context.Context) ([]*models.Document, error) {
	maxDepth := s.cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	maxSize := int64(s.cfg.MaxFileSizeMB)
	if maxSize <= 0 {
		maxSize = defaultMaxFileSizeMB
	}
	maxSize *= 1 << 20

	var docs []*models.Document
	for _, root := range s.cfg.Paths {
		rootDocs, err := s.scanRoot(ctx, root, maxDepth, maxSize)
		if err != nil {
			return nil, err
		}
		docs = append(docs, rootDocs...)
	}
	return docs, nil
}

func (s *scanner) scanRoot(ctx context.Context, root string, maxDepth int, maxSize int64) ([]*models.Document, error) {
	var docs []*models.Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.logger.Warn("skipping unreadable path", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}

		if d.IsDir() {
			// Files under this dir sit at depth Count(sep)+2 relative
			// to the root; skip when that exceeds the cap.
			if rel != "." && strings.Count(rel, string(filepath.Separator)) >= maxDepth-1 {
				return filepath.SkipDir
			}
			if s.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if !s.included(rel) || s.excluded(rel) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			s.logger.Warn("skipping unstatable file", slog.String("path", path))
			return nil
		}
		if info.Size() > maxSize {
			s.logger.Debug("skipping oversized file",
				slog.String("path", path), slog.Int64("size", info.Size()))
			return nil
		}

		doc, buildErr := s.buildDocument(ctx, root, path, rel, info)
		if buildErr != nil {
			s.logger.Warn("failed to index file",
				slog.String("path", path), slog.String("error", buildErr.Error()))
			return nil
		}
		if doc != nil {
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// buildDocument runs the per-file pipeline: detect type, extract
// text, parse front matter, classify, and project searchable content.
func (s *scanner) buildDocument(ctx context.Context, root, path, rel string, info fs.FileInfo) (*models.Document, error) {
	head, err := readHead(path, sniffSize)
	if err != nil {
		return nil, err
	}

	kind := DetectKind(path, head)
	if kind == KindUnsupported {
		return nil, nil
	}

	var body string
	switch kind {
	case KindPDF:
		body, err = extractPDFText(ctx, path)
	default:
		var raw []byte
		raw, err = os.ReadFile(path)
		body = string(raw)
	}
	if err != nil {
		return nil, err
	}

	var fm *FrontMatter
	if kind == KindMarkdown {
		fm, body = SplitFrontMatter(body)
	}

	title := ""
	if fm != nil && fm.Title != "" {
		title = fm.Title
	} else if h := FirstHeading(body); h != "" {
		title = h
	} else {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	metadata := map[string]any{
		"path":      rel,
		"root":      root,
		"file_kind": kind.String(),
		"size":      info.Size(),
	}
	if fm != nil {
		if fm.Author != "" {
			metadata["author"] = fm.Author
		}
		if len(fm.Tags) > 0 {
			metadata["tags"] = fm.Tags
		}
		if !fm.Created.IsZero() {
			metadata["created"] = fm.Created
		}
	}

	detection := s.detector.Detect(title, body, metadata)
	category := s.category(fm, detection)
	if detection.IsRunbook {
		metadata["runbook_class"] = string(detection.Class)
		metadata["runbook_score"] = detection.Score
	}

	updated := info.ModTime()
	if fm != nil && !fm.Updated.IsZero() {
		updated = fm.Updated
	}

	doc := &models.Document{
		ID:          models.HashID(s.sourceName, rel),
		Title:       title,
		Content:     Searchable(title, body),
		SourceName:  s.sourceName,
		SourceType:  models.SourceTypeFile,
		Category:    category,
		LastUpdated: updated,
		Metadata:    metadata,
	}
	doc.Clamp(0)
	return doc, nil
}

func (s *scanner) category(fm *FrontMatter, detection runbook.Detection) models.Category {
	if detection.IsRunbook {
		return models.CategoryRunbook
	}
	if fm != nil && fm.Category != "" {
		c := models.Category(fm.Category)
		return c
	}
	if len(s.categories) > 0 {
		return models.Category(s.categories[0])
	}
	return models.CategoryGeneral
}

func (s *scanner) included(rel string) bool {
	if len(s.cfg.IncludePatterns) == 0 {
		return true
	}
	return matchAnyPattern(s.cfg.IncludePatterns, rel)
}

func (s *scanner) excluded(rel string) bool {
	return matchAnyPattern(s.cfg.ExcludePatterns, rel)
}

// matchAnyPattern matches glob patterns against the root-relative
// path and against the base name, so "*.md" works at any depth.
func matchAnyPattern(patterns []string, rel string) bool {
	base := filepath.Base(rel)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if strings.HasSuffix(p, "/") && strings.HasPrefix(rel, strings.TrimSuffix(p, "/")) {
			return true
		}
	}
	return false
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, n)
	read, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}
