package fileadapter

import (
	"context"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// extractPDFText pulls plain text out of a PDF file page by page.
// Pages that fail extraction are skipped.
func extractPDFText(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pperrors.Wrap(pperrors.KindSourceAdapter, "open pdf", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", pperrors.Wrap(pperrors.KindSourceAdapter, "stat pdf", err)
	}

	reader, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return "", pperrors.Wrap(pperrors.KindSourceAdapter, "parse pdf", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
