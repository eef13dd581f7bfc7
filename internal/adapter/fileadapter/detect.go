package fileadapter

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// FileKind is the detected document type of a file.
type FileKind int

const (
	KindUnsupported FileKind = iota
	KindMarkdown
	KindText
	KindJSON
	KindYAML
	KindPDF
)

var pdfMagic = []byte("%PDF-")

// DetectKind determines the file kind from magic bytes first, then
// the extension. head is the first few hundred bytes of the file.
func DetectKind(path string, head []byte) FileKind {
	if bytes.HasPrefix(head, pdfMagic) {
		return KindPDF
	}

	// Binary sniff: real text rarely contains NUL bytes.
	if bytes.IndexByte(head, 0) >= 0 {
		return KindUnsupported
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".mdx":
		return KindMarkdown
	case ".json":
		return KindJSON
	case ".yaml", ".yml":
		return KindYAML
	case ".txt", ".text", ".rst", ".adoc", "":
		if utf8.Valid(head) {
			return KindText
		}
	case ".pdf":
		return KindPDF
	}
	return KindUnsupported
}

func (k FileKind) String() string {
	switch k {
	case KindMarkdown:
		return "markdown"
	case KindText:
		return "text"
	case KindJSON:
		return "json"
	case KindYAML:
		return "yaml"
	case KindPDF:
		return "pdf"
	default:
		return "unsupported"
	}
}
