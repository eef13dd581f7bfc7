package webadapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/itchyny/gojq"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

// extractHTML applies the endpoint's exclude selectors, then pulls
// title and content, converting structured elements to a plain
// Markdown-like form.
func extractHTML(sourceName string, ep config.HTTPEndpointConfig, body []byte) ([]*models.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "parse html from "+ep.Name, err)
	}

	for _, sel := range ep.Selectors.Exclude {
		doc.Find(sel).Remove()
	}

	title := ""
	if ep.Selectors.Title != "" {
		title = strings.TrimSpace(doc.Find(ep.Selectors.Title).First().Text())
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if title == "" {
		title = ep.Name
	}

	content := ""
	if ep.Selectors.Content != "" {
		content = renderSelection(doc.Find(ep.Selectors.Content))
	}
	if content == "" {
		content = renderSelection(doc.Find("body"))
	}
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	return []*models.Document{buildDocument(sourceName, ep, title, content, ep.URL)}, nil
}

// renderSelection converts headings, lists, code blocks, and emphasis
// into a Markdown-like plain form, other elements into plain text.
func renderSelection(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Each(func(_ int, s *goquery.Selection) {
		renderNode(&b, s)
	})
	return strings.TrimSpace(b.String())
}

func renderNode(b *strings.Builder, s *goquery.Selection) {
	s.Children().Each(func(_ int, child *goquery.Selection) {
		tag := goquery.NodeName(child)
		switch tag {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			level := int(tag[1] - '0')
			b.WriteString("\n")
			b.WriteString(strings.Repeat("#", level))
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(child.Text()))
			b.WriteString("\n")
		case "li":
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(child.Text()))
			b.WriteString("\n")
		case "pre", "code":
			b.WriteString("\n```\n")
			b.WriteString(strings.TrimSpace(child.Text()))
			b.WriteString("\n```\n")
		case "p":
			b.WriteString(strings.TrimSpace(child.Text()))
			b.WriteString("\n\n")
		case "ul", "ol", "div", "section", "article", "main", "table", "tbody", "tr":
			renderNode(b, child)
		case "script", "style", "nav", "footer":
			// dropped
		default:
			text := strings.TrimSpace(child.Text())
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n")
			}
		}
	})
}

// extractJSON evaluates the endpoint's jq projections and flattens
// each match into a document. Without projections the whole payload
// becomes one document.
func extractJSON(sourceName string, ep config.HTTPEndpointConfig, body []byte) ([]*models.Document, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, pperrors.Wrap(pperrors.KindSourceAdapter, "parse json from "+ep.Name, err)
	}

	if len(ep.JSONPaths) == 0 {
		doc := jsonDocument(sourceName, ep, payload, 0)
		if doc == nil {
			return nil, nil
		}
		return []*models.Document{doc}, nil
	}

	var out []*models.Document
	for _, path := range ep.JSONPaths {
		query, err := gojq.Parse(path)
		if err != nil {
			return nil, pperrors.Wrap(pperrors.KindConfig, "invalid json path "+path, err)
		}
		iter := query.Run(payload)
		for i := 0; ; i++ {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if _, isErr := v.(error); isErr {
				continue
			}
			if doc := jsonDocument(sourceName, ep, v, len(out)); doc != nil {
				out = append(out, doc)
			}
		}
	}
	return out, nil
}

// jsonDocument infers title and content from a projected JSON value.
func jsonDocument(sourceName string, ep config.HTTPEndpointConfig, v any, ordinal int) *models.Document {
	title := ""
	content := ""
	url := ep.URL

	if obj, ok := v.(map[string]any); ok {
		for _, key := range []string{"title", "name", "subject", "summary"} {
			if s, ok := obj[key].(string); ok && s != "" {
				title = s
				break
			}
		}
		for _, key := range []string{"content", "body", "description", "text"} {
			if s, ok := obj[key].(string); ok && s != "" {
				content = s
				break
			}
		}
		if s, ok := obj["url"].(string); ok && s != "" {
			url = s
		}
	}
	if content == "" {
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil
		}
		content = string(encoded)
	}
	if title == "" {
		title = fmt.Sprintf("%s #%d", ep.Name, ordinal+1)
	}

	return buildDocument(sourceName, ep, title, content, url)
}

func buildDocument(sourceName string, ep config.HTTPEndpointConfig, title, content, url string) *models.Document {
	category := models.Category(ep.Category)
	if category == "" {
		category = models.CategoryGeneral
	}

	doc := &models.Document{
		ID:          models.HashID(sourceName, ep.Name, title, url),
		Title:       title,
		Content:     content,
		SourceName:  sourceName,
		SourceType:  models.SourceTypeHTTP,
		Category:    category,
		URL:         url,
		LastUpdated: time.Now(),
		Metadata:    map[string]any{"endpoint": ep.Name},
	}
	doc.Clamp(0)
	return doc
}
