package dbadapter

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultMaxContentLength = 10000
	summarySentences        = 3
)

var (
	scriptPattern  = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	iframePattern  = regexp.MustCompile(`(?is)<iframe\b.*?</iframe>`)
	handlerPattern = regexp.MustCompile(`(?i)\son\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	tagPattern     = regexp.MustCompile(`(?s)<[a-zA-Z/!][^>]*>`)
	sentenceEnd    = regexp.MustCompile(`[.!?](\s|$)`)
)

// sanitize strips active content from database values before they are
// indexed: script and iframe bodies and inline event handlers.
func sanitize(raw string) string {
	out := scriptPattern.ReplaceAllString(raw, "")
	out = iframePattern.ReplaceAllString(out, "")
	return handlerPattern.ReplaceAllString(out, "")
}

// flattenHTML converts markup to plain text when the value looks like
// HTML, otherwise returns it unchanged.
func flattenHTML(raw string) string {
	if !tagPattern.MatchString(raw) {
		return raw
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return tagPattern.ReplaceAllString(raw, " ")
	}
	doc.Find("script,style").Remove()
	text := doc.Find("body").Text()
	return strings.Join(strings.Fields(text), " ")
}

// processContent runs the full pipeline: sanitize, flatten, truncate.
func processContent(raw string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = defaultMaxContentLength
	}
	out := strings.TrimSpace(flattenHTML(sanitize(raw)))
	if len(out) > maxLength {
		out = out[:maxLength] + "..."
	}
	return out
}

// summarize returns the first few sentences of processed content.
func summarize(content string) string {
	remaining := content
	var b strings.Builder
	for i := 0; i < summarySentences; i++ {
		loc := sentenceEnd.FindStringIndex(remaining)
		if loc == nil {
			b.WriteString(remaining)
			break
		}
		b.WriteString(remaining[:loc[0]+1])
		b.WriteString(" ")
		remaining = remaining[loc[1]:]
		if remaining == "" {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
