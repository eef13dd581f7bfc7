package fileadapter

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FrontMatter is the optional YAML block at the top of a Markdown
// document.
type FrontMatter struct {
	Title    string    `yaml:"title"`
	Author   string    `yaml:"author"`
	Category string    `yaml:"category"`
	Tags     []string  `yaml:"tags"`
	Created  time.Time `yaml:"created"`
	Updated  time.Time `yaml:"updated"`
}

const frontMatterDelim = "---"

// SplitFrontMatter extracts the front-matter block when present and
// returns it alongside the remaining body. Malformed front matter is
// ignored and the full input returned as body.
func SplitFrontMatter(content string) (*FrontMatter, string) {
	if !strings.HasPrefix(content, frontMatterDelim+"\n") && !strings.HasPrefix(content, frontMatterDelim+"\r\n") {
		return nil, content
	}

	rest := content[len(frontMatterDelim):]
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")

	end := strings.Index(rest, "\n"+frontMatterDelim)
	if end < 0 {
		return nil, content
	}
	block := rest[:end]
	body := rest[end+1+len(frontMatterDelim):]
	body = strings.TrimPrefix(body, "\r\n")
	body = strings.TrimPrefix(body, "\n")

	var fm FrontMatter
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return nil, content
	}
	return &fm, body
}

// FirstHeading returns the first Markdown heading text, or "".
func FirstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return ""
}

// Searchable builds the content projection used for indexing: title,
// body, code-block bodies, and heading text concatenated so every
// signal is matchable.
func Searchable(title, body string) string {
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(body)

	var headings []string
	inCode := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inCode = !inCode
			continue
		}
		if !inCode && strings.HasPrefix(trimmed, "#") {
			headings = append(headings, strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
		}
	}
	if len(headings) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(headings, "\n"))
	}
	return b.String()
}
