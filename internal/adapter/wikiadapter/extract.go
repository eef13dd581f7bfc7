package wikiadapter

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// storageToText flattens wiki storage-format HTML into plain text with
// light Markdown structure so headings and lists stay matchable.
func storageToText(storage string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(storage))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	walk(&b, doc.Find("body"))
	return strings.TrimSpace(b.String()), nil
}

func walk(b *strings.Builder, sel *goquery.Selection) {
	sel.Children().Each(func(_ int, child *goquery.Selection) {
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
		case "ul", "ol", "div", "section", "table", "tbody", "tr", "td", "blockquote":
			walk(b, child)
		case "script", "style":
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
