package assistant

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/entrhq/ehragent/pkg/automation"
	"golang.org/x/net/html"
)

// DefaultExcerptLimit bounds the page text handed to the AI, in characters.
const DefaultExcerptLimit = 3000

// PageExcerpt returns at most limit characters of the page's visible text.
// When the in-page text extraction fails it falls back to parsing the page
// HTML. Failures go to record; the excerpt is then empty.
func PageExcerpt(page automation.Page, limit int, record func(error)) string {
	text, err := page.InnerText(limit)
	if err == nil {
		return text
	}
	record(fmt.Errorf("read page text: %w", err))

	raw, err := page.Content()
	if err != nil {
		record(fmt.Errorf("read page content: %w", err))
		return ""
	}

	text, err = visibleText(raw, limit)
	if err != nil {
		record(err)
		return ""
	}
	return text
}

// visibleText approximates innerText of the document body: scripts, styles
// and hidden elements are dropped, whitespace is collapsed, and block
// elements start a new line.
func visibleText(rawHTML string, limit int) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	root := findElement(doc, "body")
	if root == nil {
		root = doc
	}

	w := &textWriter{limit: limit}
	w.walk(root)
	return w.b.String(), nil
}

type textWriter struct {
	b     strings.Builder
	n     int
	limit int

	// sep is written before the next text run.
	sep string
}

func (w *textWriter) full() bool { return w.n >= w.limit }

func (w *textWriter) walk(n *html.Node) {
	for c := n.FirstChild; c != nil && !w.full(); c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			w.text(c.Data)
		case html.ElementNode:
			tag := strings.ToLower(c.Data)
			if isSkippedElement(tag) || isHidden(c) {
				continue
			}
			block := isBlockElement(tag)
			if block || tag == "br" {
				w.separate("\n")
			}
			w.walk(c)
			if block {
				w.separate("\n")
			}
		}
	}
}

// separate requests a separator before the next text run. Newlines win over
// spaces; nothing is written before the first run.
func (w *textWriter) separate(s string) {
	if w.b.Len() == 0 {
		return
	}
	if s == "\n" || w.sep == "" {
		w.sep = s
	}
}

func (w *textWriter) text(s string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s != "" {
			w.separate(" ")
		}
		return
	}

	if strings.TrimLeftFunc(s, unicode.IsSpace) != s {
		w.separate(" ")
	}
	w.emit(w.sep)
	w.sep = ""
	w.emit(strings.Join(fields, " "))
	if strings.TrimRightFunc(s, unicode.IsSpace) != s {
		w.separate(" ")
	}
}

func (w *textWriter) emit(s string) {
	for _, r := range s {
		if w.full() {
			return
		}
		w.b.WriteRune(r)
		w.n++
	}
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func isHidden(n *html.Node) bool {
	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "hidden":
			return true
		case "aria-hidden":
			if attr.Val == "true" {
				return true
			}
		case "style":
			style := strings.ReplaceAll(strings.ToLower(attr.Val), " ", "")
			if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
				return true
			}
		}
	}
	return false
}

// isSkippedElement returns true for elements that never contribute text
func isSkippedElement(tagName string) bool {
	switch tagName {
	case "script", "style", "noscript", "template", "iframe", "object", "embed", "svg", "canvas", "head":
		return true
	}
	return false
}

// isBlockElement returns true for elements rendered on their own line
func isBlockElement(tagName string) bool {
	switch tagName {
	case "div", "p", "section", "article", "header", "footer", "nav", "main", "aside",
		"h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "dl", "dt", "dd",
		"table", "thead", "tbody", "tr", "td", "th", "form", "fieldset",
		"blockquote", "pre", "hr", "figure", "figcaption":
		return true
	}
	return false
}
