// ABOUTME: Markdown to HTML rendering for message content
// ABOUTME: Raw HTML in messages is dropped by the renderer, so output is safe to embed

package gateway

import (
	"bytes"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

func newMarkdown() goldmark.Markdown {
	return goldmark.New(goldmark.WithExtensions(extension.GFM))
}

// renderMarkdown converts message content to HTML. On failure the escaped
// text is returned in a paragraph.
func (g *Gateway) renderMarkdown(content string) string {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(content), &buf); err != nil {
		g.logger.Error("failed to convert markdown", "error", err)
		return "<p>" + html.EscapeString(content) + "</p>"
	}
	return buf.String()
}
