package telegram

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

// Telegram's sendMessage HTML mode accepts only a small tag set
// (b, i, u, s, a, code, pre, blockquote and a few aliases). Goldmark
// output is rewritten into that subset; anything else is stripped.
var (
	htmlHeading   = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	htmlParagraph = regexp.MustCompile(`(?s)<p[^>]*>(.*?)</p>`)
	htmlListItem  = regexp.MustCompile(`(?s)<li[^>]*>(.*?)</li>`)
	htmlListWrap  = regexp.MustCompile(`</?[ou]l[^>]*>\n?`)
	htmlBreak     = regexp.MustCompile(`<br\s*/?>`)
	htmlHrule     = regexp.MustCompile(`<hr\s*/?>\n?`)
	htmlLeftover  = regexp.MustCompile(`</?(?:div|span|table|thead|tbody|tr|th|td|img|input)[^>]*>`)
	htmlCodeClass = regexp.MustCompile(`<code class="[^"]*">`)
	htmlComment   = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlAnyTag    = regexp.MustCompile(`<[^>]+>`)
)

// RenderHTML converts a markdown reply into Telegram-compatible HTML.
// If conversion fails the input is returned unchanged so the reply can
// still go out as plain text.
func RenderHTML(md string) (string, bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return md, false
	}

	s := buf.String()
	s = htmlHeading.ReplaceAllString(s, "<b>$1</b>\n")
	s = htmlListItem.ReplaceAllString(s, "• $1\n")
	s = htmlListWrap.ReplaceAllString(s, "")
	s = htmlParagraph.ReplaceAllString(s, "$1\n\n")
	s = htmlBreak.ReplaceAllString(s, "\n")
	s = htmlHrule.ReplaceAllString(s, "")
	s = htmlLeftover.ReplaceAllString(s, "")
	s = htmlComment.ReplaceAllString(s, "")

	// goldmark tags fenced code as <pre><code class="language-x">;
	// Telegram wants the class gone but keeps the nesting.
	s = htmlCodeClass.ReplaceAllString(s, "<code>")

	s = strings.TrimSpace(s)
	return s, true
}

// PlainText strips all HTML tags from rendered output, for the
// fallback send when Telegram rejects the HTML variant.
func PlainText(html string) string {
	s := htmlAnyTag.ReplaceAllString(html, "")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&amp;", "&")
	return strings.TrimSpace(s)
}
