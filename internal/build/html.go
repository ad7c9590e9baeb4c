package build

import (
	"bytes"
	"regexp"
	"strings"
)

// MinimalFallbackDocument is written by non-strict builds whose source has no
// index.html.
const MinimalFallbackDocument = `<!doctype html>
<html lang="en">
	<head>
		<meta charset="utf-8" />
		<meta name="viewport" content="width=device-width, initial-scale=1" />
	</head>
	<body>
		<div id="app"></div>
	</body>
</html>
`

var (
	linkTag   = regexp.MustCompile(`(?is)<link\b[^>]*>`)
	relStyle  = regexp.MustCompile(`(?i)\brel\s*=\s*["']?stylesheet["']?`)
	hrefAttr  = regexp.MustCompile(`(?i)\bhref\s*=\s*["']?([^"'\s>]+)`)
	headOpen  = regexp.MustCompile(`(?i)<head\b[^>]*>`)
	styleEnds = strings.NewReplacer("</style", `<\/style`)
)

// inlineStylesheets replaces <link rel="stylesheet"> tags whose target is
// smaller than limit with a <style> element holding the resolved CSS.
// lookup returns the emitted CSS for a root-relative href.
func inlineStylesheets(doc []byte, limit int, lookup func(href string) ([]byte, bool)) ([]byte, []string) {
	var inlined []string
	out := linkTag.ReplaceAllFunc(doc, func(tag []byte) []byte {
		if !relStyle.Match(tag) {
			return tag
		}
		m := hrefAttr.FindSubmatch(tag)
		if m == nil {
			return tag
		}
		href := string(m[1])
		css, ok := lookup(href)
		if !ok || len(css) >= limit {
			return tag
		}
		inlined = append(inlined, href)
		return []byte("<style>" + styleEnds.Replace(string(css)) + "</style>")
	})
	return out, inlined
}

// injectHeadTag inserts tag right after the opening <head>, or at the top of
// the document when it has none.
func injectHeadTag(doc []byte, tag string) []byte {
	loc := headOpen.FindIndex(doc)
	if loc == nil {
		return append([]byte(tag+"\n"), doc...)
	}
	var b bytes.Buffer
	b.Grow(len(doc) + len(tag) + 1)
	b.Write(doc[:loc[1]])
	b.WriteString("\n\t\t" + tag)
	b.Write(doc[loc[1]:])
	return b.Bytes()
}
