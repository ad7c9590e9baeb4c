// Package devkit embeds the placeholder page the dev server shows when no
// build output is available.
package devkit

import "embed"

// WebFS holds web/placeholder.
//
//go:embed web/placeholder
var WebFS embed.FS

// PlaceholderDir is the WebFS directory holding the placeholder index.html.
const PlaceholderDir = "web/placeholder"
