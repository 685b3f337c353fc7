package tracking

import (
	_ "embed"
	"strings"
)

//go:embed pixel.js
var pixelTemplate string

// PixelScript renders the browser script for one tenant. apiBase is the
// absolute URL of the tracking API, without a trailing slash.
func PixelScript(pixelCode, apiBase string) string {
	return strings.NewReplacer(
		"__PIXEL_CODE__", jsEscape(pixelCode),
		"__API_BASE__", jsEscape(strings.TrimRight(apiBase, "/")),
	).Replace(pixelTemplate)
}

// jsEscape makes s safe inside a single-quoted JavaScript string
func jsEscape(s string) string {
	return strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		"\n", `\n`,
		"\r", `\r`,
		"<", `\x3c`,
		">", `\x3e`,
	).Replace(s)
}
