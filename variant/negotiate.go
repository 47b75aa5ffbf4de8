package variant

import (
	"strconv"
	"strings"
)

// Negotiate selects the output format from the client's Accept header,
// preferring avif over webp over the original encoding. A missing
// header, or one naming no supported image type with a nonzero quality,
// keeps the original format. Wildcards like image/* do not opt a
// client into modern formats; only an explicit type does.
func Negotiate(accept string) Format {
	if accept == "" {
		return FormatOriginal
	}
	var avif, webp bool
	for _, item := range strings.Split(accept, ",") {
		mediaRange, q := parseMediaRange(item)
		if q <= 0 {
			continue
		}
		switch mediaRange {
		case "image/avif":
			avif = true
		case "image/webp":
			webp = true
		}
	}
	if avif {
		return FormatAVIF
	}
	if webp {
		return FormatWebP
	}
	return FormatOriginal
}

// parseMediaRange splits one Accept list item into its media range and
// quality value. A missing or unparseable q parameter counts as 1.
func parseMediaRange(item string) (string, float64) {
	parts := strings.Split(item, ";")
	mediaRange := strings.ToLower(strings.TrimSpace(parts[0]))
	q := 1.0
	for _, param := range parts[1:] {
		name, value, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "q") {
			continue
		}
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			q = parsed
		}
	}
	return mediaRange, q
}
