package variant

import (
	"fmt"
	"strings"
)

// Format identifies the output encoding of a derivative.
// It is a closed set: adding a member means teaching the transcode
// engine how to encode it and the storage layout where to put it.
type Format string

const (
	// FormatAVIF re-encodes the source as AVIF.
	FormatAVIF Format = "avif"
	// FormatWebP re-encodes the source as WebP.
	FormatWebP Format = "webp"
	// FormatOriginal keeps the source encoding, resized only.
	FormatOriginal Format = "original"
)

// Formats lists the supported output formats in preference order.
var Formats = []Format{FormatAVIF, FormatWebP, FormatOriginal}

// ParseFormat maps a request string onto the closed format set.
// Anything else is a ValidationError.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatAVIF:
		return FormatAVIF, nil
	case FormatWebP:
		return FormatWebP, nil
	case FormatOriginal:
		return FormatOriginal, nil
	}
	return "", &ValidationError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", s)}
}

// Ext returns the file extension for derivatives in this format.
// FormatOriginal keeps the extension of the source image, which the
// caller supplies.
func (f Format) Ext(originalExt string) string {
	switch f {
	case FormatAVIF:
		return "avif"
	case FormatWebP:
		return "webp"
	default:
		return originalExt
	}
}

// MIME returns the media type of derivative bytes in this format.
func (f Format) MIME(originalExt string) string {
	return MIMEForExt(f.Ext(originalExt))
}

// MIMEForExt maps a file extension to its image media type.
// Unknown extensions get the generic fallback, like http.ServeContent
// would sniff to.
func MIMEForExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "avif":
		return "image/avif"
	}
	return "application/octet-stream"
}

// ExtForMIME is the inverse of MIMEForExt for the types the engine can
// decode. The second return reports whether the type is supported as a
// source image.
func ExtForMIME(mime string) (string, bool) {
	switch strings.ToLower(mime) {
	case "image/jpeg":
		return "jpg", true
	case "image/png":
		return "png", true
	case "image/gif":
		return "gif", true
	case "image/webp":
		return "webp", true
	}
	return "", false
}

// ValidationError reports a request parameter that cannot resolve to a
// variant key. It maps to a 400 and is never cached.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
