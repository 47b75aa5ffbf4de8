package imagemill

import (
	"github.com/image-mill/image-mill/generate"
)

// Cache-Status response header values per RFC 9211. The reverse proxy
// in front appends its own entry for proxy-level hits; the entry here
// records what the mill did with a forwarded miss.
const (
	cacheStatusHit       = "Image-Mill; hit"
	cacheStatusStored    = "Image-Mill; fwd=uri-miss; stored"
	cacheStatusCollapsed = "Image-Mill; fwd=uri-miss; collapsed"
	cacheStatusDegraded  = "Image-Mill; fwd=uri-miss; detail=degraded"
)

func cacheStatusFor(outcome generate.Outcome) string {
	switch outcome {
	case generate.OutcomeGenerated:
		return cacheStatusStored
	case generate.OutcomeJoined:
		return cacheStatusCollapsed
	default:
		return cacheStatusHit
	}
}
