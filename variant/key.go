package variant

import (
	"fmt"
	"sort"
	"strconv"
)

// Key is the cache addressing unit for one derivative: which original,
// at which width bucket, in which output format. Two requests carrying
// the same key always resolve to the same artifact.
type Key struct {
	OriginalID string
	Width      int
	Format     Format
}

// String returns the canonical form "{format}/{original_id}/{width}".
// It is used as the generation registry key, the index primary key and
// the logging identifier, and matches the storage path order.
func (k Key) String() string {
	return string(k.Format) + "/" + k.OriginalID + "/" + strconv.Itoa(k.Width)
}

// Resolver maps requested widths onto the configured bucket ladder,
// applying the downgrade and never-upscale rules.
type Resolver struct {
	// buckets is sorted widest first.
	buckets []int
}

// NewResolver returns a resolver over the given width buckets.
// The slice is copied and sorted widest first; it must not be empty.
func NewResolver(buckets []int) Resolver {
	bs := make([]int, len(buckets))
	copy(bs, buckets)
	sort.Sort(sort.Reverse(sort.IntSlice(bs)))
	return Resolver{buckets: bs}
}

// Buckets returns the configured ladder, widest first.
func (r Resolver) Buckets() []int {
	bs := make([]int, len(r.buckets))
	copy(bs, r.buckets)
	return bs
}

// Resolve returns the canonical key for a request against an original
// of the given native width. A zero or negative requestedWidth selects
// the widest bucket. A width between buckets downgrades to the nearest
// lower bucket; a width below the smallest bucket is a ValidationError.
// The chosen bucket is then capped to the largest bucket not exceeding
// the native width, so the same key always names the same artifact and
// nothing is ever upscaled. Originals narrower than every bucket keep
// the smallest bucket as their key; the engine emits them at native
// size.
func (r Resolver) Resolve(originalID string, nativeWidth, requestedWidth int, format Format) (Key, error) {
	bucket := 0
	if requestedWidth <= 0 {
		bucket = r.buckets[0]
	} else {
		for _, b := range r.buckets {
			if b <= requestedWidth {
				bucket = b
				break
			}
		}
		if bucket == 0 {
			return Key{}, &ValidationError{
				Field:  "width",
				Reason: fmt.Sprintf("%d is below the smallest supported width %d", requestedWidth, r.buckets[len(r.buckets)-1]),
			}
		}
	}
	if capped := r.cap(nativeWidth); bucket > capped {
		bucket = capped
	}
	return Key{OriginalID: originalID, Width: bucket, Format: format}, nil
}

// Ladder returns the buckets an original of the given native width can
// be served at, widest first. It applies the same cap as Resolve, so
// every returned bucket is a resolvable key width.
func (r Resolver) Ladder(nativeWidth int) []int {
	widths := make([]int, 0, len(r.buckets))
	for _, b := range r.buckets {
		if b <= r.cap(nativeWidth) {
			widths = append(widths, b)
		}
	}
	return widths
}

// cap returns the largest bucket not exceeding the native width, or the
// smallest bucket if the native width is below all of them.
func (r Resolver) cap(nativeWidth int) int {
	for _, b := range r.buckets {
		if b <= nativeWidth {
			return b
		}
	}
	return r.buckets[len(r.buckets)-1]
}
