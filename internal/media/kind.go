// Package media defines the closed set of media kinds shared across the
// cache, extractor, transcoder, and uploader.
package media

import "fmt"

// Kind is the closed sum type for a cached or in-flight media item. The
// source system carried this as a free-form string; here it's a validated
// enum so a typo can't silently create a new "kind" at the persistence
// boundary.
type Kind string

const (
	Photo    Kind = "photo"
	Video    Kind = "video"
	Audio    Kind = "audio"
	Carousel Kind = "carousel"
)

// Valid reports whether k is one of the four known kinds.
func (k Kind) Valid() bool {
	switch k {
	case Photo, Video, Audio, Carousel:
		return true
	default:
		return false
	}
}

// ParseKind validates a string against the closed set, returning an error
// for anything else instead of silently accepting it.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("media: unrecognized kind %q", s)
	}
	return k, nil
}

// KindFromExtension classifies a file by its extension, matching the
// source's extension-based dispatch (photo/audio/video).
func KindFromExtension(ext string) Kind {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return Photo
	case ".mp3", ".ogg", ".m4a", ".wav", ".flac", ".opus":
		return Audio
	default:
		return Video
	}
}

// CoerceForCount returns the effective kind for a cache row given how many
// transport ids back it: per the invariant in spec.md §3, more than one id
// always means a carousel even if every item happens to share one kind.
func CoerceForCount(k Kind, n int) Kind {
	if n > 1 {
		return Carousel
	}
	return k
}
