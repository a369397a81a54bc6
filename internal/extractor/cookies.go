package extractor

import (
	"os"
	"path/filepath"
	"sync"
)

// Cookie file keys, matched by host family (spec.md §4.C "cookie files are
// re-read from disk on every call; a rotated file takes effect on the very
// next extraction").
const (
	longVideoCookieKey   = "long_video"
	socialPhotoCookieKey = "social_photo"
	shortVideoCookieKey  = "short_video"
)

// CookieResolver maps a cookie key to the path of its backing file under a
// directory, without caching file contents: every Resolve call re-stats the
// file so an operator rotating cookies never has to restart the process.
type CookieResolver struct {
	dir string
	mu  sync.Mutex
}

// NewCookieResolver returns a resolver rooted at dir. Files are expected to
// be named "<key>.txt" in Netscape cookie-jar format.
func NewCookieResolver(dir string) *CookieResolver {
	return &CookieResolver{dir: dir}
}

// Resolve returns the path to key's cookie file if it currently exists on
// disk, or "" if it doesn't (meaning: proceed without credentials).
func (c *CookieResolver) Resolve(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.dir, key+".txt")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
