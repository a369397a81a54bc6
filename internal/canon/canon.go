// Package canon implements the URL canonicalizer (spec component A): it
// turns an arbitrary user-supplied URL into the stable cache key the rest
// of the system keys everything off of.
package canon

import (
	"net/url"
	"strings"
)

// hostFamily groups the supported hosts by the query-filtering rule that
// applies to them, matching spec.md §4.A and §6's host whitelist exactly.
type hostFamily int

const (
	familyUnknown hostFamily = iota
	familySocialPhoto
	familyShortVideo
	familyLongVideo
	familyAudio
)

// Host sets, mirroring original_source/bot.py's SUPPORTED_PLATFORMS and the
// per-host rules in normalize_url.
var socialPhotoHosts = map[string]bool{
	"instagram.com": true,
}

var shortVideoHosts = map[string]bool{
	"tiktok.com":    true,
	"vt.tiktok.com": true,
}

var longVideoHosts = map[string]bool{
	"youtube.com": true,
	"youtu.be":    true,
}

var audioHosts = map[string]bool{
	"soundcloud.com": true,
}

// longVideoAllowedQuery is the query-parameter whitelist for the
// long-video family (spec.md §4.A: "retain path plus whitelist
// {video-id, timestamp} queries").
var longVideoAllowedQuery = map[string]bool{
	"v": true,
	"t": true,
}

// carouselIndexParam is the single query parameter social-photo URLs are
// allowed to keep, used to index into a carousel.
const carouselIndexParam = "img_index"

// IsSupportedHost reports whether host (case-insensitively, ignoring a
// leading "www.") belongs to one of the platforms this system handles.
// Exactly the set named in spec.md §6.
func IsSupportedHost(host string) bool {
	return familyOf(host) != familyUnknown
}

// Host extracts and normalizes the host component of raw (lowercased,
// leading "www." stripped) for the pipeline's shape-check step (spec.md
// §4.G step 1). ok is false when raw doesn't parse to a usable host.
func Host(raw string) (host string, ok bool) {
	withScheme := ensureScheme(strings.TrimSpace(raw))
	u, err := url.Parse(withScheme)
	if err != nil || u.Host == "" {
		return "", false
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www."), true
}

func familyOf(host string) hostFamily {
	h := strings.TrimPrefix(strings.ToLower(host), "www.")
	switch {
	case socialPhotoHosts[h]:
		return familySocialPhoto
	case shortVideoHosts[h]:
		return familyShortVideo
	case longVideoHosts[h]:
		return familyLongVideo
	case audioHosts[h]:
		return familyAudio
	default:
		return familyUnknown
	}
}

// Canonicalize derives the canonical cache key for a user-supplied URL
// (spec.md §4.A). It never fails: on any parse error it falls back to the
// best-effort trimmed original, matching the source's bare "except" clause
// in normalize_url.
func Canonicalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}

	withScheme := ensureScheme(trimmed)

	u, err := url.Parse(withScheme)
	if err != nil || u.Host == "" {
		return strings.TrimRight(trimmed, " \t\r\n")
	}

	switch familyOf(u.Host) {
	case familySocialPhoto:
		return canonicalizeWithQuery(u, func(q url.Values) url.Values {
			kept := url.Values{}
			if v, ok := q[carouselIndexParam]; ok {
				kept[carouselIndexParam] = v
			}
			return kept
		})
	case familyShortVideo:
		return canonicalizeWithQuery(u, func(url.Values) url.Values {
			return url.Values{}
		})
	case familyLongVideo:
		return canonicalizeWithQuery(u, func(q url.Values) url.Values {
			kept := url.Values{}
			for k, v := range q {
				if longVideoAllowedQuery[k] {
					kept[k] = v
				}
			}
			return kept
		})
	case familyAudio:
		return canonicalizeWithQuery(u, func(url.Values) url.Values {
			return url.Values{}
		})
	default:
		// Any other host: scheme-complete and trim only.
		return trimTrailingSlash(withScheme)
	}
}

// canonicalizeWithQuery rebuilds u's path and query according to filter,
// dropping fragments and trailing slashes as spec.md §4.A requires for
// every known host family.
func canonicalizeWithQuery(u *url.URL, filter func(url.Values) url.Values) string {
	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		path = u.Path // preserve a bare "/" root
	}

	kept := filter(u.Query())

	out := url.URL{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     strings.ToLower(u.Host),
		Path:     path,
		RawQuery: kept.Encode(),
	}
	return out.String()
}

// ensureScheme prepends https:// when the input has none, matching
// spec.md §4.A ("Prepend https:// if no scheme").
func ensureScheme(s string) string {
	if strings.Contains(s, "://") {
		return s
	}
	return "https://" + s
}

func trimTrailingSlash(s string) string {
	if s == "" {
		return s
	}
	// Never trim the scheme-only "https://" itself or a bare root slash.
	if strings.HasSuffix(s, "://") {
		return s
	}
	trimmed := strings.TrimSuffix(s, "/")
	if trimmed == "" || strings.HasSuffix(trimmed, "://") {
		return s
	}
	return trimmed
}
