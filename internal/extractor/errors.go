package extractor

import (
	"errors"
	"strings"
)

// ErrorCode classifies an extraction failure (spec.md §7, §9 redesign
// flag). Adapters should return one of these directly where they can tell
// the failure mode structurally (e.g. a distinct exit code); keyword
// scraping via Classify is only a fallback for text an adapter couldn't
// tag.
type ErrorCode int

const (
	ErrGeneric ErrorCode = iota
	ErrRateLimited
	ErrAuthRequired
	ErrNoFormats
	ErrPhotoRedirect
	ErrTimeout
	ErrBotDetected
)

func (c ErrorCode) String() string {
	switch c {
	case ErrRateLimited:
		return "rate-limited"
	case ErrAuthRequired:
		return "auth-required"
	case ErrNoFormats:
		return "no-formats"
	case ErrPhotoRedirect:
		return "photo-redirect"
	case ErrTimeout:
		return "timeout"
	case ErrBotDetected:
		return "bot-detected"
	default:
		return "generic"
	}
}

// Error wraps an adapter failure with its classified code.
type Error struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Code.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds a classified Error.
func newError(code ErrorCode, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Err: cause}
}

// CodeOf returns the classified code of err, applying keyword scraping when
// err isn't already an *Error (spec.md §4.C, §9: "keyword scraping remains
// only as a fallback classifier for unknown errors").
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Classify(err.Error())
}

// Classify applies the keyword-matching fallback rules from
// original_source/downloader.py's exception-text dispatch.
func Classify(text string) ErrorCode {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "timeout", "timed out"):
		return ErrTimeout
	case containsAny(lower, "bot", "detect"):
		return ErrBotDetected
	case containsAny(lower, "login", "private", "unavailable", "403", "401", "cookie", "session", "access denied", "authentication"):
		return ErrAuthRequired
	case containsAny(lower, "/photo/"):
		return ErrPhotoRedirect
	case containsAny(lower, "no video formats", "no formats", "unable to download", "unsupported url"):
		return ErrNoFormats
	case containsAny(lower, "rate limit", "too many requests", "429"):
		return ErrRateLimited
	default:
		return ErrGeneric
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
