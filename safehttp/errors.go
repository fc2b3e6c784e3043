package safehttp

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies why a fetch failed.
type Kind string

const (
	KindSSRFRejected     Kind = "ssrf_rejected"
	KindTimeout          Kind = "timeout"
	KindTooLarge         Kind = "too_large"
	KindTooManyRedirects Kind = "too_many_redirects"
	KindNetwork          Kind = "network"
)

// Error is returned for every failed fetch. Compare with errors.Is against
// the Err* sentinels, or read Kind directly.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

var (
	ErrSSRFRejected     = &Error{Kind: KindSSRFRejected}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrTooLarge         = &Error{Kind: KindTooLarge}
	ErrTooManyRedirects = &Error{Kind: KindTooManyRedirects}
	ErrNetwork          = &Error{Kind: KindNetwork}
)

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.URL != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.URL)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout)
// works regardless of URL or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err did not come from this
// package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func rejected(format string, args ...any) *Error {
	return &Error{Kind: KindSSRFRejected, Err: fmt.Errorf(format, args...)}
}

// classify turns a transport error into an *Error, keeping any *Error already
// present in the chain.
func classify(rawURL string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		if e.URL == "" {
			return &Error{Kind: e.Kind, URL: rawURL, Err: e.Err}
		}
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	return &Error{Kind: KindNetwork, URL: rawURL, Err: err}
}
