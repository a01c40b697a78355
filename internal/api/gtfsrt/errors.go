package gtfsrt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// FeedErrorKind classifies why a feed could not be fetched.
type FeedErrorKind string

const (
	FeedNotFound     FeedErrorKind = "not_found"
	FeedForbidden    FeedErrorKind = "forbidden"
	FeedServerError  FeedErrorKind = "server_error"
	FeedTimeout      FeedErrorKind = "timeout"
	FeedNoConnection FeedErrorKind = "no_connection"
	FeedFailure      FeedErrorKind = "failure"
)

// FeedError reports a transport or HTTP failure for one feed.
type FeedError struct {
	Kind   FeedErrorKind
	Feed   string
	URL    string
	Status int
	Err    error
}

func (e *FeedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("feed %s: %s (status %d) fetching %s", e.Feed, e.Kind, e.Status, e.URL)
	}
	if e.Err != nil {
		return fmt.Sprintf("feed %s: %s fetching %s: %v", e.Feed, e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("feed %s: %s fetching %s", e.Feed, e.Kind, e.URL)
}

func (e *FeedError) Unwrap() error { return e.Err }

// DecodeError reports a payload that was fetched but is not a usable
// feed message: an empty body, the wrong content type, or malformed
// protobuf bytes.
type DecodeError struct {
	Feed   string
	URL    string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("feed %s: %s from %s: %v", e.Feed, e.Reason, e.URL, e.Err)
	}
	return fmt.Sprintf("feed %s: %s from %s", e.Feed, e.Reason, e.URL)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func classifyStatus(status int) FeedErrorKind {
	switch {
	case status == http.StatusNotFound:
		return FeedNotFound
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return FeedForbidden
	case status >= 500:
		return FeedServerError
	default:
		return FeedFailure
	}
}

func classifyTransport(err error) FeedErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FeedTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FeedTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FeedNoConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FeedNoConnection
	}
	return FeedFailure
}
