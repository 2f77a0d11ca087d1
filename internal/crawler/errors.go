package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

var (
	// ErrNotFound is returned when a digest or entry is unknown.
	ErrNotFound = errors.New("not found")
	// ErrPolicyLocked is returned when a policy change is attempted after the job started.
	ErrPolicyLocked = errors.New("domain policy is locked once the job has started")
	// ErrFrontierClosed is returned by operations on a closed frontier.
	ErrFrontierClosed = errors.New("frontier closed")
	// ErrBodyTooLarge is returned when a response exceeds the fetcher's body limit.
	ErrBodyTooLarge = errors.New("response body exceeds size limit")
)

// NotFoundError names the missing digest.
type NotFoundError struct {
	Digest string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("content %s: not found", e.Digest)
}

// Unwrap lets errors.Is match ErrNotFound.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// RetryableFetchError marks a fetch failure worth retrying (network, timeout, 429, 5xx).
type RetryableFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *RetryableFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("retryable fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("retryable fetch %s: %v", e.URL, e.Err)
}

func (e *RetryableFetchError) Unwrap() error {
	return e.Err
}

// TerminalFetchError marks a fetch failure that will never succeed (4xx, bad URL, unknown host).
type TerminalFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TerminalFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("terminal fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("terminal fetch %s: %v", e.URL, e.Err)
}

func (e *TerminalFetchError) Unwrap() error {
	return e.Err
}

// ParseError reports content that could not be parsed for links.
// The capture itself is still valid.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// StorageError wraps a CAS, catalog or frontier backend failure.
// Transient failures are retried; others halt the job.
type StorageError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err, inferring transience from context and network errors.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Transient: isTransient(err), Err: err}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsFatalStorage reports whether err is a non-transient storage failure.
func IsFatalStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && !se.Transient
}

// ClassifyStatus maps an HTTP status to a fetch error, or nil for 2xx/3xx.
func ClassifyStatus(rawURL string, status int) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return &RetryableFetchError{URL: rawURL, StatusCode: status}
	case status >= 500:
		return &RetryableFetchError{URL: rawURL, StatusCode: status}
	case status >= 400:
		return &TerminalFetchError{URL: rawURL, StatusCode: status}
	default:
		return nil
	}
}

// ClassifyFetchError turns a fetcher error plus status into a typed fetch error.
// Errors already typed are returned unchanged.
func ClassifyFetchError(rawURL string, status int, err error) error {
	if err == nil {
		return ClassifyStatus(rawURL, status)
	}
	var retryable *RetryableFetchError
	var terminal *TerminalFetchError
	if errors.As(err, &retryable) || errors.As(err, &terminal) {
		return err
	}
	if status != 0 {
		if classified := ClassifyStatus(rawURL, status); classified != nil {
			return classified
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return &TerminalFetchError{URL: rawURL, Err: err}
		}
		return &RetryableFetchError{URL: rawURL, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return &TerminalFetchError{URL: rawURL, Err: err}
	}
	if errors.Is(err, ErrUnsupportedScheme) || errors.Is(err, ErrMissingHost) || errors.Is(err, ErrBodyTooLarge) {
		return &TerminalFetchError{URL: rawURL, Err: err}
	}
	return &RetryableFetchError{URL: rawURL, Err: err}
}

// IsRetryable reports whether err is a RetryableFetchError or transient storage error.
func IsRetryable(err error) bool {
	var retryable *RetryableFetchError
	if errors.As(err, &retryable) {
		return true
	}
	var se *StorageError
	return errors.As(err, &se) && se.Transient
}
