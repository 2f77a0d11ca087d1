package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	var retryable *RetryableFetchError
	var terminal *TerminalFetchError

	require.NoError(t, ClassifyStatus("u", http.StatusOK))
	require.NoError(t, ClassifyStatus("u", http.StatusMovedPermanently))
	require.ErrorAs(t, ClassifyStatus("u", http.StatusTooManyRequests), &retryable)
	require.ErrorAs(t, ClassifyStatus("u", http.StatusServiceUnavailable), &retryable)
	require.ErrorAs(t, ClassifyStatus("u", http.StatusInternalServerError), &retryable)
	require.ErrorAs(t, ClassifyStatus("u", http.StatusNotFound), &terminal)
	require.ErrorAs(t, ClassifyStatus("u", http.StatusForbidden), &terminal)
}

func TestClassifyFetchError(t *testing.T) {
	t.Parallel()

	var retryable *RetryableFetchError
	var terminal *TerminalFetchError

	dnsMissing := &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}
	require.ErrorAs(t, ClassifyFetchError("u", 0, dnsMissing), &terminal)

	dnsTemp := &net.DNSError{Err: "server misbehaving", Name: "example.com", IsTemporary: true}
	require.ErrorAs(t, ClassifyFetchError("u", 0, dnsTemp), &retryable)

	require.ErrorAs(t, ClassifyFetchError("u", 0, context.DeadlineExceeded), &retryable)
	require.ErrorAs(t, ClassifyFetchError("u", 0, errors.New("connection reset")), &retryable)
	require.ErrorAs(t, ClassifyFetchError("u", 404, errors.New("Not Found")), &terminal)
	require.ErrorAs(t, ClassifyFetchError("u", 0, fmt.Errorf("wrap: %w", ErrUnsupportedScheme)), &terminal)
	require.ErrorAs(t, ClassifyFetchError("u", 200, fmt.Errorf("%w: read 10 bytes", ErrBodyTooLarge)), &terminal)

	already := &TerminalFetchError{URL: "u", StatusCode: 410}
	assert.Same(t, already, ClassifyFetchError("u", 0, already))
}

func TestStorageErrorTransience(t *testing.T) {
	t.Parallel()

	fatal := NewStorageError("put", errors.New("disk full"))
	assert.False(t, fatal.Transient)
	assert.True(t, IsFatalStorage(fmt.Errorf("wrapped: %w", fatal)))
	assert.False(t, IsRetryable(fatal))

	transient := NewStorageError("put", context.DeadlineExceeded)
	assert.True(t, transient.Transient)
	assert.False(t, IsFatalStorage(transient))
	assert.True(t, IsRetryable(transient))
}

func TestNotFoundErrorIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("get: %w", &NotFoundError{Digest: "abc"})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "abc")
}
