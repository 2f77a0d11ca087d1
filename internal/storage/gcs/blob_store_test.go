package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket", Prefix: "cas"})
	require.NoError(t, err)
	return store
}

func TestPutObjectCreates(t *testing.T) {
	t.Parallel()

	var uploads atomic.Int32
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
		assert.Equal(t, "cas/ab/abcdef", r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "payload")
		uploads.Add(1)
		fmt.Fprintln(w, `{"name":"cas/ab/abcdef","bucket":"test-bucket"}`)
	}))

	created, err := store.PutObject(context.Background(), "ab/abcdef", "text/html", []byte("payload"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int32(1), uploads.Load())
}

func TestPutObjectPreconditionMeansDuplicate(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error":{"code":412,"message":"At least one of the pre-conditions you specified did not hold."}}`)
	}))

	created, err := store.PutObject(context.Background(), "ab/abcdef", "text/html", []byte("payload"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestExistsMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error":{"code":404,"message":"No such object"}}`)
	}))

	ok, err := store.Exists(context.Background(), "ab/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck // test cleanup
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b", Prefix: "/cas/"})
	require.NoError(t, err)
	assert.Equal(t, "gs://b/cas/ab/abc", store.URI("ab/abc"))

	_, err = store.PutObject(context.Background(), " ", "", nil)
	require.Error(t, err)
}
