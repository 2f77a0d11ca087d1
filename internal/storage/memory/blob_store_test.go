package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	created, err := store.PutObject(context.Background(), "ab/abc", "text/html", payload)
	require.NoError(t, err)
	require.True(t, created)

	payload[0] = 'X'
	got, err := store.GetObject(context.Background(), "ab/abc")
	require.NoError(t, err)
	require.Equal(t, []byte("content"), got)
}

func TestBlobStoreFirstWriteWins(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	_, err := store.PutObject(ctx, "ab/abc", "", []byte("one"))
	require.NoError(t, err)
	created, err := store.PutObject(ctx, "ab/abc", "", []byte("two"))
	require.NoError(t, err)
	require.False(t, created)

	got, err := store.GetObject(ctx, "ab/abc")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreMissing(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ok, err := store.Exists(context.Background(), "zz/none")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.GetObject(context.Background(), "zz/none")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}
