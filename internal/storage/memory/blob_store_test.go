package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectKeepsPrivateCopy(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("data: {\"type\":\"complete\"}\n")
	uri, err := store.PutObject(context.Background(), "transcripts/abc.ndjson", "application/x-ndjson", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://transcripts/abc.ndjson", uri)
	require.Equal(t, "application/x-ndjson", store.ContentType("transcripts/abc.ndjson"))

	payload[0] = 'D'
	stored, ok := store.Object("transcripts/abc.ndjson")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(string(stored), "data:"))

	stored[0] = 'X'
	again, _ := store.Object("transcripts/abc.ndjson")
	require.Equal(t, byte('d'), again[0])
}

func TestBlobStoreOverwritesPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	_, err := store.PutObject(ctx, "a", "", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = store.PutObject(ctx, "a", "", strings.NewReader("second"))
	require.NoError(t, err)

	got, ok := store.Object("a")
	require.True(t, ok)
	require.Equal(t, "second", string(got))
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreRejectsInvalidWrites(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.PutObject(ctx, "late", "", strings.NewReader("x"))
	require.ErrorIs(t, err, context.Canceled)

	_, ok := store.Object("late")
	require.False(t, ok)
	require.Zero(t, store.Len())
}
