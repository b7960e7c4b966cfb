package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "archive", Prefix: "/wiki-circuit/"})
	require.NoError(t, err)
	require.Equal(t, "wiki-circuit/results/Go.json", store.ObjectName("/results/Go.json"))
	require.NoError(t, store.Close(), "borrowed clients are not closed")

	bare, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	require.Equal(t, "results/Go.json", bare.ObjectName("results/Go.json"))
}
