// Package objectstore_test tests the NATS asset store.
package objectstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/book-expert/storybook-service/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func setupStore(t *testing.T) *objectstore.AssetStore {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-assets", time.Hour)
	require.NoError(t, err)

	return store
}

func TestAssetStore_UploadDownload(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	ctx := context.Background()
	key := "story-1/page-01.png"
	uploadData := []byte("not really a png")

	err := store.Upload(ctx, key, uploadData)
	require.NoError(t, err)

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)

	require.Equal(t, uploadData, downloadData)
}

func TestAssetStore_BindsToExistingBucket(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "shared", time.Hour)
	require.NoError(t, err)
	require.NoError(t, first.Upload(context.Background(), "k", []byte("v")))

	second, err := objectstore.New(jetstreamContext, "shared", time.Hour)
	require.NoError(t, err)

	data, err := second.Download(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}

func TestAssetStore_DeletePrefix(t *testing.T) {
	t.Parallel()

	store := setupStore(t)
	ctx := context.Background()

	removed, err := store.DeletePrefix(ctx, "story-1/")
	require.NoError(t, err)
	assert.Zero(t, removed)

	require.NoError(t, store.Upload(ctx, "story-1/page-01.png", []byte("a")))
	require.NoError(t, store.Upload(ctx, "story-1/page-02.png", []byte("b")))
	require.NoError(t, store.Upload(ctx, "story-2/page-01.png", []byte("c")))

	removed, err = store.DeletePrefix(ctx, "story-1/")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Download(ctx, "story-1/page-01.png")
	require.Error(t, err)

	data, err := store.Download(ctx, "story-2/page-01.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), data)
}
