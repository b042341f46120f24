package objectstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server with JetStream.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsServer, natsConnection
}

func newStore(t *testing.T) *objectstore.NatsObjectStore {
	t.Helper()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "videos")
	require.NoError(t, err)

	return store
}

func TestNatsObjectStore_UploadDownloadDelete(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "clip.mp4", []byte("video bytes")))

	data, err := store.Download(ctx, "clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, []byte("video bytes"), data)

	require.NoError(t, store.Delete(ctx, "clip.mp4"))
	require.NoError(t, store.Delete(ctx, "clip.mp4"), "deleting twice is not an error")

	_, err = store.Download(ctx, "clip.mp4")
	require.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}

func TestNatsObjectStore_Files(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	source := filepath.Join(dir, "source.mp4")
	require.NoError(t, os.WriteFile(source, []byte("streamed video"), 0o600))
	require.NoError(t, store.UploadFile(ctx, "narrated.mp4", source))

	target := filepath.Join(dir, "copy.mp4")
	require.NoError(t, store.DownloadFile(ctx, "narrated.mp4", target))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "streamed video", string(data))

	missing := filepath.Join(dir, "missing.mp4")
	require.ErrorIs(t, store.DownloadFile(ctx, "nope.mp4", missing), objectstore.ErrObjectNotFound)
	assert.NoFileExists(t, missing)
}

func TestNew_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	_, natsConnection := StartTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "shared")
	require.NoError(t, err)
	require.NoError(t, first.Upload(context.Background(), "k", []byte("v")))

	second, err := objectstore.New(jetstreamContext, "shared")
	require.NoError(t, err)
	assert.Equal(t, "shared", second.Bucket())

	data, err := second.Download(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}
