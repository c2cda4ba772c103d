package mirror

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radif/fileservice/internal/storage"
)

func newLocal(t *testing.T) *storage.LocalStorage {
	t.Helper()
	s, err := storage.NewLocalStorage(afero.NewMemMapFs(), "/data", "files/media")
	require.NoError(t, err)
	return s
}

func TestPoolCopiesUnderSameName(t *testing.T) {
	source, target := newLocal(t), newLocal(t)
	content := bytes.Repeat([]byte("mirror"), 5000)
	info, err := source.UploadFile(context.Background(), storage.Source{Reader: bytes.NewReader(content), Filename: "doc.txt"})
	require.NoError(t, err)

	p := NewPool(source, target, 2, 4, log.New(io.Discard))
	require.NoError(t, p.Enqueue(Job{StorageFilename: info.StorageFilename()}))
	require.NoError(t, p.Close(context.Background()))

	obj, err := target.GetFile(context.Background(), info.StorageFilename())
	require.NoError(t, err)
	defer obj.Close()
	got, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPoolFailureDoesNotStopWorkers(t *testing.T) {
	source, target := newLocal(t), newLocal(t)
	info, err := source.UploadFile(context.Background(), storage.Source{Reader: bytes.NewReader([]byte("ok")), Filename: "ok.txt"})
	require.NoError(t, err)

	p := NewPool(source, target, 1, 4, log.New(io.Discard))
	require.NoError(t, p.Enqueue(Job{StorageFilename: "2b0e8d52-5a57-4b0c-9a7c-1d9f7e0e8a11.txt"}))
	require.NoError(t, p.Enqueue(Job{StorageFilename: info.StorageFilename()}))
	require.NoError(t, p.Close(context.Background()))

	obj, err := target.GetFile(context.Background(), info.StorageFilename())
	require.NoError(t, err)
	assert.NoError(t, obj.Close())
}

// blockingSource holds every GetFile call until release is closed or the
// context ends.
type blockingSource struct {
	storage.Backend
	started chan string
	release chan struct{}
}

func (b *blockingSource) Kind() storage.Kind { return storage.KindLocal }

func (b *blockingSource) GetFile(ctx context.Context, p string) (storage.Object, error) {
	b.started <- p
	select {
	case <-b.release:
		return nil, storage.ErrFileNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPoolEnqueueNeverBlocks(t *testing.T) {
	src := &blockingSource{started: make(chan string, 8), release: make(chan struct{})}
	p := NewPool(src, newLocal(t), 1, 1, log.New(io.Discard))

	require.NoError(t, p.Enqueue(Job{StorageFilename: "a"}))
	select {
	case <-src.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up the first job")
	}

	require.NoError(t, p.Enqueue(Job{StorageFilename: "b"}))
	assert.ErrorIs(t, p.Enqueue(Job{StorageFilename: "c"}), ErrQueueFull)

	close(src.release)
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Enqueue(Job{StorageFilename: "d"}), ErrClosed)
}

func TestPoolCloseGivesUpAtDeadline(t *testing.T) {
	src := &blockingSource{started: make(chan string, 8), release: make(chan struct{})}
	p := NewPool(src, newLocal(t), 1, 4, log.New(io.Discard))
	require.NoError(t, p.Enqueue(Job{StorageFilename: "stuck"}))
	<-src.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
}
