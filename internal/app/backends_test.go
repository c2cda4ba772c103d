package app

import (
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radif/fileservice/internal/config"
	"github.com/radif/fileservice/internal/storage"
)

func TestBackendsLocal(t *testing.T) {
	cfg := &config.Config{UploadDir: t.TempDir(), MediaRoot: "files/media"}

	backends, err := Backends(context.Background(), cfg, []string{"local", "local"}, log.New(io.Discard))
	require.NoError(t, err)
	require.Len(t, backends, 1)
	assert.Equal(t, storage.KindLocal, backends[0].Kind())
}

func TestBackendsRejectsUnknownKind(t *testing.T) {
	cfg := &config.Config{UploadDir: t.TempDir(), MediaRoot: "files/media"}

	_, err := Backends(context.Background(), cfg, []string{"local", "tape"}, log.New(io.Discard))
	assert.ErrorContains(t, err, "tape")

	_, err = Backends(context.Background(), cfg, nil, log.New(io.Discard))
	assert.Error(t, err)
}
