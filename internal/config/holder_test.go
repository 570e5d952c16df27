package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHolderReloadSwapsValidConfig(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "output_dir: /data/one\n")

	h, err := NewHolder(path)
	require.NoError(t, err)
	require.Equal(t, "/data/one", h.Get().OutputDir)

	require.NoError(t, os.WriteFile(path, []byte("output_dir: /data/two\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))
	require.Equal(t, "/data/two", h.Get().OutputDir)
}

func TestHolderReloadKeepsPreviousConfigOnValidationFailure(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "output_dir: /data/one\n")

	h, err := NewHolder(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("segment_capacity: 0\n"), 0o600))
	require.Error(t, h.Reload(context.Background()))
	require.Equal(t, "/data/one", h.Get().OutputDir)
}

func TestHolderWatchReloadsOnFileWrite(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "output_dir: /data/one\n")

	h, err := NewHolder(path)
	require.NoError(t, err)
	defer h.Stop()

	ch := make(chan *FileConfig, 1)
	h.RegisterListener(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte("output_dir: /data/watched\n"), 0o600))

	select {
	case cfg := <-ch:
		require.Equal(t, "/data/watched", cfg.OutputDir)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watcher-triggered reload")
	}
}
