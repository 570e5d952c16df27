package segments

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendEvictsOldestSegmentWhenFull(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, 3)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Append([]byte("data"), 2*time.Second))
	}

	require.Equal(t, 3, m.SegmentCount())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var segmentFiles int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".m4s" {
			segmentFiles++
		}
	}
	require.Equal(t, 3, segmentFiles, "only the live window's segments should remain on disk")
}

func TestPlaylistReflectsMediaSequence(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, 2)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Append([]byte("x"), time.Second))
	}

	playlist, err := m.Playlist()
	require.NoError(t, err)
	require.Contains(t, string(playlist), "#EXT-X-MEDIA-SEQUENCE:2")
	require.Contains(t, string(playlist), "segment-00000002.m4s")
	require.Contains(t, string(playlist), "segment-00000003.m4s")
	require.NotContains(t, string(playlist), "segment-00000000.m4s")
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	_, err := New(t.TempDir(), 0)
	require.Error(t, err)
}
