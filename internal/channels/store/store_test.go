package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tibellium/vidcdm/internal/channels"
)

func TestSaveAndLoadSourceRoundTrips(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	expiresAt := int64(1999999999)
	entries := []channels.ChannelEntry{
		{ID: channels.ChannelID{Source: "src", ID: "1"}, Name: "One"},
		{ID: channels.ChannelID{Source: "src", ID: "2"}, Name: "Two"},
	}
	require.NoError(t, s.SaveSource(ctx, "src", entries, &expiresAt))

	loaded, loadedExpiresAt, err := s.LoadSource(ctx, "src")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.NotNil(t, loadedExpiresAt)
	require.Equal(t, expiresAt, *loadedExpiresAt)
}

func TestRestorePopulatesRegistry(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	entries := []channels.ChannelEntry{
		{ID: channels.ChannelID{Source: "src", ID: "1"}, Name: "One"},
	}
	require.NoError(t, s.SaveSource(ctx, "src", entries, nil))

	reg := channels.NewRegistry()
	require.NoError(t, s.Restore(ctx, reg))

	entry, err := reg.Get(channels.ChannelID{Source: "src", ID: "1"})
	require.NoError(t, err)
	require.Equal(t, "One", entry.Name)

	state, ok := reg.SourceState("src")
	require.True(t, ok)
	require.Equal(t, channels.SourceReady, state)
}

func TestLoadSourceMissingReturnsEmpty(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	entries, expiresAt, err := s.LoadSource(context.Background(), "unknown")
	require.NoError(t, err)
	require.Nil(t, entries)
	require.Nil(t, expiresAt)
}
