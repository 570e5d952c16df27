package keycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/drm/types"
)

type fakeAcquirer struct {
	calls int
	keys  []types.ContentKey
	err   error
}

func (f *fakeAcquirer) AcquireKeys(ctx context.Context, licenseURL string, psshData []byte, headers []channels.Header) ([]types.ContentKey, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.keys, nil
}

func newTestKey(t *testing.T) types.ContentKey {
	kid := make([]byte, 16)
	kid[0] = 0x42
	key, err := types.NewContentKeyWithType(kid, []byte("0123456789abcdef"), types.Content)
	require.NoError(t, err)
	return key
}

func TestCachingAcquirerUsesCacheOnHitWithoutCallingNext(t *testing.T) {
	cache, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	key := newTestKey(t)
	require.NoError(t, cache.Put("src:1", []types.ContentKey{key}))

	next := &fakeAcquirer{}
	a := NewCachingAcquirer(cache, "src:1", next)

	keys, err := a.AcquireKeys(context.Background(), "http://unused", nil, nil)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.True(t, keys[0].Equal(key))
	require.Equal(t, 0, next.calls)
}

func TestCachingAcquirerPopulatesCacheOnMiss(t *testing.T) {
	cache, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	key := newTestKey(t)
	next := &fakeAcquirer{keys: []types.ContentKey{key}}
	a := NewCachingAcquirer(cache, "src:1", next)

	keys, err := a.AcquireKeys(context.Background(), "http://license", []byte("pssh"), nil)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, 1, next.calls)

	cached, ok := cache.Get("src:1")
	require.True(t, ok)
	require.Len(t, cached, 1)
	require.True(t, cached[0].Equal(key))
}

func TestCachingAcquirerPropagatesErrorWithoutCaching(t *testing.T) {
	cache, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	next := &fakeAcquirer{err: errors.New("license server unreachable")}
	a := NewCachingAcquirer(cache, "src:1", next)

	_, err = a.AcquireKeys(context.Background(), "http://license", []byte("pssh"), nil)
	require.Error(t, err)
	require.Equal(t, 1, next.calls)

	_, ok := cache.Get("src:1")
	require.False(t, ok)
}
