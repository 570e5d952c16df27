package keycache

import (
	"context"

	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/drm/types"
)

// Acquirer is the subset of pipeline.KeyAcquirer a CachingAcquirer wraps.
// Defined locally instead of imported to avoid a pipeline->keycache->pipeline
// import cycle; pipeline.KeyAcquirer satisfies it structurally.
type Acquirer interface {
	AcquireKeys(ctx context.Context, licenseURL string, psshData []byte, headers []channels.Header) ([]types.ContentKey, error)
}

// CachingAcquirer checks a Cache before delegating to an underlying
// Acquirer, and populates the cache on a successful license exchange, so a
// pipeline restart for a still-live channel can skip the license round trip
// entirely.
type CachingAcquirer struct {
	cache      *Cache
	channelKey string
	next       Acquirer
}

// NewCachingAcquirer wraps next with a cache lookup keyed on channelKey
// (typically a channels.ChannelID.String()).
func NewCachingAcquirer(cache *Cache, channelKey string, next Acquirer) *CachingAcquirer {
	return &CachingAcquirer{cache: cache, channelKey: channelKey, next: next}
}

// AcquireKeys implements pipeline.KeyAcquirer.
func (a *CachingAcquirer) AcquireKeys(ctx context.Context, licenseURL string, psshData []byte, headers []channels.Header) ([]types.ContentKey, error) {
	if keys, ok := a.cache.Get(a.channelKey); ok {
		return keys, nil
	}

	keys, err := a.next.AcquireKeys(ctx, licenseURL, psshData, headers)
	if err != nil {
		return nil, err
	}

	_ = a.cache.Put(a.channelKey, keys)
	return keys, nil
}
