// Package resolver orchestrates channel discovery and stream-info
// resolution on top of a channels.Registry and an external Scraper,
// implementing the coalescing contract that lets many concurrent playback
// requests for the same channel share one resolution instead of hammering
// the upstream source.
package resolver

import (
	"context"
	"time"

	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/log"
	"github.com/tibellium/vidcdm/internal/metrics"
)

// ContentWaitTimeout is how long a caller that lost the resolution race
// waits for the winner's outcome before giving up.
const ContentWaitTimeout = 120 * time.Second

// Resolver is the high-level orchestrator described by ensure_stream_info:
// it decides when discovery or metadata needs a refresh, and coalesces
// concurrent stream-info requests for the same channel through the
// registry's try_mark_resolving primitive.
type Resolver struct {
	registry *channels.Registry
	scraper  Scraper

	contentWaitTimeout time.Duration
}

// Option customizes a Resolver at construction time.
type Option func(*Resolver)

// WithContentWaitTimeout overrides the default 120s content-wait timeout.
func WithContentWaitTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.contentWaitTimeout = d }
}

// New builds a Resolver over registry and scraper.
func New(registry *channels.Registry, scraper Scraper, opts ...Option) *Resolver {
	r := &Resolver{
		registry:           registry,
		scraper:            scraper,
		contentWaitTimeout: ContentWaitTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunInitialDiscovery marks source Loading, drives the scraper's full
// discovery phase, and registers the result. On failure the source is
// marked Failed and the error is returned unchanged.
func (r *Resolver) RunInitialDiscovery(ctx context.Context, source, manifest string) error {
	r.registry.MarkSourceLoading(source)

	result, err := r.scraper.Discover(ctx, source, manifest)
	if err != nil {
		r.registry.MarkSourceFailed(source, err)
		log.WithComponent("resolver").Warn().
			Str("source", source).Err(err).Msg("initial discovery failed")
		return err
	}

	r.registry.RegisterSource(source, result.Entries, result.DiscoveryExpiry)
	return nil
}

// RefreshDiscoveryIfNeeded re-runs discovery only if the source's discovery
// result has expired. Returns whether a refresh was performed.
func (r *Resolver) RefreshDiscoveryIfNeeded(ctx context.Context, source, manifest string) (bool, error) {
	if !r.registry.IsDiscoveryExpired(source) {
		return false, nil
	}
	return true, r.RunInitialDiscovery(ctx, source, manifest)
}

// RefreshMetadataIfNeeded re-runs only the programme-schedule phase if the
// source's metadata has expired, updating schedules in place. On scraper
// failure the existing schedules are left untouched.
func (r *Resolver) RefreshMetadataIfNeeded(ctx context.Context, source string) (bool, error) {
	if !r.registry.IsMetadataExpired(source) {
		return false, nil
	}

	result, err := r.scraper.RefreshMetadata(ctx, source)
	if err != nil {
		log.WithComponent("resolver").Warn().
			Str("source", source).Err(err).Msg("metadata refresh failed, keeping existing data")
		return true, err
	}

	for _, entry := range r.registry.ListBySource(source) {
		schedule, ok := result.Schedules[entry.ID.ID]
		if !ok {
			continue
		}
		_ = r.registry.UpdateSchedule(entry.ID, schedule)
	}
	r.registry.SetMetadataExpiresAt(source, result.MetadataExpiry)
	return true, nil
}

// EnsureStreamInfo is the central contract: return a live, unexpired
// StreamInfo for id, resolving it via the scraper's content phase if
// necessary, and coalescing concurrent callers for the same channel onto a
// single resolution.
func (r *Resolver) EnsureStreamInfo(ctx context.Context, id channels.ChannelID) (channels.StreamInfo, error) {
	if err := r.requireSourceReady(id.Source); err != nil {
		return channels.StreamInfo{}, err
	}

	entry, err := r.registry.Get(id)
	if err != nil {
		return channels.StreamInfo{}, err
	}

	if !entry.IsLiveAt(time.Now().Unix()) {
		return channels.StreamInfo{}, errChannelNotCurrentlyLive()
	}

	if entry.StreamInfo != nil && !r.registry.IsStreamExpired(id) {
		return *entry.StreamInfo, nil
	}

	if entry.StreamInfo != nil {
		_ = r.registry.ResetChannelContentState(id)
	}

	won, err := r.registry.TryMarkResolving(id)
	if err != nil {
		return channels.StreamInfo{}, err
	}

	if won {
		return r.resolveContent(ctx, id)
	}

	metrics.ResolverCoalescedTotal.WithLabelValues(id.Source).Inc()
	return r.awaitWinner(ctx, id)
}

// requireSourceReady rejects a stream-info request outright when its
// source hasn't completed discovery, instead of falling through to a
// confusing "channel not found" once the registry is consulted.
func (r *Resolver) requireSourceReady(source string) error {
	state, ok := r.registry.SourceState(source)
	if !ok {
		return errSourceNotFound(source)
	}
	switch state {
	case channels.SourceFailed:
		return errSourceFailed(source, "discovery failed and has not been retried")
	case channels.SourceLoading:
		return errSourceLoading(source, "discovery has not completed yet")
	default:
		return nil
	}
}

func (r *Resolver) resolveContent(ctx context.Context, id channels.ChannelID) (channels.StreamInfo, error) {
	info, err := r.scraper.ResolveContent(ctx, id)
	if err != nil {
		_ = r.registry.SetError(id, err)
		_ = r.registry.MarkChannelFailed(id, err)
		return channels.StreamInfo{}, errContentResolutionFailed(err.Error())
	}
	if err := r.registry.MarkChannelResolved(id, info); err != nil {
		return channels.StreamInfo{}, err
	}
	return info, nil
}

func (r *Resolver) awaitWinner(ctx context.Context, id channels.ChannelID) (channels.StreamInfo, error) {
	state, ok := r.registry.WaitForChannelContent(ctx, id, r.contentWaitTimeout)
	if !ok {
		return channels.StreamInfo{}, errContentResolutionFailed("timed out waiting for concurrent resolution")
	}

	switch state {
	case channels.ContentResolved:
		entry, err := r.registry.Get(id)
		if err != nil {
			return channels.StreamInfo{}, err
		}
		if entry.StreamInfo == nil {
			return channels.StreamInfo{}, errContentResolutionFailed("resolved with no stream info")
		}
		return *entry.StreamInfo, nil
	case channels.ContentFailed:
		entry, _ := r.registry.Get(id)
		return channels.StreamInfo{}, errContentResolutionFailed(entry.LastError)
	default:
		return channels.StreamInfo{}, errContentResolutionFailed("unexpected content state after wait")
	}
}
