package resolver

import (
	"context"

	"github.com/tibellium/vidcdm/internal/channels"
)

// DiscoveryResult is what a Scraper's discovery phase produces for one
// source: the full channel list plus when that list should next be
// rediscovered.
type DiscoveryResult struct {
	Entries         []channels.ChannelEntry
	DiscoveryExpiry *int64
}

// MetadataResult is what a Scraper's metadata-only phase produces: updated
// programme schedules keyed by channel ID, plus when metadata should next
// be refreshed.
type MetadataResult struct {
	Schedules       map[string][]channels.Programme
	MetadataExpiry *int64
}

// Scraper is the external source of channel discovery, programme metadata,
// and per-channel stream resolution. Implementations talk to whatever
// upstream a given source actually is (IPTV playlist, web API, ...); the
// Resolver only ever sees this contract.
type Scraper interface {
	// Discover runs the full discovery phase for a source's manifest and
	// returns every channel it found.
	Discover(ctx context.Context, source, manifest string) (DiscoveryResult, error)

	// RefreshMetadata re-runs only the programme-schedule phase.
	RefreshMetadata(ctx context.Context, source string) (MetadataResult, error)

	// ResolveContent resolves the actual playback target for one channel:
	// manifest URL, license URL, headers, expiry.
	ResolveContent(ctx context.Context, id channels.ChannelID) (channels.StreamInfo, error)
}
