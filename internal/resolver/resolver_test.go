package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tibellium/vidcdm/internal/channels"
)

type fakeScraper struct {
	discoverErr  error
	entries      []channels.ChannelEntry
	resolveCalls atomic.Int64
	resolveDelay time.Duration
	resolveErr   error
	resolveInfo  channels.StreamInfo

	metadataSchedules map[string][]channels.Programme
	metadataErr       error
}

func (f *fakeScraper) Discover(ctx context.Context, source, manifest string) (DiscoveryResult, error) {
	if f.discoverErr != nil {
		return DiscoveryResult{}, f.discoverErr
	}
	return DiscoveryResult{Entries: f.entries}, nil
}

func (f *fakeScraper) RefreshMetadata(ctx context.Context, source string) (MetadataResult, error) {
	if f.metadataErr != nil {
		return MetadataResult{}, f.metadataErr
	}
	return MetadataResult{Schedules: f.metadataSchedules}, nil
}

func (f *fakeScraper) ResolveContent(ctx context.Context, id channels.ChannelID) (channels.StreamInfo, error) {
	f.resolveCalls.Add(1)
	if f.resolveDelay > 0 {
		time.Sleep(f.resolveDelay)
	}
	if f.resolveErr != nil {
		return channels.StreamInfo{}, f.resolveErr
	}
	return f.resolveInfo, nil
}

func newTestRegistry(id channels.ChannelID) *channels.Registry {
	reg := channels.NewRegistry()
	reg.RegisterSource(id.Source, []channels.ChannelEntry{{ID: id, Name: "test"}}, nil)
	return reg
}

func TestRunInitialDiscoveryRegistersEntries(t *testing.T) {
	reg := channels.NewRegistry()
	scraper := &fakeScraper{entries: []channels.ChannelEntry{
		{ID: channels.ChannelID{Source: "src", ID: "1"}, Name: "One"},
	}}
	r := New(reg, scraper)

	require.NoError(t, r.RunInitialDiscovery(context.Background(), "src", "http://manifest"))

	state, ok := reg.SourceState("src")
	require.True(t, ok)
	require.Equal(t, channels.SourceReady, state)

	entry, err := reg.Get(channels.ChannelID{Source: "src", ID: "1"})
	require.NoError(t, err)
	require.Equal(t, "One", entry.Name)
}

func TestRunInitialDiscoveryMarksSourceFailed(t *testing.T) {
	reg := channels.NewRegistry()
	scraper := &fakeScraper{discoverErr: errors.New("upstream unreachable")}
	r := New(reg, scraper)

	err := r.RunInitialDiscovery(context.Background(), "src", "http://manifest")
	require.Error(t, err)

	state, ok := reg.SourceState("src")
	require.True(t, ok)
	require.Equal(t, channels.SourceFailed, state)
}

func TestEnsureStreamInfoResolvesOnce(t *testing.T) {
	id := channels.ChannelID{Source: "src", ID: "1"}
	reg := newTestRegistry(id)
	scraper := &fakeScraper{resolveInfo: channels.StreamInfo{ManifestURL: "http://manifest.mpd"}}
	r := New(reg, scraper)

	info, err := r.EnsureStreamInfo(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "http://manifest.mpd", info.ManifestURL)

	info2, err := r.EnsureStreamInfo(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, info, info2)
	require.EqualValues(t, 1, scraper.resolveCalls.Load(), "cached resolution must not re-resolve")
}

func TestEnsureStreamInfoCoalescesConcurrentCallers(t *testing.T) {
	id := channels.ChannelID{Source: "src", ID: "1"}
	reg := newTestRegistry(id)
	scraper := &fakeScraper{
		resolveInfo:  channels.StreamInfo{ManifestURL: "http://manifest.mpd"},
		resolveDelay: 50 * time.Millisecond,
	}
	r := New(reg, scraper, WithContentWaitTimeout(2*time.Second))

	const callers = 10
	var wg sync.WaitGroup
	results := make([]channels.StreamInfo, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.EnsureStreamInfo(context.Background(), id)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "http://manifest.mpd", results[i].ManifestURL)
	}
	require.EqualValues(t, 1, scraper.resolveCalls.Load(), "only the winner should call ResolveContent")
}

func TestEnsureStreamInfoPropagatesLoserFailure(t *testing.T) {
	id := channels.ChannelID{Source: "src", ID: "1"}
	reg := newTestRegistry(id)
	scraper := &fakeScraper{
		resolveErr:   errors.New("license server rejected request"),
		resolveDelay: 30 * time.Millisecond,
	}
	r := New(reg, scraper, WithContentWaitTimeout(2*time.Second))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.EnsureStreamInfo(context.Background(), id)
		}(i)
	}
	wg.Wait()

	require.Error(t, errs[0])
	require.Error(t, errs[1])
}

func TestEnsureStreamInfoRejectsNotCurrentlyLive(t *testing.T) {
	reg := channels.NewRegistry()
	id := channels.ChannelID{Source: "src", ID: "1"}
	reg.RegisterSource("src", []channels.ChannelEntry{
		{ID: id, Name: "test", Schedule: []channels.Programme{{Title: "past", StartsAt: 1, EndsAt: 2}}},
	}, nil)
	r := New(reg, &fakeScraper{})

	_, err := r.EnsureStreamInfo(context.Background(), id)
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "channel_not_currently_live", rerr.Kind)
}

func TestRefreshMetadataIfNeededUpdatesScheduleInPlace(t *testing.T) {
	id := channels.ChannelID{Source: "src", ID: "1"}
	reg := newTestRegistry(id)
	schedule := []channels.Programme{{Title: "now playing", StartsAt: 0, EndsAt: 9999999999}}
	scraper := &fakeScraper{metadataSchedules: map[string][]channels.Programme{"1": schedule}}
	r := New(reg, scraper)

	refreshed, err := r.RefreshMetadataIfNeeded(context.Background(), "src")
	require.NoError(t, err)
	require.True(t, refreshed)

	entry, err := reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, schedule, entry.Schedule)
}

func TestEnsureStreamInfoRejectsUnknownSource(t *testing.T) {
	reg := channels.NewRegistry()
	r := New(reg, &fakeScraper{})

	_, err := r.EnsureStreamInfo(context.Background(), channels.ChannelID{Source: "missing", ID: "1"})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "source_not_found", rerr.Kind)
}

func TestEnsureStreamInfoRejectsSourceStillLoading(t *testing.T) {
	reg := channels.NewRegistry()
	reg.MarkSourceLoading("src")
	r := New(reg, &fakeScraper{})

	_, err := r.EnsureStreamInfo(context.Background(), channels.ChannelID{Source: "src", ID: "1"})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "source_loading", rerr.Kind)
}

func TestEnsureStreamInfoRejectsFailedSource(t *testing.T) {
	reg := channels.NewRegistry()
	reg.MarkSourceLoading("src")
	reg.MarkSourceFailed("src", errors.New("boom"))
	r := New(reg, &fakeScraper{})

	_, err := r.EnsureStreamInfo(context.Background(), channels.ChannelID{Source: "src", ID: "1"})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "source_failed", rerr.Kind)
}
