package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/drm/types"
	"github.com/tibellium/vidcdm/internal/pipeline/bus"
	"github.com/tibellium/vidcdm/internal/pipeline/segments"
)

type fakeKeyAcquirer struct {
	keys []types.ContentKey
	err  error
}

func (f *fakeKeyAcquirer) AcquireKeys(ctx context.Context, licenseURL string, psshData []byte, headers []channels.Header) ([]types.ContentKey, error) {
	return f.keys, f.err
}

type fakeRemux struct {
	writeSegments int
	blockUntilStop bool
	runErr        error
}

func (f *fakeRemux) Run(ctx context.Context, manifestURL string, headers []channels.Header, keys []types.ContentKey, sm *segments.Manager, shutdown <-chan struct{}) error {
	for i := 0; i < f.writeSegments; i++ {
		_ = sm.Append([]byte("data"), time.Second)
	}
	if f.runErr != nil {
		return f.runErr
	}
	if f.blockUntilStop {
		<-shutdown
	}
	return nil
}

func newTestPipeline(t *testing.T, ka KeyAcquirer, remux RemuxDriver, info channels.StreamInfo) *ChannelPipeline {
	t.Helper()
	sm, err := segments.New(t.TempDir(), 4)
	require.NoError(t, err)
	p, err := New(
		channels.ChannelID{Source: "src", ID: "1"},
		sm, ka, remux, bus.NewMemoryBus(),
		func(ctx context.Context) (channels.StreamInfo, error) { return info, nil },
	)
	require.NoError(t, err)
	return p
}

func TestEnsureRunningTransitionsIdleToRunning(t *testing.T) {
	p := newTestPipeline(t, &fakeKeyAcquirer{}, &fakeRemux{blockUntilStop: true}, channels.StreamInfo{ManifestURL: "http://m"})

	require.NoError(t, p.EnsureRunning(context.Background()))
	require.Eventually(t, func() bool { return p.State() == Running }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	require.Equal(t, Idle, p.State())
}

func TestEnsureRunningIsIdempotentWhileRunning(t *testing.T) {
	p := newTestPipeline(t, &fakeKeyAcquirer{}, &fakeRemux{blockUntilStop: true}, channels.StreamInfo{ManifestURL: "http://m"})

	require.NoError(t, p.EnsureRunning(context.Background()))
	require.Eventually(t, func() bool { return p.State() == Running }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.EnsureRunning(context.Background()))
	require.Equal(t, Running, p.State())

	require.NoError(t, p.Stop(context.Background()))
}

func TestAuthClassifiedRemuxErrorLatchesNeedsRefresh(t *testing.T) {
	p := newTestPipeline(t, &fakeKeyAcquirer{}, &fakeRemux{runErr: &RemuxError{StatusCode: 403, Message: "forbidden"}}, channels.StreamInfo{ManifestURL: "http://m"})

	require.NoError(t, p.EnsureRunning(context.Background()))
	require.Eventually(t, func() bool { return p.State() == Idle }, time.Second, 5*time.Millisecond)
	require.True(t, p.NeedsRefresh())
}

func TestNonAuthRemuxErrorDoesNotLatchNeedsRefresh(t *testing.T) {
	p := newTestPipeline(t, &fakeKeyAcquirer{}, &fakeRemux{runErr: errors.New("ffmpeg crashed")}, channels.StreamInfo{ManifestURL: "http://m"})

	require.NoError(t, p.EnsureRunning(context.Background()))
	require.Eventually(t, func() bool { return p.State() == Idle }, time.Second, 5*time.Millisecond)
	require.False(t, p.NeedsRefresh())
}

func TestKeyAcquisitionAuthFailureLatchesNeedsRefresh(t *testing.T) {
	p := newTestPipeline(t, &fakeKeyAcquirer{err: errors.New("401 unauthorized")}, &fakeRemux{}, channels.StreamInfo{ManifestURL: "http://m", LicenseURL: "http://license"})

	require.NoError(t, p.EnsureRunning(context.Background()))
	require.Eventually(t, func() bool { return p.State() == Idle }, time.Second, 5*time.Millisecond)
	require.True(t, p.NeedsRefresh())
}

func TestWaitForReadyObservesFirstSegment(t *testing.T) {
	p := newTestPipeline(t, &fakeKeyAcquirer{}, &fakeRemux{writeSegments: 1, blockUntilStop: true}, channels.StreamInfo{ManifestURL: "http://m"})

	require.NoError(t, p.EnsureRunning(context.Background()))
	require.NoError(t, p.WaitForReady(context.Background(), time.Second))

	require.NoError(t, p.Stop(context.Background()))
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	p := newTestPipeline(t, &fakeKeyAcquirer{}, &fakeRemux{}, channels.StreamInfo{ManifestURL: "http://m"})
	require.NoError(t, p.Stop(context.Background()))
	require.Equal(t, Idle, p.State())
}
