// Package pipeline runs one channel's remux loop: acquire decryption keys
// if the stream is encrypted, then drive an external remux process that
// writes HLS segments into a bounded ring, tracking idle activity so an
// unwatched channel is torn down automatically.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/drm/types"
	"github.com/tibellium/vidcdm/internal/log"
	"github.com/tibellium/vidcdm/internal/metrics"
	"github.com/tibellium/vidcdm/internal/pipeline/bus"
	"github.com/tibellium/vidcdm/internal/pipeline/fsm"
	"github.com/tibellium/vidcdm/internal/pipeline/segments"
)

// State is one of the four lifecycle states a ChannelPipeline can be in.
type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Running  State = "running"
	Stopping State = "stopping"
)

// Event drives lifecycle transitions.
type Event string

const (
	eventStart   Event = "start"
	eventStarted Event = "started"
	eventStop    Event = "stop"
	eventStopped Event = "stopped"
	eventFail    Event = "fail"
)

var transitions = []fsm.Transition[State, Event]{
	{From: Idle, Event: eventStart, To: Starting},
	{From: Starting, Event: eventStarted, To: Running},
	{From: Starting, Event: eventFail, To: Idle},
	{From: Running, Event: eventStop, To: Stopping},
	{From: Running, Event: eventFail, To: Idle},
	{From: Stopping, Event: eventStopped, To: Idle},
}

// IdleTimeout is how long a pipeline may go without a recorded activity
// (see RecordActivity) before the idle monitor stops it.
const IdleTimeout = 60 * time.Second

const idleCheckInterval = 5 * time.Second
const stopGraceDelay = 2 * time.Second

// KeyAcquirer runs a DRM license exchange against licenseURL and returns
// the resulting content keys.
type KeyAcquirer interface {
	AcquireKeys(ctx context.Context, licenseURL string, psshData []byte, headers []channels.Header) ([]types.ContentKey, error)
}

// RemuxDriver drives the external remux process for one channel. It blocks
// until shutdown fires or an unrecoverable error occurs; statusCode and
// message on the returned error (if any) feed IsAuthError.
type RemuxDriver interface {
	Run(ctx context.Context, manifestURL string, headers []channels.Header, keys []types.ContentKey, sm *segments.Manager, shutdown <-chan struct{}) error
}

// RemuxError lets a RemuxDriver report an HTTP-classified failure.
type RemuxError struct {
	StatusCode int
	Message    string
}

func (e *RemuxError) Error() string { return e.Message }

// ChannelPipeline runs the lifecycle for a single channel: ensure_running
// spawns the acquire-keys-then-remux task; stop tears it down; the idle
// monitor tears it down automatically once nobody has read from it in a
// while.
type ChannelPipeline struct {
	id      channels.ChannelID
	machine *fsm.Machine[State, Event]

	keyAcquirer KeyAcquirer
	remux       RemuxDriver
	bus         bus.Bus
	segments    *segments.Manager

	streamInfo func(ctx context.Context) (channels.StreamInfo, error)

	mu           sync.Mutex
	stopCh       chan struct{}
	taskDone     chan struct{}
	needsRefresh atomic.Bool
	lastActivity atomic.Int64 // unix nanoseconds
}

// New builds a ChannelPipeline for id. streamInfo is consulted at task
// start to learn the manifest/license/headers to use.
func New(
	id channels.ChannelID,
	sm *segments.Manager,
	keyAcquirer KeyAcquirer,
	remux RemuxDriver,
	b bus.Bus,
	streamInfo func(ctx context.Context) (channels.StreamInfo, error),
) (*ChannelPipeline, error) {
	machine, err := fsm.New(Idle, transitions)
	if err != nil {
		return nil, err
	}
	p := &ChannelPipeline{
		id:          id,
		machine:     machine,
		keyAcquirer: keyAcquirer,
		remux:       remux,
		bus:         b,
		segments:    sm,
		streamInfo:  streamInfo,
	}
	p.lastActivity.Store(time.Now().UnixNano())
	return p, nil
}

// State returns the pipeline's current lifecycle state.
func (p *ChannelPipeline) State() State { return p.machine.State() }

// Segments returns the pipeline's segment ring manager.
func (p *ChannelPipeline) Segments() *segments.Manager { return p.segments }

// NeedsRefresh reports whether the last remux attempt latched an
// auth-classified failure, meaning the caller should re-resolve stream
// info before the next EnsureRunning.
func (p *ChannelPipeline) NeedsRefresh() bool { return p.needsRefresh.Load() }

// RecordActivity bumps the last-activity timestamp; callers invoke this on
// every segment or playlist read so the idle monitor does not stop a
// channel someone is actively watching.
func (p *ChannelPipeline) RecordActivity() { p.lastActivity.Store(time.Now().UnixNano()) }

func (p *ChannelPipeline) idleSince() time.Duration {
	return time.Since(time.Unix(0, p.lastActivity.Load()))
}

// EnsureRunning starts the pipeline task if it is Idle, is a no-op while
// Starting or Running (recording activity in the Running case), and
// returns a transient error if the pipeline is mid-Stopping.
func (p *ChannelPipeline) EnsureRunning(ctx context.Context) error {
	switch p.machine.State() {
	case Running:
		p.RecordActivity()
		return nil
	case Starting:
		return nil
	case Stopping:
		return errStopping()
	}

	if _, err := p.machine.Fire(ctx, eventStart); err != nil {
		return err
	}
	metrics.PipelineTransitionsTotal.WithLabelValues(string(eventStart)).Inc()

	p.mu.Lock()
	p.stopCh = make(chan struct{})
	p.taskDone = make(chan struct{})
	stopCh := p.stopCh
	taskDone := p.taskDone
	p.mu.Unlock()

	p.needsRefresh.Store(false)
	p.RecordActivity()
	go p.runTask(stopCh, taskDone)
	go p.idleMonitor(stopCh, taskDone)
	return nil
}

func (p *ChannelPipeline) runTask(stopCh, taskDone chan struct{}) {
	defer close(taskDone)
	ctx := context.Background()
	logger := log.WithComponent("pipeline").With().Str("channel", p.id.String()).Logger()

	info, err := p.streamInfo(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("stream info unavailable, pipeline will not start")
		_, _ = p.machine.Fire(ctx, eventFail)
		return
	}

	var keys []types.ContentKey
	if info.HasLicense() {
		pssh, decodeErr := base64.StdEncoding.DecodeString(info.PsshBase64)
		if decodeErr != nil {
			p.handleAuthClassifiedFailure(ctx, 0, fmt.Sprintf("decode pssh: %v", decodeErr))
			return
		}
		keys, err = p.keyAcquirer.AcquireKeys(ctx, info.LicenseURL, pssh, info.Headers)
		if err != nil {
			p.handleAuthClassifiedFailure(ctx, 0, err.Error())
			return
		}
	}

	if _, err := p.machine.Fire(ctx, eventStarted); err != nil {
		logger.Error().Err(err).Msg("failed to transition to running")
		return
	}
	metrics.PipelineTransitionsTotal.WithLabelValues(string(eventStarted)).Inc()
	p.publish("started", "")

	err = p.remux.Run(ctx, info.ManifestURL, info.Headers, keys, p.segments, stopCh)
	switch {
	case err == nil:
		_, _ = p.machine.Fire(ctx, eventFail)
	default:
		statusCode, msg := 0, err.Error()
		if re, ok := err.(*RemuxError); ok {
			statusCode, msg = re.StatusCode, re.Message
		}
		switch {
		case errors.Is(err, context.Canceled):
			msg = errRemuxShutdown().Error()
		case statusCode == 0:
			msg = errRemuxOther(msg).Error()
		}
		p.handleAuthClassifiedFailure(ctx, statusCode, msg)
	}
}

func (p *ChannelPipeline) handleAuthClassifiedFailure(ctx context.Context, statusCode int, message string) {
	if IsAuthError(statusCode, message) {
		p.needsRefresh.Store(true)
		metrics.PipelineAuthFailuresTotal.WithLabelValues(p.id.Source).Inc()
		p.publish("auth_error", message)
	} else {
		p.publish("error", message)
	}
	metrics.PipelineTransitionsTotal.WithLabelValues(string(eventFail)).Inc()
	_, _ = p.machine.Fire(ctx, eventFail)
}

func (p *ChannelPipeline) publish(kind, detail string) {
	if p.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.bus.Publish(ctx, "pipeline."+p.id.String(), map[string]string{"event": kind, "detail": detail})
}

// Stop signals the running task's shutdown channel, allows a short grace
// delay for it to exit, and returns the pipeline to Idle regardless.
func (p *ChannelPipeline) Stop(ctx context.Context) error {
	if p.machine.State() != Running {
		return nil
	}
	if _, err := p.machine.Fire(ctx, eventStop); err != nil {
		return err
	}
	metrics.PipelineTransitionsTotal.WithLabelValues(string(eventStop)).Inc()

	p.mu.Lock()
	stopCh := p.stopCh
	taskDone := p.taskDone
	p.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}

	if taskDone != nil {
		select {
		case <-taskDone:
		case <-time.After(stopGraceDelay):
		}
	}

	_, err := p.machine.Fire(ctx, eventStopped)
	if err == nil {
		metrics.PipelineTransitionsTotal.WithLabelValues(string(eventStopped)).Inc()
	}
	return err
}

// WaitForReady blocks until the segment manager has produced at least one
// segment, or deadline elapses.
func (p *ChannelPipeline) WaitForReady(ctx context.Context, deadline time.Duration) error {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	if p.segments.SegmentCount() > 0 {
		return nil
	}
	for {
		select {
		case <-ticker.C:
			if p.segments.SegmentCount() > 0 {
				return nil
			}
		case <-timer.C:
			return errStartupTimeout()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *ChannelPipeline) idleMonitor(stopCh, taskDone chan struct{}) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-taskDone:
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if p.idleSince() >= IdleTimeout {
				_ = p.Stop(context.Background())
				return
			}
		}
	}
}
