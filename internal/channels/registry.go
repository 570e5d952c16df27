package channels

import (
	"context"
	"sync"
	"time"

	"github.com/tibellium/vidcdm/internal/log"
)

// sourceRecord is the discovery lifecycle state kept per scraper source.
type sourceRecord struct {
	state              SourceState
	err                string
	discoveryExpiresAt *int64
	metadataExpiresAt  *int64
}

// Registry is the pure in-memory channel catalogue: per-source discovery
// state plus per-channel content (stream-info) resolution state. It is the
// single coalescing point for concurrent stream-info requests: exactly one
// caller per ChannelId performs the expensive scraper content phase while
// every other caller waits on that caller's outcome.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string]*sourceRecord
	channels map[ChannelID]*ChannelEntry

	channelNotify map[ChannelID]chan struct{}
	sourceNotify  map[string]chan struct{}
}

// NewRegistry returns an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:       make(map[string]*sourceRecord),
		channels:      make(map[ChannelID]*ChannelEntry),
		channelNotify: make(map[ChannelID]chan struct{}),
		sourceNotify:  make(map[string]chan struct{}),
	}
}

func (r *Registry) sourceRecordLocked(source string) *sourceRecord {
	rec, ok := r.sources[source]
	if !ok {
		rec = &sourceRecord{}
		r.sources[source] = rec
	}
	return rec
}

// MarkSourceLoading transitions a source into Loading, creating its record
// if this is the first time the source has been seen, and arms the
// per-source notification channel used by WaitForSource.
func (r *Registry) MarkSourceLoading(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.sourceRecordLocked(source)
	rec.state = SourceLoading
	rec.err = ""
	if _, ok := r.sourceNotify[source]; !ok {
		r.sourceNotify[source] = make(chan struct{})
	}
}

// MarkSourceFailed transitions a source to Failed and wakes any waiters.
func (r *Registry) MarkSourceFailed(source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.sourceRecordLocked(source)
	rec.state = SourceFailed
	if err != nil {
		rec.err = err.Error()
	}
	r.wakeSourceLocked(source)
}

// RegisterSource replaces the discovered channel set for source, marks it
// Ready, and records when the discovery result itself expires.
func (r *Registry) RegisterSource(source string, entries []ChannelEntry, discoveryExpiresAt *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.channels {
		if id.Source == source {
			delete(r.channels, id)
		}
	}
	for i := range entries {
		e := entries[i]
		e.ID.Source = source
		r.channels[e.ID] = &e
	}

	rec := r.sourceRecordLocked(source)
	rec.state = SourceReady
	rec.err = ""
	rec.discoveryExpiresAt = discoveryExpiresAt
	r.wakeSourceLocked(source)

	log.WithComponent("channels").Info().
		Str("source", source).
		Int("count", len(entries)).
		Msg("source registered")
}

func (r *Registry) wakeSourceLocked(source string) {
	if ch, ok := r.sourceNotify[source]; ok {
		close(ch)
		delete(r.sourceNotify, source)
	}
}

// SourceState returns the discovery state for source, or (0, false) if the
// source has never been seen.
func (r *Registry) SourceState(source string) (SourceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sources[source]
	if !ok {
		return 0, false
	}
	return rec.state, true
}

// Get returns a copy of the channel entry for id. If id.Source has never
// been seen at all (no discovery ever ran for it), the error distinguishes
// that from a known source simply not listing this particular channel.
func (r *Registry) Get(id ChannelID) (ChannelEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[id]
	if !ok {
		if _, sourceKnown := r.sources[id.Source]; !sourceKnown {
			return ChannelEntry{}, errSourceNotFound(id.Source)
		}
		return ChannelEntry{}, errChannelNotFound(id)
	}
	return *e, nil
}

// ListBySource returns copies of every channel entry registered under source.
func (r *Registry) ListBySource(source string) []ChannelEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ChannelEntry
	for id, e := range r.channels {
		if id.Source == source {
			out = append(out, *e)
		}
	}
	return out
}

// UpdateSchedule replaces id's programme schedule in place, leaving every
// other field (including content state) untouched. Used by the metadata-only
// refresh phase, which must never disturb an in-flight or resolved stream.
func (r *Registry) UpdateSchedule(id ChannelID, schedule []Programme) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return errChannelNotFound(id)
	}
	e.Schedule = schedule
	return nil
}

// UpdateStreamInfo records a resolved stream target for id without touching
// its content state; callers that want the Resolved transition should use
// MarkChannelResolved instead.
func (r *Registry) UpdateStreamInfo(id ChannelID, info StreamInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return errChannelNotFound(id)
	}
	info2 := info
	e.StreamInfo = &info2
	return nil
}

// SetError records a last_error string on the channel entry.
func (r *Registry) SetError(id ChannelID, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return errChannelNotFound(id)
	}
	if err != nil {
		e.LastError = err.Error()
	}
	return nil
}

// IsStreamExpired reports whether id's stream info is absent or past its
// expires_at. A present StreamInfo with no ExpiresAt never expires.
func (r *Registry) IsStreamExpired(id ChannelID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[id]
	if !ok || e.StreamInfo == nil {
		return true
	}
	if e.StreamInfo.ExpiresAt == nil {
		return false
	}
	return time.Now().Unix() >= *e.StreamInfo.ExpiresAt
}

// IsDiscoveryExpired reports whether source's discovery result has expired.
// An unknown source or one with no recorded expiry is treated as expired,
// which makes refresh_discovery_if_needed retry by default.
func (r *Registry) IsDiscoveryExpired(source string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sources[source]
	if !ok || rec.discoveryExpiresAt == nil {
		return true
	}
	return time.Now().Unix() >= *rec.discoveryExpiresAt
}

// IsMetadataExpired reports whether source's programme metadata has expired.
func (r *Registry) IsMetadataExpired(source string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sources[source]
	if !ok || rec.metadataExpiresAt == nil {
		return true
	}
	return time.Now().Unix() >= *rec.metadataExpiresAt
}

// SetMetadataExpiresAt records when the programme metadata phase should
// next be refreshed.
func (r *Registry) SetMetadataExpiresAt(source string, expiresAt *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sourceRecordLocked(source).metadataExpiresAt = expiresAt
}

// TryMarkResolving is the atomic check-and-mark coalescing primitive: if
// id's content state is already Resolving, it returns false and the caller
// must wait on WaitForChannelContent instead of duplicating the resolution
// work. Otherwise it arms the per-channel notification channel and
// transitions to Resolving, returning true.
func (r *Registry) TryMarkResolving(id ChannelID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return false, errChannelNotFound(id)
	}
	if e.ContentState == ContentResolving {
		return false, nil
	}
	e.ContentState = ContentResolving
	if _, ok := r.channelNotify[id]; !ok {
		r.channelNotify[id] = make(chan struct{})
	}
	return true, nil
}

func (r *Registry) wakeChannelLocked(id ChannelID) {
	if ch, ok := r.channelNotify[id]; ok {
		close(ch)
		delete(r.channelNotify, id)
	}
}

// MarkChannelResolved records a resolved stream info and wakes waiters.
func (r *Registry) MarkChannelResolved(id ChannelID, info StreamInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return errChannelNotFound(id)
	}
	info2 := info
	e.StreamInfo = &info2
	e.LastError = ""
	e.ContentState = ContentResolved
	r.wakeChannelLocked(id)
	return nil
}

// MarkChannelFailed records a resolution failure and wakes waiters.
func (r *Registry) MarkChannelFailed(id ChannelID, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return errChannelNotFound(id)
	}
	if err != nil {
		e.LastError = err.Error()
	}
	e.ContentState = ContentFailed
	r.wakeChannelLocked(id)
	return nil
}

// ResetChannelContentState returns id to Pending, used when an otherwise
// Resolved channel's stream info has expired and must be re-resolved.
func (r *Registry) ResetChannelContentState(id ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return errChannelNotFound(id)
	}
	e.ContentState = ContentPending
	return nil
}

// WaitForChannelContent blocks until id leaves the Resolving state or
// timeout elapses. It returns the observed state and true, or the zero
// state and false if the wait timed out while resolution was still in
// flight. If the channel was not Resolving when called, it returns
// immediately with the current state.
func (r *Registry) WaitForChannelContent(ctx context.Context, id ChannelID, timeout time.Duration) (ContentState, bool) {
	r.mu.Lock()
	e, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	if e.ContentState != ContentResolving {
		state := e.ContentState
		r.mu.Unlock()
		return state, true
	}
	ch, ok := r.channelNotify[id]
	if !ok {
		// Resolving with no registered notifier: nothing to wait on; treat
		// as an immediate re-read of the current (stale) state.
		state := e.ContentState
		r.mu.Unlock()
		return state, true
	}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return 0, false
	case <-ctx.Done():
		r.mu.RLock()
		defer r.mu.RUnlock()
		return 0, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok = r.channels[id]
	if !ok {
		return 0, false
	}
	return e.ContentState, true
}

// WaitForSource blocks until source reaches Ready or Failed, or timeout
// elapses.
func (r *Registry) WaitForSource(ctx context.Context, source string, timeout time.Duration) (SourceState, bool) {
	r.mu.Lock()
	rec, ok := r.sources[source]
	if !ok {
		r.mu.Unlock()
		return 0, false
	}
	if rec.state != SourceLoading {
		state := rec.state
		r.mu.Unlock()
		return state, true
	}
	ch, ok := r.sourceNotify[source]
	if !ok {
		state := rec.state
		r.mu.Unlock()
		return state, true
	}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		return 0, false
	case <-ctx.Done():
		return 0, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok = r.sources[source]
	if !ok {
		return 0, false
	}
	return rec.state, true
}
