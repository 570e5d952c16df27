// Package channels holds the discovered-channel catalogue and the content
// state machine that coalesces concurrent stream-info resolution, mirroring
// the scraper's in-memory channel map but adding the Pending/Resolving/
// Resolved/Failed lifecycle a live DRM proxy needs on top of plain discovery.
package channels

import "fmt"

// ChannelID identifies a channel across all configured scraper sources.
type ChannelID struct {
	Source string
	ID     string
}

// String renders "source:id".
func (c ChannelID) String() string { return c.Source + ":" + c.ID }

// Header is a single ordered (name, value) HTTP header pair. StreamInfo
// keeps headers as a slice rather than a map so scraper-dictated ordering
// and duplicate header names survive round-trips to the remux driver.
type Header struct {
	Name  string
	Value string
}

// StreamInfo is the resolved playback target for one channel: where to read
// the manifest, where to fetch a license (absent means clear content), when
// the grant expires, and any headers the origin requires.
type StreamInfo struct {
	ManifestURL string
	LicenseURL  string // empty means clear
	ExpiresAt   *int64 // absolute Unix seconds; nil means no known expiry
	Headers     []Header

	// PsshBase64 is the content protection init data extracted from the
	// manifest (see manifest.ExtractPSSH), base64-encoded. Empty when the
	// scraper could not locate one even though LicenseURL is set; the key
	// acquirer then has nothing to build a challenge from and fails.
	PsshBase64 string
}

// HasLicense reports whether this stream requires a DRM license exchange.
func (s StreamInfo) HasLicense() bool { return s.LicenseURL != "" }

// Programme is a single scheduled broadcast entry used to decide whether a
// channel is currently live.
type Programme struct {
	Title     string
	StartsAt  int64
	EndsAt    int64
}

// IsLiveAt reports whether t (Unix seconds) falls within this programme.
func (p Programme) IsLiveAt(t int64) bool { return t >= p.StartsAt && t < p.EndsAt }

// SourceState is the discovery lifecycle of one scraper source.
type SourceState int

const (
	SourceLoading SourceState = iota
	SourceReady
	SourceFailed
)

func (s SourceState) String() string {
	switch s {
	case SourceLoading:
		return "loading"
	case SourceReady:
		return "ready"
	case SourceFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ContentState is the stream-info resolution lifecycle of one channel.
type ContentState int

const (
	ContentPending ContentState = iota
	ContentResolving
	ContentResolved
	ContentFailed
)

func (s ContentState) String() string {
	switch s {
	case ContentPending:
		return "pending"
	case ContentResolving:
		return "resolving"
	case ContentResolved:
		return "resolved"
	case ContentFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ChannelEntry is a scraper discovery result plus its mutable content state.
// The discovery fields (Name, ImageURL, Schedule) are set once at
// registration and never mutated; StreamInfo, LastError, and ContentState
// change as resolution proceeds.
type ChannelEntry struct {
	ID       ChannelID
	Name     string
	ImageURL string
	Schedule []Programme

	StreamInfo   *StreamInfo
	LastError    string
	ContentState ContentState
}

// IsLiveAt reports whether the channel's schedule says it is currently on
// air. A channel with no schedule information is treated as always live,
// since many sources carry no programme metadata at all.
func (e *ChannelEntry) IsLiveAt(t int64) bool {
	if len(e.Schedule) == 0 {
		return true
	}
	for _, p := range e.Schedule {
		if p.IsLiveAt(t) {
			return true
		}
	}
	return false
}
