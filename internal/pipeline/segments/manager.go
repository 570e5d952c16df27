// Package segments implements the bounded on-disk HLS segment ring a
// ChannelPipeline writes into and the HTTP layer serves out of.
package segments

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// Segment is one entry of the ring: its filename (relative to Dir) and the
// duration the playlist should advertise for it.
type Segment struct {
	Name     string
	Duration time.Duration
}

// Manager is a fixed-capacity ring of on-disk HLS segments plus the
// playlist.m3u8 describing the currently live window. Appending past
// capacity unlinks the oldest segment file before its slot is reused,
// satisfying the "segment_count <= capacity" invariant unconditionally.
type Manager struct {
	mu       sync.Mutex
	dir      string
	capacity int
	seq      int // media sequence number of the oldest segment still in ring
	ring     []Segment
}

// New creates a Manager rooted at dir with the given ring capacity. dir
// must already exist; callers create it via pipeline.Store's directory
// layout before constructing a Manager.
func New(dir string, capacity int) (*Manager, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("segments: capacity must be positive, got %d", capacity)
	}
	return &Manager{dir: dir, capacity: capacity}, nil
}

// Dir returns the segment output directory.
func (m *Manager) Dir() string { return m.dir }

// SegmentCount returns the number of segments currently in the ring.
func (m *Manager) SegmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ring)
}

// Append writes data to a newly named segment file, evicting and unlinking
// the oldest segment first if the ring is already at capacity, then
// rewrites playlist.m3u8 to describe the new live window.
func (m *Manager) Append(data []byte, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nextIndex := m.seq + len(m.ring)
	name := fmt.Sprintf("segment-%08d.m4s", nextIndex)

	if len(m.ring) >= m.capacity {
		oldest := m.ring[0]
		if err := os.Remove(filepath.Join(m.dir, oldest.Name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("segments: evict %s: %w", oldest.Name, err)
		}
		m.ring = m.ring[1:]
		m.seq++
	}

	path := filepath.Join(m.dir, name)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("segments: write %s: %w", name, err)
	}

	m.ring = append(m.ring, Segment{Name: name, Duration: duration})
	return m.writePlaylistLocked()
}

func (m *Manager) writePlaylistLocked() error {
	targetDuration := 1
	for _, s := range m.ring {
		if secs := int(s.Duration.Round(time.Second).Seconds()); secs > targetDuration {
			targetDuration = secs
		}
	}

	var b []byte
	b = append(b, "#EXTM3U\n"...)
	b = append(b, "#EXT-X-VERSION:3\n"...)
	b = append(b, fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration)...)
	b = append(b, fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", m.seq)...)
	for _, s := range m.ring {
		b = append(b, fmt.Sprintf("#EXTINF:%.3f,\n%s\n", s.Duration.Seconds(), s.Name)...)
	}

	return renameio.WriteFile(filepath.Join(m.dir, "playlist.m3u8"), b, 0o644)
}

// Playlist returns the current playlist.m3u8 contents. Before the first
// Append it writes and returns a playlist with no segments.
func (m *Manager) Playlist() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := filepath.Join(m.dir, "playlist.m3u8")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && len(m.ring) == 0 {
		if err := m.writePlaylistLocked(); err != nil {
			return nil, err
		}
		return os.ReadFile(path)
	}
	return data, err
}
