package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/fsutil"
	"github.com/tibellium/vidcdm/internal/log"
	"github.com/tibellium/vidcdm/internal/pipeline/bus"
	"github.com/tibellium/vidcdm/internal/pipeline/segments"
)

// Factory builds the per-channel collaborators a new ChannelPipeline needs:
// the key acquirer, remux driver, and stream-info resolver. Kept as a
// function rather than an interface so callers can close over shared
// dependencies like a Resolver or a keycache.Cache.
type Factory func(id channels.ChannelID, sm *segments.Manager) (KeyAcquirer, RemuxDriver, func(ctx context.Context) (channels.StreamInfo, error))

// Store keys ChannelPipelines by channels.ChannelID, lazily creating each
// one's output directory and segment manager on first request, and tears
// every pipeline down on global shutdown. Each pipeline's idle monitor is
// started by its EnsureRunning.
type Store struct {
	baseDir         string
	segmentCapacity int
	factory         Factory
	bus             bus.Bus

	mu        sync.RWMutex
	pipelines map[channels.ChannelID]*ChannelPipeline
	shutdown  chan struct{}
}

// NewStore creates a Store rooted at baseDir, where each channel
// gets a "<source>__<id>/" output directory holding segmentCapacity
// segments at a time.
func NewStore(baseDir string, segmentCapacity int, factory Factory, b bus.Bus) *Store {
	return &Store{
		baseDir:         baseDir,
		segmentCapacity: segmentCapacity,
		factory:         factory,
		bus:             b,
		pipelines:       make(map[channels.ChannelID]*ChannelPipeline),
		shutdown:        make(chan struct{}),
	}
}

func outputDirName(id channels.ChannelID) string {
	return fmt.Sprintf("%s__%s", id.Source, id.ID)
}

// GetOrCreate returns the existing pipeline for id, or builds and registers
// a new one. It double-checks for a concurrently created pipeline after
// acquiring the write lock to avoid building two pipelines for one channel.
func (s *Store) GetOrCreate(id channels.ChannelID) (*ChannelPipeline, error) {
	s.mu.RLock()
	if p, ok := s.pipelines[id]; ok {
		s.mu.RUnlock()
		return p, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pipelines[id]; ok {
		return p, nil
	}

	relDir, err := fsutil.ConfineRelPath(s.baseDir, outputDirName(id))
	if err != nil {
		return nil, fmt.Errorf("pipeline store: confine output dir: %w", err)
	}
	if err := os.MkdirAll(relDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline store: create output dir: %w", err)
	}

	sm, err := segments.New(relDir, s.segmentCapacity)
	if err != nil {
		return nil, fmt.Errorf("pipeline store: segment manager: %w", err)
	}

	keyAcquirer, remux, streamInfo := s.factory(id, sm)
	p, err := New(id, sm, keyAcquirer, remux, s.bus, streamInfo)
	if err != nil {
		return nil, fmt.Errorf("pipeline store: build pipeline: %w", err)
	}

	s.pipelines[id] = p
	log.WithComponent("pipeline_store").Info().
		Str("channel", id.String()).Str("dir", relDir).Msg("pipeline created")
	return p, nil
}

// Get returns the pipeline for id, if one has been created.
func (s *Store) Get(id channels.ChannelID) (*ChannelPipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	return p, ok
}

// OutputDir returns the absolute segment output directory for id.
func (s *Store) OutputDir(id channels.ChannelID) string {
	return filepath.Join(s.baseDir, outputDirName(id))
}

// Shutdown stops every known pipeline. Safe to call once.
func (s *Store) Shutdown(ctx context.Context) {
	close(s.shutdown)

	s.mu.RLock()
	pipelines := make([]*ChannelPipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		pipelines = append(pipelines, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range pipelines {
		wg.Add(1)
		go func(p *ChannelPipeline) {
			defer wg.Done()
			_ = p.Stop(ctx)
		}(p)
	}
	wg.Wait()
}

// Done returns a channel closed once Shutdown has been called. The
// per-pipeline idle monitors do not select on it; Shutdown stops each
// pipeline directly.
func (s *Store) Done() <-chan struct{} { return s.shutdown }
