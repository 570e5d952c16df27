package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tibellium/vidcdm/internal/log"
)

const reloadDebounce = 500 * time.Millisecond

// Holder holds a FileConfig with atomic hot reload, mirroring the watcher
// pattern used for the teacher's own config hot-reload: watch the config
// file's directory (so atomic replace-on-write survives), debounce bursts of
// fs events, reload, validate, and only then swap.
type Holder struct {
	reloadMu sync.Mutex
	snapshot atomic.Pointer[FileConfig]

	path    string
	dir     string
	file    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []chan<- *FileConfig
}

// NewHolder loads path once and returns a Holder wrapping the result.
func NewHolder(path string) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	h := &Holder{
		path:   path,
		dir:    filepath.Dir(path),
		file:   filepath.Base(path),
		logger: log.WithComponent("config"),
	}
	h.snapshot.Store(cfg)
	return h, nil
}

// Get returns the current configuration snapshot.
func (h *Holder) Get() *FileConfig { return h.snapshot.Load() }

// Reload re-reads the config file and, if it loads and validates cleanly,
// swaps it in and notifies registered listeners. On failure the previous
// configuration is kept untouched.
func (h *Holder) Reload(_ context.Context) error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	next, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Msg("config reload failed, keeping previous configuration")
		return fmt.Errorf("reload config: %w", err)
	}
	h.snapshot.Store(next)
	h.notifyListeners(next)
	h.logger.Info().Msg("configuration reloaded")
	return nil
}

// RegisterListener registers a channel to receive the new config on every
// successful reload. The caller owns the channel's lifetime.
func (h *Holder) RegisterListener(ch chan<- *FileConfig) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notifyListeners(cfg *FileConfig) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Msg("skipped notifying config listener (channel full)")
		}
	}
}

// Watch starts watching the config file's directory for changes and reloads
// on debounced write/create/rename events, until ctx is done.
func (h *Holder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	h.watcher = watcher
	h.logger.Info().Str("path", h.path).Msg("watching config file for changes")
	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != h.file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Msg("automatic config reload failed")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Stop closes the underlying file watcher, if running.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}
