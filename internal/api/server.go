// Package api wires the HTTP surface: health/readiness, the channel
// playlist, and per-channel HLS output, on top of the shared middleware
// stack and health.Manager.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tibellium/vidcdm/internal/api/middleware"
	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/health"
	"github.com/tibellium/vidcdm/internal/log"
	"github.com/tibellium/vidcdm/internal/pipeline"
	"github.com/tibellium/vidcdm/internal/resolver"
)

// Server exposes the proxy's HTTP API.
type Server struct {
	registry *channels.Registry
	resolver *resolver.Resolver
	store    *pipeline.Store
	health   *health.Manager

	readyDeadline time.Duration
}

// Config configures the HTTP server and its middleware stack.
type Config struct {
	AllowedOrigins []string
	CSP            string
	TracingService string
	RateLimitRPS   int
	RateLimitBurst int
	ReadyDeadline  time.Duration
}

// New builds a Server and its chi router.
func New(registry *channels.Registry, res *resolver.Resolver, store *pipeline.Store, hm *health.Manager, cfg Config) (*Server, *chi.Mux) {
	if cfg.ReadyDeadline <= 0 {
		cfg.ReadyDeadline = 15 * time.Second
	}
	s := &Server{registry: registry, resolver: res, store: store, health: hm, readyDeadline: cfg.ReadyDeadline}

	r := middleware.NewRouter(middleware.StackConfig{
		EnableCORS:            len(cfg.AllowedOrigins) > 0,
		AllowedOrigins:        cfg.AllowedOrigins,
		EnableSecurityHeaders: true,
		CSP:                   cfg.CSP,
		EnableMetrics:         true,
		TracingService:        cfg.TracingService,
		EnableLogging:         true,
		EnableRateLimit:       cfg.RateLimitRPS > 0,
		RateLimitEnabled:      cfg.RateLimitRPS > 0,
		RateLimitGlobalRPS:    cfg.RateLimitRPS,
		RateLimitBurst:        cfg.RateLimitBurst,
	})

	r.Get("/healthz", hm.ServeHealth)
	r.Get("/readyz", hm.ServeReady)
	r.Get("/channels", s.handleListChannels)
	r.Get("/channels/{source}/{id}/playlist.m3u8", s.handlePlaylist)
	r.Get("/channels/{source}/{id}/{segment}", s.handleSegment)

	return s, r
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	entries := s.registry.ListBySource(source)
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	id := channels.ChannelID{Source: chi.URLParam(r, "source"), ID: chi.URLParam(r, "id")}
	ctx := r.Context()

	logger := log.WithComponentFromContext(ctx, "api")

	if _, err := s.resolver.EnsureStreamInfo(ctx, id); err != nil {
		logger.Warn().Err(err).Str("channel", id.String()).Msg("stream info unavailable")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	p, err := s.store.GetOrCreate(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := p.EnsureRunning(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := p.WaitForReady(ctx, s.readyDeadline); err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	p.RecordActivity()

	playlist, err := playlistFor(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write(playlist)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	id := channels.ChannelID{Source: chi.URLParam(r, "source"), ID: chi.URLParam(r, "id")}
	p, ok := s.store.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	p.RecordActivity()

	segment := chi.URLParam(r, "segment")
	path, err := segmentPath(s.store, id, segment)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, path)
}

// Shutdown tears down every running pipeline.
func (s *Server) Shutdown(ctx context.Context) { s.store.Shutdown(ctx) }
