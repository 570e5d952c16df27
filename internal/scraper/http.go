// Package scraper implements resolver.Scraper against an HTTP upstream:
// one source is one base URL exposing /discover, /metadata and
// /channels/{id}/stream. Every response is validated against an embedded
// OpenAPI schema before being parsed into the resolver's domain types, so a
// malformed upstream payload fails fast with a schema error instead of a
// confusing downstream nil-field panic.
package scraper

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/platform/httpx"
	vidnet "github.com/tibellium/vidcdm/internal/platform/net"
	"github.com/tibellium/vidcdm/internal/resolver"
)

//go:embed schema.yaml
var schemaDoc []byte

var contract *openapi3.T

func init() {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(schemaDoc)
	if err != nil {
		panic(fmt.Sprintf("scraper: embedded schema is invalid: %v", err))
	}
	contract = doc
}

func validateAgainst(schemaName string, data []byte) error {
	schema := contract.Components.Schemas[schemaName]
	if schema == nil || schema.Value == nil {
		return fmt.Errorf("scraper: unknown schema %q", schemaName)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("scraper: invalid json: %w", err)
	}
	if err := schema.Value.VisitJSON(v); err != nil {
		return fmt.Errorf("scraper: %s response failed schema validation: %w", schemaName, err)
	}
	return nil
}

// wireHeader/wireProgramme/wireChannelEntry mirror the embedded schema's
// JSON shape for unmarshaling once validation has passed.
type wireHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type wireProgramme struct {
	Title    string `json:"title"`
	StartsAt int64  `json:"starts_at"`
	EndsAt   int64  `json:"ends_at"`
}

type wireChannelEntry struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	ImageURL string          `json:"image_url"`
	Schedule []wireProgramme `json:"schedule"`
}

type wireDiscoverResponse struct {
	Channels        []wireChannelEntry `json:"channels"`
	DiscoveryExpiry *int64             `json:"discovery_expiry"`
}

type wireMetadataResponse struct {
	Schedules      map[string][]wireProgramme `json:"schedules"`
	MetadataExpiry *int64                     `json:"metadata_expiry"`
}

type wireStreamInfo struct {
	ManifestURL string       `json:"manifest_url"`
	LicenseURL  string       `json:"license_url"`
	ExpiresAt   *int64       `json:"expires_at"`
	PsshBase64  string       `json:"pssh_base64"`
	Headers     []wireHeader `json:"headers"`
}

// HTTPScraper implements resolver.Scraper against a remote source whose
// base URL is the "manifest" argument passed to Discover. The base URL is
// remembered per source name so the later metadata and content-resolution
// phases, which only ever receive the source name, can still address it.
type HTTPScraper struct {
	client   *http.Client
	outbound vidnet.OutboundPolicy // zero value (Enabled=false) skips the check

	mu    sync.RWMutex
	bases map[string]string
}

// New builds an HTTPScraper using a hardened client bounded by timeout.
func New(timeout time.Duration) *HTTPScraper {
	return &HTTPScraper{client: httpx.NewClient(timeout), bases: make(map[string]string)}
}

// WithOutboundPolicy restricts discovery/metadata/content URLs to an
// allowlist before any request is sent. Disabled by default.
func (s *HTTPScraper) WithOutboundPolicy(policy vidnet.OutboundPolicy) *HTTPScraper {
	s.outbound = policy
	return s
}

func (s *HTTPScraper) baseFor(source string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	base, ok := s.bases[source]
	if !ok {
		return "", fmt.Errorf("scraper: no known base url for source %q; Discover must run first", source)
	}
	return base, nil
}

func (s *HTTPScraper) get(ctx context.Context, rawURL string) ([]byte, error) {
	if s.outbound.Enabled {
		normalized, err := vidnet.ValidateOutboundURL(ctx, rawURL, s.outbound)
		if err != nil {
			return nil, fmt.Errorf("scraper: url rejected by outbound policy: %w", err)
		}
		rawURL = normalized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scraper: %s: %d: %s", rawURL, resp.StatusCode, string(data))
	}
	return data, nil
}

func joinPath(base string, suffix string) string {
	return strings.TrimSuffix(base, "/") + suffix
}

// Discover implements resolver.Scraper. manifest is the source's base URL;
// discovery hits "<manifest>/discover".
func (s *HTTPScraper) Discover(ctx context.Context, source, manifest string) (resolver.DiscoveryResult, error) {
	body, err := s.get(ctx, joinPath(manifest, "/discover"))
	if err != nil {
		return resolver.DiscoveryResult{}, err
	}
	s.mu.Lock()
	s.bases[source] = manifest
	s.mu.Unlock()
	if err := validateAgainst("DiscoverResponse", body); err != nil {
		return resolver.DiscoveryResult{}, err
	}

	var wire wireDiscoverResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return resolver.DiscoveryResult{}, fmt.Errorf("scraper: decode discover response: %w", err)
	}

	entries := make([]channels.ChannelEntry, 0, len(wire.Channels))
	for _, c := range wire.Channels {
		entries = append(entries, channels.ChannelEntry{
			ID:       channels.ChannelID{Source: source, ID: c.ID},
			Name:     c.Name,
			ImageURL: c.ImageURL,
			Schedule: toProgrammes(c.Schedule),
		})
	}

	return resolver.DiscoveryResult{Entries: entries, DiscoveryExpiry: wire.DiscoveryExpiry}, nil
}

// RefreshMetadata implements resolver.Scraper against "<base>/metadata",
// where base is the manifest URL last seen for source via Discover.
func (s *HTTPScraper) RefreshMetadata(ctx context.Context, source string) (resolver.MetadataResult, error) {
	base, err := s.baseFor(source)
	if err != nil {
		return resolver.MetadataResult{}, err
	}
	body, err := s.get(ctx, joinPath(base, "/metadata"))
	if err != nil {
		return resolver.MetadataResult{}, err
	}
	if err := validateAgainst("MetadataResponse", body); err != nil {
		return resolver.MetadataResult{}, err
	}

	var wire wireMetadataResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return resolver.MetadataResult{}, fmt.Errorf("scraper: decode metadata response: %w", err)
	}

	schedules := make(map[string][]channels.Programme, len(wire.Schedules))
	for id, progs := range wire.Schedules {
		schedules[id] = toProgrammes(progs)
	}

	return resolver.MetadataResult{Schedules: schedules, MetadataExpiry: wire.MetadataExpiry}, nil
}

// ResolveContent implements resolver.Scraper against
// "<base>/channels/<id.ID>/stream", where base is the manifest URL last seen
// for id.Source via Discover.
func (s *HTTPScraper) ResolveContent(ctx context.Context, id channels.ChannelID) (channels.StreamInfo, error) {
	base, err := s.baseFor(id.Source)
	if err != nil {
		return channels.StreamInfo{}, err
	}
	body, err := s.get(ctx, joinPath(base, "/channels/"+id.ID+"/stream"))
	if err != nil {
		return channels.StreamInfo{}, err
	}
	if err := validateAgainst("StreamInfo", body); err != nil {
		return channels.StreamInfo{}, err
	}

	var wire wireStreamInfo
	if err := json.Unmarshal(body, &wire); err != nil {
		return channels.StreamInfo{}, fmt.Errorf("scraper: decode stream info: %w", err)
	}

	headers := make([]channels.Header, 0, len(wire.Headers))
	for _, h := range wire.Headers {
		headers = append(headers, channels.Header{Name: h.Name, Value: h.Value})
	}

	return channels.StreamInfo{
		ManifestURL: wire.ManifestURL,
		LicenseURL:  wire.LicenseURL,
		ExpiresAt:   wire.ExpiresAt,
		Headers:     headers,
		PsshBase64:  wire.PsshBase64,
	}, nil
}

func toProgrammes(in []wireProgramme) []channels.Programme {
	if len(in) == 0 {
		return nil
	}
	out := make([]channels.Programme, len(in))
	for i, p := range in {
		out[i] = channels.Programme{Title: p.Title, StartsAt: p.StartsAt, EndsAt: p.EndsAt}
	}
	return out
}
