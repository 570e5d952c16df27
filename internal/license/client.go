// Package license drives the actual DRM license exchange: given raw PSSH
// init data and a license server URL, it picks the matching CDM (Widevine
// or PlayReady), builds a signed challenge, posts it, and parses the
// response into content keys. This is the concrete pipeline.KeyAcquirer
// wired into the daemon; tests elsewhere use a fake in its place.
package license

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/drm/playready"
	"github.com/tibellium/vidcdm/internal/drm/pssh"
	"github.com/tibellium/vidcdm/internal/drm/types"
	"github.com/tibellium/vidcdm/internal/drm/widevine"
	"github.com/tibellium/vidcdm/internal/log"
	"github.com/tibellium/vidcdm/internal/metrics"
	"github.com/tibellium/vidcdm/internal/platform/httpx"
	vidnet "github.com/tibellium/vidcdm/internal/platform/net"
)

// Error is the closed set of failures a Client's AcquireKeys can report.
type Error struct {
	Kind   string // "no_device", "unsupported_system", "http_status", "malformed_pssh"
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("license: %s: %s", e.Kind, e.Detail)
	}
	return "license: " + e.Kind
}

// Client acquires content keys against a live license server, holding at
// most one loaded Widevine device and one loaded PlayReady device; which
// one is used is decided per-call from the PSSH box's system ID.
type Client struct {
	widevineDevice  *widevine.Device
	playreadyDevice *playready.Device

	httpClient *http.Client
	limiter    *rate.Limiter

	outbound vidnet.OutboundPolicy // zero value (Enabled=false) skips the check
}

// Option customizes a Client at construction time.
type Option func(*Client)

// WithHTTPClient overrides the default hardened HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRateLimit caps outbound license requests to r per second with burst b.
func WithRateLimit(r float64, b int) Option {
	return func(cl *Client) { cl.limiter = rate.NewLimiter(rate.Limit(r), b) }
}

// WithOutboundPolicy restricts license-server URLs to an allowlist before
// any request is sent. Disabled (the zero value) by default.
func WithOutboundPolicy(policy vidnet.OutboundPolicy) Option {
	return func(cl *Client) { cl.outbound = policy }
}

// New builds a Client. Either devicePath may be empty, in which case that
// DRM system is unsupported by this Client.
func New(widevineDevicePath, playreadyDevicePath string, timeout time.Duration, opts ...Option) (*Client, error) {
	c := &Client{httpClient: httpx.NewClient(timeout)}

	if widevineDevicePath != "" {
		raw, err := os.ReadFile(widevineDevicePath)
		if err != nil {
			return nil, fmt.Errorf("license: read widevine device: %w", err)
		}
		dev, err := widevine.LoadDevice(raw)
		if err != nil {
			return nil, fmt.Errorf("license: load widevine device: %w", err)
		}
		c.widevineDevice = dev
	}

	if playreadyDevicePath != "" {
		raw, err := os.ReadFile(playreadyDevicePath)
		if err != nil {
			return nil, fmt.Errorf("license: read playready device: %w", err)
		}
		dev, err := playready.LoadDevice(raw)
		if err != nil {
			return nil, fmt.Errorf("license: load playready device: %w", err)
		}
		c.playreadyDevice = dev
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AcquireKeys implements pipeline.KeyAcquirer: psshData is a full ISOBMFF
// PSSH box (as base64-decoded from channels.StreamInfo.PsshBase64).
func (c *Client) AcquireKeys(ctx context.Context, licenseURL string, psshData []byte, headers []channels.Header) ([]types.ContentKey, error) {
	box, err := pssh.FromBytes(psshData)
	if err != nil {
		return nil, &Error{Kind: "malformed_pssh", Detail: err.Error()}
	}

	system := box.DRMSystem()
	started := time.Now()

	var keys []types.ContentKey
	switch {
	case system.Equal(types.Widevine):
		keys, err = c.acquireWidevine(ctx, licenseURL, box.InitData(), headers)
	case system.Equal(types.PlayReady):
		keys, err = c.acquirePlayReady(ctx, licenseURL, box.InitData(), headers)
	default:
		return nil, &Error{Kind: "unsupported_system", Detail: system.Name()}
	}

	metrics.ObserveKeyAcquisition(system.Name(), time.Since(started))
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *Client) acquireWidevine(ctx context.Context, licenseURL string, initData []byte, headers []channels.Header) ([]types.ContentKey, error) {
	if c.widevineDevice == nil {
		return nil, &Error{Kind: "no_device", Detail: "widevine"}
	}
	sess := widevine.NewSession(c.widevineDevice)
	if err := sess.SetServiceCertificateCommon(); err != nil {
		log.WithComponent("license").Debug().Err(err).Msg("privacy mode unavailable, sending client id in clear")
	}

	challenge, err := sess.BuildLicenseChallenge(initData, types.Streaming)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, licenseURL, challenge, headers)
	if err != nil {
		return nil, err
	}

	return sess.ParseLicenseResponse(resp)
}

func (c *Client) acquirePlayReady(ctx context.Context, licenseURL string, initData []byte, headers []channels.Header) ([]types.ContentKey, error) {
	if c.playreadyDevice == nil {
		return nil, &Error{Kind: "no_device", Detail: "playready"}
	}
	sess := playready.NewSession(c.playreadyDevice)

	challenge, err := sess.BuildLicenseChallenge(initData)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, licenseURL, challenge, headers)
	if err != nil {
		return nil, err
	}

	return sess.ParseLicenseResponse(resp)
}

func (c *Client) post(ctx context.Context, targetURL string, body []byte, headers []channels.Header) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if c.outbound.Enabled {
		normalized, err := vidnet.ValidateOutboundURL(ctx, targetURL, c.outbound)
		if err != nil {
			return nil, fmt.Errorf("license: license url rejected by outbound policy: %w", err)
		}
		targetURL = normalized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for _, h := range headers {
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: "http_status", Detail: fmt.Sprintf("%d: %s", resp.StatusCode, string(data))}
	}
	return data, nil
}
