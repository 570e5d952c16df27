package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tibellium/vidcdm/internal/channels"
	vidnet "github.com/tibellium/vidcdm/internal/platform/net"
)

func TestDiscoverParsesValidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"channels":[{"id":"1","name":"One"}],"discovery_expiry":123}`))
	}))
	defer srv.Close()

	s := New(0)
	result, err := s.Discover(context.Background(), "src", srv.URL)
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Equal(t, "1", result.Entries[0].ID.ID)
	require.Equal(t, "src", result.Entries[0].ID.Source)
	require.NotNil(t, result.DiscoveryExpiry)
	require.EqualValues(t, 123, *result.DiscoveryExpiry)
}

func TestDiscoverRejectsSchemaInvalidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"channels":[{"name":"missing id"}]}`))
	}))
	defer srv.Close()

	s := New(0)
	_, err := s.Discover(context.Background(), "src", srv.URL)
	require.Error(t, err)
}

func TestResolveContentRequiresPriorDiscover(t *testing.T) {
	s := New(0)
	_, err := s.ResolveContent(context.Background(), channels.ChannelID{Source: "unknown", ID: "1"})
	require.Error(t, err)
}

func TestResolveContentParsesStreamInfo(t *testing.T) {
	var base string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/discover":
			_, _ = w.Write([]byte(`{"channels":[{"id":"1","name":"One"}]}`))
		case "/channels/1/stream":
			_, _ = w.Write([]byte(`{"manifest_url":"` + base + `/m.mpd","license_url":"` + base + `/lic","headers":[{"name":"X","value":"y"}]}`))
		}
	}))
	defer srv.Close()
	base = srv.URL

	s := New(0)
	_, err := s.Discover(context.Background(), "src", srv.URL)
	require.NoError(t, err)

	info, err := s.ResolveContent(context.Background(), channels.ChannelID{Source: "src", ID: "1"})
	require.NoError(t, err)
	require.Equal(t, base+"/m.mpd", info.ManifestURL)
	require.Equal(t, base+"/lic", info.LicenseURL)
	require.Len(t, info.Headers, 1)
}

func TestDiscoverRejectsURLOutsideOutboundAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted when the outbound policy rejects the url")
	}))
	defer srv.Close()

	s := New(0).WithOutboundPolicy(vidnet.OutboundPolicy{
		Enabled: true,
		Allow:   vidnet.OutboundAllowlist{Hosts: []string{"scraper.example.com"}, Ports: []int{443}, Schemes: []string{"https"}},
	})

	_, err := s.Discover(context.Background(), "src", srv.URL)
	require.Error(t, err)
}
