package license

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tibellium/vidcdm/internal/drm/pssh"
	"github.com/tibellium/vidcdm/internal/drm/types"
	vidnet "github.com/tibellium/vidcdm/internal/platform/net"
)

func TestAcquireKeysRejectsMalformedPssh(t *testing.T) {
	c, err := New("", "", 0)
	require.NoError(t, err)

	_, err = c.AcquireKeys(context.Background(), "http://unused", []byte("not a pssh box"), nil)
	require.Error(t, err)
	var licErr *Error
	require.ErrorAs(t, err, &licErr)
	require.Equal(t, "malformed_pssh", licErr.Kind)
}

func TestAcquireKeysReportsMissingDeviceForSystem(t *testing.T) {
	c, err := New("", "", 0)
	require.NoError(t, err)

	box := pssh.Box{Version: 0, SystemID: types.Widevine.Bytes(), Data: []byte("init data")}

	_, err = c.AcquireKeys(context.Background(), "http://unused", box.ToBytes(), nil)
	require.Error(t, err)
	var licErr *Error
	require.ErrorAs(t, err, &licErr)
	require.Equal(t, "no_device", licErr.Kind)
}

func TestAcquireKeysRejectsUnsupportedSystem(t *testing.T) {
	c, err := New("", "", 0)
	require.NoError(t, err)

	box := pssh.Box{Version: 0, SystemID: types.FairPlay.Bytes(), Data: []byte("init data")}

	_, err = c.AcquireKeys(context.Background(), "http://unused", box.ToBytes(), nil)
	require.Error(t, err)
	var licErr *Error
	require.ErrorAs(t, err, &licErr)
	require.Equal(t, "unsupported_system", licErr.Kind)
}

func TestPostPropagatesNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("forbidden"))
	}))
	defer srv.Close()

	c, err := New("", "", 0)
	require.NoError(t, err)

	_, err = c.post(context.Background(), srv.URL, []byte("challenge"), nil)
	require.Error(t, err)
	var licErr *Error
	require.ErrorAs(t, err, &licErr)
	require.Equal(t, "http_status", licErr.Kind)
}

func TestPostRejectsURLOutsideOutboundAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted when the outbound policy rejects the url")
	}))
	defer srv.Close()

	c, err := New("", "", 0, WithOutboundPolicy(vidnet.OutboundPolicy{
		Enabled: true,
		Allow:   vidnet.OutboundAllowlist{Hosts: []string{"license.example.com"}, Ports: []int{443}, Schemes: []string{"https"}},
	}))
	require.NoError(t, err)

	_, err = c.post(context.Background(), srv.URL, []byte("challenge"), nil)
	require.Error(t, err)
}
