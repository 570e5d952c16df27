package manifest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tibellium/vidcdm/internal/drm/pssh"
	"github.com/tibellium/vidcdm/internal/drm/types"
)

func buildMPD(t *testing.T, systemID [16]byte, data []byte) string {
	t.Helper()
	box := pssh.Box{Version: 0, SystemID: systemID, Data: data}
	b64 := box.ToBase64()
	return fmt.Sprintf(`<?xml version="1.0"?>
<MPD>
  <Period>
    <AdaptationSet>
      <ContentProtection schemeIdUri="urn:uuid:test">
        <cenc:pssh xmlns:cenc="urn:mpeg:cenc:2013">%s</cenc:pssh>
      </ContentProtection>
    </AdaptationSet>
  </Period>
</MPD>`, b64)
}

func TestExtractPSSHReturnsWidevineBox(t *testing.T) {
	mpd := buildMPD(t, types.Widevine.Bytes(), []byte("init-data"))

	box, err := ExtractPSSH([]byte(mpd))
	require.NoError(t, err)
	require.True(t, box.DRMSystem().Equal(types.Widevine))
	require.Equal(t, []byte("init-data"), box.InitData())
}

func TestExtractPSSHPrefersWidevineOverOtherSystems(t *testing.T) {
	pr := pssh.Box{Version: 0, SystemID: types.PlayReady.Bytes(), Data: []byte("pr-data")}
	wv := pssh.Box{Version: 0, SystemID: types.Widevine.Bytes(), Data: []byte("wv-data")}

	mpd := fmt.Sprintf(`<?xml version="1.0"?>
<MPD>
  <Period>
    <AdaptationSet>
      <ContentProtection><cenc:pssh xmlns:cenc="urn:mpeg:cenc:2013">%s</cenc:pssh></ContentProtection>
      <ContentProtection><cenc:pssh xmlns:cenc="urn:mpeg:cenc:2013">%s</cenc:pssh></ContentProtection>
    </AdaptationSet>
  </Period>
</MPD>`, pr.ToBase64(), wv.ToBase64())

	box, err := ExtractPSSH([]byte(mpd))
	require.NoError(t, err)
	require.Equal(t, []byte("wv-data"), box.InitData())
}

func TestExtractPSSHErrorsWithoutContentProtection(t *testing.T) {
	_, err := ExtractPSSH([]byte(`<?xml version="1.0"?><MPD><Period/></MPD>`))
	require.Error(t, err)
}
