// Package manifest extracts DRM-relevant data directly from DASH manifest
// XML, independent of the CDM core: a narrow utility for callers that only
// need the PSSH box a manifest advertises, not a full MPD model. No package
// in this module imports it.
package manifest

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/tibellium/vidcdm/internal/drm/pssh"
	"github.com/tibellium/vidcdm/internal/drm/types"
)

// ExtractPSSH scans a DASH MPD document for <ContentProtection> elements
// carrying a base64 <cenc:pssh> child, decodes each as a PSSH box, and
// returns the Widevine one if present, otherwise the first one found.
func ExtractPSSH(mpd []byte) (pssh.Box, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(mpd); err != nil {
		return pssh.Box{}, fmt.Errorf("manifest: parse MPD: %w", err)
	}

	var boxes []pssh.Box
	var widevineIdx = -1

	for _, el := range doc.FindElements("//ContentProtection") {
		var psshText string
		for _, child := range el.ChildElements() {
			if strings.EqualFold(localName(child.Tag), "pssh") {
				psshText = strings.TrimSpace(child.Text())
				break
			}
		}
		if psshText == "" {
			continue
		}
		box, err := pssh.FromBase64(psshText)
		if err != nil {
			continue
		}
		if box.DRMSystem().Equal(types.Widevine) && widevineIdx == -1 {
			widevineIdx = len(boxes)
		}
		boxes = append(boxes, box)
	}

	if len(boxes) == 0 {
		return pssh.Box{}, fmt.Errorf("manifest: no PSSH found in MPD")
	}
	if widevineIdx >= 0 {
		return boxes[widevineIdx], nil
	}
	return boxes[0], nil
}

func localName(tag string) string {
	if i := strings.IndexByte(tag, ':'); i >= 0 {
		return tag[i+1:]
	}
	return tag
}
