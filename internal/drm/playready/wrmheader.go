package playready

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/beevik/etree"
)

// WRMHeaderVersion is the protocol generation declared by a WRM header's
// top-level version attribute.
type WRMHeaderVersion string

const (
	WRMHeaderV430 WRMHeaderVersion = "4.3.0.0"
	WRMHeaderV420 WRMHeaderVersion = "4.2.0.0"
	WRMHeaderOther WRMHeaderVersion = ""
)

// WRMHeader is the parsed WRM header embedded in a PlayReady PSSH payload.
type WRMHeader struct {
	XML     string
	Version WRMHeaderVersion
}

// ExtractWRMHeaderXML extracts the WRM header XML from a PlayReady PSSH
// init-data payload. The payload is a PlayReady Header Object: u32 LE
// total length, u16 LE record count, then for each record a u16 LE type, a
// u16 LE byte length, and UTF-16LE payload bytes. Only record type 1 (the
// WRM header XML) is of interest here.
func ExtractWRMHeaderXML(psshData []byte) (string, error) {
	if len(psshData) < 10 {
		return "", fmt.Errorf("playready: pssh data too short for header object")
	}
	recordCount := binary.LittleEndian.Uint16(psshData[4:6])
	offset := 6
	for i := uint16(0); i < recordCount; i++ {
		if offset+4 > len(psshData) {
			return "", fmt.Errorf("playready: truncated header record")
		}
		recordType := binary.LittleEndian.Uint16(psshData[offset : offset+2])
		recordLen := int(binary.LittleEndian.Uint16(psshData[offset+2 : offset+4]))
		offset += 4
		if offset+recordLen > len(psshData) {
			return "", fmt.Errorf("playready: truncated header record payload")
		}
		payload := psshData[offset : offset+recordLen]
		offset += recordLen

		if recordType == 1 {
			return decodeUTF16LE(payload), nil
		}
	}
	return "", fmt.Errorf("playready: no WRM header record found")
}

func decodeUTF16LE(b []byte) string {
	u16s := make([]uint16, len(b)/2)
	for i := range u16s {
		u16s[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(u16s))
}

// ParseWRMHeader parses the WRM header XML and classifies its protocol
// version.
func ParseWRMHeader(xml string) (*WRMHeader, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("playready: invalid wrm header xml: %w", err)
	}
	h := &WRMHeader{XML: xml, Version: WRMHeaderOther}
	if root := doc.Root(); root != nil {
		if v := root.SelectAttrValue("version", ""); v != "" {
			h.Version = classifyVersion(v)
		}
	}
	return h, nil
}

func classifyVersion(v string) WRMHeaderVersion {
	switch strings.TrimSpace(v) {
	case string(WRMHeaderV430):
		return WRMHeaderV430
	case string(WRMHeaderV420):
		return WRMHeaderV420
	default:
		return WRMHeaderOther
	}
}

// ProtocolVersion maps a WRM header version to the LA challenge's
// <Version> field: 4.3.0.0 -> 5, 4.2.0.0 -> 4, anything else -> 1.
func (h *WRMHeader) ProtocolVersion() uint32 {
	switch h.Version {
	case WRMHeaderV430:
		return 5
	case WRMHeaderV420:
		return 4
	default:
		return 1
	}
}
