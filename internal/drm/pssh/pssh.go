// Package pssh parses and serializes ISOBMFF "pssh" boxes: the Protection
// System Specific Header carrying DRM init data inside a DASH manifest or
// fragmented MP4.
package pssh

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/tibellium/vidcdm/internal/drm/types"
)

// Box is a parsed PSSH box. It preserves every ISOBMFF field so that
// parse -> serialize round-trips byte-exactly.
//
// Layout:
//
//	[0:4]   box_size   u32 be (total box size, including this header)
//	[4:8]   box_type   "pssh"
//	[8]     version    0 or 1
//	[9:12]  flags      3 bytes
//	[12:28] system_id  16 bytes
//	if version == 1:
//	  [28:32] key_id_count u32 be
//	  [32:..] key_ids       key_id_count * 16 bytes
//	[..]    data_size  u32 be
//	[..]    data       data_size bytes
type Box struct {
	Version  uint8
	Flags    [3]byte
	SystemID [16]byte
	KeyIDs   [][16]byte
	Data     []byte
}

// Error is returned for any PSSH parsing failure.
type Error struct {
	Kind string // "malformed", "invalid_base64", "system_id_mismatch"
	Msg  string

	Actual, Expected types.SystemId
}

func (e *Error) Error() string {
	if e.Kind == "system_id_mismatch" {
		return fmt.Sprintf("pssh: system id mismatch: got %s, want %s", e.Actual, e.Expected)
	}
	return "pssh: " + e.Msg
}

func malformed(msg string) error { return &Error{Kind: "malformed", Msg: msg} }

const headerSize = 28 // size + type + version + flags + system_id

// FromBytes parses a full ISOBMFF PSSH box (starting with the box_size
// field) from raw bytes.
func FromBytes(input []byte) (Box, error) {
	if len(input) < headerSize+4 {
		return Box{}, malformed("input too short for PSSH box header")
	}

	boxSize := int(binary.BigEndian.Uint32(input[0:4]))
	if boxSize > len(input) {
		return Box{}, malformed("box_size exceeds input length")
	}
	boxData := input[:boxSize]

	if string(boxData[4:8]) != "pssh" {
		return Box{}, malformed("box_type is not 'pssh'")
	}

	version := boxData[8]
	if version > 1 {
		return Box{}, malformed(fmt.Sprintf("unsupported version %d", version))
	}

	var b Box
	b.Version = version
	copy(b.Flags[:], boxData[9:12])
	copy(b.SystemID[:], boxData[12:28])

	offset := 28
	if version == 1 {
		if err := checkBounds(boxData, offset, 4, "key_id_count"); err != nil {
			return Box{}, err
		}
		kidCount := int(binary.BigEndian.Uint32(boxData[offset : offset+4]))
		offset += 4

		if err := checkBounds(boxData, offset, kidCount*16, "key_ids"); err != nil {
			return Box{}, err
		}
		b.KeyIDs = make([][16]byte, kidCount)
		for i := 0; i < kidCount; i++ {
			start := offset + i*16
			copy(b.KeyIDs[i][:], boxData[start:start+16])
		}
		offset += kidCount * 16
	}

	if err := checkBounds(boxData, offset, 4, "data_size"); err != nil {
		return Box{}, err
	}
	dataSize := int(binary.BigEndian.Uint32(boxData[offset : offset+4]))
	offset += 4

	if err := checkBounds(boxData, offset, dataSize, "data"); err != nil {
		return Box{}, err
	}
	b.Data = append([]byte(nil), boxData[offset:offset+dataSize]...)
	offset += dataSize

	if offset != boxSize {
		return Box{}, malformed(fmt.Sprintf("trailing bytes: consumed %d, box_size %d", offset, boxSize))
	}

	return b, nil
}

func checkBounds(data []byte, offset, need int, field string) error {
	if offset+need > len(data) {
		return malformed("truncated " + field)
	}
	return nil
}

// FromBase64 decodes a standard-base64-encoded PSSH box.
func FromBase64(s string) (Box, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Box{}, &Error{Kind: "invalid_base64", Msg: "PSSH: " + err.Error()}
	}
	return FromBytes(raw)
}

// ToBytes serializes the box back to ISOBMFF bytes. The result round-trips
// byte-exactly with any previously parsed input.
func (b Box) ToBytes() []byte {
	size := headerSize
	if b.Version == 1 {
		size += 4 + len(b.KeyIDs)*16
	}
	size += 4 + len(b.Data)

	buf := make([]byte, 0, size)
	var tmp [4]byte

	binary.BigEndian.PutUint32(tmp[:], uint32(size))
	buf = append(buf, tmp[:]...)
	buf = append(buf, "pssh"...)
	buf = append(buf, b.Version)
	buf = append(buf, b.Flags[:]...)
	buf = append(buf, b.SystemID[:]...)

	if b.Version == 1 {
		binary.BigEndian.PutUint32(tmp[:], uint32(len(b.KeyIDs)))
		buf = append(buf, tmp[:]...)
		for _, kid := range b.KeyIDs {
			buf = append(buf, kid[:]...)
		}
	}

	binary.BigEndian.PutUint32(tmp[:], uint32(len(b.Data)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, b.Data...)

	return buf
}

// ToBase64 serializes the box to a standard-base64 string.
func (b Box) ToBase64() string {
	return base64.StdEncoding.EncodeToString(b.ToBytes())
}

// KeyIDList returns the key IDs carried in the box header (v1 only; always
// empty for v0 boxes).
func (b Box) KeyIDList() [][16]byte { return b.KeyIDs }

// InitData returns the raw data payload carried inside the box.
func (b Box) InitData() []byte { return b.Data }

// DRMSystem identifies the DRM system from the box's system_id field.
func (b Box) DRMSystem() types.SystemId {
	return types.SystemIdFromBytes(b.SystemID)
}

// EnsureSystemID checks that this box belongs to the expected DRM system.
func (b Box) EnsureSystemID(expected types.SystemId) error {
	actual := b.DRMSystem()
	if actual.Equal(expected) {
		return nil
	}
	return &Error{Kind: "system_id_mismatch", Actual: actual, Expected: expected}
}
