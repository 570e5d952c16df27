package playready

import (
	"encoding/binary"
	"fmt"
)

// XMR is PlayReady's binary license format: a "XMR\x00" magic, a version
// word, and a flat container of 4-byte-header TLV objects (type u16 BE,
// length u16 BE including the 4-byte header, payload). License objects of
// interest nest inside an outer rights container; this parser flattens one
// level of nesting since that is as deep as any object this CDM reads goes.
const (
	xmrObjOuterContainer  = 0x0001
	xmrObjContentKey      = 0x0002
	xmrObjECCDeviceKey    = 0x0003
	xmrObjSignature       = 0x0004
	xmrObjAuxiliaryKey    = 0x0005
)

// CipherType mirrors ContentKeyObject.cipher_type.
type CipherType uint16

const (
	CipherEcc256             CipherType = 1
	CipherEcc256WithKz       CipherType = 2
	CipherEcc256ViaSymmetric CipherType = 3
)

func (c CipherType) String() string {
	switch c {
	case CipherEcc256:
		return "Ecc256"
	case CipherEcc256WithKz:
		return "Ecc256WithKz"
	case CipherEcc256ViaSymmetric:
		return "Ecc256ViaSymmetric"
	default:
		return fmt.Sprintf("Unknown(%d)", uint16(c))
	}
}

// ContentKeyObject is a single license content-key record.
type ContentKeyObject struct {
	KeyID        [16]byte // PlayReady GUID byte order, as stored on the wire
	CipherType   CipherType
	EncryptedKey []byte
}

// ECCKeyObject carries the device public key the license was encrypted for.
type ECCKeyObject struct {
	Key [64]byte
}

// AuxKey is a single entry of an AuxiliaryKeyObject.
type AuxKey struct {
	Key [16]byte
}

// AuxKeyObject carries auxiliary keys used by the scalable key chain.
type AuxKeyObject struct {
	Keys []AuxKey
}

// SignatureObject carries the license's integrity tag.
type SignatureObject struct {
	SignatureData []byte
}

// License is a parsed XMR binary license.
type License struct {
	Raw           []byte
	ContentKeys   []ContentKeyObject
	ECCKey        *ECCKeyObject
	AuxKeys       *AuxKeyObject
	Signature     *SignatureObject
	signedMessage []byte // the byte range over which Signature was computed
}

const xmrMagic = "XMR\x00"

// ParseXMRLicense parses a decoded XMR binary license blob.
func ParseXMRLicense(data []byte) (*License, error) {
	if len(data) < 6 || string(data[0:4]) != xmrMagic {
		return nil, fmt.Errorf("playready: xmr: missing magic")
	}
	l := &License{Raw: data}

	offset := 6 // magic(4) + version(2)
	body := data[offset:]
	sigStart := -1
	if err := walkXMRObjects(body, l, &sigStart); err != nil {
		return nil, err
	}
	// The signed range is everything after the outer header up to (but
	// excluding) the signature object itself, matching how the server
	// computes the CMAC over the license body: a signature can't
	// authenticate a message that contains itself.
	if sigStart >= 0 {
		l.signedMessage = body[:sigStart]
	} else {
		l.signedMessage = body
	}
	return l, nil
}

func walkXMRObjects(data []byte, l *License, sigStart *int) error {
	offset := 0
	for offset+4 <= len(data) {
		typ := binary.BigEndian.Uint16(data[offset : offset+2])
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if length < 4 || offset+length > len(data) {
			return fmt.Errorf("playready: xmr: malformed object at offset %d", offset)
		}
		payload := data[offset+4 : offset+length]

		switch typ {
		case xmrObjOuterContainer:
			if err := walkXMRObjects(payload, l, sigStart); err != nil {
				return err
			}
		case xmrObjContentKey:
			ck, err := parseContentKeyObject(payload)
			if err != nil {
				return err
			}
			l.ContentKeys = append(l.ContentKeys, ck)
		case xmrObjECCDeviceKey:
			if len(payload) >= 64 {
				var k ECCKeyObject
				copy(k.Key[:], payload[:64])
				l.ECCKey = &k
			}
		case xmrObjAuxiliaryKey:
			aux, err := parseAuxKeyObject(payload)
			if err != nil {
				return err
			}
			l.AuxKeys = aux
		case xmrObjSignature:
			l.Signature = &SignatureObject{SignatureData: append([]byte(nil), payload...)}
			if *sigStart < 0 {
				*sigStart = offset
			}
		}
		offset += length
	}
	return nil
}

func parseContentKeyObject(payload []byte) (ContentKeyObject, error) {
	if len(payload) < 16+2+2 {
		return ContentKeyObject{}, fmt.Errorf("playready: xmr: content key object too short")
	}
	var ck ContentKeyObject
	copy(ck.KeyID[:], payload[0:16])
	ck.CipherType = CipherType(binary.BigEndian.Uint16(payload[16:18]))
	keyLen := int(binary.BigEndian.Uint16(payload[18:20]))
	if 20+keyLen > len(payload) {
		return ContentKeyObject{}, fmt.Errorf("playready: xmr: content key object truncated")
	}
	ck.EncryptedKey = append([]byte(nil), payload[20:20+keyLen]...)
	return ck, nil
}

func parseAuxKeyObject(payload []byte) (*AuxKeyObject, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("playready: xmr: aux key object too short")
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	offset := 2
	aux := &AuxKeyObject{}
	for i := 0; i < count; i++ {
		if offset+16 > len(payload) {
			return nil, fmt.Errorf("playready: xmr: aux key object truncated")
		}
		var k AuxKey
		copy(k.Key[:], payload[offset:offset+16])
		aux.Keys = append(aux.Keys, k)
		offset += 16
	}
	return aux, nil
}

// SignatureMessageBytes returns the byte range the license's CMAC signature
// was computed over.
func (l *License) SignatureMessageBytes() []byte { return l.signedMessage }

// kidToUUID converts a PlayReady-GUID-ordered key ID to standard
// big-endian UUID byte order: the first three fields are little-endian
// (GUID convention) and must be byte-swapped; the trailing 8 bytes are
// already in network order.
func kidToUUID(kid [16]byte) [16]byte {
	var out [16]byte
	out[0], out[1], out[2], out[3] = kid[3], kid[2], kid[1], kid[0]
	out[4], out[5] = kid[5], kid[4]
	out[6], out[7] = kid[7], kid[6]
	copy(out[8:16], kid[8:16])
	return out
}
