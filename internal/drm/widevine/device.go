package widevine

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"

	"github.com/tibellium/vidcdm/internal/drm/types"
)

// Device is a loaded Widevine CDM device: its RSA identity and the opaque,
// already-serialized ClientIdentification protobuf blob the provisioning
// server issued for it.
type Device struct {
	DeviceType    types.DeviceType
	SecurityLevel types.SecurityLevel
	PrivateKey    *rsa.PrivateKey
	ClientID      []byte
}

// DeviceError is the closed set of WVD load failures.
type DeviceError struct {
	Kind    string // "truncated", "bad_magic", "unsupported_version", "bad_rsa_key", "bad_device_type", "bad_security_level"
	Version uint8
}

func (e *DeviceError) Error() string {
	switch e.Kind {
	case "truncated":
		return "wvd: truncated device file"
	case "bad_magic":
		return "wvd: bad magic"
	case "unsupported_version":
		return fmt.Sprintf("wvd: unsupported version %d", e.Version)
	case "bad_rsa_key":
		return "wvd: rsa key did not parse under any supported encoding"
	case "bad_device_type":
		return "wvd: unrecognized device type byte"
	case "bad_security_level":
		return "wvd: unrecognized security level byte"
	default:
		return "wvd: malformed device file"
	}
}

const wvdMagic = "WVD"

// LoadDevice parses a WVD v2 device file: "WVD" magic, 1-byte version (=2),
// 1-byte device_type, 1-byte security_level, u16 BE rsa key length, rsa key
// bytes (PKCS#1 or PKCS#8, DER or PEM, first format that parses wins), u16
// BE client_id length, client_id bytes (raw ClientIdentification protobuf).
func LoadDevice(data []byte) (*Device, error) {
	if len(data) < len(wvdMagic)+4 {
		return nil, &DeviceError{Kind: "truncated"}
	}
	if string(data[:3]) != wvdMagic {
		return nil, &DeviceError{Kind: "bad_magic"}
	}
	offset := 3

	version := data[offset]
	offset++
	if version != 2 {
		return nil, &DeviceError{Kind: "unsupported_version", Version: version}
	}

	if offset+2 > len(data) {
		return nil, &DeviceError{Kind: "truncated"}
	}
	deviceType, ok := types.DeviceTypeFromU8(data[offset])
	if !ok {
		return nil, &DeviceError{Kind: "bad_device_type"}
	}
	offset++
	securityLevel, ok := types.SecurityLevelFromU8(data[offset])
	if !ok {
		return nil, &DeviceError{Kind: "bad_security_level"}
	}
	offset++

	rsaKeyBytes, offset, err := readLenPrefixed(data, offset)
	if err != nil {
		return nil, err
	}
	privateKey, err := parseRSAPrivateKeyAnyFormat(rsaKeyBytes)
	if err != nil {
		return nil, &DeviceError{Kind: "bad_rsa_key"}
	}

	clientID, offset, err := readLenPrefixed(data, offset)
	if err != nil {
		return nil, err
	}
	_ = offset

	return &Device{
		DeviceType:    deviceType,
		SecurityLevel: securityLevel,
		PrivateKey:    privateKey,
		ClientID:      clientID,
	}, nil
}

func readLenPrefixed(data []byte, offset int) ([]byte, int, error) {
	if offset+2 > len(data) {
		return nil, 0, &DeviceError{Kind: "truncated"}
	}
	n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+n > len(data) {
		return nil, 0, &DeviceError{Kind: "truncated"}
	}
	return data[offset : offset+n], offset + n, nil
}

// parseRSAPrivateKeyAnyFormat tries, in order: PKCS#1 DER, PKCS#8 DER,
// PKCS#1 PEM, PKCS#8 PEM. The first encoding that parses wins.
func parseRSAPrivateKeyAnyFormat(raw []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(raw); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(raw); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
	}
	if block, _ := pem.Decode(raw); block != nil {
		if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return key, nil
		}
		if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
			if rsaKey, ok := key.(*rsa.PrivateKey); ok {
				return rsaKey, nil
			}
		}
	}
	return nil, fmt.Errorf("wvd: no supported rsa key encoding matched")
}

// ToBytes serializes the device back to WVD v2 bytes. Requires the original
// DER-or-PEM key bytes be re-derivable; since Go's rsa.PrivateKey loses the
// original encoding, this always emits PKCS#1 DER, which parses under the
// same "first format that parses wins" rule LoadDevice applies.
func (d *Device) ToBytes() []byte {
	keyDER := x509.MarshalPKCS1PrivateKey(d.PrivateKey)

	buf := make([]byte, 0, 3+1+1+1+2+len(keyDER)+2+len(d.ClientID))
	buf = append(buf, wvdMagic...)
	buf = append(buf, 2, d.DeviceType.ToU8(), d.SecurityLevel.ToU8())

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(keyDER)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, keyDER...)

	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(d.ClientID)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, d.ClientID...)

	return buf
}
