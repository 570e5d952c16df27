// Package playready implements a PlayReady CDM license-exchange client: PRD
// device loading, SOAP AcquireLicense challenge construction, and XMR
// license response parsing down to content keys.
package playready

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/tibellium/vidcdm/internal/drm/types"
)

const prdMagic = "PRD"

// EccKeyPair is a P-256 keypair: 32-byte private scalar, 64-byte
// uncompressed public point (X || Y).
type EccKeyPair struct {
	Private [32]byte
	Public  [64]byte
}

// PrivateKey converts this pair into a stdlib ecdsa.PrivateKey.
func (k EccKeyPair) PrivateKey() *ecdsa.PrivateKey {
	curve := elliptic.P256()
	priv := new(ecdsa.PrivateKey)
	priv.Curve = curve
	priv.D = new(big.Int).SetBytes(k.Private[:])
	priv.X = new(big.Int).SetBytes(k.Public[0:32])
	priv.Y = new(big.Int).SetBytes(k.Public[32:64])
	return priv
}

// PublicKey converts this pair's public half into a stdlib ecdsa.PublicKey.
func (k EccKeyPair) PublicKey() *ecdsa.PublicKey {
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(k.Public[0:32]),
		Y:     new(big.Int).SetBytes(k.Public[32:64]),
	}
}

// Device is a loaded PlayReady device: its ECC keypairs and BCert group
// certificate chain.
type Device struct {
	SecurityLevel      types.SecurityLevel
	GroupKey           *EccKeyPair // only present in PRD v3
	EncryptionKey      EccKeyPair
	SigningKey         EccKeyPair
	GroupCertificate   []byte
}

// DeviceError is the closed set of PRD load failures.
type DeviceError struct {
	Kind    string // "truncated", "bad_magic", "unsupported_version", "bad_certificate"
	Version uint8
}

func (e *DeviceError) Error() string {
	switch e.Kind {
	case "truncated":
		return "prd: truncated device file"
	case "bad_magic":
		return "prd: bad magic"
	case "unsupported_version":
		return fmt.Sprintf("prd: unsupported version %d", e.Version)
	default:
		return "prd: malformed certificate chain"
	}
}

// LoadDevice parses a PRD v2 or v3 device file.
//
// v2: "PRD" magic, version=2, u32 BE cert_len, cert bytes, 96-byte
// encryption keypair, 96-byte signing keypair.
//
// v3: "PRD" magic, version=3, 96-byte group keypair (all-zero if absent),
// 96-byte encryption keypair, 96-byte signing keypair, u32 BE cert_len,
// cert bytes.
func LoadDevice(data []byte) (*Device, error) {
	if len(data) < 4 {
		return nil, &DeviceError{Kind: "truncated"}
	}
	if string(data[0:3]) != prdMagic {
		return nil, &DeviceError{Kind: "bad_magic"}
	}
	version := data[3]
	offset := 4

	switch version {
	case 2:
		return parseV2(data, offset)
	case 3:
		return parseV3(data, offset)
	default:
		return nil, &DeviceError{Kind: "unsupported_version", Version: version}
	}
}

func parseV2(data []byte, offset int) (*Device, error) {
	certBytes, offset, err := readU32LenPrefixed(data, offset)
	if err != nil {
		return nil, err
	}
	encKey, offset, err := readKeypair(data, offset)
	if err != nil {
		return nil, err
	}
	signKey, _, err := readKeypair(data, offset)
	if err != nil {
		return nil, err
	}
	level, err := extractSecurityLevel(certBytes)
	if err != nil {
		return nil, err
	}
	return &Device{
		SecurityLevel:    level,
		EncryptionKey:    encKey,
		SigningKey:       signKey,
		GroupCertificate: certBytes,
	}, nil
}

func parseV3(data []byte, offset int) (*Device, error) {
	groupKey, offset, err := readKeypair(data, offset)
	if err != nil {
		return nil, err
	}
	encKey, offset, err := readKeypair(data, offset)
	if err != nil {
		return nil, err
	}
	signKey, offset, err := readKeypair(data, offset)
	if err != nil {
		return nil, err
	}
	certBytes, _, err := readU32LenPrefixed(data, offset)
	if err != nil {
		return nil, err
	}
	level, err := extractSecurityLevel(certBytes)
	if err != nil {
		return nil, err
	}

	d := &Device{
		SecurityLevel:    level,
		EncryptionKey:    encKey,
		SigningKey:       signKey,
		GroupCertificate: certBytes,
	}
	var zero [32]byte
	if groupKey.Private != zero {
		gk := groupKey
		d.GroupKey = &gk
	}
	return d, nil
}

func readKeypair(data []byte, offset int) (EccKeyPair, int, error) {
	if offset+96 > len(data) {
		return EccKeyPair{}, 0, &DeviceError{Kind: "truncated"}
	}
	var kp EccKeyPair
	copy(kp.Private[:], data[offset:offset+32])
	copy(kp.Public[:], data[offset+32:offset+96])
	return kp, offset + 96, nil
}

func readU32LenPrefixed(data []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(data) {
		return nil, 0, &DeviceError{Kind: "truncated"}
	}
	n := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if n < 0 || offset+n > len(data) {
		return nil, 0, &DeviceError{Kind: "truncated"}
	}
	return data[offset : offset+n], offset + n, nil
}

func extractSecurityLevel(certBytes []byte) (types.SecurityLevel, error) {
	chain, err := ParseCertChain(certBytes)
	if err != nil {
		return 0, err
	}
	leaf, ok := chain.Leaf()
	if !ok || leaf.BasicInfo == nil {
		return 0, &DeviceError{Kind: "bad_certificate"}
	}
	return securityLevelFromU32(leaf.BasicInfo.SecurityLevel), nil
}

// securityLevelFromU32 maps the BCert numeric security level (2000/3000)
// onto the CDM's coarse L1/L2/L3 tiers.
func securityLevelFromU32(v uint32) types.SecurityLevel {
	switch {
	case v >= 3000:
		return types.L1
	case v >= 2000:
		return types.L2
	default:
		return types.L3
	}
}

// ToBytes always serializes as PRD v3; a v2-loaded device writes an
// all-zero group key.
func (d *Device) ToBytes() []byte {
	total := 4 + 96 + 96 + 96 + 4 + len(d.GroupCertificate)
	buf := make([]byte, 0, total)
	buf = append(buf, prdMagic...)
	buf = append(buf, 3)

	if d.GroupKey != nil {
		buf = append(buf, d.GroupKey.Private[:]...)
		buf = append(buf, d.GroupKey.Public[:]...)
	} else {
		buf = append(buf, make([]byte, 96)...)
	}
	buf = append(buf, d.EncryptionKey.Private[:]...)
	buf = append(buf, d.EncryptionKey.Public[:]...)
	buf = append(buf, d.SigningKey.Private[:]...)
	buf = append(buf, d.SigningKey.Public[:]...)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(d.GroupCertificate)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, d.GroupCertificate...)
	return buf
}

// HasGroupKey reports whether this device has a PRD v3 group key.
func (d *Device) HasGroupKey() bool { return d.GroupKey != nil }

// GenerateEccKeyPair creates a random P-256 keypair in PRD wire format,
// used by device provisioning tooling.
func GenerateEccKeyPair() (EccKeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return EccKeyPair{}, err
	}
	var kp EccKeyPair
	key.D.FillBytes(kp.Private[:])
	key.X.FillBytes(kp.Public[0:32])
	key.Y.FillBytes(kp.Public[32:64])
	return kp, nil
}
