package playready

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pcrypto "github.com/tibellium/vidcdm/internal/drm/crypto"
	"github.com/tibellium/vidcdm/internal/drm/types"
)

var sessionCounter uint64

// SessionError is the closed set of failures a Session's operations return.
type SessionError struct {
	Kind string // "malformed", "no_content_keys", "device_key_mismatch", "integrity_check_failed", "unsupported_cipher_type"
	Msg  string
}

func (e *SessionError) Error() string {
	if e.Msg != "" {
		return "playready: " + e.Kind + ": " + e.Msg
	}
	return "playready: " + e.Kind
}

// xmlKey is the ephemeral ECC session key generated for one challenge.
type xmlKey struct {
	private [32]byte
	public  [64]byte
	aesKey  [16]byte
	aesIV   [16]byte
}

func generateXMLKey() (*xmlKey, error) {
	priv, err := ecdsa.GenerateKey(wmrmCurve(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("playready: generate session key: %w", err)
	}
	k := &xmlKey{}
	priv.D.FillBytes(k.private[:])
	priv.X.FillBytes(k.public[0:32])
	priv.Y.FillBytes(k.public[32:64])

	var x [32]byte
	priv.X.FillBytes(x[:])
	copy(k.aesIV[:], x[0:16])
	copy(k.aesKey[:], x[16:32])
	return k, nil
}

// Session is a PlayReady CDM license exchange session bound to one device.
type Session struct {
	number uint64
	device *Device

	mu     sync.Mutex
	xmlKey *xmlKey

	keys []types.ContentKey
}

// NewSession creates a Session bound to device, drawing a monotonically
// increasing session number from a process-wide counter.
func NewSession(device *Device) *Session {
	n := atomic.AddUint64(&sessionCounter, 1)
	return &Session{number: n, device: device}
}

// Number returns the session's monotonically increasing number.
func (s *Session) Number() uint64 { return s.number }

// BuildLicenseChallenge builds a SOAP AcquireLicense request for the given
// raw PlayReady PSSH init data.
func (s *Session) BuildLicenseChallenge(psshData []byte) ([]byte, error) {
	wrmHeaderXML, err := ExtractWRMHeaderXML(psshData)
	if err != nil {
		return nil, &SessionError{Kind: "malformed", Msg: err.Error()}
	}
	wrmHeader, err := ParseWRMHeader(wrmHeaderXML)
	if err != nil {
		return nil, &SessionError{Kind: "malformed", Msg: err.Error()}
	}
	protocolVersion := wrmHeader.ProtocolVersion()

	key, err := generateXMLKey()
	if err != nil {
		return nil, err
	}

	wmrmPub := wmrmServerPublicKey()
	if wmrmPub == nil {
		return nil, ErrWMRMKeyNotConfigured{}
	}
	pubX, pubY := pointFromBytes(key.public)
	wrmserverData, err := pcrypto.ECElGamalEncrypt(wmrmPub, pubX, pubY)
	if err != nil {
		return nil, fmt.Errorf("playready: elgamal encrypt session key: %w", err)
	}
	var wrmserverFixed [128]byte
	copy(wrmserverFixed[:], wrmserverData)

	clientDataXML := buildClientDataXML(s.device.GroupCertificate)
	encryptedClientData, _, err := pcrypto.AESCBCEncrypt(key.aesKey[:], key.aesIV[:], clientDataXML)
	if err != nil {
		return nil, fmt.Errorf("playready: encrypt client data: %w", err)
	}

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	timestamp := uint64(time.Now().Unix())

	laXML := buildLAElement(protocolVersion, wrmHeaderXML, nonce, timestamp, wrmserverFixed, encryptedClientData)

	laDigest := pcrypto.SHA256([]byte(laXML))
	signedInfoXML := buildSignedInfoElement(laDigest)

	signature, err := pcrypto.ECDSASignP256SHA256(s.device.SigningKey.PrivateKey(), []byte(signedInfoXML))
	if err != nil {
		return nil, fmt.Errorf("playready: sign challenge: %w", err)
	}
	var sigFixed [64]byte
	copy(sigFixed[:], signature)

	envelope := buildSoapEnvelope(laXML, signedInfoXML, sigFixed, s.device.SigningKey.Public)

	s.mu.Lock()
	s.xmlKey = key
	s.mu.Unlock()

	return envelope, nil
}

// ParseLicenseResponse parses a SOAP AcquireLicense response, extracts
// every embedded XMR license blob, and returns the decrypted content keys.
func (s *Session) ParseLicenseResponse(raw []byte) ([]types.ContentKey, error) {
	blobs, err := extractLicenseBlobs(raw)
	if err != nil {
		return nil, err
	}
	if len(blobs) == 0 {
		return nil, &SessionError{Kind: "no_content_keys"}
	}

	var keys []types.ContentKey
	for _, b64 := range blobs {
		blob, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, &SessionError{Kind: "malformed", Msg: "base64 license blob: " + err.Error()}
		}
		xmr, err := ParseXMRLicense(blob)
		if err != nil {
			return nil, &SessionError{Kind: "malformed", Msg: err.Error()}
		}

		if xmr.ECCKey != nil && xmr.ECCKey.Key != s.device.EncryptionKey.Public {
			return nil, &SessionError{Kind: "device_key_mismatch"}
		}

		for _, ck := range xmr.ContentKeys {
			key, err := s.extractContentKey(ck, xmr)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
	}

	if len(keys) == 0 {
		return nil, &SessionError{Kind: "no_content_keys"}
	}
	s.keys = keys
	return s.keys, nil
}

func (s *Session) extractContentKey(ck ContentKeyObject, xmr *License) (types.ContentKey, error) {
	switch ck.CipherType {
	case CipherEcc256, CipherEcc256WithKz:
		return s.extractStandardKey(ck, xmr)
	case CipherEcc256ViaSymmetric:
		return s.extractScalableKey(ck, xmr)
	default:
		return types.ContentKey{}, &SessionError{Kind: "unsupported_cipher_type", Msg: ck.CipherType.String()}
	}
}

// extractStandardKey: ElGamal-decrypt, split into a 16-byte integrity key
// and a 16-byte content key, verify the license's CMAC against the
// integrity key, then convert the PlayReady GUID key ID to a standard UUID.
func (s *Session) extractStandardKey(ck ContentKeyObject, xmr *License) (types.ContentKey, error) {
	x, y, err := pcrypto.ECElGamalDecrypt(s.device.EncryptionKey.PrivateKey(), ck.EncryptedKey)
	if err != nil {
		return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: err.Error()}
	}
	decrypted := pointToBytes(x, y)

	var integrityKey, contentKey [16]byte
	copy(integrityKey[:], decrypted[:16])
	copy(contentKey[:], decrypted[16:32])

	if err := verifyLicenseIntegrity(xmr, integrityKey); err != nil {
		return types.ContentKey{}, err
	}

	kid := kidToUUID(ck.KeyID)
	return types.NewContentKeyWithType(kid[:], contentKey[:], types.Content)
}

// extractScalableKey implements the Ecc256ViaSymmetric "scalable" chain: an
// interleaved byte split of the ElGamal-decrypted 32 bytes, an AES-ECB key
// derivation ladder, and a two-pass AES-ECB decrypt (via encrypt, since the
// server encrypted using AES-ECB decrypt and this chain is its own inverse
// for single-block operations) of an embedded leaf license.
func (s *Session) extractScalableKey(ck ContentKeyObject, xmr *License) (types.ContentKey, error) {
	if len(ck.EncryptedKey) < 144 {
		return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: fmt.Sprintf("scalable license encrypted_key too short: %d bytes", len(ck.EncryptedKey))}
	}

	x, y, err := pcrypto.ECElGamalDecrypt(s.device.EncryptionKey.PrivateKey(), ck.EncryptedKey[:128])
	if err != nil {
		return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: err.Error()}
	}
	decrypted := pointToBytes(x, y)

	var ci, ck16 [16]byte
	for i := 0; i < 16; i++ {
		ci[i] = decrypted[i*2]
		ck16[i] = decrypted[i*2+1]
	}

	var rgbKey [16]byte
	for i := 0; i < 16; i++ {
		rgbKey[i] = ck16[i] ^ magicConstantZero[i]
	}

	contentKeyPrime, err := pcrypto.AESECBEncryptBlock(ck16[:], rgbKey[:])
	if err != nil {
		return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: err.Error()}
	}

	if xmr.AuxKeys == nil || len(xmr.AuxKeys.Keys) == 0 {
		return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: "scalable license missing auxiliary key"}
	}
	auxKey := xmr.AuxKeys.Keys[0]

	uplinkXKey, err := pcrypto.AESECBEncryptBlock(contentKeyPrime, auxKey.Key[:])
	if err != nil {
		return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: err.Error()}
	}

	secondaryBlock := ck.EncryptedKey[128:144]
	secondaryKey, err := pcrypto.AESECBEncryptBlock(ck16[:], secondaryBlock)
	if err != nil {
		return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: err.Error()}
	}

	embeddedLeaf := ck.EncryptedKey[144:]
	if len(embeddedLeaf) < 32 {
		return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: fmt.Sprintf("embedded leaf license too short: %d bytes", len(embeddedLeaf))}
	}

	result := make([]byte, 0, len(embeddedLeaf))
	for off := 0; off+16 <= len(embeddedLeaf); off += 16 {
		block := embeddedLeaf[off : off+16]
		pass1, err := pcrypto.AESECBEncryptBlock(uplinkXKey, block)
		if err != nil {
			return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: err.Error()}
		}
		pass2, err := pcrypto.AESECBEncryptBlock(secondaryKey, pass1)
		if err != nil {
			return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: err.Error()}
		}
		result = append(result, pass2...)
	}
	if rem := len(embeddedLeaf) % 16; rem != 0 {
		result = append(result, embeddedLeaf[len(embeddedLeaf)-rem:]...)
	}

	if len(result) < 32 {
		return types.ContentKey{}, &SessionError{Kind: "malformed", Msg: "decrypted leaf too short"}
	}
	var finalCI, finalCK [16]byte
	copy(finalCI[:], result[:16])
	copy(finalCK[:], result[16:32])

	if err := verifyLicenseIntegrity(xmr, finalCI); err != nil {
		return types.ContentKey{}, err
	}

	kid := kidToUUID(ck.KeyID)
	return types.NewContentKeyWithType(kid[:], finalCK[:], types.Content)
}

// verifyLicenseIntegrity checks the XMR license's CMAC signature object
// against the derived integrity key.
func verifyLicenseIntegrity(xmr *License, integrityKey [16]byte) error {
	if xmr.Signature == nil {
		return &SessionError{Kind: "integrity_check_failed"}
	}
	message := xmr.SignatureMessageBytes()
	if message == nil {
		return &SessionError{Kind: "integrity_check_failed"}
	}
	tag, err := pcrypto.CMAC(integrityKey[:], message)
	if err != nil {
		return &SessionError{Kind: "integrity_check_failed", Msg: err.Error()}
	}
	if !pcrypto.ConstantTimeEqual(tag, xmr.Signature.SignatureData) {
		return &SessionError{Kind: "integrity_check_failed"}
	}
	return nil
}

// Keys returns every extracted content key.
func (s *Session) Keys() []types.ContentKey { return s.keys }

// ContentKeys returns keys of type Content (the only type this CDM emits).
func (s *Session) ContentKeys() []types.ContentKey {
	return s.KeysOfType(types.Content)
}

// KeysOfType filters extracted keys by type.
func (s *Session) KeysOfType(t types.KeyType) []types.ContentKey {
	var out []types.ContentKey
	for _, k := range s.keys {
		if k.KeyType() == t {
			out = append(out, k)
		}
	}
	return out
}

// KeyByKid returns the content key matching kid, if any.
func (s *Session) KeyByKid(kid [16]byte) (types.ContentKey, bool) {
	for _, k := range s.keys {
		if k.Kid() == kid {
			return k, true
		}
	}
	return types.ContentKey{}, false
}
