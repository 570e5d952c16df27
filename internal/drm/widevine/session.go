// Package widevine implements a Widevine CDM license-exchange client: WVD
// device loading, LicenseRequest challenge construction (including privacy
// mode), and License response parsing down to content keys.
package widevine

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	wvcrypto "github.com/tibellium/vidcdm/internal/drm/crypto"
	"github.com/tibellium/vidcdm/internal/drm/types"
)

var sessionCounter uint64

// SessionError is the closed set of failures a Session's operations return.
type SessionError struct {
	Kind string // "context_not_found", "integrity_check_failed", "no_content_keys", "bad_signature", "malformed", "wrong_message_type"
	Msg  string
}

func (e *SessionError) Error() string {
	if e.Msg != "" {
		return "widevine: " + e.Kind + ": " + e.Msg
	}
	return "widevine: " + e.Kind
}

type sessionContext struct {
	encContext []byte
	macContext []byte
}

// Session is a single Widevine CDM license exchange session bound to one
// device.
type Session struct {
	device            *Device
	sessionNumber     uint64
	serviceCert       *DrmCertificate
	privacyModeActive bool

	mu       sync.Mutex
	contexts map[string]sessionContext

	keys         []types.ContentKey
	macKeyClient []byte // retained from the last license response; no renewal API uses it
}

// NewSession creates a Session bound to device, drawing a monotonically
// increasing session number from a process-wide counter.
func NewSession(device *Device) *Session {
	n := atomic.AddUint64(&sessionCounter, 1)
	return &Session{
		device:        device,
		sessionNumber: n,
		contexts:      make(map[string]sessionContext),
	}
}

// ServiceCertificateRequest returns the static SignedMessage requesting a
// service's privacy certificate.
func ServiceCertificateRequest() []byte {
	m := &SignedMessage{Type: MsgServiceCertificateRequest}
	return m.Marshal()
}

// SetServiceCertificate decodes a SignedDrmCertificate, verifies its
// RSA-PSS-SHA1 signature against the configured root certificate, and
// installs it for privacy mode.
func (s *Session) SetServiceCertificate(raw []byte) error {
	root := rootCertificateDER()
	if len(root) == 0 {
		return ErrRootCertificateNotConfigured{}
	}
	rootCert, err := UnmarshalSignedDrmCertificate(root)
	if err != nil {
		return &SessionError{Kind: "malformed", Msg: "root certificate: " + err.Error()}
	}
	rootDrmCert, err := UnmarshalDrmCertificate(rootCert.DrmCertificate)
	if err != nil {
		return &SessionError{Kind: "malformed", Msg: "root certificate: " + err.Error()}
	}
	rootPub, err := x509.ParsePKCS1PublicKey(rootDrmCert.PublicKeyDER)
	if err != nil {
		if key, err2 := x509.ParsePKIXPublicKey(rootDrmCert.PublicKeyDER); err2 == nil {
			if rsaPub, ok := key.(*rsa.PublicKey); ok {
				rootPub = rsaPub
				err = nil
			}
		}
	}
	if err != nil {
		return &SessionError{Kind: "malformed", Msg: "root certificate public key: " + err.Error()}
	}

	signed, err := UnmarshalSignedDrmCertificate(raw)
	if err != nil {
		return &SessionError{Kind: "malformed", Msg: err.Error()}
	}
	if err := wvcrypto.RSAPSSVerifySHA1(rootPub, signed.DrmCertificate, signed.Signature); err != nil {
		return &SessionError{Kind: "bad_signature", Msg: err.Error()}
	}
	cert, err := UnmarshalDrmCertificate(signed.DrmCertificate)
	if err != nil {
		return &SessionError{Kind: "malformed", Msg: err.Error()}
	}
	s.serviceCert = cert
	s.privacyModeActive = true
	return nil
}

// SetServiceCertificateCommon installs the hardcoded common-endpoint
// privacy certificate without signature verification.
func (s *Session) SetServiceCertificateCommon() error {
	return s.setHardcodedCertificate(commonPrivacyCertDER, &commonPrivacyCertMu)
}

// SetServiceCertificateStaging installs the hardcoded staging-endpoint
// privacy certificate without signature verification.
func (s *Session) SetServiceCertificateStaging() error {
	return s.setHardcodedCertificate(stagingPrivacyCertDER, &stagingPrivacyCertMu)
}

func (s *Session) setHardcodedCertificate(der []byte, mu *sync.RWMutex) error {
	mu.RLock()
	defer mu.RUnlock()
	if len(der) == 0 {
		return &SessionError{Kind: "malformed", Msg: "hardcoded privacy certificate not configured"}
	}
	signed, err := UnmarshalSignedDrmCertificate(der)
	if err != nil {
		return &SessionError{Kind: "malformed", Msg: err.Error()}
	}
	cert, err := UnmarshalDrmCertificate(signed.DrmCertificate)
	if err != nil {
		return &SessionError{Kind: "malformed", Msg: err.Error()}
	}
	s.serviceCert = cert
	s.privacyModeActive = true
	return nil
}

// requestID builds the 16-byte request ID. Android devices mimic the
// OEMCrypto CTR counter block: 4 random bytes, 4 zero bytes, then the
// session number little-endian. Chrome devices use 16 random bytes.
func (s *Session) requestID() ([16]byte, error) {
	var id [16]byte
	if s.device.DeviceType == types.Android {
		if _, err := rand.Read(id[0:4]); err != nil {
			return id, err
		}
		binary.LittleEndian.PutUint64(id[8:16], s.sessionNumber)
		return id, nil
	}
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// BuildLicenseChallenge builds a signed LICENSE_REQUEST SignedMessage for
// the given raw PSSH init data and license type.
func (s *Session) BuildLicenseChallenge(psshData []byte, licenseType types.LicenseType) ([]byte, error) {
	reqID, err := s.requestID()
	if err != nil {
		return nil, fmt.Errorf("widevine: generate request id: %w", err)
	}

	req := &LicenseRequest{
		WidevinePsshData: &WidevinePsshData{
			PsshData:    [][]byte{psshData},
			LicenseType: int32(licenseTypeToWire(licenseType)),
			RequestID:   reqID[:],
		},
		Type:            ReqNew,
		RequestTimeSecs: time.Now().Unix(),
		KeyControlNonce: randomNonce(),
		ProtocolVersion: 21,
	}

	if s.privacyModeActive {
		encClientID, err := s.encryptClientIDForPrivacy()
		if err != nil {
			return nil, err
		}
		req.EncryptedClientID = encClientID
	} else {
		req.ClientID = s.device.ClientID
	}

	msg := req.Marshal()

	encContext := append([]byte("ENCRYPTION\x00"), msg...)
	encContext = append(encContext, 0x00, 0x00, 0x00, 0x80)
	macContext := append([]byte("AUTHENTICATION\x00"), msg...)
	macContext = append(macContext, 0x00, 0x00, 0x02, 0x00)

	s.mu.Lock()
	s.contexts[string(reqID[:])] = sessionContext{encContext: encContext, macContext: macContext}
	s.mu.Unlock()

	sig, err := wvcrypto.RSAPSSSignSHA1(s.device.PrivateKey, msg)
	if err != nil {
		return nil, fmt.Errorf("widevine: sign license request: %w", err)
	}

	out := &SignedMessage{Type: MsgLicenseRequest, Msg: msg, Signature: sig}
	return out.Marshal(), nil
}

func licenseTypeToWire(lt types.LicenseType) int32 {
	switch lt {
	case types.Offline:
		return 2
	case types.Automatic:
		return 3
	default:
		return 1
	}
}

func randomNonce() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	n := binary.BigEndian.Uint32(b[:]) % (1<<31 - 1)
	return n + 1
}

func (s *Session) encryptClientIDForPrivacy() (*EncryptedClientIdentification, error) {
	pub, err := x509.ParsePKCS1PublicKey(s.serviceCert.PublicKeyDER)
	if err != nil {
		key, err2 := x509.ParsePKIXPublicKey(s.serviceCert.PublicKeyDER)
		if err2 != nil {
			return nil, fmt.Errorf("widevine: service certificate public key: %w", err)
		}
		rsaPub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("widevine: service certificate public key is not RSA")
		}
		pub = rsaPub
	}

	privacyKey := make([]byte, 16)
	if _, err := rand.Read(privacyKey); err != nil {
		return nil, err
	}
	ciphertext, iv, err := wvcrypto.AESCBCEncrypt(privacyKey, nil, s.device.ClientID)
	if err != nil {
		return nil, err
	}
	encPrivacyKey, err := wvcrypto.RSAOAEPEncryptSHA1(pub, privacyKey)
	if err != nil {
		return nil, err
	}

	var serial [4]byte
	binary.BigEndian.PutUint32(serial[:], s.serviceCert.SerialNumber)

	return &EncryptedClientIdentification{
		ProviderID:                     s.serviceCert.ProviderID,
		ServiceCertificateSerialNumber: serial[:],
		EncryptedClientID:              ciphertext,
		EncryptedClientIDIV:            iv,
		EncryptedPrivacyKey:            encPrivacyKey,
	}, nil
}

// ParseLicenseResponse decodes a LICENSE SignedMessage, derives the session
// keys, verifies the response's integrity, decrypts every key container and
// returns the resulting content keys.
func (s *Session) ParseLicenseResponse(raw []byte) ([]types.ContentKey, error) {
	outer, err := UnmarshalSignedMessage(raw)
	if err != nil {
		return nil, &SessionError{Kind: "malformed", Msg: err.Error()}
	}
	if outer.Type != MsgLicense {
		return nil, &SessionError{Kind: "wrong_message_type", Msg: fmt.Sprintf("got %d, want LICENSE", outer.Type)}
	}

	sessionKey, err := wvcrypto.RSAOAEPDecryptSHA1(s.device.PrivateKey, outer.SessionKey)
	if err != nil {
		return nil, &SessionError{Kind: "bad_signature", Msg: "session key decrypt: " + err.Error()}
	}

	license, err := UnmarshalLicense(outer.Msg)
	if err != nil {
		return nil, &SessionError{Kind: "malformed", Msg: err.Error()}
	}

	s.mu.Lock()
	ctx, ok := s.contexts[string(license.RequestID)]
	delete(s.contexts, string(license.RequestID))
	s.mu.Unlock()
	if !ok {
		return nil, &SessionError{Kind: "context_not_found"}
	}

	derived, err := deriveKeys(sessionKey, ctx.encContext, ctx.macContext)
	if err != nil {
		return nil, &SessionError{Kind: "malformed", Msg: err.Error()}
	}

	expectedSig := wvcrypto.HMACSHA256(derived.macKeyServer, outer.Msg)
	if !wvcrypto.ConstantTimeEqual(expectedSig, outer.Signature) {
		return nil, &SessionError{Kind: "integrity_check_failed"}
	}

	var keys []types.ContentKey
	for _, kc := range license.Keys {
		if len(kc.IV) == 0 || len(kc.Key) == 0 {
			continue
		}
		plain, err := wvcrypto.AESCBCDecrypt(derived.encKey, kc.IV, kc.Key)
		if err != nil {
			return nil, &SessionError{Kind: "malformed", Msg: "key container decrypt: " + err.Error()}
		}
		keyType, _ := types.KeyTypeFromU8(uint8(kc.KeyType))

		kid := normalizeKeyID(kc.ID)
		ck, err := types.NewContentKeyWithType(kid[:], plain, keyType)
		if err != nil {
			return nil, &SessionError{Kind: "malformed", Msg: err.Error()}
		}
		keys = append(keys, ck)
	}

	if len(keys) == 0 {
		return nil, &SessionError{Kind: "no_content_keys"}
	}
	s.keys = keys
	s.macKeyClient = derived.macKeyClient
	return s.contentKeysOnly(), nil
}

// normalizeKeyID normalizes a KeyContainer's raw ID: if it decodes as UTF-8
// and parses as a decimal integer, use that integer's 16-byte big-endian
// encoding; otherwise right-pad (or truncate) to 16 bytes.
func normalizeKeyID(raw []byte) [16]byte {
	var out [16]byte
	if n, err := strconv.ParseUint(string(raw), 10, 64); err == nil && len(raw) > 0 {
		binary.BigEndian.PutUint64(out[8:16], n)
		return out
	}
	copy(out[:], raw)
	return out
}

// Keys returns every extracted content key, including internal key types
// excluded from ContentKeys().
func (s *Session) Keys() []types.ContentKey { return s.keys }

// ContentKeys returns only keys whose type is known (wire value != 0).
func (s *Session) ContentKeys() []types.ContentKey { return s.contentKeysOnly() }

// contentKeysOnly excludes keys whose wire key_type was 0 (unknown): those
// are decrypted and retained in Keys() but never surface in the projection.
func (s *Session) contentKeysOnly() []types.ContentKey {
	out := make([]types.ContentKey, 0, len(s.keys))
	for _, k := range s.keys {
		if k.KeyType() == 0 {
			continue
		}
		out = append(out, k)
	}
	return out
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

type derivedKeys struct {
	encKey       []byte
	macKeyServer []byte
	macKeyClient []byte
}

// deriveKeys computes the enc_key, mac_key_server and mac_key_client triple
// via the AES-CMAC chain over the session key.
func deriveKeys(sessionKey, encContext, macContext []byte) (derivedKeys, error) {
	encKey, err := wvcrypto.CMAC(sessionKey, append([]byte{0x01}, encContext...))
	if err != nil {
		return derivedKeys{}, err
	}
	macServerA, err := wvcrypto.CMAC(sessionKey, append([]byte{0x01}, macContext...))
	if err != nil {
		return derivedKeys{}, err
	}
	macServerB, err := wvcrypto.CMAC(sessionKey, append([]byte{0x02}, macContext...))
	if err != nil {
		return derivedKeys{}, err
	}
	macClientA, err := wvcrypto.CMAC(sessionKey, append([]byte{0x03}, macContext...))
	if err != nil {
		return derivedKeys{}, err
	}
	macClientB, err := wvcrypto.CMAC(sessionKey, append([]byte{0x04}, macContext...))
	if err != nil {
		return derivedKeys{}, err
	}
	return derivedKeys{
		encKey:       encKey,
		macKeyServer: append(append([]byte{}, macServerA...), macServerB...),
		macKeyClient: append(append([]byte{}, macClientA...), macClientB...),
	}, nil
}
