package widevine

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wvcrypto "github.com/tibellium/vidcdm/internal/drm/crypto"
	"github.com/tibellium/vidcdm/internal/drm/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// marshalLicenseForTest serializes a License the way a real license server
// would, so tests can build a fake response without needing a Marshal method
// in the production API (only the server side ever constructs a License).
func marshalLicenseForTest(l *License) []byte {
	var b []byte
	id := protowire.AppendTag(nil, 2, protowire.BytesType)
	id = protowire.AppendBytes(id, l.RequestID)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, id)

	for _, kc := range l.Keys {
		var kcb []byte
		if len(kc.ID) > 0 {
			kcb = protowire.AppendTag(kcb, 1, protowire.BytesType)
			kcb = protowire.AppendBytes(kcb, kc.ID)
		}
		kcb = protowire.AppendTag(kcb, 2, protowire.BytesType)
		kcb = protowire.AppendBytes(kcb, kc.IV)
		kcb = protowire.AppendTag(kcb, 3, protowire.BytesType)
		kcb = protowire.AppendBytes(kcb, kc.Key)
		kcb = protowire.AppendTag(kcb, 4, protowire.VarintType)
		kcb = protowire.AppendVarint(kcb, uint64(kc.KeyType))

		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, kcb)
	}
	return b
}

// unmarshalLicenseRequestForTest decodes just enough of a LicenseRequest to
// recover the WidevinePsshData.request_id a real server would read.
func unmarshalLicenseRequestForTest(data []byte) (*LicenseRequest, error) {
	req := &LicenseRequest{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		if num != 2 {
			return nil
		}
		// content_id.widevine_pssh_data
		return walkFields(v, func(n2 protowire.Number, t2 protowire.Type, v2 []byte, u2 uint64) error {
			if n2 != 1 {
				return nil
			}
			pd := &WidevinePsshData{}
			err := walkFields(v2, func(n3 protowire.Number, t3 protowire.Type, v3 []byte, u3 uint64) error {
				switch n3 {
				case 1:
					pd.PsshData = append(pd.PsshData, v3)
				case 2:
					pd.LicenseType = int32(u3)
				case 3:
					pd.RequestID = v3
				}
				return nil
			})
			if err != nil {
				return err
			}
			req.WidevinePsshData = pd
			return nil
		})
	})
	return req, err
}

func testDevice(t *testing.T) *Device {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &Device{
		DeviceType:    types.Chrome,
		SecurityLevel: types.L3,
		PrivateKey:    key,
		ClientID:      []byte("opaque client identification protobuf bytes"),
	}
}

// buildFakeLicense builds and signs a License response as a real server
// would, given the session's own challenge contexts, so the round trip
// exercises derivation, verification and decryption without needing a real
// Widevine license server.
func buildFakeLicense(t *testing.T, sess *Session, requestID []byte, sessionPub *rsa.PublicKey, encContext, macContext []byte, kid [16]byte, contentKey []byte) []byte {
	t.Helper()

	sessionKey := make([]byte, 16)
	_, err := rand.Read(sessionKey)
	require.NoError(t, err)

	derived, err := deriveKeys(sessionKey, encContext, macContext)
	require.NoError(t, err)

	ciphertext, iv, err := wvcrypto.AESCBCEncrypt(derived.encKey, nil, contentKey)
	require.NoError(t, err)

	license := &License{
		RequestID: requestID,
		Keys: []KeyContainer{
			{ID: kid[:], IV: iv, Key: ciphertext, KeyType: uint32(types.Content)},
		},
	}
	licenseBytes := marshalLicenseForTest(license)

	sig := wvcrypto.HMACSHA256(derived.macKeyServer, licenseBytes)

	encSessionKey, err := wvcrypto.RSAOAEPEncryptSHA1(sessionPub, sessionKey)
	require.NoError(t, err)

	outer := &SignedMessage{
		Type:       MsgLicense,
		Msg:        licenseBytes,
		Signature:  sig,
		SessionKey: encSessionKey,
	}
	return outer.Marshal()
}

func TestSessionChallengeAndResponseRoundTrip(t *testing.T) {
	device := testDevice(t)
	sess := NewSession(device)

	pssh := []byte("raw pssh init data payload")
	challenge, err := sess.BuildLicenseChallenge(pssh, types.Streaming)
	require.NoError(t, err)
	require.NotEmpty(t, challenge)

	outer, err := UnmarshalSignedMessage(challenge)
	require.NoError(t, err)
	assert.Equal(t, MsgLicenseRequest, outer.Type)

	err = wvcrypto.RSAPSSVerifySHA1(&device.PrivateKey.PublicKey, outer.Msg, outer.Signature)
	require.NoError(t, err)

	req, err := unmarshalLicenseRequestForTest(outer.Msg)
	require.NoError(t, err)
	require.NotNil(t, req.WidevinePsshData)
	require.Len(t, req.WidevinePsshData.RequestID, 16)

	sess.mu.Lock()
	ctx, ok := sess.contexts[string(req.WidevinePsshData.RequestID)]
	sess.mu.Unlock()
	require.True(t, ok)

	var kid [16]byte
	kid[15] = 7
	contentKey := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	licenseMsg := buildFakeLicense(t, sess, req.WidevinePsshData.RequestID, &device.PrivateKey.PublicKey, ctx.encContext, ctx.macContext, kid, contentKey)

	keys, err := sess.ParseLicenseResponse(licenseMsg)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, kid, keys[0].Kid())
	assert.Equal(t, contentKey, keys[0].Key())
	assert.Equal(t, types.Content, keys[0].KeyType())
}

func TestParseLicenseResponseRejectsUnknownRequestID(t *testing.T) {
	device := testDevice(t)
	sess := NewSession(device)

	_, err := sess.BuildLicenseChallenge([]byte("pssh"), types.Streaming)
	require.NoError(t, err)

	sessionKey := make([]byte, 16)
	encSessionKey, err := wvcrypto.RSAOAEPEncryptSHA1(&device.PrivateKey.PublicKey, sessionKey)
	require.NoError(t, err)

	license := &License{RequestID: []byte("not-a-real-request-id!!")}
	outer := &SignedMessage{Type: MsgLicense, Msg: marshalLicenseForTest(license), SessionKey: encSessionKey}

	_, err = sess.ParseLicenseResponse(outer.Marshal())
	require.Error(t, err)
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "context_not_found", se.Kind)
}

func TestParseLicenseResponseRejectsWrongMessageType(t *testing.T) {
	device := testDevice(t)
	sess := NewSession(device)

	outer := &SignedMessage{Type: MsgErrorResponse}
	_, err := sess.ParseLicenseResponse(outer.Marshal())
	require.Error(t, err)
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "wrong_message_type", se.Kind)
}

func TestNormalizeKeyIDDecimalString(t *testing.T) {
	got := normalizeKeyID([]byte("12345"))
	assert.Equal(t, uint64(12345), beU64(got[8:16]))
	assert.Equal(t, [8]byte{}, [8]byte(got[:8]))
}

func beU64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func TestNormalizeKeyIDRawBytesPadded(t *testing.T) {
	got := normalizeKeyID([]byte{0xaa, 0xbb})
	assert.Equal(t, byte(0xaa), got[0])
	assert.Equal(t, byte(0xbb), got[1])
	assert.Equal(t, byte(0), got[2])
}
