package playready

import (
	"crypto/aes"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pcrypto "github.com/tibellium/vidcdm/internal/drm/crypto"
	"github.com/tibellium/vidcdm/internal/drm/types"
)

// aesDecryptBlock decrypts exactly one 16-byte AES-ECB block, the inverse of
// AESECBEncryptBlock. Used only to build a scalable-cipher test fixture: the
// embedded leaf license is constructed as the pre-image of the session's
// two-pass AES-ECB-encrypt decode chain.
func aesDecryptBlock(t *testing.T, key, block []byte) []byte {
	t.Helper()
	c, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, aes.BlockSize)
	c.Decrypt(out, block)
	return out
}

func testDevice(t *testing.T) *Device {
	t.Helper()
	encKey, err := GenerateEccKeyPair()
	require.NoError(t, err)
	signKey, err := GenerateEccKeyPair()
	require.NoError(t, err)
	return &Device{
		SecurityLevel:    types.L3,
		EncryptionKey:    encKey,
		SigningKey:       signKey,
		GroupCertificate: []byte("test group certificate placeholder"),
	}
}

func buildHeaderObjectPssh(t *testing.T, xml string) []byte {
	t.Helper()
	u16s := utf16.Encode([]rune(xml))
	payload := make([]byte, len(u16s)*2)
	for i, u := range u16s {
		binary.LittleEndian.PutUint16(payload[i*2:i*2+2], u)
	}

	var buf []byte
	buf = append(buf, make([]byte, 4)...) // total length placeholder
	var recCount [2]byte
	binary.LittleEndian.PutUint16(recCount[:], 1)
	buf = append(buf, recCount[:]...)

	var recType, recLen [2]byte
	binary.LittleEndian.PutUint16(recType[:], 1)
	binary.LittleEndian.PutUint16(recLen[:], uint16(len(payload)))
	buf = append(buf, recType[:]...)
	buf = append(buf, recLen[:]...)
	buf = append(buf, payload...)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf
}

func buildXMRObj(typ uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(out[0:2], typ)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	copy(out[4:], payload)
	return out
}

func wrapLicenseSoap(blobB64 string) []byte {
	xml := `<?xml version="1.0"?><soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<soap:Body><AcquireLicenseResponse><AcquireLicenseResult><Response><LicenseResponse>` +
		`<Licenses><License>` + blobB64 + `</License></Licenses>` +
		`</LicenseResponse></Response></AcquireLicenseResult></AcquireLicenseResponse></soap:Body></soap:Envelope>`
	return []byte(xml)
}

func TestBuildLicenseChallengeProducesSignedSoapEnvelope(t *testing.T) {
	device := testDevice(t)
	wmrmKey, err := GenerateEccKeyPair()
	require.NoError(t, err)
	SetWMRMServerPublicKey(wmrmKey.Public)

	sess := NewSession(device)
	psshData := buildHeaderObjectPssh(t, `<WRMHEADER xmlns="http://schemas.microsoft.com/DRM/2007/03/PlayReadyHeader" version="4.3.0.0"><DATA></DATA></WRMHEADER>`)

	challenge, err := sess.BuildLicenseChallenge(psshData)
	require.NoError(t, err)
	s := string(challenge)
	assert.Contains(t, s, "soap:Envelope")
	assert.Contains(t, s, "AcquireLicense")
	assert.Contains(t, s, "<Version>5</Version>")
	assert.Contains(t, s, "WMRMServer")

	sess.mu.Lock()
	key := sess.xmlKey
	sess.mu.Unlock()
	require.NotNil(t, key)
}

func TestParseLicenseResponseStandardCipher(t *testing.T) {
	device := testDevice(t)
	sess := NewSession(device)

	curve := elliptic.P256()
	r, err := rand.Int(rand.Reader, curve.Params().N)
	require.NoError(t, err)
	px, py := curve.ScalarBaseMult(r.Bytes())
	decrypted := pointToBytes(px, py)

	var expectedCI, expectedCK [16]byte
	copy(expectedCI[:], decrypted[:16])
	copy(expectedCK[:], decrypted[16:32])

	encryptedKey, err := pcrypto.ECElGamalEncrypt(device.EncryptionKey.PublicKey(), px, py)
	require.NoError(t, err)
	require.Len(t, encryptedKey, 128)

	var keyID [16]byte
	copy(keyID[:], []byte("playreadykeyid01"))

	ckObj := buildXMRObj(xmrObjContentKey, func() []byte {
		p := make([]byte, 0, 20+len(encryptedKey))
		p = append(p, keyID[:]...)
		var ct, kl [2]byte
		binary.BigEndian.PutUint16(ct[:], uint16(CipherEcc256))
		binary.BigEndian.PutUint16(kl[:], uint16(len(encryptedKey)))
		p = append(p, ct[:]...)
		p = append(p, kl[:]...)
		p = append(p, encryptedKey...)
		return p
	}())

	eccObj := buildXMRObj(xmrObjECCDeviceKey, device.EncryptionKey.Public[:])

	message := append(append([]byte{}, ckObj...), eccObj...)
	tag, err := pcrypto.CMAC(expectedCI[:], message)
	require.NoError(t, err)
	sigObj := buildXMRObj(xmrObjSignature, tag)

	blob := append([]byte(xmrMagic), 0x00, 0x01)
	blob = append(blob, ckObj...)
	blob = append(blob, eccObj...)
	blob = append(blob, sigObj...)

	blobB64 := base64.StdEncoding.EncodeToString(blob)
	keys, err := sess.ParseLicenseResponse(wrapLicenseSoap(blobB64))
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, kidToUUID(keyID), keys[0].Kid())
	assert.Equal(t, expectedCK[:], keys[0].Key())
	assert.Equal(t, types.Content, keys[0].KeyType())
}

func TestParseLicenseResponseScalableCipher(t *testing.T) {
	device := testDevice(t)
	sess := NewSession(device)

	curve := elliptic.P256()
	r, err := rand.Int(rand.Reader, curve.Params().N)
	require.NoError(t, err)
	px, py := curve.ScalarBaseMult(r.Bytes())
	decrypted := pointToBytes(px, py)

	var ci, ck [16]byte
	for i := 0; i < 16; i++ {
		ci[i] = decrypted[i*2]
		ck[i] = decrypted[i*2+1]
	}

	elgamalCiphertext, err := pcrypto.ECElGamalEncrypt(device.EncryptionKey.PublicKey(), px, py)
	require.NoError(t, err)
	require.Len(t, elgamalCiphertext, 128)

	var rgbKey [16]byte
	for i := 0; i < 16; i++ {
		rgbKey[i] = ck[i] ^ magicConstantZero[i]
	}
	contentKeyPrime, err := pcrypto.AESECBEncryptBlock(ck[:], rgbKey[:])
	require.NoError(t, err)

	var auxKeyBytes [16]byte
	_, err = rand.Read(auxKeyBytes[:])
	require.NoError(t, err)
	uplinkXKey, err := pcrypto.AESECBEncryptBlock(contentKeyPrime, auxKeyBytes[:])
	require.NoError(t, err)

	secondaryBlock := make([]byte, 16)
	_, err = rand.Read(secondaryBlock)
	require.NoError(t, err)
	secondaryKey, err := pcrypto.AESECBEncryptBlock(ck[:], secondaryBlock)
	require.NoError(t, err)

	var finalCI, finalCK [16]byte
	_, err = rand.Read(finalCI[:])
	require.NoError(t, err)
	_, err = rand.Read(finalCK[:])
	require.NoError(t, err)

	// The session decodes embeddedLeaf via two AES-ECB encrypt passes
	// (uplinkXKey then secondaryKey). Build its pre-image here with the
	// matching decrypt passes in reverse order, so the session recovers
	// exactly finalCI||finalCK.
	plainLeaf := append(append([]byte{}, finalCI[:]...), finalCK[:]...)
	embeddedLeaf := make([]byte, 0, len(plainLeaf))
	for off := 0; off+16 <= len(plainLeaf); off += 16 {
		block := plainLeaf[off : off+16]
		tmp := aesDecryptBlock(t, secondaryKey, block)
		leafBlock := aesDecryptBlock(t, uplinkXKey, tmp)
		embeddedLeaf = append(embeddedLeaf, leafBlock...)
	}

	encryptedKey := append(append([]byte{}, elgamalCiphertext...), secondaryBlock...)
	encryptedKey = append(encryptedKey, embeddedLeaf...)

	var keyID [16]byte
	copy(keyID[:], []byte("scalablekeyid123"))

	ckObj := buildXMRObj(xmrObjContentKey, func() []byte {
		p := make([]byte, 0, 20+len(encryptedKey))
		p = append(p, keyID[:]...)
		var ct, kl [2]byte
		binary.BigEndian.PutUint16(ct[:], uint16(CipherEcc256ViaSymmetric))
		binary.BigEndian.PutUint16(kl[:], uint16(len(encryptedKey)))
		p = append(p, ct[:]...)
		p = append(p, kl[:]...)
		p = append(p, encryptedKey...)
		return p
	}())
	eccObj := buildXMRObj(xmrObjECCDeviceKey, device.EncryptionKey.Public[:])
	auxObj := buildXMRObj(xmrObjAuxiliaryKey, func() []byte {
		var count [2]byte
		binary.BigEndian.PutUint16(count[:], 1)
		return append(count[:], auxKeyBytes[:]...)
	}())

	message := append(append(append([]byte{}, ckObj...), eccObj...), auxObj...)
	tag, err := pcrypto.CMAC(finalCI[:], message)
	require.NoError(t, err)
	sigObj := buildXMRObj(xmrObjSignature, tag)

	blob := append([]byte(xmrMagic), 0x00, 0x01)
	blob = append(blob, ckObj...)
	blob = append(blob, eccObj...)
	blob = append(blob, auxObj...)
	blob = append(blob, sigObj...)

	blobB64 := base64.StdEncoding.EncodeToString(blob)
	keys, err := sess.ParseLicenseResponse(wrapLicenseSoap(blobB64))
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, kidToUUID(keyID), keys[0].Kid())
	assert.Equal(t, finalCK[:], keys[0].Key())
}

func TestParseLicenseResponseDetectsSoapFault(t *testing.T) {
	device := testDevice(t)
	sess := NewSession(device)

	xml := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<soap:Body><soap:Fault><faultstring>Access denied</faultstring></soap:Fault></soap:Body></soap:Envelope>`

	_, err := sess.ParseLicenseResponse([]byte(xml))
	require.Error(t, err)
	var fault *SoapFaultError
	require.ErrorAs(t, err, &fault)
	assert.Contains(t, fault.Message, "Access denied")
}

func TestParseLicenseResponseDetectsDeviceKeyMismatch(t *testing.T) {
	device := testDevice(t)
	other := testDevice(t)
	sess := NewSession(device)

	eccObj := buildXMRObj(xmrObjECCDeviceKey, other.EncryptionKey.Public[:])
	blob := append([]byte(xmrMagic), 0x00, 0x01)
	blob = append(blob, eccObj...)
	blobB64 := base64.StdEncoding.EncodeToString(blob)

	_, err := sess.ParseLicenseResponse(wrapLicenseSoap(blobB64))
	require.Error(t, err)
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "device_key_mismatch", se.Kind)
}

func TestKidToUUIDByteOrderSwap(t *testing.T) {
	var kid [16]byte
	for i := range kid {
		kid[i] = byte(i)
	}
	got := kidToUUID(kid)
	assert.Equal(t, [4]byte{3, 2, 1, 0}, [4]byte(got[0:4]))
	assert.Equal(t, [2]byte{5, 4}, [2]byte(got[4:6]))
	assert.Equal(t, [2]byte{7, 6}, [2]byte(got[6:8]))
	assert.Equal(t, kid[8:16], got[8:16])
}
