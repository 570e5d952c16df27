// Package crypto collects the primitive cryptographic operations shared by
// the Widevine and PlayReady sessions: block cipher modes, padding, key
// derivation and the asymmetric signature/encryption schemes each license
// protocol relies on.
package crypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"

	"github.com/aead/cmac"
)

// ErrBadPadding is returned when PKCS#7 padding fails to validate.
var ErrBadPadding = errors.New("crypto: invalid PKCS#7 padding")

// Pkcs7Pad appends PKCS#7 padding so that len(result) is a multiple of
// blockSize.
func Pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

// Pkcs7Unpad validates and strips PKCS#7 padding.
func Pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-padLen], nil
}

// AESCBCEncrypt encrypts plaintext under AES-CBC with PKCS#7 padding,
// generating a random IV when iv is nil. Returns (ciphertext, iv).
func AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: aes cbc encrypt: %w", err)
	}
	if iv == nil {
		iv = make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, nil, fmt.Errorf("crypto: generate iv: %w", err)
		}
	}
	if len(iv) != aes.BlockSize {
		return nil, nil, fmt.Errorf("crypto: iv must be %d bytes", aes.BlockSize)
	}
	padded := Pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out, padded)
	return out, iv, nil
}

// AESCBCDecrypt decrypts AES-CBC ciphertext and strips PKCS#7 padding.
func AESCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cbc decrypt: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("crypto: iv must be %d bytes", aes.BlockSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, ciphertext)
	return Pkcs7Unpad(out, aes.BlockSize)
}

// AESECBEncryptBlock encrypts exactly one 16-byte block under AES-ECB. The
// PlayReady "scalable" content-key derivation chain calls this directly on
// raw blocks with no padding or chaining.
func AESECBEncryptBlock(key, block []byte) ([]byte, error) {
	if len(block) != aes.BlockSize {
		return nil, fmt.Errorf("crypto: ecb block must be %d bytes, got %d", aes.BlockSize, len(block))
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes ecb: %w", err)
	}
	out := make([]byte, aes.BlockSize)
	c.Encrypt(out, block)
	return out, nil
}

// CMAC computes AES-CMAC(key, message) and returns the full 16-byte tag.
func CMAC(key, message []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cmac: %w", err)
	}
	tag, err := cmac.Sum(message, block, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: cmac: %w", err)
	}
	return tag, nil
}

// HMACSHA256 computes HMAC-SHA256(key, message).
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// ConstantTimeEqual reports whether a and b are byte-identical, in time
// independent of where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RSAPSSSignSHA1 signs digest(message) with RSA-PSS using SHA-1, matching
// the signature scheme Widevine license requests and DRM certificates use.
func RSAPSSSignSHA1(key *rsa.PrivateKey, message []byte) ([]byte, error) {
	h := sha1.Sum(message)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA1}
	return rsa.SignPSS(rand.Reader, key, crypto.SHA1, h[:], opts)
}

// RSAPSSVerifySHA1 verifies an RSA-PSS-SHA1 signature over message.
func RSAPSSVerifySHA1(pub *rsa.PublicKey, message, signature []byte) error {
	h := sha1.Sum(message)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA1}
	return rsa.VerifyPSS(pub, crypto.SHA1, h[:], signature, opts)
}

// RSAOAEPEncryptSHA1 encrypts plaintext under RSA-OAEP with SHA-1, as used
// to wrap the Widevine privacy-mode client-ID key and the session key.
func RSAOAEPEncryptSHA1(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext, nil)
}

// RSAOAEPDecryptSHA1 decrypts an RSA-OAEP-SHA1 ciphertext.
func RSAOAEPDecryptSHA1(key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), rand.Reader, key, ciphertext, nil)
}

// ECDSASignP256SHA256 signs digest(message) with ECDSA over P-256, returning
// a fixed 64-byte r||s encoding (not ASN.1 DER), as PlayReady's SignedInfo
// signature requires.
func ECDSASignP256SHA256(key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	h := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, key, h[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdsa sign: %w", err)
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, nil
}

// ECDSAVerifyP256SHA256 verifies a fixed 64-byte r||s ECDSA-P256-SHA256
// signature.
func ECDSAVerifyP256SHA256(pub *ecdsa.PublicKey, message, signature []byte) bool {
	if len(signature) != 64 {
		return false
	}
	h := sha256.Sum256(message)
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])
	return ecdsa.Verify(pub, h[:], r, s)
}

// ECElGamalEncrypt implements the PlayReady ECC ElGamal scheme over P-256:
// choose a random scalar r, compute C1 = r*G and C2 = point + r*pub. The
// 128-byte wire format is C1.X || C1.Y || C2.X || C2.Y, each coordinate
// big-endian padded to 32 bytes.
func ECElGamalEncrypt(pub *ecdsa.PublicKey, pointX, pointY *big.Int) ([]byte, error) {
	curve := elliptic.P256()
	r, err := rand.Int(rand.Reader, curve.Params().N)
	if err != nil {
		return nil, fmt.Errorf("crypto: elgamal: %w", err)
	}
	c1x, c1y := curve.ScalarBaseMult(r.Bytes())
	sx, sy := curve.ScalarMult(pub.X, pub.Y, r.Bytes())
	c2x, c2y := curve.Add(pointX, pointY, sx, sy)

	out := make([]byte, 128)
	c1x.FillBytes(out[0:32])
	c1y.FillBytes(out[32:64])
	c2x.FillBytes(out[64:96])
	c2y.FillBytes(out[96:128])
	return out, nil
}

// ECElGamalDecrypt reverses ECElGamalEncrypt given the matching private
// scalar: point = C2 - priv*C1. Returns the point's X and Y coordinates.
func ECElGamalDecrypt(priv *ecdsa.PrivateKey, ciphertext []byte) (x, y *big.Int, err error) {
	if len(ciphertext) != 128 {
		return nil, nil, fmt.Errorf("crypto: elgamal ciphertext must be 128 bytes, got %d", len(ciphertext))
	}
	curve := elliptic.P256()
	c1x := new(big.Int).SetBytes(ciphertext[0:32])
	c1y := new(big.Int).SetBytes(ciphertext[32:64])
	c2x := new(big.Int).SetBytes(ciphertext[64:96])
	c2y := new(big.Int).SetBytes(ciphertext[96:128])

	sx, sy := curve.ScalarMult(c1x, c1y, priv.D.Bytes())
	sy.Neg(sy)
	sy.Mod(sy, curve.Params().P)

	px, py := curve.Add(c2x, c2y, sx, sy)
	return px, py, nil
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}
