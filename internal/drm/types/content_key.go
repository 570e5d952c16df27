package types

import (
	"encoding/hex"
	"strings"
)

// ContentKey is a content decryption key extracted from a license response.
// Display renders "kid_hex:key_hex"; a debug rendering additionally prefixes
// the key type in brackets.
type ContentKey struct {
	kid     [16]byte
	key     []byte
	keyType KeyType
}

// NewContentKey builds a ContentKey with KeyType Content, the common case.
func NewContentKey(kid, key []byte) (ContentKey, error) {
	return NewContentKeyWithType(kid, key, Content)
}

// NewContentKeyWithType builds a ContentKey with an explicit key type.
func NewContentKeyWithType(kid, key []byte, keyType KeyType) (ContentKey, error) {
	if len(kid) != 16 {
		return ContentKey{}, newInvalidKidLength(len(kid))
	}
	if len(key) == 0 {
		return ContentKey{}, newEmptyKey()
	}
	var k ContentKey
	copy(k.kid[:], kid)
	k.key = append([]byte(nil), key...)
	k.keyType = keyType
	return k, nil
}

// Kid returns the 16-byte key identifier.
func (c ContentKey) Kid() [16]byte { return c.kid }

// Key returns the decrypted key bytes.
func (c ContentKey) Key() []byte { return c.key }

// KeyType returns the key's type.
func (c ContentKey) KeyType() KeyType { return c.keyType }

// KidHex returns the key ID as lowercase hex.
func (c ContentKey) KidHex() string { return hex.EncodeToString(c.kid[:]) }

// KeyHex returns the decrypted key as lowercase hex.
func (c ContentKey) KeyHex() string { return hex.EncodeToString(c.key) }

// String renders "kid_hex:key_hex".
func (c ContentKey) String() string {
	return c.KidHex() + ":" + c.KeyHex()
}

// DebugString renders "[TYPE] kid_hex:key_hex".
func (c ContentKey) DebugString() string {
	return "[" + c.keyType.Name() + "] " + c.KidHex() + ":" + c.KeyHex()
}

// Equal reports whether two content keys are identical in all fields.
func (c ContentKey) Equal(o ContentKey) bool {
	return c.kid == o.kid && c.keyType == o.keyType && string(c.key) == string(o.key)
}

// ParseContentKey parses "kid_hex:key_hex" into a ContentKey with
// KeyType Content. ASCII whitespace around either half of the colon is
// trimmed before hex-decoding.
func ParseContentKey(s string) (ContentKey, error) {
	kidHex, keyHex, ok := strings.Cut(s, ":")
	if !ok {
		return ContentKey{}, errInvalidFormat
	}
	kid, err := hex.DecodeString(trimASCII(kidHex))
	if err != nil {
		return ContentKey{}, newInvalidHex(err.Error())
	}
	key, err := hex.DecodeString(trimASCII(keyHex))
	if err != nil {
		return ContentKey{}, newInvalidHex(err.Error())
	}
	return NewContentKey(kid, key)
}
