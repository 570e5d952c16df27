package types

import "strings"

// KeyType mirrors License.KeyContainer.KeyType from license_protocol.proto.
// Wire value 0 has no named variant: such keys are decrypted and processed
// internally but excluded from the ContentKeys() projection.
type KeyType uint8

const (
	Signing         KeyType = 1
	Content         KeyType = 2
	KeyControl      KeyType = 3
	OperatorSession KeyType = 4
	Entitlement     KeyType = 5
	OemContent      KeyType = 6
)

// KeyTypeFromU8 maps a raw wire value to a KeyType. Returns false for 0 or
// any value outside the closed enumeration.
func KeyTypeFromU8(u uint8) (KeyType, bool) {
	switch KeyType(u) {
	case Signing, Content, KeyControl, OperatorSession, Entitlement, OemContent:
		return KeyType(u), true
	default:
		return 0, false
	}
}

// ToU8 returns the protocol wire value for this key type.
func (k KeyType) ToU8() uint8 { return uint8(k) }

// Name returns the canonical upper-snake-case name for this key type.
func (k KeyType) Name() string {
	switch k {
	case Signing:
		return "SIGNING"
	case Content:
		return "CONTENT"
	case KeyControl:
		return "KEY_CONTROL"
	case OperatorSession:
		return "OPERATOR_SESSION"
	case Entitlement:
		return "ENTITLEMENT"
	case OemContent:
		return "OEM_CONTENT"
	default:
		return "UNKNOWN"
	}
}

// String implements fmt.Stringer.
func (k KeyType) String() string { return k.Name() }

// KeyTypeFromName parses a key type name case-insensitively, after trimming
// ASCII whitespace. Accepts exactly the names listed in spec §3.
func KeyTypeFromName(name string) (KeyType, bool) {
	switch strings.ToLower(trimASCII(name)) {
	case "signing":
		return Signing, true
	case "content":
		return Content, true
	case "key_control":
		return KeyControl, true
	case "operator_session":
		return OperatorSession, true
	case "entitlement":
		return Entitlement, true
	case "oem_content":
		return OemContent, true
	default:
		return 0, false
	}
}

// DeviceType is the Widevine device platform, as encoded in WVD byte offset 4.
type DeviceType uint8

const (
	Chrome  DeviceType = 1
	Android DeviceType = 2
)

func DeviceTypeFromU8(u uint8) (DeviceType, bool) {
	switch DeviceType(u) {
	case Chrome, Android:
		return DeviceType(u), true
	default:
		return 0, false
	}
}

func (d DeviceType) ToU8() uint8 { return uint8(d) }

func (d DeviceType) String() string {
	switch d {
	case Chrome:
		return "Chrome"
	case Android:
		return "Android"
	default:
		return "Unknown"
	}
}

func DeviceTypeFromName(name string) (DeviceType, bool) {
	switch strings.ToLower(trimASCII(name)) {
	case "chrome":
		return Chrome, true
	case "android":
		return Android, true
	default:
		return 0, false
	}
}

// SecurityLevel is the Widevine/PlayReady CDM security tier.
type SecurityLevel uint8

const (
	L1 SecurityLevel = 1
	L2 SecurityLevel = 2
	L3 SecurityLevel = 3
)

func SecurityLevelFromU8(u uint8) (SecurityLevel, bool) {
	switch SecurityLevel(u) {
	case L1, L2, L3:
		return SecurityLevel(u), true
	default:
		return 0, false
	}
}

func (s SecurityLevel) ToU8() uint8 { return uint8(s) }

func (s SecurityLevel) String() string {
	switch s {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	default:
		return "Unknown"
	}
}

func SecurityLevelFromName(name string) (SecurityLevel, bool) {
	switch strings.ToLower(trimASCII(name)) {
	case "1", "l1":
		return L1, true
	case "2", "l2":
		return L2, true
	case "3", "l3":
		return L3, true
	default:
		return 0, false
	}
}

// LicenseType is the Widevine license request type.
type LicenseType uint8

const (
	Streaming LicenseType = 1
	Offline   LicenseType = 2
	Automatic LicenseType = 3
)

func LicenseTypeFromName(name string) (LicenseType, bool) {
	switch strings.ToLower(trimASCII(name)) {
	case "streaming":
		return Streaming, true
	case "offline":
		return Offline, true
	case "automatic":
		return Automatic, true
	default:
		return 0, false
	}
}

func (l LicenseType) String() string {
	switch l {
	case Streaming:
		return "STREAMING"
	case Offline:
		return "OFFLINE"
	case Automatic:
		return "AUTOMATIC"
	default:
		return "UNKNOWN"
	}
}
