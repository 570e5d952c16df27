package widevine

// Minimal hand-rolled wire codec for the subset of Google's
// license_protocol.proto messages a CDM license exchange touches. Only the
// fields the session actually reads or sets are modeled; unknown fields
// encountered while decoding are skipped, not preserved, since this CDM
// never round-trips a message it did not itself build.

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType mirrors SignedMessage.MessageType.
type MessageType int32

const (
	MsgLicenseRequest            MessageType = 1
	MsgLicense                   MessageType = 2
	MsgErrorResponse             MessageType = 3
	MsgServiceCertificateRequest MessageType = 4
	MsgServiceCertificate        MessageType = 5
)

// RequestType mirrors LicenseRequest.RequestType.
type RequestType int32

const (
	ReqNew     RequestType = 0
	ReqRenewal RequestType = 1
	ReqRelease RequestType = 2
)

// SignedMessage mirrors the outer envelope around every request/response.
type SignedMessage struct {
	Type       MessageType
	Msg        []byte
	Signature  []byte
	SessionKey []byte
}

func (m *SignedMessage) Marshal() []byte {
	var b []byte
	if m.Type != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Type))
	}
	if len(m.Msg) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Msg)
	}
	if len(m.Signature) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Signature)
	}
	if len(m.SessionKey) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m.SessionKey)
	}
	return b
}

func UnmarshalSignedMessage(data []byte) (*SignedMessage, error) {
	m := &SignedMessage{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			m.Type = MessageType(u)
		case 2:
			m.Msg = v
		case 3:
			m.Signature = v
		case 4:
			m.SessionKey = v
		}
		return nil
	})
	return m, err
}

// WidevinePsshData mirrors LicenseRequest.ContentIdentification.WidevinePsshData.
type WidevinePsshData struct {
	PsshData    [][]byte
	LicenseType int32
	RequestID   []byte
}

func (d *WidevinePsshData) marshal() []byte {
	var b []byte
	for _, p := range d.PsshData {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	if d.LicenseType != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.LicenseType))
	}
	if len(d.RequestID) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, d.RequestID)
	}
	return b
}

// EncryptedClientIdentification mirrors LicenseRequest.EncryptedClientIdentification.
type EncryptedClientIdentification struct {
	ProviderID                     string
	ServiceCertificateSerialNumber []byte
	EncryptedClientID              []byte
	EncryptedClientIDIV            []byte
	EncryptedPrivacyKey            []byte
}

func (e *EncryptedClientIdentification) marshal() []byte {
	var b []byte
	if e.ProviderID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, e.ProviderID)
	}
	if len(e.ServiceCertificateSerialNumber) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, e.ServiceCertificateSerialNumber)
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, e.EncryptedClientID)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, e.EncryptedClientIDIV)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, e.EncryptedPrivacyKey)
	return b
}

// LicenseRequest mirrors the outer LicenseRequest message this CDM builds.
type LicenseRequest struct {
	ClientID          []byte // opaque, already-serialized ClientIdentification from the device file
	WidevinePsshData  *WidevinePsshData
	Type              RequestType
	RequestTimeSecs   int64
	EncryptedClientID *EncryptedClientIdentification
	KeyControlNonce   uint32
	ProtocolVersion   int32
}

func (r *LicenseRequest) Marshal() []byte {
	var b []byte
	if len(r.ClientID) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, r.ClientID)
	}
	if r.WidevinePsshData != nil {
		contentID := protowire.AppendTag(nil, 1, protowire.BytesType)
		contentID = protowire.AppendBytes(contentID, r.WidevinePsshData.marshal())
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, contentID)
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Type))
	if r.RequestTimeSecs != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.RequestTimeSecs))
	}
	if r.EncryptedClientID != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, r.EncryptedClientID.marshal())
	}
	if r.KeyControlNonce != 0 {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.KeyControlNonce))
	}
	if r.ProtocolVersion != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ProtocolVersion))
	}
	return b
}

// KeyContainer mirrors License.KeyContainer.
type KeyContainer struct {
	ID      []byte
	IV      []byte
	Key     []byte
	KeyType uint32
}

// License mirrors the License message carried inside SignedMessage.Msg.
type License struct {
	RequestID []byte // id.request_id
	Keys      []KeyContainer
}

func UnmarshalLicense(data []byte) (*License, error) {
	l := &License{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1: // id
			return walkFields(v, func(n2 protowire.Number, t2 protowire.Type, v2 []byte, u2 uint64) error {
				if n2 == 2 {
					l.RequestID = v2
				}
				return nil
			})
		case 2: // key (repeated KeyContainer)
			var kc KeyContainer
			if err := walkFields(v, func(n2 protowire.Number, t2 protowire.Type, v2 []byte, u2 uint64) error {
				switch n2 {
				case 1:
					kc.ID = v2
				case 2:
					kc.IV = v2
				case 3:
					kc.Key = v2
				case 4:
					kc.KeyType = uint32(u2)
				}
				return nil
			}); err != nil {
				return err
			}
			l.Keys = append(l.Keys, kc)
		}
		return nil
	})
	return l, err
}

// SignedDrmCertificate mirrors the envelope around a DrmCertificate.
type SignedDrmCertificate struct {
	DrmCertificate []byte
	SignatureType  int32
	Signature      []byte
}

func UnmarshalSignedDrmCertificate(data []byte) (*SignedDrmCertificate, error) {
	c := &SignedDrmCertificate{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			c.DrmCertificate = v
		case 2:
			c.SignatureType = int32(u)
		case 3:
			c.Signature = v
		}
		return nil
	})
	return c, err
}

// DrmCertificate mirrors the fields needed to extract the service's RSA key.
type DrmCertificate struct {
	Type         int32
	SerialNumber uint32
	PublicKeyDER []byte
	ProviderID   string
}

// PsshInitData mirrors the WidevineCencHeader carried inside a v0 Widevine
// PSSH box's data field: algorithm, embedded key IDs, content/provider IDs.
// Only read by inspection tooling; a license exchange never needs it since
// the PSSH box's own KeyIDList (v1) or raw Data (v0) is passed through as-is.
type PsshInitData struct {
	Algorithm int32
	KeyIDs    [][]byte
	ContentID []byte
	Provider  string
}

// DecodePsshInitData parses a Widevine PSSH box's init-data payload.
func DecodePsshInitData(data []byte) (*PsshInitData, error) {
	d := &PsshInitData{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			d.Algorithm = int32(u)
		case 2:
			d.KeyIDs = append(d.KeyIDs, v)
		case 3:
			d.Provider = string(v)
		case 4:
			d.ContentID = v
		}
		return nil
	})
	return d, err
}

func UnmarshalDrmCertificate(data []byte) (*DrmCertificate, error) {
	c := &DrmCertificate{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case 1:
			c.Type = int32(u)
		case 2:
			c.SerialNumber = uint32(u)
		case 4:
			c.PublicKeyDER = v
		case 7:
			c.ProviderID = string(v)
		}
		return nil
	})
	return c, err
}

// walkFields iterates the top-level fields of a serialized protobuf message.
// For varint fields the callback receives u; for length-delimited fields it
// receives v. Group-encoded fields are not supported (none of these messages
// use them).
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("widevine: malformed protobuf tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("widevine: malformed varint: %w", protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("widevine: malformed bytes field: %w", protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return fmt.Errorf("widevine: malformed fixed32: %w", protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, nil, uint64(v)); err != nil {
				return err
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return fmt.Errorf("widevine: malformed fixed64: %w", protowire.ParseError(n))
			}
			data = data[n:]
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("widevine: malformed field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
