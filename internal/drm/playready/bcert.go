package playready

import (
	"encoding/binary"
	"fmt"
)

// BCert attribute tags this CDM reads. The full PlayReady certificate
// format defines many more (domain, feature, manufacturer, signature...);
// only BasicInfo is needed to recover a leaf certificate's security level
// and only Certificate's embedded object tags matter for chain traversal.
const (
	bcertTagBasicInfo = 1
)

// BasicInfo is the subset of a BCert's BASIC_INFO attribute this CDM reads.
type BasicInfo struct {
	CertID        [16]byte
	SecurityLevel uint32
}

// Cert is a single parsed certificate within a chain.
type Cert struct {
	Raw       []byte
	BasicInfo *BasicInfo
}

// CertChain is a parsed BCert certificate chain ("CHAI"-prefixed container).
type CertChain struct {
	Certs []Cert
}

// ErrBCert reports a malformed BCert chain or certificate.
type ErrBCert struct{ Msg string }

func (e *ErrBCert) Error() string { return "bcert: " + e.Msg }

// ParseCertChain parses a BCert chain: "CHAI" magic, u32 BE version, u32 BE
// total_length, u32 BE flags, u32 BE cert_count, followed by cert_count
// back-to-back "CERT"-prefixed certificates.
func ParseCertChain(data []byte) (*CertChain, error) {
	if len(data) < 20 || string(data[0:4]) != "CHAI" {
		return nil, &ErrBCert{Msg: "missing CHAI magic"}
	}
	certCount := binary.BigEndian.Uint32(data[16:20])
	offset := 20

	chain := &CertChain{}
	for i := uint32(0); i < certCount; i++ {
		if offset+12 > len(data) || string(data[offset:offset+4]) != "CERT" {
			return nil, &ErrBCert{Msg: fmt.Sprintf("certificate %d: missing CERT magic", i)}
		}
		totalLen := int(binary.BigEndian.Uint32(data[offset+8 : offset+12]))
		if totalLen < 12 || offset+totalLen > len(data) {
			return nil, &ErrBCert{Msg: fmt.Sprintf("certificate %d: bad total_length", i)}
		}
		raw := data[offset : offset+totalLen]
		cert, err := parseCert(raw)
		if err != nil {
			return nil, err
		}
		chain.Certs = append(chain.Certs, cert)
		offset += totalLen
	}
	return chain, nil
}

func parseCert(raw []byte) (Cert, error) {
	cert := Cert{Raw: raw}
	offset := 12 // past CERT magic(4) + version(4) + total_length(4)
	for offset+8 <= len(raw) {
		tag := binary.BigEndian.Uint16(raw[offset : offset+2])
		length := int(binary.BigEndian.Uint16(raw[offset+2 : offset+4]))
		if length < 8 || offset+length > len(raw) {
			break
		}
		payload := raw[offset+8 : offset+length]

		if tag == bcertTagBasicInfo && len(payload) >= 20 {
			bi := &BasicInfo{}
			copy(bi.CertID[:], payload[0:16])
			bi.SecurityLevel = binary.BigEndian.Uint32(payload[16:20])
			cert.BasicInfo = bi
		}
		offset += length
	}
	return cert, nil
}

// Leaf returns the chain's first (leaf) certificate.
func (c *CertChain) Leaf() (Cert, bool) {
	if len(c.Certs) == 0 {
		return Cert{}, false
	}
	return c.Certs[0], true
}

// Root returns the chain's last (root) certificate.
func (c *CertChain) Root() (Cert, bool) {
	if len(c.Certs) == 0 {
		return Cert{}, false
	}
	return c.Certs[len(c.Certs)-1], true
}
