package playready

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// XML namespace and algorithm URIs the challenge/response envelope uses.
const (
	soapNS        = "http://schemas.xmlsoap.org/soap/envelope/"
	protocolNS    = "http://schemas.microsoft.com/DRM/2007/03/protocols"
	messageNS     = "http://schemas.microsoft.com/DRM/2007/03/protocols/messages"
	xmlencNS      = "http://www.w3.org/2001/04/xmlenc#"
	xmldsigNS     = "http://www.w3.org/2000/09/xmldsig#"
	clientVersion = "1.0.0.0"

	aes128CBCAlgorithm = xmlencNS + "aes128-cbc"
	ecc256Algorithm    = xmlencNS + "ecc256"
	c14nAlgorithm      = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	ecdsaSHA256Alg     = xmldsigNS + "ecdsa-sha256"
	sha256Algorithm    = xmlencNS + "sha256"
)

// buildClientDataXML builds the <Data> element containing the device's
// BCert group certificate and AESCBC feature announcement.
func buildClientDataXML(groupCertificate []byte) []byte {
	certB64 := base64.StdEncoding.EncodeToString(groupCertificate)
	xml := "<Data>" +
		"<CertificateChains>" +
		"<CertificateChain> " + certB64 + " </CertificateChain>" +
		"</CertificateChains>" +
		"<Features>" +
		`<Feature Name="AESCBC"></Feature>` +
		"<REE>" +
		"<AESCBCS></AESCBCS>" +
		"</REE>" +
		"</Features>" +
		"</Data>"
	return []byte(xml)
}

// buildLAElement builds the <LA> element of the challenge.
func buildLAElement(protocolVersion uint32, wrmHeaderXML string, nonce [16]byte, timestamp uint64, wrmserverData [128]byte, encryptedClientData []byte) string {
	nonceB64 := base64.StdEncoding.EncodeToString(nonce[:])
	wrmserverB64 := base64.StdEncoding.EncodeToString(wrmserverData[:])
	clientDataB64 := base64.StdEncoding.EncodeToString(encryptedClientData)

	return fmt.Sprintf(
		`<LA xmlns="%s" Id="SignedData" xml:space="preserve">`+
			`<Version>%d</Version>`+
			`<ContentHeader>%s</ContentHeader>`+
			`<CLIENTINFO><CLIENTVERSION>%s</CLIENTVERSION></CLIENTINFO>`+
			`<LicenseNonce>%s</LicenseNonce>`+
			`<ClientTime>%d</ClientTime>`+
			`<EncryptedData xmlns="%s" Type="%sElement">`+
			`<EncryptionMethod Algorithm="%s"></EncryptionMethod>`+
			`<KeyInfo xmlns="%s">`+
			`<EncryptedKey xmlns="%s">`+
			`<EncryptionMethod Algorithm="%s"></EncryptionMethod>`+
			`<KeyInfo xmlns="%s"><KeyName>WMRMServer</KeyName></KeyInfo>`+
			`<CipherData><CipherValue>%s</CipherValue></CipherData>`+
			`</EncryptedKey>`+
			`</KeyInfo>`+
			`<CipherData><CipherValue>%s</CipherValue></CipherData>`+
			`</EncryptedData>`+
			`</LA>`,
		protocolNS, protocolVersion, wrmHeaderXML, clientVersion, nonceB64, timestamp,
		xmlencNS, xmlencNS, aes128CBCAlgorithm, xmldsigNS, xmlencNS, ecc256Algorithm,
		xmldsigNS, wrmserverB64, clientDataB64,
	)
}

// buildSignedInfoElement builds the <SignedInfo> element referencing the LA digest.
func buildSignedInfoElement(laDigest [32]byte) string {
	digestB64 := base64.StdEncoding.EncodeToString(laDigest[:])
	return fmt.Sprintf(
		`<SignedInfo xmlns="%s">`+
			`<CanonicalizationMethod Algorithm="%s"></CanonicalizationMethod>`+
			`<SignatureMethod Algorithm="%s"></SignatureMethod>`+
			`<Reference URI="#SignedData">`+
			`<DigestMethod Algorithm="%s"></DigestMethod>`+
			`<DigestValue>%s</DigestValue>`+
			`</Reference>`+
			`</SignedInfo>`,
		xmldsigNS, c14nAlgorithm, ecdsaSHA256Alg, sha256Algorithm, digestB64,
	)
}

// buildSoapEnvelope assembles the complete AcquireLicense SOAP request.
func buildSoapEnvelope(laXML, signedInfoXML string, signature [64]byte, signingPublicKey [64]byte) []byte {
	sigB64 := base64.StdEncoding.EncodeToString(signature[:])
	pubB64 := base64.StdEncoding.EncodeToString(signingPublicKey[:])

	xml := `<?xml version="1.0" encoding="utf-8"?>` +
		`<soap:Envelope xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" ` +
		`xmlns:xsd="http://www.w3.org/2001/XMLSchema" ` +
		`xmlns:soap="` + soapNS + `">` +
		`<soap:Body>` +
		`<AcquireLicense xmlns="` + protocolNS + `">` +
		`<challenge>` +
		`<Challenge xmlns="` + messageNS + `">` +
		laXML +
		`<Signature xmlns="` + xmldsigNS + `">` +
		signedInfoXML +
		`<SignatureValue>` + sigB64 + `</SignatureValue>` +
		`<KeyInfo xmlns="` + xmldsigNS + `">` +
		`<KeyValue><ECCKeyValue><PublicKey>` + pubB64 + `</PublicKey></ECCKeyValue></KeyValue>` +
		`</KeyInfo>` +
		`</Signature>` +
		`</Challenge>` +
		`</challenge>` +
		`</AcquireLicense>` +
		`</soap:Body>` +
		`</soap:Envelope>`
	return []byte(xml)
}

// SoapFaultError reports a SOAP fault found while parsing a license response.
type SoapFaultError struct{ Message string }

func (e *SoapFaultError) Error() string { return "playready: soap fault: " + e.Message }

// extractLicenseBlobs walks a SOAP response and returns the base64 text of
// every <License> element found anywhere in the document, and checks for a
// <Fault>/<faultstring>/<Text> element first.
func extractLicenseBlobs(xml []byte) ([]string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xml); err != nil {
		return nil, fmt.Errorf("playready: invalid soap xml: %w", err)
	}

	if fault := findFaultMessage(doc.Root()); fault != "" {
		return nil, &SoapFaultError{Message: fault}
	}

	var licenses []string
	for _, el := range doc.FindElements("//License") {
		text := strings.TrimSpace(el.Text())
		if text != "" {
			licenses = append(licenses, text)
		}
	}
	return licenses, nil
}

func findFaultMessage(el *etree.Element) string {
	if el == nil {
		return ""
	}
	if localName(el.Tag) == "Fault" {
		for _, child := range el.ChildElements() {
			name := localName(child.Tag)
			if name == "faultstring" || name == "Text" {
				if text := strings.TrimSpace(child.Text()); text != "" {
					return text
				}
			}
		}
	}
	for _, child := range el.ChildElements() {
		if msg := findFaultMessage(child); msg != "" {
			return msg
		}
	}
	return ""
}

func localName(tag string) string {
	if idx := strings.IndexByte(tag, ':'); idx >= 0 {
		return tag[idx+1:]
	}
	return tag
}
