package widevine

import "sync"

// RootCertificateDER holds the DER-encoded SignedDrmCertificate for the
// Widevine root of trust. Operators provision it at startup, the same way a
// device's WVD file is provisioned, since embedding Google-issued key
// material in source would pin it permanently and block rotation.
var (
	rootCertMu sync.RWMutex
	rootCertDER []byte
)

// SetRootCertificateDER installs the root-of-trust certificate used to
// verify SignedDrmCertificate chains obtained via set_service_certificate.
func SetRootCertificateDER(der []byte) {
	rootCertMu.Lock()
	defer rootCertMu.Unlock()
	rootCertDER = append([]byte(nil), der...)
}

func rootCertificateDER() []byte {
	rootCertMu.RLock()
	defer rootCertMu.RUnlock()
	return rootCertDER
}

// ErrRootCertificateNotConfigured is returned by SetServiceCertificate when
// no root certificate has been installed via SetRootCertificateDER.
type ErrRootCertificateNotConfigured struct{}

func (ErrRootCertificateNotConfigured) Error() string {
	return "widevine: root certificate not configured"
}

// commonPrivacyCertDER and stagingPrivacyCertDER hold hardcoded,
// signature-unverified DRM certificates for the common and staging privacy
// endpoints, installed via SetServiceCertificateCommon/Staging. Operators
// supply these the same way they supply the root certificate: real
// Google-issued bytes belong in deployment configuration, not source.
var (
	commonPrivacyCertMu  sync.RWMutex
	commonPrivacyCertDER []byte

	stagingPrivacyCertMu  sync.RWMutex
	stagingPrivacyCertDER []byte
)

// SetCommonPrivacyCertificateDER installs the hardcoded common-endpoint
// privacy certificate bytes used by SetServiceCertificateCommon.
func SetCommonPrivacyCertificateDER(der []byte) {
	commonPrivacyCertMu.Lock()
	defer commonPrivacyCertMu.Unlock()
	commonPrivacyCertDER = append([]byte(nil), der...)
}

// SetStagingPrivacyCertificateDER installs the hardcoded staging-endpoint
// privacy certificate bytes used by SetServiceCertificateStaging.
func SetStagingPrivacyCertificateDER(der []byte) {
	stagingPrivacyCertMu.Lock()
	defer stagingPrivacyCertMu.Unlock()
	stagingPrivacyCertDER = append([]byte(nil), der...)
}
