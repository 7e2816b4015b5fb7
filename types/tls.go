package types

import (
	"crypto/tls"
	"net"
	"time"
)

// TLSManager owns the endpoint host's certificates. Serve returns a
// live TLS listener for the gate address; with autocert enabled the
// handshake config resolves certificates on demand.
type TLSManager interface {
	LifecycleManager
	Serve(addr string) (net.Listener, error)
	GetTLSConfig() *tls.Config
	GetCertificateStatus() map[string]CertificateStatus
}

// CertificateStatus is one domain's entry in the certificate report.
// Status is "valid", "expiring_soon", "expired" or "error".
type CertificateStatus struct {
	Domain          string    `json:"domain"`
	Status          string    `json:"status"`
	Issuer          string    `json:"issuer,omitempty"`
	Subject         string    `json:"subject,omitempty"`
	NotBefore       time.Time `json:"not_before,omitempty"`
	NotAfter        time.Time `json:"not_after,omitempty"`
	DaysUntilExpiry int       `json:"days_until_expiry,omitempty"`
	Error           string    `json:"error,omitempty"`
}
