// Package cert issues development certificates for broker TLS listeners.
//
// An Authority is a self-signed P-256 CA. It issues server certificates for
// the host names and addresses a broker listens on; clients trust the CA
// through its PEM file (broker.tls.ca_file).
package cert

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"
)

// Validity periods.
const (
	// AuthorityValidity is the lifetime of a generated CA.
	AuthorityValidity = 5 * 365 * 24 * time.Hour

	// ServerCertValidity is the lifetime of an issued server certificate.
	ServerCertValidity = 90 * 24 * time.Hour

	// RenewalWindow is how long before expiry a certificate is reissued.
	RenewalWindow = 7 * 24 * time.Hour
)

// ErrInvalidCert is returned for nil or incomplete certificates.
var ErrInvalidCert = errors.New("invalid certificate")

// Authority is a development certificate authority.
type Authority struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// CertPool returns a pool holding only the authority certificate.
func (a *Authority) CertPool() *x509.CertPool {
	if a == nil || a.Certificate == nil {
		return nil
	}
	pool := x509.NewCertPool()
	pool.AddCert(a.Certificate)
	return pool
}

// ServerCert is a server certificate issued by an Authority.
type ServerCert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey

	// Issuer is the issuing CA certificate.
	Issuer *x509.Certificate
}

// TLSCertificate returns the certificate with its issuer chain for
// tls.Config.Certificates.
func (c *ServerCert) TLSCertificate() tls.Certificate {
	if c == nil || c.Certificate == nil || c.PrivateKey == nil {
		return tls.Certificate{}
	}
	chain := [][]byte{c.Certificate.Raw}
	if c.Issuer != nil {
		chain = append(chain, c.Issuer.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Certificate,
	}
}

// ExpiresAt returns when the certificate expires.
func (c *ServerCert) ExpiresAt() time.Time {
	if c == nil || c.Certificate == nil {
		return time.Time{}
	}
	return c.Certificate.NotAfter
}

// NeedsRenewal reports whether the certificate expires within the renewal
// window of now.
func (c *ServerCert) NeedsRenewal(now time.Time) bool {
	if c == nil || c.Certificate == nil {
		return true
	}
	return now.Add(RenewalWindow).After(c.Certificate.NotAfter)
}
