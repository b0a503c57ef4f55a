package cert

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Verification errors.
var (
	ErrCertExpired     = errors.New("certificate has expired")
	ErrCertNotYetValid = errors.New("certificate is not yet valid")
	ErrInvalidChain    = errors.New("invalid certificate chain")
)

// VerifyServer checks that cert is valid at now, was issued by ca and
// covers host.
func VerifyServer(cert, ca *x509.Certificate, host string, now time.Time) error {
	if cert == nil {
		return ErrInvalidCert
	}
	if ca == nil {
		return fmt.Errorf("%w: CA certificate required", ErrInvalidChain)
	}
	if now.Before(cert.NotBefore) {
		return ErrCertNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertExpired
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	opts := x509.VerifyOptions{
		Roots:       roots,
		DNSName:     host,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return nil
}

// Info is a printable summary of a certificate.
type Info struct {
	CommonName string
	Issuer     string
	DNSNames   []string
	IPs        []string
	NotBefore  time.Time
	NotAfter   time.Time
	IsCA       bool
}

// GetInfo extracts a summary from cert.
func GetInfo(cert *x509.Certificate) *Info {
	if cert == nil {
		return nil
	}
	info := &Info{
		CommonName: cert.Subject.CommonName,
		Issuer:     cert.Issuer.CommonName,
		DNSNames:   cert.DNSNames,
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		IsCA:       cert.IsCA,
	}
	for _, ip := range cert.IPAddresses {
		info.IPs = append(info.IPs, ip.String())
	}
	return info
}
