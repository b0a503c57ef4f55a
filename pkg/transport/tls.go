package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/vehiclesignals/vss-go/pkg/version"
)

// ALPNProtocol is negotiated on framed TLS channels.
var ALPNProtocol = version.SupportedALPNProtocols()[0]

// TLSOptions configures client-side TLS for an endpoint.
type TLSOptions struct {
	// CAFile is a PEM bundle of trusted roots. Empty uses the system pool.
	CAFile string

	// CertFile and KeyFile provide an optional client certificate.
	CertFile string
	KeyFile  string

	// ServerName overrides the name used for verification and SNI.
	ServerName string

	// InsecureSkipVerify disables certificate verification.
	// Only for testing.
	InsecureSkipVerify bool
}

// ClientConfig builds a TLS 1.3 client configuration. host is used as
// server name unless ServerName is set. nextProtos sets ALPN.
func (o TLSOptions) ClientConfig(host string, nextProtos ...string) (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ServerName:         host,
		NextProtos:         nextProtos,
		InsecureSkipVerify: o.InsecureSkipVerify,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
	if o.ServerName != "" {
		conf.ServerName = o.ServerName
	}

	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA file %s contains no certificates", o.CAFile)
		}
		conf.RootCAs = pool
	}

	if o.CertFile != "" || o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	return conf, nil
}

// NewServerTLSConfig creates a TLS 1.3 configuration for a framed broker
// listener.
func NewServerTLSConfig(cert tls.Certificate) (*tls.Config, error) {
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("server certificate is required")
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		SessionTicketsDisabled: true,
	}, nil
}

// VerifyTLS13 checks that a TLS connection is using TLS 1.3.
func VerifyTLS13(state tls.ConnectionState) error {
	if state.Version != tls.VersionTLS13 {
		return fmt.Errorf("TLS version %x is not TLS 1.3 (0x0304)", state.Version)
	}
	return nil
}

// VerifyALPN checks that the negotiated ALPN protocol is correct.
func VerifyALPN(state tls.ConnectionState) error {
	if state.NegotiatedProtocol != ALPNProtocol {
		return fmt.Errorf("ALPN protocol %q is not %q", state.NegotiatedProtocol, ALPNProtocol)
	}
	return nil
}

// VerifyConnection checks version and ALPN of a framed TLS channel.
func VerifyConnection(state tls.ConnectionState) error {
	if err := VerifyTLS13(state); err != nil {
		return err
	}
	return VerifyALPN(state)
}
