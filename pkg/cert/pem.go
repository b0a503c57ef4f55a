package cert

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// PEM encoding/decoding errors.
var (
	ErrInvalidPEM = errors.New("invalid PEM data")
	ErrInvalidKey = errors.New("invalid private key")
)

// File names used by WriteFiles and LoadOrCreate.
const (
	CAFileName   = "ca.pem"
	CertFileName = "server.pem"
	KeyFileName  = "server-key.pem"
)

// EncodeCertPEM encodes an X.509 certificate to PEM format.
func EncodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}

// DecodeCertPEM decodes the first PEM-encoded X.509 certificate in data.
func DecodeCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	return x509.ParseCertificate(block.Bytes)
}

// EncodeKeyPEM encodes an ECDSA private key to PEM format.
func EncodeKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: der,
	}), nil
}

// DecodeKeyPEM decodes a PEM-encoded ECDSA private key.
func DecodeKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, ErrInvalidPEM
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// Files are the paths of a written CA and server certificate.
type Files struct {
	CA   string
	Cert string
	Key  string
}

// FilesIn returns the file paths under dir.
func FilesIn(dir string) Files {
	return Files{
		CA:   filepath.Join(dir, CAFileName),
		Cert: filepath.Join(dir, CertFileName),
		Key:  filepath.Join(dir, KeyFileName),
	}
}

// WriteFiles writes the CA certificate and the server certificate chain
// and key to dir. The key file is readable by the owner only.
func WriteFiles(dir string, ca *Authority, server *ServerCert) (Files, error) {
	if ca == nil || ca.Certificate == nil || server == nil || server.Certificate == nil {
		return Files{}, ErrInvalidCert
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, err
	}
	files := FilesIn(dir)

	key, err := EncodeKeyPEM(server.PrivateKey)
	if err != nil {
		return Files{}, err
	}
	chain := append(EncodeCertPEM(server.Certificate), EncodeCertPEM(ca.Certificate)...)

	for _, f := range []struct {
		path string
		data []byte
		perm os.FileMode
	}{
		{files.CA, EncodeCertPEM(ca.Certificate), 0o644},
		{files.Cert, chain, 0o644},
		{files.Key, key, 0o600},
	} {
		if err := os.WriteFile(f.path, f.data, f.perm); err != nil {
			return Files{}, fmt.Errorf("write %s: %w", filepath.Base(f.path), err)
		}
	}
	return files, nil
}

// LoadOrCreate reuses the certificate in dir when it is valid for every
// host and not due for renewal. Otherwise a new CA and server certificate
// are generated and written. The second return value reports generation.
func LoadOrCreate(dir string, hosts ...string) (Files, bool, error) {
	files := FilesIn(dir)
	if reusable(files, hosts, time.Now()) {
		return files, false, nil
	}

	ca, err := NewAuthority("vss-go development CA")
	if err != nil {
		return Files{}, false, err
	}
	server, err := ca.IssueServer(hosts...)
	if err != nil {
		return Files{}, false, err
	}
	files, err = WriteFiles(dir, ca, server)
	if err != nil {
		return Files{}, false, err
	}
	return files, true, nil
}

func reusable(files Files, hosts []string, now time.Time) bool {
	caPEM, err := os.ReadFile(files.CA)
	if err != nil {
		return false
	}
	ca, err := DecodeCertPEM(caPEM)
	if err != nil {
		return false
	}
	certPEM, err := os.ReadFile(files.Cert)
	if err != nil {
		return false
	}
	leaf, err := DecodeCertPEM(certPEM)
	if err != nil {
		return false
	}
	keyPEM, err := os.ReadFile(files.Key)
	if err != nil {
		return false
	}
	key, err := DecodeKeyPEM(keyPEM)
	if err != nil || !key.PublicKey.Equal(leaf.PublicKey) {
		return false
	}

	sc := &ServerCert{Certificate: leaf, PrivateKey: key, Issuer: ca}
	if sc.NeedsRenewal(now) {
		return false
	}
	return !slices.ContainsFunc(hosts, func(h string) bool {
		return VerifyServer(leaf, ca, h, now) != nil
	})
}
