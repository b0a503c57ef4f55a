package cert

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthority(t *testing.T) {
	ca, err := NewAuthority("test CA")
	require.NoError(t, err)
	assert.True(t, ca.Certificate.IsCA)
	assert.Equal(t, "test CA", ca.Certificate.Subject.CommonName)
	assert.NotEmpty(t, ca.Certificate.SubjectKeyId)

	server, err := ca.IssueServer("broker.test", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "broker.test", server.Certificate.Subject.CommonName)
	assert.Equal(t, []string{"broker.test"}, server.Certificate.DNSNames)
	require.Len(t, server.Certificate.IPAddresses, 1)
	assert.True(t, server.Certificate.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
	assert.False(t, server.Certificate.IsCA)
	assert.Equal(t, ca.Certificate.SubjectKeyId, server.Certificate.AuthorityKeyId)
	assert.False(t, server.NeedsRenewal(time.Now()))
	assert.True(t, server.NeedsRenewal(server.ExpiresAt()))

	now := time.Now()
	require.NoError(t, VerifyServer(server.Certificate, ca.Certificate, "broker.test", now))
	require.NoError(t, VerifyServer(server.Certificate, ca.Certificate, "127.0.0.1", now))

	t.Run("WrongHost", func(t *testing.T) {
		assert.ErrorIs(t, VerifyServer(server.Certificate, ca.Certificate, "other.test", now), ErrInvalidChain)
	})
	t.Run("WrongCA", func(t *testing.T) {
		other, err := NewAuthority("other CA")
		require.NoError(t, err)
		assert.ErrorIs(t, VerifyServer(server.Certificate, other.Certificate, "broker.test", now), ErrInvalidChain)
	})
	t.Run("Validity", func(t *testing.T) {
		assert.ErrorIs(t, VerifyServer(server.Certificate, ca.Certificate, "broker.test", now.Add(-24*time.Hour)), ErrCertNotYetValid)
		assert.ErrorIs(t, VerifyServer(server.Certificate, ca.Certificate, "broker.test", now.Add(ServerCertValidity+time.Hour)), ErrCertExpired)
		assert.ErrorIs(t, VerifyServer(nil, ca.Certificate, "broker.test", now), ErrInvalidCert)
		assert.ErrorIs(t, VerifyServer(server.Certificate, nil, "broker.test", now), ErrInvalidChain)
	})
	t.Run("NoHosts", func(t *testing.T) {
		_, err := ca.IssueServer()
		assert.ErrorIs(t, err, ErrNoHosts)

		var empty *Authority
		_, err = empty.IssueServer("x")
		assert.ErrorIs(t, err, ErrInvalidCert)
	})
}

func TestTLSHandshake(t *testing.T) {
	ca, err := NewAuthority("test CA")
	require.NoError(t, err)
	server, err := ca.IssueServer("broker.test")
	require.NoError(t, err)

	tc := server.TLSCertificate()
	require.Len(t, tc.Certificate, 2, "leaf and issuer")

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{tc}})
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn.(*tls.Conn).Handshake()
		conn.Close()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{RootCAs: ca.CertPool(), ServerName: "broker.test"})
	require.NoError(t, err)
	conn.Close()
}

func TestPEM(t *testing.T) {
	ca, err := NewAuthority("test CA")
	require.NoError(t, err)

	c, err := DecodeCertPEM(EncodeCertPEM(ca.Certificate))
	require.NoError(t, err)
	assert.True(t, c.Equal(ca.Certificate))

	keyPEM, err := EncodeKeyPEM(ca.PrivateKey)
	require.NoError(t, err)
	key, err := DecodeKeyPEM(keyPEM)
	require.NoError(t, err)
	assert.True(t, key.Equal(ca.PrivateKey))

	_, err = DecodeCertPEM([]byte("nope"))
	assert.ErrorIs(t, err, ErrInvalidPEM)
	_, err = DecodeKeyPEM(EncodeCertPEM(ca.Certificate))
	assert.ErrorIs(t, err, ErrInvalidPEM)
}

func TestLoadOrCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")

	files, created, err := LoadOrCreate(dir, "localhost", "127.0.0.1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, FilesIn(dir), files)

	st, err := os.Stat(files.Key)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	_, err = tls.LoadX509KeyPair(files.Cert, files.Key)
	require.NoError(t, err)

	t.Run("Reused", func(t *testing.T) {
		before, err := os.ReadFile(files.Cert)
		require.NoError(t, err)

		_, created, err := LoadOrCreate(dir, "127.0.0.1")
		require.NoError(t, err)
		assert.False(t, created)

		after, err := os.ReadFile(files.Cert)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("NewHost", func(t *testing.T) {
		_, created, err := LoadOrCreate(dir, "localhost", "broker.test")
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("CorruptKey", func(t *testing.T) {
		require.NoError(t, os.WriteFile(files.Key, []byte("garbage"), 0o600))
		_, created, err := LoadOrCreate(dir, "localhost")
		require.NoError(t, err)
		assert.True(t, created)
	})
}

func TestGetInfo(t *testing.T) {
	ca, err := NewAuthority("test CA")
	require.NoError(t, err)
	server, err := ca.IssueServer("broker.test", "::1")
	require.NoError(t, err)

	info := GetInfo(server.Certificate)
	assert.Equal(t, "broker.test", info.CommonName)
	assert.Equal(t, "test CA", info.Issuer)
	assert.Equal(t, []string{"::1"}, info.IPs)
	assert.False(t, info.IsCA)
	assert.Nil(t, GetInfo(nil))
}
