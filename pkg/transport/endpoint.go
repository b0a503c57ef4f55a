package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Scheme selects the channel implementation for an endpoint.
type Scheme string

const (
	SchemeTCP   Scheme = "tcp"
	SchemeTLS   Scheme = "tls"
	SchemeWS    Scheme = "ws"
	SchemeWSS   Scheme = "wss"
	SchemeGRPC  Scheme = "grpc"
	SchemeGRPCS Scheme = "grpcs"
)

// Default ports per scheme family.
const (
	DefaultFramedPort    = 55556
	DefaultWebSocketPort = 8090
	DefaultGRPCPort      = 55555
)

// Secure reports whether the scheme runs over TLS.
func (s Scheme) Secure() bool {
	return s == SchemeTLS || s == SchemeWSS || s == SchemeGRPCS
}

func (s Scheme) defaultPort() int {
	switch s {
	case SchemeWS, SchemeWSS:
		return DefaultWebSocketPort
	case SchemeGRPC, SchemeGRPCS:
		return DefaultGRPCPort
	default:
		return DefaultFramedPort
	}
}

func (s Scheme) valid() bool {
	switch s {
	case SchemeTCP, SchemeTLS, SchemeWS, SchemeWSS, SchemeGRPC, SchemeGRPCS:
		return true
	}
	return false
}

// Endpoint is the broker address plus credentials. It is immutable; the
// With* methods return modified copies.
type Endpoint struct {
	scheme Scheme
	host   string
	port   int
	path   string
	token  string
	tls    TLSOptions
}

// ParseEndpoint parses a broker URL such as grpc://127.0.0.1:55555 or
// wss://broker.local/vss. A missing port is filled with the scheme default.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint: %w", err)
	}

	ep := Endpoint{scheme: Scheme(strings.ToLower(u.Scheme)), path: u.Path}
	if !ep.scheme.valid() {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	ep.host = u.Hostname()
	if ep.host == "" {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: missing host", raw)
	}

	ep.port = ep.scheme.defaultPort()
	if p := u.Port(); p != "" {
		ep.port, err = strconv.Atoi(p)
		if err != nil || ep.port <= 0 || ep.port > 65535 {
			return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port %q", raw, p)
		}
	}

	if u.User != nil {
		ep.token = u.User.Username()
	}
	return ep, nil
}

// MustParseEndpoint is like ParseEndpoint but panics on error.
func MustParseEndpoint(raw string) Endpoint {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// WithToken returns a copy of the endpoint carrying a bearer token.
func (e Endpoint) WithToken(token string) Endpoint {
	e.token = token
	return e
}

// WithTLS returns a copy of the endpoint with TLS options.
func (e Endpoint) WithTLS(opts TLSOptions) Endpoint {
	e.tls = opts
	return e
}

func (e Endpoint) Scheme() Scheme { return e.scheme }
func (e Endpoint) Host() string { return e.host }
func (e Endpoint) Port() int { return e.port }
func (e Endpoint) Path() string { return e.path }
func (e Endpoint) Token() string { return e.token }
func (e Endpoint) TLS() TLSOptions { return e.tls }

// IsZero reports whether the endpoint was never parsed.
func (e Endpoint) IsZero() bool { return e.scheme == "" }

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// String returns the endpoint URL without credentials.
func (e Endpoint) String() string {
	if e.IsZero() {
		return ""
	}
	return string(e.scheme) + "://" + e.Address() + e.path
}
