package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/vehiclesignals/vss-go/pkg/transport"
)

// Service identification.
const (
	ServiceType = "_vss-broker._tcp"
	Domain      = "local"
)

// TXT record keys.
const (
	TXTKeyScheme  = "scheme"
	TXTKeyPath    = "path"
	TXTKeyVersion = "ver"
)

const (
	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63

	// DefaultBrowseTimeout bounds FindAll and Find.
	DefaultBrowseTimeout = 3 * time.Second

	// DefaultTTL is the record TTL announced by advertisers.
	DefaultTTL = 120 * time.Second
)

var (
	ErrNotFound            = errors.New("broker not found")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrIncompatible        = errors.New("incompatible protocol version")
)

// BrokerInfo is what an advertiser publishes.
type BrokerInfo struct {
	// Instance is the DNS-SD instance name, unique on the link.
	Instance string

	Scheme  transport.Scheme
	Port    uint16
	Path    string
	Version string
}

// BrokerService is a broker found by a browser. Addresses from all
// interfaces the broker answered on are merged.
type BrokerService struct {
	Instance  string
	Host      string
	Port      uint16
	Addresses []string
	Scheme    transport.Scheme
	Path      string
	Version   string
}

// Endpoint returns the broker endpoint. The first IPv4 address is
// preferred over the advertised host name.
func (s *BrokerService) Endpoint() (transport.Endpoint, error) {
	host := s.Host
	for _, addr := range s.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	if host == "" && len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	if host == "" {
		return transport.Endpoint{}, fmt.Errorf("broker %s: %w: host", s.Instance, ErrMissingRequired)
	}
	raw := string(s.Scheme) + "://" + net.JoinHostPort(host, strconv.Itoa(int(s.Port))) + s.Path
	return transport.ParseEndpoint(raw)
}
