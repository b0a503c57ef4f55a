// Package version provides broker protocol version parsing and the ALPN
// identifiers derived from it.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Current is the broker protocol version spoken by this library.
const Current = "1.0"

// alpnPrefix prefixes the major version in ALPN protocol strings.
const alpnPrefix = "vss-broker/"

// ProtocolVersion is a parsed "major.minor" protocol version.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string.
func Parse(s string) (ProtocolVersion, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minor, ".") {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	maj, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad major component", s)
	}
	mnr, err := strconv.ParseUint(minor, 10, 16)
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}
	return ProtocolVersion{Major: uint16(maj), Minor: uint16(mnr)}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ProtocolVersion {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as "major.minor".
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible reports whether other shares the major version.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}

// CompatibleString parses s and checks it against the current version.
// Unparseable versions are incompatible.
func CompatibleString(s string) bool {
	other, err := Parse(s)
	if err != nil {
		return false
	}
	return MustParse(Current).Compatible(other)
}

// ALPNProtocol returns the ALPN protocol string for a major version:
// "vss-broker/N".
func ALPNProtocol(major uint16) string {
	return alpnPrefix + strconv.FormatUint(uint64(major), 10)
}

// MajorFromALPN extracts the major version from an ALPN protocol string.
func MajorFromALPN(alpn string) (uint16, error) {
	suffix, ok := strings.CutPrefix(alpn, alpnPrefix)
	if !ok {
		return 0, fmt.Errorf("not a broker ALPN protocol: %q", alpn)
	}
	if suffix == "" {
		return 0, fmt.Errorf("empty major version in ALPN: %q", alpn)
	}
	major, err := strconv.ParseUint(suffix, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid major version in ALPN %q: %w", alpn, err)
	}
	return uint16(major), nil
}

// SupportedALPNProtocols returns the ALPN protocol strings for all supported
// major versions.
func SupportedALPNProtocols() []string {
	return []string{ALPNProtocol(MustParse(Current).Major)}
}
