package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vehiclesignals/vss-go/pkg/transport"
	"github.com/vehiclesignals/vss-go/pkg/version"
)

// TXTRecordMap maps TXT keys to values.
type TXTRecordMap map[string]string

// EncodeBrokerTXT builds the TXT records for a broker. An empty version
// advertises version.Current.
func EncodeBrokerTXT(info *BrokerInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyScheme:  string(info.Scheme),
		TXTKeyVersion: info.Version,
	}
	if txt[TXTKeyVersion] == "" {
		txt[TXTKeyVersion] = version.Current
	}
	if info.Path != "" {
		txt[TXTKeyPath] = info.Path
	}
	return txt
}

// DecodeBrokerTXT parses TXT records into a BrokerInfo. Instance and port
// come from the SRV record and are left empty.
func DecodeBrokerTXT(txt TXTRecordMap) (*BrokerInfo, error) {
	scheme, ok := txt[TXTKeyScheme]
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyScheme)
	}
	ver, ok := txt[TXTKeyVersion]
	if !ok || ver == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVersion)
	}
	if _, err := version.Parse(ver); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTXTRecord, err)
	}

	// Validate the scheme by parsing a placeholder endpoint.
	if _, err := transport.ParseEndpoint(scheme + "://localhost"); err != nil {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidTXTRecord, scheme)
	}

	path := txt[TXTKeyPath]
	if path != "" && !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: path %q must start with /", ErrInvalidTXTRecord, path)
	}
	return &BrokerInfo{
		Scheme:  transport.Scheme(scheme),
		Path:    path,
		Version: ver,
	}, nil
}

// TXTRecordsToStrings converts a map to "key=value" strings sorted by key.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// StringsToTXTRecords parses "key=value" strings. Entries without '='
// are kept as keys with an empty value.
func StringsToTXTRecords(records []string) TXTRecordMap {
	txt := make(TXTRecordMap, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k == "" {
			continue
		}
		txt[strings.ToLower(k)] = v
	}
	return txt
}

// ValidateInstanceName checks the DNS-SD instance name constraints.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: instance name", ErrMissingRequired)
	}
	if len(name) > MaxInstanceNameLen {
		return fmt.Errorf("%w: %d bytes", ErrInstanceNameTooLong, len(name))
	}
	return nil
}
