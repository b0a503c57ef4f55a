package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/vehiclesignals/vss-go/pkg/version"
)

// BrowserConfig configures an MDNSBrowser.
type BrowserConfig struct {
	// Timeout bounds FindAll and Find. Zero uses DefaultBrowseTimeout.
	Timeout time.Duration

	// Interface restricts browsing to one network interface.
	Interface string

	// AnyVersion also reports brokers with an incompatible major version.
	AnyVersion bool

	Logger *slog.Logger
}

type browseFunc func(ctx context.Context, service, domain string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error

func zeroconfBrowse(ctx context.Context, service, domain string, entries, removed chan *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error {
	return zeroconf.Browse(ctx, service, domain, entries, removed, opts...)
}

// MDNSBrowser finds brokers.
type MDNSBrowser struct {
	config BrowserConfig
	logger *slog.Logger
	browse browseFunc
}

// NewMDNSBrowser creates a browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	if config.Timeout == 0 {
		config.Timeout = DefaultBrowseTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNSBrowser{
		config: config,
		logger: logger.With("component", "mdns-browser"),
		browse: zeroconfBrowse,
	}
}

// Browse reports brokers until ctx is done. Each instance is reported
// once, when first seen. An instance whose addresses have all been
// withdrawn is reported again when it reappears. The channel is closed
// when browsing ends.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *BrokerService, error) {
	var opts []zeroconf.ClientOption
	ifaces, err := selectInterfaces(b.config.Interface)
	if err != nil {
		return nil, err
	}
	if ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	ctx, cancel := context.WithCancel(ctx)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)
	out := make(chan *BrokerService)

	go func() {
		defer cancel()
		if err := b.browse(ctx, ServiceType, Domain, entries, removed, opts...); err != nil {
			b.logger.Warn("browse failed", "error", err)
		}
	}()

	go func() {
		defer close(out)
		services := make(map[string]*BrokerService)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc := b.entryToBroker(entry)
				if svc == nil {
					continue
				}
				if existing, found := services[svc.Instance]; found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				services[svc.Instance] = svc
				report := *svc
				report.Addresses = append([]string(nil), svc.Addresses...)
				select {
				case out <- &report:
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					removed = nil
					continue
				}
				if existing, found := services[entry.Instance]; found {
					existing.Addresses = removeAddresses(existing.Addresses, entry)
					if len(existing.Addresses) == 0 {
						delete(services, entry.Instance)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// FindAll browses for the configured timeout and returns every broker
// seen.
func (b *MDNSBrowser) FindAll(ctx context.Context) ([]*BrokerService, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	ch, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	var found []*BrokerService
	for svc := range ch {
		found = append(found, svc)
	}
	return found, nil
}

// Find returns the first broker with the given instance name, or the first
// broker at all if instance is empty.
func (b *MDNSBrowser) Find(ctx context.Context, instance string) (*BrokerService, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	ch, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for svc := range ch {
		if instance == "" || svc.Instance == instance {
			return svc, nil
		}
	}
	return nil, ErrNotFound
}

func (b *MDNSBrowser) entryToBroker(entry *zeroconf.ServiceEntry) *BrokerService {
	info, err := DecodeBrokerTXT(StringsToTXTRecords(entry.Text))
	if err != nil {
		b.logger.Debug("ignoring entry", "instance", entry.Instance, "error", err)
		return nil
	}
	if !b.config.AnyVersion && !version.CompatibleString(info.Version) {
		b.logger.Debug("ignoring entry", "instance", entry.Instance, "version", info.Version, "error", ErrIncompatible)
		return nil
	}
	return &BrokerService{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      uint16(entry.Port),
		Addresses: entryAddresses(entry),
		Scheme:    info.Scheme,
		Path:      info.Path,
		Version:   info.Version,
	}
}

func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return addrs
}

// mergeAddresses adds new addresses to existing, skipping duplicates.
func mergeAddresses(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range added {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

func removeAddresses(addresses []string, entry *zeroconf.ServiceEntry) []string {
	gone := make(map[string]bool)
	for _, addr := range entryAddresses(entry) {
		gone[addr] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !gone[addr] {
			result = append(result, addr)
		}
	}
	return result
}
