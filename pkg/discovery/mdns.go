package discovery

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/enbility/zeroconf/v3"
)

// mDNS constants.
const (
	// ServiceType is the service vacuums advertise.
	ServiceType = "_miio._udp"

	// Domain is the mDNS domain.
	Domain = "local"
)

// Service is one advertised vacuum, aggregated across interfaces.
type Service struct {
	// Instance is the full mDNS instance name,
	// e.g. "roborock-vacuum-s5_miio260426251".
	Instance string

	// Model is the product model parsed from the instance name,
	// e.g. "roborock.vacuum.s5".
	Model string

	// MiioID is the numeric device id parsed from the instance name.
	// It is not the DUID; matching a service to an account device
	// goes through the announcement listener or the device's IP.
	MiioID string

	// Host is the advertised hostname.
	Host string

	// Port is the advertised service port.
	Port uint16

	// Addresses holds every address the service was seen on.
	Addresses []string
}

// BrowserConfig configures the mDNS browser.
type BrowserConfig struct {
	// Interface limits browsing to one network interface. Empty
	// browses all interfaces.
	Interface string

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Browser finds advertised vacuums via mDNS.
type Browser struct {
	config BrowserConfig
	logger *slog.Logger
}

// NewBrowser creates a browser.
func NewBrowser(config BrowserConfig) *Browser {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Browser{
		config: config,
		logger: config.Logger,
	}
}

// Browse streams advertised vacuums until ctx ends, then closes the
// stream. Services are aggregated by instance name: addresses seen on
// further interfaces merge into the already-emitted service, and a
// service whose last address disappears is forgotten, so it is emitted
// again if it returns.
func (b *Browser) Browse(ctx context.Context) (<-chan *Service, error) {
	out := make(chan *Service, 8)

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go b.collect(ctx, entries, removed, out)

	opts := b.browserOptions()
	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...); err != nil && ctx.Err() == nil {
			b.logger.Warn("mdns browse failed", "error", err)
		}
	}()

	return out, nil
}

// collect aggregates raw zeroconf entries into Services.
func (b *Browser) collect(ctx context.Context, entries, removed <-chan *zeroconf.ServiceEntry, out chan<- *Service) {
	defer close(out)

	// Track services by instance name, aggregating addresses.
	services := make(map[string]*Service)

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			svc := entryToService(entry)
			if svc == nil {
				continue
			}

			existing, found := services[svc.Instance]
			if found {
				// Merge addresses into the existing entry.
				existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
				continue
			}

			services[svc.Instance] = svc
			b.logger.Debug("mdns service found",
				"instance", svc.Instance,
				"model", svc.Model,
				"addresses", svc.Addresses)
			select {
			case out <- svc:
			case <-ctx.Done():
				return
			}

		case entry, ok := <-removed:
			if !ok {
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
}

// browserOptions returns zeroconf client options based on config.
func (b *Browser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption

	if b.config.Interface != "" {
		iface, err := net.InterfaceByName(b.config.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}

	return opts
}

// entryToService converts a zeroconf entry to a Service. Entries for
// other miio products, and entries whose instance name does not parse,
// return nil.
func entryToService(entry *zeroconf.ServiceEntry) *Service {
	model, id, ok := parseInstanceName(entry.Instance)
	if !ok || !strings.HasPrefix(model, "roborock.vacuum") {
		return nil
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	return &Service{
		Instance:  entry.Instance,
		Model:     model,
		MiioID:    id,
		Host:      entry.HostName,
		Port:      uint16(entry.Port),
		Addresses: addrs,
	}
}

// parseInstanceName splits an instance name like
// "roborock-vacuum-s5_miio260426251" into the dotted product model and
// the numeric miio id.
func parseInstanceName(instance string) (model, id string, ok bool) {
	name, id, found := strings.Cut(instance, "_miio")
	if !found || name == "" || id == "" {
		return "", "", false
	}
	return strings.ReplaceAll(name, "-", "."), id, true
}

// mergeAddresses appends addresses not already present.
func mergeAddresses(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}

	for _, addr := range extra {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses removes the addresses of a departing zeroconf entry.
func removeAddresses(addresses []string, entry *zeroconf.ServiceEntry) []string {
	gone := make(map[string]bool)
	for _, ip := range entry.AddrIPv4 {
		gone[ip.String()] = true
	}
	for _, ip := range entry.AddrIPv6 {
		gone[ip.String()] = true
	}

	kept := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !gone[addr] {
			kept = append(kept, addr)
		}
	}
	return kept
}
