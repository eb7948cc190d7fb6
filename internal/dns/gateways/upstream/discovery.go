// Package upstream decides which resolver, if any, the proxy forwards to.
package upstream

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/miekg/dns"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
)

const (
	// ModeAuto reads the first nameserver from the resolver configuration file.
	ModeAuto = "auto"
	// ModeNone disables forwarding; every miss is answered NXDOMAIN.
	ModeNone = "none"

	DefaultResolvConf = "/etc/resolv.conf"
)

// Error message constants for consistent logging
const (
	errReadResolvConf = "failed to read %s: %w"
	errNoNameservers  = "no nameservers in %s"
	errBadNameserver  = "invalid nameserver %q: %w"
	errBadUpstream    = "upstream must be %q, %q or an IPv4 address, got %q"

	msgIPv6Unsupported = "IPv6 DNS not supported - forwarding disabled"
)

// Options controls discovery.
type Options struct {
	// Upstream is ModeAuto, ModeNone or an IPv4 literal.
	Upstream   string
	ResolvConf string
	Port       uint16
	Logger     log.Logger
}

// readConfig is swapped in tests.
var readConfig = dns.ClientConfigFromFile

// Discover returns the upstream resolver address. ok is false when the
// proxy should run in local-records-only mode. Discovery problems are
// logged, never returned: they degrade the proxy instead of stopping it.
func Discover(opts Options) (addr netip.AddrPort, ok bool) {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Port == 0 {
		opts.Port = domain.DNSPort
	}
	if opts.ResolvConf == "" {
		opts.ResolvConf = DefaultResolvConf
	}

	mode := strings.ToLower(strings.TrimSpace(opts.Upstream))
	switch mode {
	case ModeNone:
		opts.Logger.Info(nil, "Forwarding disabled by configuration")
		return netip.AddrPort{}, false
	case ModeAuto, "":
		return fromResolvConf(opts)
	}

	ip, err := ParseUpstream(mode)
	if err != nil {
		opts.Logger.Warn(map[string]any{"error": err.Error()}, "Invalid upstream, forwarding disabled")
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, opts.Port), true
}

// ParseUpstream parses an explicit IPv4 upstream. IPv4-mapped IPv6 forms
// are unmapped.
func ParseUpstream(s string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf(errBadUpstream, ModeAuto, ModeNone, s)
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return netip.Addr{}, fmt.Errorf(errBadUpstream, ModeAuto, ModeNone, s)
	}
	return ip, nil
}

func fromResolvConf(opts Options) (netip.AddrPort, bool) {
	conf, err := readConfig(opts.ResolvConf)
	if err != nil {
		opts.Logger.Warn(map[string]any{
			"error": fmt.Errorf(errReadResolvConf, opts.ResolvConf, err).Error(),
		}, "No upstream DNS, forwarding disabled")
		return netip.AddrPort{}, false
	}
	if len(conf.Servers) == 0 {
		opts.Logger.Warn(map[string]any{
			"error": fmt.Sprintf(errNoNameservers, opts.ResolvConf),
		}, "No upstream DNS, forwarding disabled")
		return netip.AddrPort{}, false
	}

	first := conf.Servers[0]
	ip, err := netip.ParseAddr(first)
	if err != nil {
		opts.Logger.Warn(map[string]any{
			"error": fmt.Errorf(errBadNameserver, first, err).Error(),
		}, "No upstream DNS, forwarding disabled")
		return netip.AddrPort{}, false
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		opts.Logger.Warn(map[string]any{"nameserver": first}, msgIPv6Unsupported)
		return netip.AddrPort{}, false
	}

	addr := netip.AddrPortFrom(ip, opts.Port)
	opts.Logger.Info(map[string]any{
		"upstream": addr.String(),
		"source":   opts.ResolvConf,
	}, "Discovered upstream DNS")
	return addr, true
}
