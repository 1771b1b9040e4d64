package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint marks a webhook URL that points somewhere the server
// must not call.
var ErrBlockedEndpoint = errors.New("endpoint not allowed")

// Resolver looks up the addresses of a host.
type Resolver func(ctx context.Context, host string) ([]netip.Addr, error)

// EndpointPolicy decides which outbound URLs alert deliveries may target.
type EndpointPolicy struct {
	RequireHTTPS bool
	Resolve      Resolver
	Timeout      time.Duration
}

// DefaultEndpointPolicy allows http and https and resolves with the system
// resolver.
var DefaultEndpointPolicy = EndpointPolicy{
	Resolve: func(ctx context.Context, host string) ([]netip.Addr, error) {
		return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	},
	Timeout: 3 * time.Second,
}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Carrier-grade NAT space is not covered by netip.Addr.IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// ValidateEndpointURL checks a URL against DefaultEndpointPolicy.
func ValidateEndpointURL(rawURL string) error {
	return DefaultEndpointPolicy.Validate(context.Background(), rawURL)
}

// Validate rejects URLs that would let a subscriber aim deliveries at the
// server's own network. The literal host and every resolved address are
// checked. Rejections wrap ErrBlockedEndpoint.
func (p EndpointPolicy) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedEndpoint)
	}

	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	case p.RequireHTTPS:
		return fmt.Errorf("%w: URL scheme must be https", ErrBlockedEndpoint)
	default:
		return fmt.Errorf("%w: URL scheme must be http or https", ErrBlockedEndpoint)
	}

	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrBlockedEndpoint)
	}
	if u.User != nil {
		return fmt.Errorf("%w: URL must not embed credentials", ErrBlockedEndpoint)
	}

	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: URL host %q is not allowed", ErrBlockedEndpoint, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	if p.Resolve == nil {
		return fmt.Errorf("%w: cannot resolve URL host %s", ErrBlockedEndpoint, host)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	addrs, err := p.Resolve(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: cannot resolve URL host %s", ErrBlockedEndpoint, host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	var reason string
	switch {
	case addr.IsLoopback():
		reason = "loopback"
	case addr.IsPrivate(), sharedAddressSpace.Contains(addr):
		reason = "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		reason = "link-local"
	case addr.IsUnspecified():
		reason = "unspecified"
	case addr.IsMulticast():
		reason = "multicast"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s addresses are not allowed", ErrBlockedEndpoint, reason)
}
