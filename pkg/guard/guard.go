// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package guard decides whether an upstream host may be dialed. It resolves
// a host to one concrete address, classifies that address against the
// forbidden ranges, and hands the exact address back so the caller dials it
// directly. Dialing the returned address instead of the hostname is what
// closes the DNS-rebinding window: a second lookup never happens.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Resolver is the lookup dependency; *net.Resolver satisfies it. Tests
// substitute a fixed table.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ErrResolve wraps DNS failures so callers can map them to 502 rather than
// treating them as policy denials.
var ErrResolve = errors.New("hostname did not resolve")

// DeniedError reports a policy rejection with the range class that matched.
type DeniedError struct {
	Host   string
	Addr   netip.Addr
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("target %s (%s) denied: %s", e.Host, e.Addr, e.Reason)
}

// Guard validates upstream targets.
type Guard struct {
	resolver Resolver
}

// New returns a Guard backed by the given resolver; pass net.DefaultResolver
// in production.
func New(r Resolver) *Guard {
	return &Guard{resolver: r}
}

// Resolve maps host:port to the single address the caller must connect to.
// host may be a DNS name or an IP literal; both go through the same
// classification table. The returned AddrPort is the complete dial target.
func (g *Guard) Resolve(ctx context.Context, host string, port uint16) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap().WithZone("")
		if reason := classify(addr); reason != "" {
			return netip.AddrPort{}, &DeniedError{Host: host, Addr: addr, Reason: reason}
		}
		return netip.AddrPortFrom(addr, port), nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
	}

	chosen := pick(addrs)
	if reason := classify(chosen); reason != "" {
		return netip.AddrPort{}, &DeniedError{Host: host, Addr: chosen, Reason: reason}
	}
	return netip.AddrPortFrom(chosen, port), nil
}

// pick selects the first IPv4 answer, else the first IPv6 answer. Answer
// order is preserved from the resolver so the choice is stable for a given
// response.
func pick(addrs []netip.Addr) netip.Addr {
	for _, a := range addrs {
		a = a.Unmap().WithZone("")
		if a.Is4() {
			return a
		}
	}
	return addrs[0].Unmap().WithZone("")
}

var (
	ipv4Broadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})
	// ULA fc00::/7: netip.Addr.IsPrivate covers it, but keeping the
	// prefix explicit documents the table.
	ulaPrefix = netip.MustParsePrefix("fc00::/7")
)

// classify returns a non-empty reason when addr falls in a forbidden range.
func classify(addr netip.Addr) string {
	switch {
	case !addr.IsValid():
		return "invalid address"
	case addr.IsUnspecified():
		return "unspecified address"
	case addr.IsLoopback():
		return "loopback address"
	case addr.IsLinkLocalUnicast():
		return "link-local address"
	case addr.IsMulticast():
		return "multicast address"
	case addr.IsPrivate(), ulaPrefix.Contains(addr):
		return "private address"
	case addr == ipv4Broadcast:
		return "broadcast address"
	}
	return ""
}

// SplitHostPort parses an authority of the form host:port, allowing
// bracketed IPv6 literals. The port is mandatory.
func SplitHostPort(authority string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return "", 0, fmt.Errorf("invalid authority %q: %w", authority, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, uint16(port), nil
}
