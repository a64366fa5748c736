// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package guard

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
)

// tableResolver serves lookups from a fixed map, counting calls so tests
// can assert that resolution happens exactly once.
type tableResolver struct {
	table map[string][]netip.Addr
	calls int
}

func (r *tableResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	r.calls++
	addrs, ok := r.table[host]
	if !ok {
		return nil, fmt.Errorf("no such host %s", host)
	}
	return addrs, nil
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func TestResolveDeniesForbiddenLiterals(t *testing.T) {
	cases := []struct {
		host   string
		reason string
	}{
		{"127.0.0.1", "loopback address"},
		{"127.8.8.8", "loopback address"},
		{"::1", "loopback address"},
		{"10.0.0.1", "private address"},
		{"172.16.0.9", "private address"},
		{"192.168.1.1", "private address"},
		{"fc00::1", "private address"},
		{"fd12::34", "private address"},
		{"169.254.1.1", "link-local address"},
		{"fe80::1", "link-local address"},
		{"224.0.0.1", "multicast address"},
		{"ff02::1", "multicast address"},
		{"0.0.0.0", "unspecified address"},
		{"::", "unspecified address"},
		{"255.255.255.255", "broadcast address"},
	}

	g := New(&tableResolver{})
	for _, tc := range cases {
		_, err := g.Resolve(context.Background(), tc.host, 80)
		var denied *DeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("%s: expected denial, got %v", tc.host, err)
		}
		if denied.Reason != tc.reason {
			t.Fatalf("%s: expected reason %q, got %q", tc.host, tc.reason, denied.Reason)
		}
	}
}

func TestResolveDeniesForbiddenDNSAnswers(t *testing.T) {
	forbidden := []string{
		"127.0.0.1", "10.1.2.3", "172.31.0.1", "192.168.0.2",
		"169.254.0.5", "224.1.1.1", "0.0.0.0", "255.255.255.255",
		"::1", "fe80::2", "fc00::5",
	}

	for _, ip := range forbidden {
		r := &tableResolver{table: map[string][]netip.Addr{
			"evil.test": {mustAddr(t, ip)},
		}}
		g := New(r)
		_, err := g.Resolve(context.Background(), "evil.test", 443)
		var denied *DeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("evil.test -> %s: expected denial, got %v", ip, err)
		}
	}
}

func TestResolveAllowsPublicAddress(t *testing.T) {
	g := New(&tableResolver{})
	ap, err := g.Resolve(context.Background(), "93.184.216.34", 80)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := ap.String(); got != "93.184.216.34:80" {
		t.Fatalf("unexpected address: %s", got)
	}
}

func TestResolveReturnsClassifiedAddressExactly(t *testing.T) {
	// Rebinding defense: the address handed back is the one that was
	// classified, byte for byte, and only one lookup ever happens.
	r := &tableResolver{table: map[string][]netip.Addr{
		"example.test": {mustAddr(t, "93.184.216.34"), mustAddr(t, "93.184.216.35")},
	}}
	g := New(r)

	ap, err := g.Resolve(context.Background(), "example.test", 8443)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := ap.Addr(); got != mustAddr(t, "93.184.216.34") {
		t.Fatalf("expected first answer pinned, got %s", got)
	}
	if ap.Port() != 8443 {
		t.Fatalf("unexpected port %d", ap.Port())
	}
	if r.calls != 1 {
		t.Fatalf("expected exactly one lookup, got %d", r.calls)
	}
}

func TestResolvePrefersIPv4(t *testing.T) {
	r := &tableResolver{table: map[string][]netip.Addr{
		"dual.test": {mustAddr(t, "2606:2800:220:1::1"), mustAddr(t, "93.184.216.34")},
	}}
	g := New(r)

	ap, err := g.Resolve(context.Background(), "dual.test", 80)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ap.Addr().Is4() {
		t.Fatalf("expected IPv4 preference, got %s", ap.Addr())
	}
}

func TestResolveFallsBackToIPv6(t *testing.T) {
	r := &tableResolver{table: map[string][]netip.Addr{
		"v6only.test": {mustAddr(t, "2606:2800:220:1::1")},
	}}
	g := New(r)

	ap, err := g.Resolve(context.Background(), "v6only.test", 80)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ap.Addr() != mustAddr(t, "2606:2800:220:1::1") {
		t.Fatalf("unexpected address %s", ap.Addr())
	}
}

func TestResolveMapsLookupFailureToErrResolve(t *testing.T) {
	g := New(&tableResolver{})
	_, err := g.Resolve(context.Background(), "nxdomain.test", 80)
	if !errors.Is(err, ErrResolve) {
		t.Fatalf("expected ErrResolve, got %v", err)
	}
}

func TestResolveUnmapsMappedIPv4(t *testing.T) {
	// A v4-mapped private answer must not slip past the IPv4 table.
	r := &tableResolver{table: map[string][]netip.Addr{
		"mapped.test": {mustAddr(t, "::ffff:10.0.0.1")},
	}}
	g := New(r)

	_, err := g.Resolve(context.Background(), "mapped.test", 80)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial for mapped private address, got %v", err)
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := SplitHostPort("example.test:443")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if host != "example.test" || port != 443 {
		t.Fatalf("unexpected split %s:%d", host, port)
	}

	host, port, err = SplitHostPort("[2001:db8::1]:8080")
	if err != nil {
		t.Fatalf("split bracketed: %v", err)
	}
	if host != "2001:db8::1" || port != 8080 {
		t.Fatalf("unexpected split %s:%d", host, port)
	}

	for _, bad := range []string{"example.test", "example.test:", "example.test:0", "example.test:70000", "example.test:https:443"} {
		if _, _, err := SplitHostPort(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
