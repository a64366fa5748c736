// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/JoshCap20/rhoxy/pkg/config"
)

// pinnedAddrKey carries the guard-approved dial target through the request
// context so the transport never resolves the hostname itself.
type pinnedAddrKey struct{}

// withPinnedAddr stores the approved address on ctx.
func withPinnedAddr(ctx context.Context, ap netip.AddrPort) context.Context {
	return context.WithValue(ctx, pinnedAddrKey{}, ap)
}

// newUpstreamClient builds the process-wide pooled client. Every forwarded
// request goes through this one client; redirects are disabled because the
// proxy must hand 3xx responses back to the client untouched, and the dialer
// connects only to the address pinned on the request context.
func newUpstreamClient(cfg config.Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			ap, ok := ctx.Value(pinnedAddrKey{}).(netip.AddrPort)
			if !ok {
				return nil, fmt.Errorf("no approved address for %s", addr)
			}
			return dialer.DialContext(ctx, network, ap.String())
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	return &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
