// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/JoshCap20/rhoxy/pkg/config"
	"github.com/JoshCap20/rhoxy/pkg/guard"
	"github.com/JoshCap20/rhoxy/pkg/metrics"
)

// staticGuard pins every lookup to one address, or fails with err.
type staticGuard struct {
	ap  netip.AddrPort
	err error
}

func (g staticGuard) Resolve(context.Context, string, uint16) (netip.AddrPort, error) {
	if g.err != nil {
		return netip.AddrPort{}, g.err
	}
	return g.ap, nil
}

func testConfig() config.Config {
	return config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		LogLevel:        "disabled",
		MaxConnections:  16,
		ConnectTimeout:  2 * time.Second,
		RequestTimeout:  5 * time.Second,
		IdleConnTimeout: time.Second,
		DrainTimeout:    time.Second,
		Limits:          config.DefaultLimits(),
	}
}

// startProxy serves the handler on a loopback listener and returns a dial
// helper for raw client connections.
func startProxy(t *testing.T, h *Handler) func() net.Conn {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				h.Handle(context.Background(), conn, zerolog.Nop())
			}()
		}
	}()

	return func() net.Conn {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial proxy: %v", err)
		}
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}
}

// exchange writes one raw request and parses the response.
func exchange(t *testing.T, conn net.Conn, raw string) *http.Response {
	t.Helper()
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("parse addrport %q: %v", s, err)
	}
	return ap
}

func TestDispatchMalformedFirstLine(t *testing.T) {
	h := NewHandler(testConfig(), staticGuard{}, metrics.New(), zerolog.Nop())
	dial := startProxy(t, h)

	resp := exchange(t, dial(), "NOT A REQUEST\r\n\r\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDispatchLineTooLong(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxLine = 64

	h := NewHandler(cfg, staticGuard{}, metrics.New(), zerolog.Nop())
	dial := startProxy(t, h)

	raw := "GET /" + strings.Repeat("a", 200) + " HTTP/1.1\r\n\r\n"
	resp := exchange(t, dial(), raw)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Connection") != "close" {
		t.Fatal("expected Connection: close on rejection")
	}
}

func TestDispatchHeaderCountCap(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxHeaders = 2

	h := NewHandler(cfg, staticGuard{}, metrics.New(), zerolog.Nop())
	dial := startProxy(t, h)

	var b strings.Builder
	b.WriteString("GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\n")
	for i := 0; i < 4; i++ {
		b.WriteString("X-Filler: v\r\n")
	}
	b.WriteString("\r\n")

	resp := exchange(t, dial(), b.String())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDispatchDeclaredBodyOverCap(t *testing.T) {
	h := NewHandler(testConfig(), staticGuard{}, metrics.New(), zerolog.Nop())
	dial := startProxy(t, h)

	raw := "POST http://example.test/ HTTP/1.1\r\nHost: example.test\r\nContent-Length: 20000000\r\n\r\n"
	resp := exchange(t, dial(), raw)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

// guardFor builds a real guard whose resolver answers every name with addr.
func guardFor(t *testing.T, addr string) *guard.Guard {
	t.Helper()
	return guard.New(fixedResolver{addr: addr})
}

type fixedResolver struct {
	addr string
}

func (r fixedResolver) LookupNetIP(context.Context, string, string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr(r.addr)}, nil
}
