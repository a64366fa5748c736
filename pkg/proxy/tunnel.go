// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/JoshCap20/rhoxy/pkg/guard"
	"github.com/JoshCap20/rhoxy/pkg/httphead"
	"github.com/JoshCap20/rhoxy/pkg/metrics"
)

// tunnelIdleTimeout caps the time a relay direction may sit with no bytes
// moving, so a dead peer cannot pin an admission permit forever.
const tunnelIdleTimeout = 5 * time.Minute

const connectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// tunnel serves a CONNECT request: resolve through the guard, dial the
// approved address, confirm to the client, then relay opaque bytes until
// both directions finish. After the confirmation no HTTP-level error can be
// sent; failures tear the tunnel down and are logged.
func (h *Handler) tunnel(ctx context.Context, conn net.Conn, br *bufio.Reader, head *httphead.Head, logger zerolog.Logger) {
	start := time.Now()

	host, port, err := guard.SplitHostPort(head.Target)
	if err != nil {
		logger.Debug().Err(err).Str("target", head.Target).Msg("bad CONNECT authority")
		_ = writeStatus(conn, http.StatusBadRequest, "", true)
		return
	}

	ap, err := h.guard.Resolve(ctx, host, port)
	if err != nil {
		status := classifyError(err)
		if status == http.StatusForbidden {
			h.metrics.GuardDenials.Inc()
		}
		logger.Warn().Err(err).Int("status", status).Str("target", head.Target).Msg("CONNECT rejected")
		_ = writeStatus(conn, status, reasonFor(err), true)
		return
	}

	dialer := &net.Dialer{Timeout: h.cfg.ConnectTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", ap.String())
	if err != nil {
		status := classifyError(err)
		logger.Warn().Err(err).Int("status", status).Str("addr", ap.String()).Msg("CONNECT dial failed")
		_ = writeStatus(conn, status, "", true)
		return
	}
	defer func() {
		if closeErr := upstream.Close(); closeErr != nil {
			logger.Debug().Err(closeErr).Msg("close upstream connection failed")
		}
	}()

	// The relay runs on its own idle timeouts from here on.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return
	}

	if _, err := io.WriteString(conn, connectionEstablished); err != nil {
		logger.Debug().Err(err).Msg("CONNECT confirmation write failed")
		return
	}

	logger.Debug().Str("target", head.Target).Str("addr", ap.String()).Msg("tunnel established")

	// Client bytes may already sit in the parse buffer; reading through br
	// drains them before touching the socket again.
	var g errgroup.Group
	g.Go(func() error {
		relay(upstream, br, conn, h.metrics.TunnelBytes.WithLabelValues("client_to_upstream"))
		halfClose(upstream)
		return nil
	})
	g.Go(func() error {
		relay(conn, upstream, upstream, h.metrics.TunnelBytes.WithLabelValues("upstream_to_client"))
		halfClose(conn)
		return nil
	})
	_ = g.Wait()

	logger.Info().
		Str("target", head.Target).
		Dur("duration", time.Since(start)).
		Msg("tunnel closed")
}

// relay copies src into dst until EOF, error, or the idle timeout. srcConn
// is the socket underneath src, used for the per-chunk read deadline.
func relay(dst net.Conn, src io.Reader, srcConn net.Conn, counter metrics.Adder) {
	buf := make([]byte, 32*1024)
	for {
		if err := srcConn.SetReadDeadline(time.Now().Add(tunnelIdleTimeout)); err != nil {
			return
		}
		n, err := src.Read(buf)
		if n > 0 {
			if err := dst.SetWriteDeadline(time.Now().Add(tunnelIdleTimeout)); err != nil {
				return
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			counter.Add(float64(n))
		}
		if err != nil {
			return
		}
	}
}

// halfClose shuts the write side when the transport supports it, letting
// the peer drain the remaining bytes and observe EOF.
func halfClose(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
