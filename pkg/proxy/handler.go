// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/JoshCap20/rhoxy/pkg/config"
	"github.com/JoshCap20/rhoxy/pkg/httphead"
	"github.com/JoshCap20/rhoxy/pkg/metrics"
)

// AddressGuard decides whether an upstream target may be dialed and returns
// the one address the caller must connect to. *guard.Guard is the
// production implementation.
type AddressGuard interface {
	Resolve(ctx context.Context, host string, port uint16) (netip.AddrPort, error)
}

// httpConnDeadline bounds a whole non-CONNECT exchange. CONNECT clears it
// once the tunnel is established and relies on the relay idle timeout.
const httpConnDeadline = 60 * time.Second

// Handler owns the per-connection pipeline: parse, dispatch, forward or
// tunnel. One Handler serves all connections; it holds only shared
// read-only state.
type Handler struct {
	cfg     config.Config
	guard   AddressGuard
	client  *http.Client
	metrics *metrics.Set
	logger  zerolog.Logger
}

// NewHandler wires the dispatcher with the process-wide pooled upstream
// client and the shared address guard.
func NewHandler(cfg config.Config, g AddressGuard, m *metrics.Set, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		guard:   g,
		client:  newUpstreamClient(cfg),
		metrics: m,
		logger:  logger.With().Str("component", "handler").Logger(),
	}
}

// Handle runs one accepted connection to completion. The caller closes conn.
func (h *Handler) Handle(ctx context.Context, conn net.Conn, logger zerolog.Logger) {
	br := bufio.NewReaderSize(conn, 8*1024)

	for {
		if err := conn.SetDeadline(time.Now().Add(httpConnDeadline)); err != nil {
			return
		}

		// A clean disconnect between requests is not an error worth a 400.
		if _, err := br.Peek(1); err != nil {
			return
		}

		head, err := httphead.Parse(br, nil, h.cfg.Limits)
		if err != nil {
			status := classifyError(err)
			logger.Debug().Err(err).Int("status", status).Msg("rejecting request head")
			if writeErr := writeStatus(conn, status, "", true); writeErr != nil {
				logger.Debug().Err(writeErr).Msg("error response write failed")
			}
			return
		}

		logger.Debug().
			Str("method", head.Method).
			Str("target", head.Target).
			Msg("request head parsed")

		if head.Method == http.MethodConnect {
			h.tunnel(ctx, conn, br, head, logger)
			return
		}

		if handled, keepAlive := h.serveLocal(conn, head, logger); handled {
			if !keepAlive {
				return
			}
			continue
		}

		h.forward(ctx, conn, br, head, logger)
		return
	}
}
