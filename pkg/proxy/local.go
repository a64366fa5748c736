// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/JoshCap20/rhoxy/pkg/httphead"
)

// serveLocal short-circuits GET/HEAD requests addressed to the proxy itself
// (origin-form /health and /metrics). Neither endpoint consults the guard or
// touches the upstream client. The second return value reports whether the
// connection should stay open for another request.
func (h *Handler) serveLocal(conn net.Conn, head *httphead.Head, logger zerolog.Logger) (handled, keepAlive bool) {
	if head.Method != http.MethodGet && head.Method != http.MethodHead {
		return false, false
	}

	keepAlive = head.Version == "HTTP/1.1" && !head.WantsClose()
	headOnly := head.Method == http.MethodHead

	switch head.Target {
	case "/health":
		if err := writeBody(conn, "text/plain; charset=utf-8", []byte("ok"), headOnly, !keepAlive); err != nil {
			logger.Debug().Err(err).Msg("health response write failed")
			return true, false
		}
		return true, keepAlive
	case "/metrics":
		payload, err := h.metrics.Render()
		if err != nil {
			logger.Error().Err(err).Msg("metrics render failed")
			_ = writeStatus(conn, http.StatusInternalServerError, "", true)
			return true, false
		}
		if err := writeBody(conn, "text/plain; version=0.0.4; charset=utf-8", payload, headOnly, !keepAlive); err != nil {
			logger.Debug().Err(err).Msg("metrics response write failed")
			return true, false
		}
		return true, keepAlive
	}
	return false, false
}
