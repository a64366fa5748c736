// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/JoshCap20/rhoxy/pkg/guard"
	"github.com/JoshCap20/rhoxy/pkg/httphead"
)

// hopHeaders lists standard hop-by-hop headers that must be stripped before
// a request or response crosses the proxy, in either direction.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// errBodyCap marks a stream exceeding the body cap mid-flight.
var errBodyCap = errors.New("body exceeds maximum size")

// forward performs one proxied HTTP exchange and closes the connection.
// Residual bytes buffered in br after the head are the request body.
func (h *Handler) forward(ctx context.Context, conn net.Conn, br *bufio.Reader, head *httphead.Head, logger zerolog.Logger) {
	start := time.Now()

	resp, err := h.roundTrip(ctx, br, head, conn.RemoteAddr().String())
	if err != nil {
		status := classifyError(err)
		if status == http.StatusForbidden {
			h.metrics.GuardDenials.Inc()
		}
		logger.Warn().
			Err(err).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("forward failed")
		if writeErr := writeStatus(conn, status, reasonFor(err), true); writeErr != nil {
			logger.Debug().Err(writeErr).Msg("error response write failed")
		}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug().Err(closeErr).Msg("close upstream response body failed")
		}
	}()

	h.metrics.ObserveForwarded(resp.StatusCode)

	if err := writeUpstreamResponse(conn, resp, head, h.cfg.Limits.MaxBody); err != nil {
		// Headers may already be on the wire; the only safe move is to drop
		// the connection.
		logger.Warn().
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("stream response failed")
		return
	}

	logger.Info().
		Str("method", head.Method).
		Str("target", head.Target).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("request proxied")
}

// roundTrip turns the parsed head into an upstream call through the shared
// pooled client. The guard is consulted exactly once and the approved
// address is pinned onto the request context for the transport's dialer.
func (h *Handler) roundTrip(ctx context.Context, br *bufio.Reader, head *httphead.Head, remoteAddr string) (*http.Response, error) {
	hostport, path, err := deriveTarget(head)
	if err != nil {
		return nil, err
	}

	host, port, err := splitAuthority(hostport)
	if err != nil {
		return nil, statusErrorf(http.StatusBadRequest, "bad authority: %w", err)
	}

	ap, err := h.guard.Resolve(ctx, host, port)
	if err != nil {
		return nil, err
	}

	body, contentLength := requestBody(br, head, h.cfg.Limits.MaxBody)

	upstreamReq, err := http.NewRequestWithContext(
		withPinnedAddr(ctx, ap),
		head.Method,
		"http://"+hostport+path,
		body,
	)
	if err != nil {
		return nil, statusErrorf(http.StatusBadRequest, "build upstream request: %w", err)
	}
	upstreamReq.ContentLength = contentLength
	upstreamReq.Host = hostport

	copyRequestHeaders(upstreamReq.Header, head, remoteAddr)

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("perform upstream request: %w", err)
	}
	return resp, nil
}

// deriveTarget resolves the request-line target into authority and path.
// Absolute-form carries its own authority; origin-form borrows the Host
// header and implies scheme http.
func deriveTarget(head *httphead.Head) (hostport, path string, err error) {
	if strings.HasPrefix(head.Target, "/") {
		host := head.Host()
		if host == "" {
			return "", "", statusErrorf(http.StatusBadRequest, "origin-form request without Host header")
		}
		return host, head.Target, nil
	}

	u, err := url.Parse(head.Target)
	if err != nil || u.Host == "" {
		return "", "", statusErrorf(http.StatusBadRequest, "unparseable target %q", head.Target)
	}
	if u.Scheme != "http" {
		return "", "", statusErrorf(http.StatusBadRequest, "unsupported scheme %q", u.Scheme)
	}
	return u.Host, u.RequestURI(), nil
}

// splitAuthority splits host[:port], defaulting to port 80.
func splitAuthority(hostport string) (string, uint16, error) {
	if !strings.Contains(hostport, ":") {
		return hostport, 80, nil
	}
	if strings.HasSuffix(hostport, "]") {
		return strings.Trim(hostport, "[]"), 80, nil
	}
	return guard.SplitHostPort(hostport)
}

// requestBody builds the upstream body reader from the residual client
// stream. The declared-length case was already capped at parse time; the
// chunked case decodes under the same running cap.
func requestBody(br *bufio.Reader, head *httphead.Head, maxBody int64) (io.Reader, int64) {
	switch {
	case head.Chunked:
		return newCapReader(httputil.NewChunkedReader(br), maxBody), -1
	case head.ContentLength > 0:
		return io.LimitReader(br, head.ContentLength), head.ContentLength
	default:
		return nil, 0
	}
}

// copyRequestHeaders rebuilds the outbound header set: hop-by-hop fields and
// framing headers dropped, Via appended, X-Forwarded-For extended with the
// client address, the original casing of everything else preserved.
func copyRequestHeaders(dst http.Header, head *httphead.Head, remoteAddr string) {
	connOpts := head.ConnectionOptions()

	via := ""
	xff := ""
	for _, f := range head.Fields {
		if isHopByHop(f.Name, connOpts) || skipWhenForwarding(f.Name) {
			continue
		}
		switch {
		case strings.EqualFold(f.Name, "Via"):
			via = f.Value
		case strings.EqualFold(f.Name, "X-Forwarded-For"):
			xff = f.Value
		default:
			// Assign through the map to keep the client's original casing.
			dst[f.Name] = append(dst[f.Name], f.Value)
		}
	}

	dst.Set("Via", appendVia(via))
	if clientIP, _, err := net.SplitHostPort(remoteAddr); err == nil {
		if xff != "" {
			clientIP = xff + ", " + clientIP
		}
		dst.Set("X-Forwarded-For", clientIP)
	} else if xff != "" {
		dst.Set("X-Forwarded-For", xff)
	}
}

// isHopByHop reports whether the field is hop-by-hop, either from the
// standard table or because the request's Connection header named it.
func isHopByHop(name string, connOpts []string) bool {
	canonical := http.CanonicalHeaderKey(name)
	if _, hop := hopHeaders[canonical]; hop {
		return true
	}
	for _, opt := range connOpts {
		if strings.EqualFold(opt, name) {
			return true
		}
	}
	return false
}

// skipWhenForwarding lists fields the upstream client owns: it sets Host
// from the request and Content-Length from the rebuilt body.
func skipWhenForwarding(name string) bool {
	return strings.EqualFold(name, "Host") || strings.EqualFold(name, "Content-Length")
}

// writeUpstreamResponse streams status line, filtered headers, and body back
// to the client. The response always closes the connection, so unknown-length
// bodies are re-framed as chunked to keep the message self-delimiting.
func writeUpstreamResponse(conn net.Conn, resp *http.Response, head *httphead.Head, maxBody int64) error {
	bw := bufio.NewWriterSize(conn, 8*1024)

	text := resp.Status
	if text == "" {
		text = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", text); err != nil {
		return err
	}

	respConnOpts := connectionOptions(resp.Header)
	for name, values := range resp.Header {
		if isHopByHop(name, respConnOpts) || strings.EqualFold(name, "Via") || strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, v := range values {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", name, v); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprintf(bw, "Via: %s\r\n", appendVia(resp.Header.Get("Via"))); err != nil {
		return err
	}

	noBody := head.Method == http.MethodHead ||
		resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotModified ||
		resp.StatusCode < http.StatusOK

	chunked := !noBody && resp.ContentLength < 0
	if !chunked && resp.ContentLength >= 0 {
		if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n", resp.ContentLength); err != nil {
			return err
		}
	}
	if chunked {
		if _, err := io.WriteString(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(bw, "Connection: close\r\n\r\n"); err != nil {
		return err
	}

	if !noBody {
		src := &capReader{r: resp.Body, remaining: maxBody}
		if chunked {
			cw := httputil.NewChunkedWriter(bw)
			if _, err := io.Copy(cw, src); err != nil {
				return err
			}
			if err := cw.Close(); err != nil {
				return err
			}
			// Terminating CRLF after the last-chunk marker.
			if _, err := io.WriteString(bw, "\r\n"); err != nil {
				return err
			}
		} else {
			if _, err := io.Copy(bw, src); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}

// connectionOptions lower-cases the tokens of a response Connection header.
func connectionOptions(h http.Header) []string {
	raw := h.Get("Connection")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	opts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			opts = append(opts, strings.ToLower(p))
		}
	}
	return opts
}

// reasonFor surfaces guard denials to the client; other causes only get the
// generic status text.
func reasonFor(err error) string {
	var denied *guard.DeniedError
	if errors.As(err, &denied) {
		return "Forbidden: " + denied.Reason
	}
	return ""
}

// capReader enforces a running byte cap on a stream.
type capReader struct {
	r         io.Reader
	remaining int64
}

func newCapReader(r io.Reader, max int64) *capReader {
	return &capReader{r: r, remaining: max}
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, errBodyCap
	}
	return n, err
}
