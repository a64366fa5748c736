// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// viaToken is appended to the Via header in both directions.
const viaToken = "1.1 rhoxy"

// writeStatus emits a complete minimal response. The body is the reason
// text; a Content-Length is always present so the client can frame it.
func writeStatus(w io.Writer, status int, reason string, close bool) error {
	text := http.StatusText(status)
	if text == "" {
		text = "Error"
	}
	body := reason
	if body == "" {
		body = text
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	if close {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(body)

	_, err := io.WriteString(w, b.String())
	return err
}

// writeBody emits a 200 response carrying the given payload, used by the
// local /health and /metrics responders. headOnly suppresses the body for
// HEAD requests while keeping the framing headers.
func writeBody(w io.Writer, contentType string, payload []byte, headOnly, close bool) error {
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(payload))
	if close {
		b.WriteString("Connection: close\r\n")
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	if headOnly {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// appendVia merges our token into an existing Via value.
func appendVia(existing string) string {
	if existing == "" {
		return viaToken
	}
	return existing + ", " + viaToken
}
