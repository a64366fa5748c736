// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package httphead parses an HTTP/1.1 request head from a bounded line
// stream into a structured form. Lookup is case-insensitive but the
// original header casing is preserved for forwarding.
package httphead

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/JoshCap20/rhoxy/pkg/config"
	"github.com/JoshCap20/rhoxy/pkg/lineio"
)

var (
	// ErrMalformed covers any syntactic violation in the request head.
	ErrMalformed = errors.New("malformed request head")
	// ErrTooManyHeaders reports the header-count cap being exceeded.
	ErrTooManyHeaders = errors.New("too many header fields")
	// ErrConflictingFraming reports Content-Length alongside
	// Transfer-Encoding, which is a smuggling vector and always rejected.
	ErrConflictingFraming = errors.New("conflicting Content-Length and Transfer-Encoding")
	// ErrBodyTooLarge reports a declared Content-Length over the body cap.
	ErrBodyTooLarge = errors.New("declared body exceeds maximum size")
)

// allowedMethods is the closed set of methods the proxy will dispatch.
var allowedMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "POST": {}, "PUT": {},
	"DELETE": {}, "PATCH": {}, "OPTIONS": {}, "CONNECT": {},
}

// Field is one header line with its original casing.
type Field struct {
	Name  string
	Value string
}

// Head is a parsed request head.
type Head struct {
	Method  string
	Target  string
	Version string
	Fields  []Field

	// ContentLength is -1 when absent.
	ContentLength int64
	// Chunked is set when Transfer-Encoding ends in chunked.
	Chunked bool
}

// Get returns the first value of the named field, case-insensitively.
func (h *Head) Get(name string) string {
	for _, f := range h.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Host returns the Host header value.
func (h *Head) Host() string {
	return h.Get("Host")
}

// ConnectionOptions lists the comma-separated tokens of the Connection
// header, lower-cased.
func (h *Head) ConnectionOptions() []string {
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

// WantsClose reports whether the client asked for the connection to end
// after this exchange.
func (h *Head) WantsClose() bool {
	for _, opt := range h.ConnectionOptions() {
		if opt == "close" {
			return true
		}
	}
	return false
}

// Parse consumes lines from br until the empty line ending the head.
// firstLine, when non-nil, is a request line the dispatcher already read
// from the same stream.
func Parse(br *bufio.Reader, firstLine []byte, limits config.Limits) (*Head, error) {
	r := lineio.New(br, limits.MaxLine, limits.MaxHead)

	if firstLine == nil {
		var err error
		firstLine, err = r.ReadLine()
		if err != nil {
			return nil, err
		}
	}

	head, err := parseRequestLine(string(firstLine))
	if err != nil {
		return nil, err
	}

	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			break
		}

		// Obs-fold: a continuation line is folded into the previous value.
		if line[0] == ' ' || line[0] == '\t' {
			if len(head.Fields) == 0 {
				return nil, fmt.Errorf("%w: continuation before first header", ErrMalformed)
			}
			last := &head.Fields[len(head.Fields)-1]
			last.Value = last.Value + " " + strings.Trim(string(line), " \t")
			continue
		}

		if len(head.Fields) >= limits.MaxHeaders {
			return nil, ErrTooManyHeaders
		}

		name, value, ok := strings.Cut(string(line), ":")
		if !ok || name == "" || !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, string(line))
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("%w: bad value for %s", ErrMalformed, name)
		}
		head.Fields = append(head.Fields, Field{Name: name, Value: value})
	}

	if err := head.resolveFraming(limits.MaxBody); err != nil {
		return nil, err
	}
	return head, nil
}

// ParseRequestLine exposes the request-line grammar for the dispatcher's
// first-line peek.
func ParseRequestLine(line string) (method, target, version string, err error) {
	h, err := parseRequestLine(line)
	if err != nil {
		return "", "", "", err
	}
	return h.Method, h.Target, h.Version, nil
}

func parseRequestLine(line string) (*Head, error) {
	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformed, line)
	}
	target, version, ok := strings.Cut(rest, " ")
	if !ok || target == "" || strings.Contains(version, " ") {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformed, line)
	}

	if _, allowed := allowedMethods[method]; !allowed {
		return nil, fmt.Errorf("%w: method %q not allowed", ErrMalformed, method)
	}
	if version != "HTTP/1.1" && version != "HTTP/1.0" {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformed, version)
	}

	return &Head{
		Method:        method,
		Target:        target,
		Version:       version,
		ContentLength: -1,
	}, nil
}

// resolveFraming derives the body envelope from the framing headers.
func (h *Head) resolveFraming(maxBody int64) error {
	te := h.Get("Transfer-Encoding")
	cl := h.Get("Content-Length")

	if te != "" && cl != "" {
		return ErrConflictingFraming
	}

	if te != "" {
		codings := strings.Split(te, ",")
		last := strings.ToLower(strings.TrimSpace(codings[len(codings)-1]))
		if last != "chunked" {
			return fmt.Errorf("%w: transfer-encoding %q", ErrMalformed, te)
		}
		h.Chunked = true
		return nil
	}

	if cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: content-length %q", ErrMalformed, cl)
		}
		if n > maxBody {
			return ErrBodyTooLarge
		}
		h.ContentLength = n
	}
	return nil
}
