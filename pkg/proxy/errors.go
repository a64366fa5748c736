// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/JoshCap20/rhoxy/pkg/guard"
	"github.com/JoshCap20/rhoxy/pkg/httphead"
	"github.com/JoshCap20/rhoxy/pkg/lineio"
)

// statusError couples a failure with the HTTP status the client should see.
type statusError struct {
	Status int   // Status preserves the HTTP status to emit downstream.
	Err    error // Err retains the original cause for logging.
}

// Error implements the error interface for statusError.
func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *statusError) Unwrap() error {
	return e.Err
}

func statusErrorf(status int, format string, args ...any) *statusError {
	return &statusError{Status: status, Err: fmt.Errorf(format, args...)}
}

// classifyError maps any handler failure onto the response status, falling
// back to 502 for unrecognized upstream trouble.
func classifyError(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status
	}

	var denied *guard.DeniedError
	if errors.As(err, &denied) {
		return http.StatusForbidden
	}
	if errors.Is(err, guard.ErrResolve) {
		return http.StatusBadGateway
	}

	switch {
	case errors.Is(err, lineio.ErrLineTooLong),
		errors.Is(err, lineio.ErrHeadTooLarge),
		errors.Is(err, lineio.ErrUnexpectedEOF),
		errors.Is(err, httphead.ErrMalformed),
		errors.Is(err, httphead.ErrTooManyHeaders),
		errors.Is(err, httphead.ErrConflictingFraming):
		return http.StatusBadRequest
	case errors.Is(err, httphead.ErrBodyTooLarge), errors.Is(err, errBodyCap):
		return http.StatusRequestEntityTooLarge
	}

	if isUnreachable(err) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// isUnreachable reports connect-level failures (refused, timed out) that map
// to 504 rather than the generic 502.
func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
