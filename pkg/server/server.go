// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package server owns the listener: it admits connections under a permit
// cap, hands each one to the handler on its own goroutine, and drains
// in-flight work on shutdown.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/JoshCap20/rhoxy/pkg/config"
	"github.com/JoshCap20/rhoxy/pkg/metrics"
)

// Handler runs one accepted connection to completion. The server closes
// the connection after Handle returns.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn, logger zerolog.Logger)
}

// Server couples the accept loop with the admission semaphore and the
// shutdown coordinator.
type Server struct {
	cfg     config.Config
	handler Handler
	metrics *metrics.Set
	logger  zerolog.Logger

	permits *semaphore.Weighted

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New builds a Server around the given handler.
func New(cfg config.Config, h Handler, m *metrics.Set, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: h,
		metrics: m,
		logger:  logger.With().Str("component", "server").Logger(),
		permits: semaphore.NewWeighted(cfg.MaxConnections),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled, then drains. It
// returns after every handler has finished or the drain deadline forced the
// remaining connections closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Cancellation closes the listener so Accept unblocks immediately.
	stop := context.AfterFunc(ctx, func() {
		if err := ln.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("listener close failed")
		}
	})
	defer stop()

	s.logger.Info().
		Str("listen_addr", ln.Addr().String()).
		Int64("max_connections", s.cfg.MaxConnections).
		Msg("accepting connections")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		if !s.permits.TryAcquire(1) {
			// No permit: drop the connection without spending any parse
			// effort on it.
			s.metrics.ConnectionsRefused.Inc()
			s.logger.Warn().
				Str("remote_addr", conn.RemoteAddr().String()).
				Msg("connection refused, admission cap reached")
			if err := conn.Close(); err != nil {
				s.logger.Debug().Err(err).Msg("refused connection close failed")
			}
			continue
		}

		s.metrics.ConnectionsAccepted.Inc()
		s.track(conn)
		s.wg.Add(1)
		go s.run(ctx, conn)
	}

	return s.drain()
}

// run executes one connection handler, releasing the permit and closing the
// socket on exit regardless of how the handler ends.
func (s *Server) run(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	logger := s.logger.With().
		Str("conn_id", connID).
		Str("remote_addr", conn.RemoteAddr().String()).
		Logger()

	s.metrics.ConnectionsActive.Inc()
	start := time.Now()

	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug().Err(err).Msg("connection close failed")
		}
		s.untrack(conn)
		s.permits.Release(1)
		s.metrics.ConnectionsActive.Dec()
		s.wg.Done()
		logger.Debug().Dur("duration", time.Since(start)).Msg("connection finished")
	}()

	logger.Debug().Msg("connection accepted")
	// Shutdown must not abort in-flight work; only the drain deadline does,
	// by closing the socket. Detach the handler from the accept context.
	s.handler.Handle(context.WithoutCancel(ctx), conn, logger)
}

// drain waits for in-flight handlers, force-closing whatever is still open
// once the drain deadline passes.
func (s *Server) drain() error {
	s.logger.Info().Dur("deadline", s.cfg.DrainTimeout).Msg("draining connections")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("drain complete")
		return nil
	case <-time.After(s.cfg.DrainTimeout):
	}

	s.mu.Lock()
	remaining := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		remaining = append(remaining, c)
	}
	s.mu.Unlock()

	s.logger.Warn().Int("connections", len(remaining)).Msg("drain deadline reached, forcing close")
	for _, c := range remaining {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug().Err(err).Msg("forced close failed")
		}
	}

	s.wg.Wait()
	s.logger.Info().Msg("drain complete")
	return nil
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
