// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envHost            = "RHOXY_HOST"
	envPort            = "RHOXY_PORT"
	envLogLevel        = "RHOXY_LOG_LEVEL"
	envMaxConns        = "RHOXY_MAX_CONNECTIONS"
	envConnectTimeout  = "RHOXY_CONNECT_TIMEOUT"
	envRequestTimeout  = "RHOXY_REQUEST_TIMEOUT"
	envIdleConnTimeout = "RHOXY_IDLE_CONN_TIMEOUT"
	envDrainTimeout    = "RHOXY_DRAIN_TIMEOUT"

	defaultHost            = "127.0.0.1"
	defaultPort            = 8080
	defaultLogLevel        = "info"
	defaultMaxConns        = 1024
	defaultConnectTimeout  = 10 * time.Second
	defaultRequestTimeout  = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	defaultDrainTimeout    = 10 * time.Second
)

// Parsing caps for a single request head. These are the production values;
// tests pass shrunk Limits instead of mutating globals.
const (
	// MaxLineBytes bounds one request or header line, CRLF excluded.
	MaxLineBytes = 8 * 1024
	// MaxHeadBytes bounds the whole request head across all lines.
	MaxHeadBytes = 64 * 1024
	// MaxHeaderCount bounds the number of header fields.
	MaxHeaderCount = 100
	// MaxBodyBytes bounds a request or response body in either direction.
	MaxBodyBytes = 10 * 1024 * 1024
)

// Limits carries the per-connection parsing caps. Parsers take a Limits
// value explicitly so callers and tests control the bounds.
type Limits struct {
	MaxLine    int
	MaxHead    int
	MaxHeaders int
	MaxBody    int64
}

// DefaultLimits returns the production caps.
func DefaultLimits() Limits {
	return Limits{
		MaxLine:    MaxLineBytes,
		MaxHead:    MaxHeadBytes,
		MaxHeaders: MaxHeaderCount,
		MaxBody:    MaxBodyBytes,
	}
}

// Config captures runtime settings for the proxy.
type Config struct {
	Host            string
	Port            int
	LogLevel        string
	MaxConnections  int64
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	IdleConnTimeout time.Duration
	DrainTimeout    time.Duration
	Limits          Limits
}

// ListenAddr renders the host/port pair in the form net.Listen expects.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads configuration from the environment (including an optional
// .env file in the working directory) and validates the values.
func Load() (Config, error) {
	// A missing .env is the common case, not an error.
	_ = godotenv.Load()

	cfg := Config{
		Host:            getString(envHost, defaultHost),
		Port:            getInt(envPort, defaultPort),
		LogLevel:        strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		MaxConnections:  int64(getInt(envMaxConns, defaultMaxConns)),
		ConnectTimeout:  getDuration(envConnectTimeout, defaultConnectTimeout),
		RequestTimeout:  getDuration(envRequestTimeout, defaultRequestTimeout),
		IdleConnTimeout: getDuration(envIdleConnTimeout, defaultIdleConnTimeout),
		DrainTimeout:    getDuration(envDrainTimeout, defaultDrainTimeout),
		Limits:          DefaultLimits(),
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.MaxConnections < 1 {
		return Config{}, fmt.Errorf("max connections must be positive, got %d", cfg.MaxConnections)
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
