// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy implements the per-connection pipeline of the forward
// proxy: it parses the request head under strict byte and count caps,
// dispatches between plain HTTP forwarding and CONNECT tunneling, answers
// local /health and /metrics probes, and maps every failure to the HTTP
// status the client sees. Upstream targets pass through the address guard
// before any socket is opened, and forwarded requests share one pooled
// HTTP client for the life of the process.
package proxy
