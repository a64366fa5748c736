// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package metrics holds the proxy's Prometheus collectors. The daemon has
// no management port, so exposition is rendered in text format and served
// by the connection handler itself when a client addresses GET /metrics to
// the proxy.
package metrics

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Adder is the narrow increment surface handed to hot paths so they do not
// depend on the prometheus API directly.
type Adder interface {
	Add(float64)
}

// Set bundles the proxy's collectors around one registry.
type Set struct {
	registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsRefused  prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	RequestsForwarded   *prometheus.CounterVec
	GuardDenials        prometheus.Counter
	TunnelBytes         *prometheus.CounterVec
}

// New builds a Set with its own registry so tests never collide on the
// default global one.
func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		registry: reg,
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rhoxy_connections_accepted_total",
			Help: "Client connections accepted by the listener.",
		}),
		ConnectionsRefused: factory.NewCounter(prometheus.CounterOpts{
			Name: "rhoxy_connections_refused_total",
			Help: "Client connections dropped because no admission permit was available.",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rhoxy_connections_active",
			Help: "Connection handlers currently running.",
		}),
		RequestsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rhoxy_requests_forwarded_total",
			Help: "Forwarded HTTP exchanges by upstream status class.",
		}, []string{"status_class"}),
		GuardDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "rhoxy_guard_denials_total",
			Help: "Upstream targets rejected by the address guard.",
		}),
		TunnelBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rhoxy_tunnel_bytes_total",
			Help: "Bytes relayed through CONNECT tunnels by direction.",
		}, []string{"direction"}),
	}
}

// ObserveForwarded records one forwarded exchange under its status class
// ("2xx", "4xx", ...).
func (s *Set) ObserveForwarded(status int) {
	s.RequestsForwarded.WithLabelValues(fmt.Sprintf("%dxx", status/100)).Inc()
}

// Render gathers the registry into Prometheus text exposition format.
func (s *Set) Render() ([]byte, error) {
	families, err := s.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return nil, fmt.Errorf("encode metric family %s: %w", fam.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}
