// Package telemetry exposes transport metrics.
package telemetry

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Role labels which network role produced a metric.
type Role string

const (
	RoleTCPClient Role = "tcp_client"
	RoleTCPServer Role = "tcp_server"
	RoleUDP       Role = "udp"
	RoleWSClient  Role = "ws_client"
)

// Collector receives transport events.
//
// Implementations are called inline from reader goroutines and must be
// cheap and safe for concurrent use.
type Collector interface {
	ConnOpened(role Role)
	ConnClosed(role Role, reason string)
	BytesReceived(role Role, n int)
	BytesSent(role Role, n int)
	SendFailed(role Role)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ConnOpened(Role)         {}
func (noopCollector) ConnClosed(Role, string) {}
func (noopCollector) BytesReceived(Role, int) {}
func (noopCollector) BytesSent(Role, int)     {}
func (noopCollector) SendFailed(Role)         {}

// PrometheusCollector exposes transport counters via Prometheus.
type PrometheusCollector struct {
	opened     *prometheus.CounterVec
	closed     *prometheus.CounterVec
	active     *prometheus.GaugeVec
	bytesIn    *prometheus.CounterVec
	bytesOut   *prometheus.CounterVec
	sendErrors *prometheus.CounterVec
}

var (
	sharedMu        sync.Mutex
	sharedCollector *PrometheusCollector
)

// NewPrometheusCollector registers the transport metrics with reg.
// Registering twice against the same registerer reuses the existing vectors.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{}
	var err error
	if c.opened, err = registerCounter(reg, prometheus.CounterOpts{
		Name: "netdebug_connections_opened_total",
		Help: "Number of connections established per role.",
	}, "role"); err != nil {
		return nil, err
	}
	if c.closed, err = registerCounter(reg, prometheus.CounterOpts{
		Name: "netdebug_connections_closed_total",
		Help: "Number of connections ended per role and reason.",
	}, "role", "reason"); err != nil {
		return nil, err
	}
	if c.active, err = registerGauge(reg, prometheus.GaugeOpts{
		Name: "netdebug_connections_active",
		Help: "Connections currently open per role.",
	}, "role"); err != nil {
		return nil, err
	}
	if c.bytesIn, err = registerCounter(reg, prometheus.CounterOpts{
		Name: "netdebug_received_bytes_total",
		Help: "Bytes delivered to the inbound handler per role.",
	}, "role"); err != nil {
		return nil, err
	}
	if c.bytesOut, err = registerCounter(reg, prometheus.CounterOpts{
		Name: "netdebug_sent_bytes_total",
		Help: "Bytes written to sockets per role.",
	}, "role"); err != nil {
		return nil, err
	}
	if c.sendErrors, err = registerCounter(reg, prometheus.CounterOpts{
		Name: "netdebug_send_failures_total",
		Help: "Failed writes per role.",
	}, "role"); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns a process-wide collector registered with the default registerer.
func Default() (*PrometheusCollector, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedCollector != nil {
		return sharedCollector, nil
	}
	c, err := NewPrometheusCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	sharedCollector = c
	return c, nil
}

func registerCounter(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels ...string) (*prometheus.GaugeVec, error) {
	gauge := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// ConnOpened implements Collector.
func (c *PrometheusCollector) ConnOpened(role Role) {
	c.opened.WithLabelValues(string(role)).Inc()
	c.active.WithLabelValues(string(role)).Inc()
}

// ConnClosed implements Collector.
func (c *PrometheusCollector) ConnClosed(role Role, reason string) {
	c.closed.WithLabelValues(string(role), reason).Inc()
	c.active.WithLabelValues(string(role)).Dec()
}

// BytesReceived implements Collector.
func (c *PrometheusCollector) BytesReceived(role Role, n int) {
	c.bytesIn.WithLabelValues(string(role)).Add(float64(n))
}

// BytesSent implements Collector.
func (c *PrometheusCollector) BytesSent(role Role, n int) {
	c.bytesOut.WithLabelValues(string(role)).Add(float64(n))
}

// SendFailed implements Collector.
func (c *PrometheusCollector) SendFailed(role Role) {
	c.sendErrors.WithLabelValues(string(role)).Inc()
}
