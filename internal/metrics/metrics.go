// Package metrics provides Prometheus instrumentation for transfers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sides and directions used as label values.
const (
	SideClient = "client"
	SideServer = "server"

	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Metrics holds the collectors of one process. A nil *Metrics records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	reg *prometheus.Registry

	frames      *prometheus.CounterVec
	frameBytes  *prometheus.CounterVec
	recoveries  *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	active      *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
	rpcRequests *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
}

// New creates a registry with the transfer collectors plus the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ft_frames_total",
			Help: "Frames sent or received",
		}, []string{"side", "direction"}),
		frameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ft_frame_bytes_total",
			Help: "File data bytes carried in frames",
		}, []string{"side", "direction"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ft_recoveries_total",
			Help: "Retries of remote operations by failure kind",
		}, []string{"side", "op", "kind"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ft_transfers_total",
			Help: "Transfers that reached a terminal state",
		}, []string{"side", "mode", "outcome"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ft_active_transfers",
			Help: "Transfers not yet in a terminal state",
		}, []string{"side", "mode"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ft_transfer_duration_seconds",
			Help:    "Time from begin to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"side", "mode"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ft_rpc_requests_total",
			Help: "Service calls handled by the server",
		}, []string{"op", "result"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ft_rpc_request_duration_seconds",
			Help:    "Service call handling time",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	m.reg.MustRegister(
		m.frames, m.frameBytes, m.recoveries, m.transfers,
		m.active, m.duration, m.rpcRequests, m.rpcDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Frame records one frame carrying n data bytes.
func (m *Metrics) Frame(side, direction string, n int64) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(side, direction).Inc()
	if n > 0 {
		m.frameBytes.WithLabelValues(side, direction).Add(float64(n))
	}
}

// Recovery records one retry of op after a failure of the given kind.
func (m *Metrics) Recovery(side, op, kind string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(side, op, kind).Inc()
}

// TransferStarted marks a transfer active.
func (m *Metrics) TransferStarted(side, mode string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(side, mode).Inc()
}

// TransferEnded records the terminal outcome of an active transfer.
func (m *Metrics) TransferEnded(side, mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(side, mode).Dec()
	m.transfers.WithLabelValues(side, mode, outcome).Inc()
	m.duration.WithLabelValues(side, mode).Observe(elapsed.Seconds())
}

// RPC records one handled service call.
func (m *Metrics) RPC(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.rpcRequests.WithLabelValues(op, result).Inc()
	m.rpcDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
