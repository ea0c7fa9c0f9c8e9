// Package metrics wraps the Prometheus collectors PakBus components
// report against, following go-server-3/internal/metrics.Registry's
// shape generalized to the link engine's events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors the PakBus engine reports.
type Registry struct {
	FramesEncoded      prometheus.Counter
	FramesDecoded      prometheus.Counter
	CRCFailures        prometheus.Counter
	FramingErrors      prometheus.Counter
	RingAttempts       prometheus.Counter
	RingExhausted      prometheus.Counter
	LinkTransitions    *prometheus.CounterVec
	CipherOperations   *prometheus.CounterVec
	ActiveLinks        *prometheus.GaugeVec
	PortDeliveryFailed *prometheus.CounterVec
	HostCPUPercent     prometheus.Gauge
	HostMemoryMB       prometheus.Gauge
}

// NewRegistry builds and registers every PakBus Prometheus collector.
func NewRegistry() *Registry {
	return &Registry{
		FramesEncoded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pakbus_frames_encoded_total",
			Help: "Total number of serial frames encoded for transmission",
		}),
		FramesDecoded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pakbus_frames_decoded_total",
			Help: "Total number of serial frames successfully decoded",
		}),
		CRCFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pakbus_crc_failures_total",
			Help: "Total number of frames rejected for signature mismatch",
		}),
		FramingErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pakbus_framing_errors_total",
			Help: "Total number of frames rejected for quote/length violations",
		}),
		RingAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pakbus_ring_attempts_total",
			Help: "Total number of ring frames emitted",
		}),
		RingExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pakbus_ring_exhausted_total",
			Help: "Total number of neighbors that exhausted their ring retry budget",
		}),
		LinkTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pakbus_link_transitions_total",
			Help: "Total number of per-neighbor Link state transitions",
		}, []string{"from", "to"}),
		CipherOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pakbus_cipher_operations_total",
			Help: "Total number of AES encrypt/decrypt operations",
		}, []string{"op", "result"}),
		ActiveLinks: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pakbus_active_links",
			Help: "Current number of non-offline Links, by port",
		}, []string{"port"}),
		PortDeliveryFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pakbus_port_delivery_failures_total",
			Help: "Total number of delivery failures reported to the Router, by port",
		}, []string{"port"}),
		HostCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pakbus_host_cpu_percent",
			Help: "Smoothed host CPU utilization percentage sampled via gopsutil",
		}),
		HostMemoryMB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pakbus_host_heap_alloc_mb",
			Help: "Process heap allocation in megabytes",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
