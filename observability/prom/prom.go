// Package prom wires the observability interfaces to Prometheus, following
// the teacher's registry-and-MustRegister idiom.
package prom

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaymesh/relaymesh-go/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayObserver exports relay metrics to Prometheus.
type RelayObserver struct {
	channelOpenTotal *prometheus.CounterVec
	channelCloseTotal prometheus.Counter
	channelGauge     prometheus.Gauge
	requestTotal     *prometheus.CounterVec
	requestLatency   prometheus.Histogram
	rewriteApplied   *prometheus.CounterVec
	rewriteFailed    *prometheus.CounterVec
	expiredReaped    *prometheus.CounterVec
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		channelOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_channel_open_total",
			Help: "channel_open outcomes.",
		}, []string{"result"}),
		channelCloseTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_channel_close_total",
			Help: "channel_close events handled.",
		}),
		channelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaymesh_channels",
			Help: "Current open channel count.",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_public_requests_total",
			Help: "public_request outcomes.",
		}, []string{"result"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaymesh_public_request_latency_seconds",
			Help:    "public_request handler latency.",
			Buckets: prometheus.DefBuckets,
		}),
		rewriteApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_rewrite_applied_total",
			Help: "Content rewrites applied, by content type.",
		}, []string{"content_type"}),
		rewriteFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_rewrite_failed_total",
			Help: "Content rewrite failures, by content type.",
		}, []string{"content_type"}),
		expiredReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_expired_reaped_total",
			Help: "Records reaped by scheduled_tick, by table.",
		}, []string{"table"}),
	}
	reg.MustRegister(
		o.channelOpenTotal, o.channelCloseTotal, o.channelGauge,
		o.requestTotal, o.requestLatency,
		o.rewriteApplied, o.rewriteFailed, o.expiredReaped,
	)
	return o
}

func (o *RelayObserver) ChannelOpen(result observability.ChannelOpenResult) {
	o.channelOpenTotal.WithLabelValues(string(result)).Inc()
}
func (o *RelayObserver) ChannelClose()      { o.channelCloseTotal.Inc() }
func (o *RelayObserver) ChannelCount(n int) { o.channelGauge.Set(float64(n)) }
func (o *RelayObserver) Request(result observability.RequestResult, d time.Duration) {
	o.requestTotal.WithLabelValues(string(result)).Inc()
	o.requestLatency.Observe(d.Seconds())
}
func (o *RelayObserver) RewriteApplied(contentType string) {
	o.rewriteApplied.WithLabelValues(contentType).Inc()
}
func (o *RelayObserver) RewriteFailed(contentType string) {
	o.rewriteFailed.WithLabelValues(contentType).Inc()
}
func (o *RelayObserver) ExpiredReaped(table string, n int) {
	o.expiredReaped.WithLabelValues(table).Add(float64(n))
}

// ForwarderObserver exports forwarder metrics to Prometheus.
type ForwarderObserver struct {
	reconnectTotal    *prometheus.CounterVec
	connectedTotal    prometheus.Counter
	dispatchTotal     *prometheus.CounterVec
	dispatchLatency   prometheus.Histogram
	dispatchFailTotal *prometheus.CounterVec
}

// NewForwarderObserver registers forwarder metrics on the registry.
func NewForwarderObserver(reg *prometheus.Registry) *ForwarderObserver {
	o := &ForwarderObserver{
		reconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_forwarder_reconnect_total",
			Help: "Reconnect attempts, by reason.",
		}, []string{"reason"}),
		connectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_forwarder_connected_total",
			Help: "Successful connection_established handshakes.",
		}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_forwarder_local_dispatch_total",
			Help: "Local HTTP dispatch outcomes, by method and status.",
		}, []string{"method", "status"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaymesh_forwarder_local_dispatch_latency_seconds",
			Help:    "Local HTTP dispatch latency.",
			Buckets: prometheus.DefBuckets,
		}),
		dispatchFailTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_forwarder_local_dispatch_failed_total",
			Help: "Local HTTP dispatch failures, by method.",
		}, []string{"method"}),
	}
	reg.MustRegister(
		o.reconnectTotal, o.connectedTotal,
		o.dispatchTotal, o.dispatchLatency, o.dispatchFailTotal,
	)
	return o
}

func (o *ForwarderObserver) Reconnect(reason observability.ReconnectReason, attempt int, delay time.Duration) {
	o.reconnectTotal.WithLabelValues(string(reason)).Inc()
}
func (o *ForwarderObserver) Connected() { o.connectedTotal.Inc() }
func (o *ForwarderObserver) LocalDispatch(method string, status int, d time.Duration) {
	o.dispatchTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	o.dispatchLatency.Observe(d.Seconds())
}
func (o *ForwarderObserver) LocalDispatchFailed(method string) {
	o.dispatchFailTotal.WithLabelValues(method).Inc()
}
