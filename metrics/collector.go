// Package metrics exposes epacketd's Prometheus counters and gauges:
// pool exhaustion, decrypt failure counts, forwarding connection state,
// and gateway flush counts. Grounded on dantte-lp-gobfd's
// internal/metrics package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "epacketd"

// Label names shared across metric vectors.
const (
	labelKind      = "kind"      // buffer.Kind.String()
	labelInterface = "interface" // buffer.InterfaceID.String()
	labelReason    = "reason"    // codec error / disconnect reason string
	labelState     = "state"     // forward.State.String()
)

// Collector holds all epacketd Prometheus metrics.
//
//   - PoolExhaustions counts non-blocking allocations that found no free
//     buffer (buffer.NoWait returning nil), per pool kind.
//   - DecryptFailures counts codec.Decrypt failures, labeled by the
//     sentinel error that caused them.
//   - ForwardConnections tracks the number of forward.Engine connections
//     currently in each state.
//   - ForwardDisconnects counts forward.Engine teardowns, labeled by
//     disconnect reason.
//   - GatewayFlushes counts gateway.Handler buffer flushes to the
//     backhaul.
//   - GatewayBackpressure counts RATE_LIMIT_REQ messages the gateway
//     sent to the connected BT-central peer under low-water pressure.
type Collector struct {
	PoolExhaustions     *prometheus.CounterVec
	DecryptFailures     *prometheus.CounterVec
	ForwardConnections  *prometheus.GaugeVec
	ForwardDisconnects  *prometheus.CounterVec
	GatewayFlushes      prometheus.Counter
	GatewayBackpressure prometheus.Counter
}

// NewCollector creates a Collector with all metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PoolExhaustions,
		c.DecryptFailures,
		c.ForwardConnections,
		c.ForwardDisconnects,
		c.GatewayFlushes,
		c.GatewayBackpressure,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		PoolExhaustions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "pool_exhaustions_total",
			Help:      "Total non-blocking buffer allocations that found the pool empty.",
		}, []string{labelKind}),

		DecryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codec",
			Name:      "decrypt_failures_total",
			Help:      "Total frame decrypt failures, labeled by cause.",
		}, []string{labelInterface, labelReason}),

		ForwardConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "connections",
			Help:      "Current number of forwarding-engine connections in each state.",
		}, []string{labelState}),

		ForwardDisconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forward",
			Name:      "disconnects_total",
			Help:      "Total forwarding-engine connection teardowns, labeled by reason.",
		}, []string{labelReason}),

		GatewayFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "flushes_total",
			Help:      "Total RECEIVED_EPACKET buffers flushed to the backhaul.",
		}),

		GatewayBackpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "backpressure_requests_total",
			Help:      "Total RATE_LIMIT_REQ messages sent to the BT-central peer under low-water pressure.",
		}),
	}
}

// IncPoolExhaustion records one failed non-blocking allocation from the
// named pool kind.
func (c *Collector) IncPoolExhaustion(kind string) {
	c.PoolExhaustions.WithLabelValues(kind).Inc()
}

// IncDecryptFailure records one decrypt failure on the given interface,
// labeled with the causing sentinel error's string.
func (c *Collector) IncDecryptFailure(iface, reason string) {
	c.DecryptFailures.WithLabelValues(iface, reason).Inc()
}

// SetForwardConnections sets the current connection count for one
// forward.State value.
func (c *Collector) SetForwardConnections(state string, n float64) {
	c.ForwardConnections.WithLabelValues(state).Set(n)
}

// IncForwardDisconnect records one connection teardown with its reason.
func (c *Collector) IncForwardDisconnect(reason string) {
	c.ForwardDisconnects.WithLabelValues(reason).Inc()
}

// IncGatewayFlush records one backhaul flush.
func (c *Collector) IncGatewayFlush() {
	c.GatewayFlushes.Inc()
}

// IncGatewayBackpressure records one RATE_LIMIT_REQ sent under pressure.
func (c *Collector) IncGatewayBackpressure() {
	c.GatewayBackpressure.Inc()
}
