// Package metrics exposes MidRender's Prometheus signals: dispatch
// throughput, tick latency, peer count, election outcomes, and
// report-queue backlog. Grounded on the teacher's own metrics.go
// collector shape (one Collector struct holding every registered
// metric, Record*/Set* methods, StartServer for a standalone
// /metrics listener) re-pointed at render-farm counters instead of
// job-queue counters.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is the process-wide Prometheus metrics registry. One
// Collector per node; its metrics are served by internal/meshserver's
// /metrics route when enabled, or by StartServer as a standalone
// listener.
type Collector struct {
	chunksDispatched prometheus.Counter
	chunksCompleted  prometheus.Counter
	chunksFailed     prometheus.Counter
	chunksReassigned prometheus.Counter

	dispatchTickSeconds prometheus.Histogram

	peerCount    prometheus.Gauge
	electionsWon prometheus.Counter

	reportQueueDepth    prometheus.Gauge
	reportQueueCooldown prometheus.Counter
}

// NewCollector builds and registers a Collector against the default
// Prometheus registerer. A process should build exactly one.
func NewCollector() *Collector {
	c := &Collector{
		chunksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midrender_chunks_dispatched_total",
			Help: "Total number of chunks dispatched to a worker node",
		}),
		chunksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midrender_chunks_completed_total",
			Help: "Total number of chunks completed successfully",
		}),
		chunksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midrender_chunks_failed_total",
			Help: "Total number of chunk failures reported by worker nodes",
		}),
		chunksReassigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midrender_chunks_reassigned_total",
			Help: "Total number of chunks reassigned after their worker went dead",
		}),
		dispatchTickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "midrender_dispatch_tick_seconds",
			Help:    "Wall-clock duration of one dispatch engine Tick",
			Buckets: prometheus.DefBuckets,
		}),
		peerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "midrender_peer_count",
			Help: "Current number of peers the registry considers alive, including self",
		}),
		electionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midrender_elections_won_total",
			Help: "Total number of leader-election recomputations that made this node leader",
		}),
		reportQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "midrender_report_queue_depth",
			Help: "Current number of reports buffered for delivery to the leader",
		}),
		reportQueueCooldown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "midrender_report_queue_cooldown_total",
			Help: "Total number of times the report queue backed off after a failed delivery",
		}),
	}

	prometheus.MustRegister(c.chunksDispatched)
	prometheus.MustRegister(c.chunksCompleted)
	prometheus.MustRegister(c.chunksFailed)
	prometheus.MustRegister(c.chunksReassigned)
	prometheus.MustRegister(c.dispatchTickSeconds)
	prometheus.MustRegister(c.peerCount)
	prometheus.MustRegister(c.electionsWon)
	prometheus.MustRegister(c.reportQueueDepth)
	prometheus.MustRegister(c.reportQueueCooldown)

	return c
}

// RecordDispatch records one chunk being handed to a worker node.
func (c *Collector) RecordDispatch() {
	c.chunksDispatched.Inc()
}

// RecordCompleted records one chunk completing successfully.
func (c *Collector) RecordCompleted() {
	c.chunksCompleted.Inc()
}

// RecordFailed records one chunk failure report.
func (c *Collector) RecordFailed() {
	c.chunksFailed.Inc()
}

// RecordReassigned records one chunk being reassigned after its
// worker was declared dead.
func (c *Collector) RecordReassigned() {
	c.chunksReassigned.Inc()
}

// ObserveTick records one dispatch engine Tick's duration.
func (c *Collector) ObserveTick(seconds float64) {
	c.dispatchTickSeconds.Observe(seconds)
}

// SetPeerCount updates the current alive-peer count, including self.
func (c *Collector) SetPeerCount(n int) {
	c.peerCount.Set(float64(n))
}

// RecordElectionWon records this node winning a leader-election
// recomputation.
func (c *Collector) RecordElectionWon() {
	c.electionsWon.Inc()
}

// SetReportQueueDepth updates the current report-queue backlog.
func (c *Collector) SetReportQueueDepth(n int) {
	c.reportQueueDepth.Set(float64(n))
}

// RecordReportQueueCooldown records one backoff cycle after a failed
// report delivery.
func (c *Collector) RecordReportQueueCooldown() {
	c.reportQueueCooldown.Inc()
}

// StartServer runs a standalone /metrics HTTP listener on port. Used
// when a node runs metrics on a dedicated port instead of mounting
// /metrics on the mesh server.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
