// Package metrics exposes the call router's Prometheus surface, mirroring
// the teacher's metrics.go: a struct of metrics registered once against
// a caller-supplied registry, served over /metrics via promhttp.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nksip/callrouter/internal/resource"
)

// Router holds every metric the call router publishes and implements
// callrouter.Observer so the shard pool can report into it without
// importing this package.
type Router struct {
	reg prometheus.Gatherer

	workersCreated    prometheus.Counter
	workersTerminated prometheus.Counter
	admissionRejected *prometheus.CounterVec
	replaysAttempted  prometheus.Counter
	pendingSize       *prometheus.GaugeVec
	liveCalls         prometheus.GaugeFunc
	cpuPercent        prometheus.GaugeFunc
	memUsedBytes      prometheus.GaugeFunc
	memTotalBytes     prometheus.GaugeFunc
}

// NewRouter registers the call router's metrics against reg. sample is
// polled on every scrape to surface the resource package's periodic
// CPU/memory snapshot (spec.md §6 get_all_data's "process-level
// resource state" alongside the per-call counters).
func NewRouter(reg *prometheus.Registry, liveCalls func() float64, sample func() resource.Snapshot) *Router {
	m := &Router{
		reg: reg,
		workersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callrouter_workers_created_total",
			Help: "Total number of call workers spawned across all shards.",
		}),
		workersTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callrouter_workers_terminated_total",
			Help: "Total number of call workers that have terminated.",
		}),
		admissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callrouter_admission_rejected_total",
			Help: "Total number of ensure_worker calls rejected, by reason.",
		}, []string{"reason"}),
		replaysAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callrouter_replays_attempted_total",
			Help: "Total number of sync work items replayed after a worker died before acknowledging.",
		}),
		pendingSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callrouter_pending_size",
			Help: "Current size of the per-shard pending-work table.",
		}, []string{"shard"}),
	}
	m.liveCalls = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "callrouter_live_calls",
		Help: "Current number of live calls across the node, per the counters service.",
	}, liveCalls)
	m.cpuPercent = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "callrouter_process_cpu_percent",
		Help: "Most recently sampled host-wide CPU usage percentage.",
	}, func() float64 { return sample().CPUPercent })
	m.memUsedBytes = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "callrouter_process_mem_used_bytes",
		Help: "Most recently sampled host-wide used memory, in bytes.",
	}, func() float64 { return float64(sample().MemUsedBytes) })
	m.memTotalBytes = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "callrouter_process_mem_total_bytes",
		Help: "Most recently sampled total system memory, in bytes.",
	}, func() float64 { return float64(sample().MemTotalBytes) })

	reg.MustRegister(
		m.workersCreated,
		m.workersTerminated,
		m.admissionRejected,
		m.replaysAttempted,
		m.pendingSize,
		m.liveCalls,
		m.cpuPercent,
		m.memUsedBytes,
		m.memTotalBytes,
	)
	return m
}

// WorkerCreated implements callrouter.Observer.
func (m *Router) WorkerCreated(int) { m.workersCreated.Inc() }

// WorkerTerminated implements callrouter.Observer.
func (m *Router) WorkerTerminated(int) { m.workersTerminated.Inc() }

// AdmissionRejected implements callrouter.Observer.
func (m *Router) AdmissionRejected(_ int, reason string) {
	m.admissionRejected.WithLabelValues(reason).Inc()
}

// ReplayAttempted implements callrouter.Observer.
func (m *Router) ReplayAttempted(int) { m.replaysAttempted.Inc() }

// PendingSize implements callrouter.Observer.
func (m *Router) PendingSize(shardPos int, n int) {
	m.pendingSize.WithLabelValues(shardLabel(shardPos)).Set(float64(n))
}

// Handler returns the promhttp handler to mount at /metrics, scoped to
// this Router's own registry rather than the global default one.
func (m *Router) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func shardLabel(pos int) string {
	return strconv.Itoa(pos)
}
