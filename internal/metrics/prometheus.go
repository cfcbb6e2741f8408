// Package metrics records desk activity as Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livedesk"

// PrometheusRecorder implements the dispatcher, token and gateway recorder
// interfaces.
type PrometheusRecorder struct {
	queueLength    prometheus.Gauge
	onlineAgents   prometheus.Gauge
	assignments    *prometheus.CounterVec
	queueWait      prometheus.Histogram
	rollbacks      *prometheus.CounterVec
	releases       *prometheus.CounterVec
	transfers      prometheus.Counter
	requeues       *prometheus.CounterVec
	tokensIssued   *prometheus.CounterVec
	tokensRedeemed *prometheus.CounterVec
	connections    *prometheus.GaugeVec
	rateLimited    *prometheus.CounterVec
	relayed        *prometheus.CounterVec
}

// NewPrometheusRecorder registers the desk metrics with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		queueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Visitors currently waiting for an agent",
		}),
		onlineAgents: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_agents",
			Help:      "Agents currently online",
		}),
		assignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Visitors assigned to an agent, by admission path",
		}, []string{"priority"}),
		queueWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time from enqueue to assignment",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignment_rollbacks_total",
			Help:      "Assignments rolled back, by reason",
		}, []string{"reason"}),
		releases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_releases_total",
			Help:      "Agent slots released, by reason",
		}, []string{"reason"}),
		transfers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Chats transferred between agents",
		}),
		requeues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeues_total",
			Help:      "Visitors displaced by an agent going offline",
		}, []string{"delivered"}),
		tokensIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Capability tokens issued, by kind and result",
		}, []string{"kind", "result"}),
		tokensRedeemed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_redeemed_total",
			Help:      "Capability token redemptions, by kind and result",
		}, []string{"kind", "result"}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open socket connections, by endpoint",
		}, []string{"endpoint"}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Connections rejected by the rate limiter, by endpoint",
		}, []string{"endpoint"}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_total",
			Help:      "Chat items relayed, by kind and direction",
		}, []string{"kind", "direction"}),
	}
}

// --- dispatcher ---

func (p *PrometheusRecorder) QueueLength(n int)  { p.queueLength.Set(float64(n)) }
func (p *PrometheusRecorder) OnlineAgents(n int) { p.onlineAgents.Set(float64(n)) }

func (p *PrometheusRecorder) Assigned(priority bool, wait time.Duration) {
	p.assignments.WithLabelValues(strconv.FormatBool(priority)).Inc()
	p.queueWait.Observe(wait.Seconds())
}

func (p *PrometheusRecorder) RolledBack(reason string) { p.rollbacks.WithLabelValues(reason).Inc() }
func (p *PrometheusRecorder) Released(reason string)   { p.releases.WithLabelValues(reason).Inc() }
func (p *PrometheusRecorder) Transferred()             { p.transfers.Inc() }

func (p *PrometheusRecorder) Requeued(delivered bool) {
	p.requeues.WithLabelValues(strconv.FormatBool(delivered)).Inc()
}

// --- tokens ---

func (p *PrometheusRecorder) TokenIssued(kind string, ok bool) {
	p.tokensIssued.WithLabelValues(kind, result(ok)).Inc()
}

func (p *PrometheusRecorder) TokenRedeemed(kind string, ok bool) {
	p.tokensRedeemed.WithLabelValues(kind, result(ok)).Inc()
}

// --- gateway ---

func (p *PrometheusRecorder) ConnOpened(endpoint string)  { p.connections.WithLabelValues(endpoint).Inc() }
func (p *PrometheusRecorder) ConnClosed(endpoint string)  { p.connections.WithLabelValues(endpoint).Dec() }
func (p *PrometheusRecorder) RateLimited(endpoint string) { p.rateLimited.WithLabelValues(endpoint).Inc() }

// Relayed counts a message or file. fromVisitor selects the direction label.
func (p *PrometheusRecorder) Relayed(kind string, fromVisitor bool) {
	dir := "to_visitor"
	if fromVisitor {
		dir = "from_visitor"
	}
	p.relayed.WithLabelValues(kind, dir).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
