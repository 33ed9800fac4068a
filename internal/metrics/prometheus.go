package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Recorder backed by Prometheus collectors. Collectors are
// created and registered on first use.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	storeRetries   *prometheus.CounterVec
	engineOutcomes *prometheus.CounterVec
	grants         *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	broadcasts     prometheus.Counter
	broadcastReach prometheus.Histogram
	interactions   *prometheus.CounterVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers into reg (prometheus.DefaultRegisterer when nil)
// under namespace ("proxybot" when empty).
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "proxybot"
	}
	return &Prometheus{reg: reg, namespace: namespace}
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		p.storeRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Retries of transient store failures by operation.",
		}, []string{"op"})
		p.engineOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "outcomes_total",
			Help:      "Terminal engine outcomes by operation.",
		}, []string{"op", "outcome"})
		p.grants = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "grants_total",
			Help:      "Grant attempts by kind (new, repeat).",
		}, []string{"kind"})
		p.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Broadcast sends by result class.",
		}, []string{"result"})
		p.broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "broadcast",
			Name:      "runs_total",
			Help:      "Completed broadcast runs.",
		})
		p.broadcastReach = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "broadcast",
			Name:      "delivered_ratio",
			Help:      "Delivered/attempted ratio per broadcast run.",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 0.9, 0.95, 0.99, 1},
		})
		p.interactions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "frontend",
			Name:      "interactions_total",
			Help:      "Inbound interactions by kind and whether they were rate limited.",
		}, []string{"kind", "limited"})

		p.reg.MustRegister(p.storeRetries, p.engineOutcomes, p.grants, p.deliveries,
			p.broadcasts, p.broadcastReach, p.interactions)
	})
}

func (p *Prometheus) StoreRetry(op string) {
	p.ensureRegistered()
	p.storeRetries.WithLabelValues(op).Inc()
}

func (p *Prometheus) EngineOutcome(op, outcome string) {
	p.ensureRegistered()
	p.engineOutcomes.WithLabelValues(op, outcome).Inc()
}

func (p *Prometheus) Grant(fresh bool) {
	p.ensureRegistered()
	kind := "repeat"
	if fresh {
		kind = "new"
	}
	p.grants.WithLabelValues(kind).Inc()
}

func (p *Prometheus) Delivery(result string) {
	p.ensureRegistered()
	p.deliveries.WithLabelValues(result).Inc()
}

func (p *Prometheus) BroadcastFinished(attempted, delivered int) {
	p.ensureRegistered()
	p.broadcasts.Inc()
	if attempted > 0 {
		p.broadcastReach.Observe(float64(delivered) / float64(attempted))
	}
}

func (p *Prometheus) Interaction(kind string, limited bool) {
	p.ensureRegistered()
	p.interactions.WithLabelValues(kind, strconv.FormatBool(limited)).Inc()
}
