// Package metrics exposes Prometheus counters for the resolver, the
// reconciliation workers and the watcher. A nil *Metrics records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ethbalance"

// Resolve sources
const (
	SourceCache    = "cache"
	SourceLedger   = "ledger"
	SourceStore    = "store"
	SourceNotFound = "not_found"
)

// Metrics groups every collector of the service
type Metrics struct {
	resolves          *prometheus.CounterVec
	sideWriteFailures *prometheus.CounterVec
	reconciles        *prometheus.CounterVec
	watcherEvents     prometheus.Counter
	resubscribes      prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_total",
			Help:      "Balance lookups by the tier that answered.",
		}, []string{"source"}),
		sideWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_write_failures_total",
			Help:      "Failed background cache or store writes.",
		}, []string{"op"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Pending transactions processed by outcome.",
		}, []string{"outcome"}),
		watcherEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_events_total",
			Help:      "Pending transaction hashes published by the watcher.",
		}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_resubscribes_total",
			Help:      "Pending transaction subscriptions re-established after a failure.",
		}),
	}

	reg.MustRegister(m.resolves, m.sideWriteFailures, m.reconciles, m.watcherEvents, m.resubscribes)
	return m
}

func (m *Metrics) Resolve(source string) {
	if m == nil {
		return
	}
	m.resolves.WithLabelValues(source).Inc()
}

func (m *Metrics) SideWriteFailure(op string) {
	if m == nil {
		return
	}
	m.sideWriteFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) Reconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WatcherEvent() {
	if m == nil {
		return
	}
	m.watcherEvents.Inc()
}

func (m *Metrics) Resubscribe() {
	if m == nil {
		return
	}
	m.resubscribes.Inc()
}
