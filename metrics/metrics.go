// Package metrics exports the engine's runtime counters as Prometheus
// collectors, the same quantities the teacher tracks as plain uint64
// fields on consensus.Scope (statCommitCount, statCommitTimeout,
// statExecuteCount, ...), reimplemented with a real metrics library
// since observability is ambient stack carried regardless of spec.md's
// Non-goals (see SPEC_FULL.md's AMBIENT STACK section).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the engine publishes. Register it
// against a prometheus.Registerer once per process.
type Metrics struct {
	CommitTotal          prometheus.Counter
	CommitFailTotal      prometheus.Counter
	CertificationFailTotal prometheus.Counter
	CertificationSkipTotal prometheus.Counter
	BFAbortTotal         prometheus.Counter
	ReplayTotal          prometheus.Counter
	ApplyTotal           prometheus.Counter
	ApplyFailTotal       prometheus.Counter
	ApplierActiveGauge   prometheus.Gauge
	LastAppliedGauge     prometheus.Gauge
	MySeqnoGauge         prometheus.Gauge
}

// New creates an unregistered Metrics bundle for the given node name.
func New(nodeName string) *Metrics {
	constLabels := prometheus.Labels{"node": nodeName}
	return &Metrics{
		CommitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galera", Name: "commit_total",
			Help: "Total number of write sets committed on this node, local and remote.",
			ConstLabels: constLabels,
		}),
		CommitFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galera", Name: "commit_fail_total",
			Help: "Total number of replicated local trxs the host rolled back.",
			ConstLabels: constLabels,
		}),
		CertificationFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galera", Name: "certification_fail_total",
			Help: "Total number of write sets that failed certification.",
			ConstLabels: constLabels,
		}),
		CertificationSkipTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galera", Name: "certification_skip_total",
			Help: "Total number of write sets skipped because my_seqno had already passed them.",
			ConstLabels: constLabels,
		}),
		BFAbortTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galera", Name: "bf_abort_total",
			Help: "Total number of local trxs that were brute-force aborted.",
			ConstLabels: constLabels,
		}),
		ReplayTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galera", Name: "replay_total",
			Help: "Total number of BF-aborted trxs successfully replayed.",
			ConstLabels: constLabels,
		}),
		ApplyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galera", Name: "apply_total",
			Help: "Total number of remote write sets applied.",
			ConstLabels: constLabels,
		}),
		ApplyFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galera", Name: "apply_fail_total",
			Help: "Total number of remote write set applications that failed.",
			ConstLabels: constLabels,
		}),
		ApplierActiveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "galera", Name: "applier_active_slots",
			Help: "Number of applier pool slots currently holding a job.",
			ConstLabels: constLabels,
		}),
		LastAppliedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "galera", Name: "last_applied_seqno",
			Help: "Highest seqno reported via set_last_applied.",
			ConstLabels: constLabels,
		}),
		MySeqnoGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "galera", Name: "my_seqno",
			Help: "Highest global seqno observed on the total-order path.",
			ConstLabels: constLabels,
		}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate-registration error (mirrors the teacher's fail-fast style
// for programmer errors rather than runtime conditions).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.CommitTotal,
		m.CommitFailTotal,
		m.CertificationFailTotal,
		m.CertificationSkipTotal,
		m.BFAbortTotal,
		m.ReplayTotal,
		m.ApplyTotal,
		m.ApplyFailTotal,
		m.ApplierActiveGauge,
		m.LastAppliedGauge,
		m.MySeqnoGauge,
	)
}
