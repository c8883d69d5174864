package indexer

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the pipeline's prometheus collectors.
type Metrics struct {
	TransfersApplied   *prometheus.CounterVec
	DeadLetters        *prometheus.CounterVec
	BackfillBlocks     prometheus.Counter
	BackfillHead       prometheus.Gauge
	QueueDepth         prometheus.Gauge
	ReconcileChecked   prometheus.Counter
	ReconcileCorrected prometheus.Counter
	ReconcileFailed    prometheus.Counter
	SweepResolved      prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransfersApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mirror_transfers_applied_total", Help: "Transfer apply outcomes"},
			[]string{"result"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mirror_dead_letters_total", Help: "Dead letter writes by reason"},
			[]string{"reason"},
		),
		BackfillBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_backfill_blocks_total",
			Help: "Blocks covered by completed backfill chunks",
		}),
		BackfillHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_backfill_head_block",
			Help: "Last block covered by backfill",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mirror_live_queue_depth",
			Help: "Events waiting in the live subscriber queue",
		}),
		ReconcileChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_reconcile_checked_total",
			Help: "Assets compared against the ledger",
		}),
		ReconcileCorrected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_reconcile_corrected_total",
			Help: "Assets whose owner was corrected by reconciliation",
		}),
		ReconcileFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_reconcile_failed_total",
			Help: "Assets that could not be reconciled",
		}),
		SweepResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirror_sweep_resolved_total",
			Help: "Dead letters resolved by the retry sweeper",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TransfersApplied,
			m.DeadLetters,
			m.BackfillBlocks,
			m.BackfillHead,
			m.QueueDepth,
			m.ReconcileChecked,
			m.ReconcileCorrected,
			m.ReconcileFailed,
			m.SweepResolved,
		)
	}
	return m
}

// orNop returns m, or an unregistered set when m is nil.
func (m *Metrics) orNop() *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}
