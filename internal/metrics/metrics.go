package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers ingestion and reconciliation runs. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RecordsResolved    prometheus.Counter
	RecordsRejected    *prometheus.CounterVec
	Batches            *prometheus.CounterVec
	BatchRetries       prometheus.Counter
	RecordsCommitted   prometheus.Counter
	BatchDuration      prometheus.Histogram
	CorrectionsApplied *prometheus.CounterVec
	ReconcileTables    *prometheus.CounterVec
	MappingChanges     *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsResolved: f.NewCounter(prometheus.CounterOpts{
			Name: "collectors_records_resolved_total",
			Help: "Raw records resolved to an agency and region",
		}),
		RecordsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collectors_records_rejected_total",
			Help: "Raw records rejected during normalization, by reason",
		}, []string{"reason"}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collectors_batches_total",
			Help: "Load batches by outcome",
		}, []string{"outcome"}),
		BatchRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "collectors_batch_retries_total",
			Help: "Batch attempts retried after a transient failure",
		}),
		RecordsCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "collectors_records_committed_total",
			Help: "Records committed to the license table",
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "collectors_batch_duration_seconds",
			Help:    "Duration of one batch including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		CorrectionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collectors_reconcile_corrections_total",
			Help: "Rows corrected by reconciliation, by table",
		}, []string{"table"}),
		ReconcileTables: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collectors_reconcile_tables_total",
			Help: "Dependent tables processed by reconciliation, by outcome",
		}, []string{"outcome"}),
		MappingChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collectors_mapping_changes_total",
			Help: "Mapping store upserts that changed state, by set and action",
		}, []string{"set", "action"}),
	}
}

func (m *Metrics) IncResolved() {
	if m == nil {
		return
	}
	m.RecordsResolved.Inc()
}

func (m *Metrics) IncRejected(reason string) {
	if m == nil {
		return
	}
	m.RecordsRejected.WithLabelValues(reason).Inc()
}

// ObserveBatch records one finished batch. Call with time.Now() taken before
// the first attempt.
func (m *Metrics) ObserveBatch(outcome string, records int, start time.Time) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(outcome).Inc()
	m.BatchDuration.Observe(time.Since(start).Seconds())
	if outcome == "committed" {
		m.RecordsCommitted.Add(float64(records))
	}
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.BatchRetries.Inc()
}

func (m *Metrics) AddCorrections(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.CorrectionsApplied.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) IncTable(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileTables.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncMappingChange(set, action string) {
	if m == nil {
		return
	}
	m.MappingChanges.WithLabelValues(set, action).Inc()
}
