package observability

import "github.com/prometheus/client_golang/prometheus"

// SyncMetrics counts records touched and units failed by the sync engines.
// A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	records  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewSyncMetrics registers the sync collectors on registerer.
func NewSyncMetrics(registerer prometheus.Registerer) *SyncMetrics {
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_sync_records_total",
		Help: "Records processed by sync operation, entity kind and action.",
	}, []string{"operation", "kind", "action"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_sync_failures_total",
		Help: "Units (tickets, products, entity types) that failed by operation.",
	}, []string{"operation", "kind"})
	registerer.MustRegister(records, failures)
	return &SyncMetrics{records: records, failures: failures}
}

// Record adds n to the record counter.
func (m *SyncMetrics) Record(operation, kind, action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(operation, kind, action).Add(float64(n))
}

// Failure counts one failed unit.
func (m *SyncMetrics) Failure(operation, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, kind).Inc()
}
