// Package metrics exposes prometheus counters for dump and replay runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one process. A nil *Metrics is a no-op.
type Metrics struct {
	ChangeSets    *prometheus.CounterVec
	Events        *prometheus.CounterVec
	Items         *prometheus.CounterVec
	Rows          *prometheus.CounterVec
	Skipped       prometheus.Counter
	UnitErrors    *prometheus.CounterVec
	ChangeSetTime prometheus.Histogram
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChangeSets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kbdump_changesets_total",
			Help: "Change sets processed, by phase.",
		}, []string{"phase"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kbdump_events_total",
			Help: "Item events processed, by phase and kind.",
		}, []string{"phase", "kind"}),
		Items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kbdump_unversioned_items_total",
			Help: "Unversioned items processed, by phase.",
		}, []string{"phase"}),
		Rows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kbdump_table_rows_total",
			Help: "Plain table rows processed, by phase.",
		}, []string{"phase"}),
		Skipped: f.NewCounter(prometheus.CounterOpts{
			Name: "kbdump_skipped_elements_total",
			Help: "Dump elements skipped on replay because their type did not resolve.",
		}),
		UnitErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kbdump_unit_errors_total",
			Help: "Isolated dump failures, by unit.",
		}, []string{"unit"}),
		ChangeSetTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kbdump_replay_changeset_duration_seconds",
			Help:    "Time to read and apply one change set.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

const (
	PhaseDump   = "dump"
	PhaseReplay = "replay"
)

func (m *Metrics) ChangeSet(phase string) {
	if m != nil {
		m.ChangeSets.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) Event(phase, kind string) {
	if m != nil {
		m.Events.WithLabelValues(phase, kind).Inc()
	}
}

func (m *Metrics) Item(phase string, n int) {
	if m != nil {
		m.Items.WithLabelValues(phase).Add(float64(n))
	}
}

func (m *Metrics) Row(phase string, n int) {
	if m != nil {
		m.Rows.WithLabelValues(phase).Add(float64(n))
	}
}

func (m *Metrics) Skip(n int) {
	if m != nil && n > 0 {
		m.Skipped.Add(float64(n))
	}
}

func (m *Metrics) UnitError(unit string) {
	if m != nil {
		m.UnitErrors.WithLabelValues(unit).Inc()
	}
}

func (m *Metrics) ObserveChangeSet(seconds float64) {
	if m != nil {
		m.ChangeSetTime.Observe(seconds)
	}
}
