package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_entries_created_total",
		Help: "Total history entries created",
	})

	entriesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_entries_closed_total",
		Help: "Total history entries closed, by undoability",
	}, []string{"undoable"})

	entriesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "history_entries_open",
		Help: "History entries with at least one open call",
	})

	callsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "history_calls_started_total",
		Help: "Total calls started on history entries",
	})

	contractViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_contract_violations_total",
		Help: "Rejected history operations by kind",
	}, []string{"kind"})

	replays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "history_replays_total",
		Help: "Undo and redo replays by operation and result",
	}, []string{"op", "result"})
)

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
