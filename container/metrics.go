package container

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fanOutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "container_fanout_duration_seconds",
		Help:    "Time from fan-out start until every target tree settled",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	fanOutApplications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "container_fanout_applications_total",
		Help: "Shared model snapshot applications by result",
	}, []string{"result"})

	registeredTrees = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "container_registered_trees",
		Help: "Trees registered across all containers",
	})
)
