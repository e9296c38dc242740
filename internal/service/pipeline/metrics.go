package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "md0",
		Subsystem: "pipeline",
		Name:      "deployments_total",
		Help:      "Completed deployment runs by terminal outcome.",
	}, []string{"outcome"})

	deploymentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "md0",
		Subsystem: "pipeline",
		Name:      "deployment_duration_seconds",
		Help:      "Wall-clock duration of deployment runs.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	deploymentsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "md0",
		Subsystem: "pipeline",
		Name:      "deployments_in_flight",
		Help:      "Deployment runs currently holding a project lock.",
	})
)
