package cluster

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the cluster lifecycle metrics. Managers sharing a registry
// share the collectors.
type Metrics struct {
	AcquireDuration      prometheus.Histogram
	RegisteredWorkers    prometheus.Gauge
	ProvisioningFailures *prometheus.CounterVec
	Releases             prometheus.Counter
	TeardownErrors       prometheus.Counter
}

// NewMetrics registers the lifecycle metrics with reg, reusing collectors
// already registered there by another manager.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		AcquireDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mgcluster_acquire_duration_seconds",
			Help:    "Time from acquire until every worker registered",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		})),
		RegisteredWorkers: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mgcluster_registered_workers",
			Help: "Workers currently registered with a scheduler",
		})),
		ProvisioningFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mgcluster_provisioning_failures_total",
			Help: "Failed acquire calls by stage",
		}, []string{"stage"})),
		Releases: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mgcluster_releases_total",
			Help: "Clusters released",
		})),
		TeardownErrors: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mgcluster_teardown_errors_total",
			Help: "Errors swallowed while releasing clusters",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
