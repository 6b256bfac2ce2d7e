package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool Metrics
var (
	PoolIdleCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agent_fleet",
		Subsystem: "pool",
		Name:      "idle_count",
		Help:      "Current number of idle containers per tenant",
	}, []string{"tenant"})

	PoolBusyCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agent_fleet",
		Subsystem: "pool",
		Name:      "busy_count",
		Help:      "Current number of leased containers per tenant",
	}, []string{"tenant"})

	PoolAcquisitionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agent_fleet",
		Subsystem: "pool",
		Name:      "acquisition_latency_seconds",
		Help:      "Latency of acquiring a container for a session",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// result: reused / deployed / failed
	PoolAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_fleet",
		Subsystem: "pool",
		Name:      "acquisitions_total",
		Help:      "Total number of lease acquisitions by result",
	}, []string{"result"})

	// reason: reuse_limit / pool_full / not_running / unhealthy / idle_timeout / cleanup
	PoolEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_fleet",
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Total number of containers removed from the pool by reason",
	}, []string{"reason"})
)

// Deployment Metrics
var (
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_fleet",
		Subsystem: "deploy",
		Name:      "deployments_total",
		Help:      "Total number of container deployments by result",
	}, []string{"result"})

	DeploymentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agent_fleet",
		Subsystem: "deploy",
		Name:      "latency_seconds",
		Help:      "Latency of deploying a new worker container, retries included",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

// Sweeper Metrics
var (
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agent_fleet",
		Subsystem: "sweeper",
		Name:      "duration_seconds",
		Help:      "Duration of one background sweep",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"sweeper"})
)
