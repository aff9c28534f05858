package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corax_requests_total",
		Help: "counter for dispatched operations, segmented by method and outcome",
	}, []string{"method", "outcome"})
	requestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corax_request_retries_total",
		Help: "counter for dispatch retries after a node failure",
	})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "corax_request_duration_seconds",
		Help: "histogram for end to end operation latency including retries",
	}, []string{"method"})
	requestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corax_request_timeouts_total",
		Help: "counter for attempts that failed with a timeout",
	})
	failoverWalks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corax_failover_walks_total",
		Help: "counter for dispatches that walked the membership without a leader",
	})
	leaderChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "corax_leader_changes_total",
		Help: "counter for leader installations, including redirect hints",
	})
	topologyRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corax_topology_refreshes_total",
		Help: "counter for completed topology refreshes, segmented by how they resolved",
	}, []string{"outcome"})
)
