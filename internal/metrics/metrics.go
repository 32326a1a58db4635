// Package metrics holds the Prometheus collectors of the sale pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tixmint"

var (
	Purchases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Purchase attempts by outcome",
		},
		[]string{"game_id", "type_name", "outcome"},
	)

	SagaResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_resolutions_total",
			Help:      "Issuance sagas resolved, by final state and trigger",
		},
		[]string{"state", "trigger"},
	)

	Refunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refund transfers by status",
		},
		[]string{"status"},
	)

	Redemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Redemption attempts by outcome",
		},
		[]string{"outcome"},
	)

	IssuanceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "issuance_latency_seconds",
			Help:      "Time from issue request to its resolution",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Saga sweep executions by status",
		},
		[]string{"status"},
	)
)
