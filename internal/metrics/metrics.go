// Package metrics exposes Prometheus collectors for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal counts provider calls by method and outcome.
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenledger_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"method", "result"},
	)

	// RPCLatency tracks provider call latency.
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokenledger_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// RateLimitedTotal counts governor rejections.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenledger_rate_limited_total",
			Help: "Total number of calls delayed by the rate governor",
		},
		[]string{"key"},
	)

	// ChunkSplitsTotal counts range bisections after a provider range error.
	ChunkSplitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenledger_chunk_splits_total",
			Help: "Total number of block ranges split after a range-too-large error",
		},
		[]string{"contract"},
	)

	// ChunksProcessedTotal counts committed chunks.
	ChunksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenledger_chunks_processed_total",
			Help: "Total number of block chunks committed",
		},
		[]string{"contract"},
	)

	// EventsInsertedTotal counts newly stored events (duplicates excluded).
	EventsInsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenledger_events_inserted_total",
			Help: "Total number of events inserted",
		},
		[]string{"contract"},
	)

	// DecodeSkippedTotal counts logs that were not decodable transfers.
	DecodeSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenledger_decode_skipped_total",
			Help: "Total number of logs skipped by the decoder",
		},
		[]string{"reason"},
	)

	// LastSyncedBlock is the committed checkpoint per contract.
	LastSyncedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tokenledger_last_synced_block",
			Help: "Last block durably synced per contract",
		},
		[]string{"contract"},
	)

	// JobsTotal counts finished jobs by final state.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenledger_jobs_total",
			Help: "Total number of sync jobs by final state",
		},
		[]string{"state"},
	)

	// QueueLength is the number of queued sync jobs.
	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokenledger_job_queue_length",
			Help: "Number of sync jobs waiting in the queue",
		},
	)

	// HealthScore is the last computed health score per contract.
	HealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tokenledger_health_score",
			Help: "Composite data health score (0-100)",
		},
		[]string{"contract"},
	)

	// NegativeBalances counts replay rows dropped for going negative.
	NegativeBalances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenledger_negative_balances_total",
			Help: "Total number of holder balances that replayed to a negative value",
		},
		[]string{"contract"},
	)
)
