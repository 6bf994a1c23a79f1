// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics provides the Prometheus collectors for the orchestrator.
// Labels stay low-cardinality: channel keys and stages, never task ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_tasks_enqueued_total",
		Help: "Tasks accepted into the queue, by channel and source (webhook/api/requeue).",
	}, []string{"channel", "source"})

	tasksClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_tasks_claimed_total",
		Help: "Successful task claims, by channel and stage.",
	}, []string{"channel", "stage"})

	claimEmptyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storymill_claim_empty_total",
		Help: "Claim attempts that found no eligible work.",
	})

	stageRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_stage_runs_total",
		Help: "Stage executions by stage and outcome (ok/transient/permanent/canceled).",
	}, []string{"stage", "outcome"})

	stageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storymill_stage_duration_seconds",
		Help:    "Wall time of stage executions.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	}, []string{"stage"})

	retriesScheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_retries_scheduled_total",
		Help: "Retries scheduled after transient failures, by stage.",
	}, []string{"stage"})

	tasksParkedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_tasks_parked_total",
		Help: "Tasks parked in a terminal error status after exhausting retries, by stage.",
	}, []string{"stage"})

	tasksPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_tasks_published_total",
		Help: "Tasks that reached PUBLISHED, by channel.",
	}, []string{"channel"})

	staleClaimsReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storymill_stale_claims_released_total",
		Help: "Claims released by the reaper after their owner went silent.",
	})

	tasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storymill_tasks_by_status",
		Help: "Current task count per workflow status.",
	}, []string{"status"})

	reviewDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_review_decisions_total",
		Help: "Human review decisions, by gate and decision (approved/rejected/auto).",
	}, []string{"gate", "decision"})
)

func IncTaskEnqueued(channel, source string) {
	tasksEnqueuedTotal.WithLabelValues(channel, source).Inc()
}

func IncTaskClaimed(channel, stage string) {
	tasksClaimedTotal.WithLabelValues(channel, stage).Inc()
}

func IncClaimEmpty() { claimEmptyTotal.Inc() }

func IncStageRun(stage, outcome string) {
	stageRunsTotal.WithLabelValues(stage, outcome).Inc()
}

func ObserveStageDuration(stage string, seconds float64) {
	stageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

func IncRetryScheduled(stage string) { retriesScheduledTotal.WithLabelValues(stage).Inc() }

func IncTaskParked(stage string) { tasksParkedTotal.WithLabelValues(stage).Inc() }

func IncTaskPublished(channel string) { tasksPublishedTotal.WithLabelValues(channel).Inc() }

func IncStaleClaimReleased() { staleClaimsReleasedTotal.Inc() }

func SetTasksByStatus(status string, n int) {
	tasksByStatus.WithLabelValues(status).Set(float64(n))
}

func IncReviewDecision(gate, decision string) {
	reviewDecisionsTotal.WithLabelValues(gate, decision).Inc()
}
