// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookIngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_webhook_ingest_total",
		Help: "Planning webhook deliveries, by outcome (accepted/duplicate/rejected/invalid_signature).",
	}, []string{"outcome"})

	syncDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_sync_deliveries_total",
		Help: "Outbound planning-store updates, by outcome (ok/retry/dropped).",
	}, []string{"outcome"})

	syncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storymill_sync_queue_depth",
		Help: "Outbound planning-store updates waiting for delivery.",
	})

	alertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_alerts_sent_total",
		Help: "Operator alert webhook posts, by kind and outcome (ok/error).",
	}, []string{"kind", "outcome"})
)

func IncWebhookIngest(outcome string) {
	webhookIngestTotal.WithLabelValues(outcome).Inc()
}

func IncSyncDelivery(outcome string) {
	syncDeliveriesTotal.WithLabelValues(outcome).Inc()
}

func SetSyncQueueDepth(n int) { syncQueueDepth.Set(float64(n)) }

func IncAlertSent(kind, outcome string) {
	alertsSentTotal.WithLabelValues(kind, outcome).Inc()
}
