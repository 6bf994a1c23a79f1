// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serviceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_service_requests_total",
		Help: "Outbound generation-service requests, by service and outcome.",
	}, []string{"service", "outcome"}) // outcome=ok|transient|permanent|quota

	serviceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storymill_service_request_duration_seconds",
		Help:    "Outbound generation-service request latencies.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"service"})

	credentialRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_credential_refresh_total",
		Help: "Credential refresh attempts, by service and outcome (ok/error).",
	}, []string{"service", "outcome"})
)

func IncServiceRequest(service, outcome string) {
	serviceRequestsTotal.WithLabelValues(service, outcome).Inc()
}

func ObserveServiceRequest(service string, seconds float64) {
	serviceRequestDuration.WithLabelValues(service).Observe(seconds)
}

func IncCredentialRefresh(service, outcome string) {
	credentialRefreshTotal.WithLabelValues(service, outcome).Inc()
}
