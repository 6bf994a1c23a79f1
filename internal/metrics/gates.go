// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gateAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_gate_acquisitions_total",
		Help: "Gate acquisition attempts by service and outcome (acquired/busy).",
	}, []string{"service", "outcome"})

	globalSlotsInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "storymill_global_slots_in_use",
		Help: "Global concurrency slots currently held, by service.",
	}, []string{"service"})

	windowRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_window_rejections_total",
		Help: "Per-channel window budget rejections, by service.",
	}, []string{"service"})
)

func IncGateAcquisition(service, outcome string) {
	gateAcquisitionsTotal.WithLabelValues(service, outcome).Inc()
}

func SetGlobalSlotsInUse(service string, n int) {
	globalSlotsInUse.WithLabelValues(service).Set(float64(n))
}

func IncWindowRejection(service string) {
	windowRejectionsTotal.WithLabelValues(service).Inc()
}
