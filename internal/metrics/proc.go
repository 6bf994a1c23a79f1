// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storymill_proc_terminate_total",
			Help: "Signals sent to stage subprocess groups, by signal and outcome.",
		},
		[]string{"signal", "outcome"},
	)

	procWaitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storymill_proc_wait_total",
			Help: "Stage subprocess wait results.",
		},
		[]string{"outcome"},
	)
)

func IncProcTerminate(signal, outcome string) {
	procTerminateTotal.WithLabelValues(signal, outcome).Inc()
}

func IncProcWait(outcome string) {
	procWaitTotal.WithLabelValues(outcome).Inc()
}
