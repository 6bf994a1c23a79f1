// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_bus_dropped_total",
		Help: "Wake-bus messages dropped, by topic and reason.",
	}, []string{"topic", "reason"})

	busPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storymill_bus_published_total",
		Help: "Wake-bus messages published, by topic.",
	}, []string{"topic"})
)

// IncBusDropReason records a dropped bus message with a concrete reason.
func IncBusDropReason(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}

// IncBusPublished records a delivered bus message.
func IncBusPublished(topic string) {
	busPublishedTotal.WithLabelValues(topic).Inc()
}
