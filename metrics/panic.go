package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sectfetch_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// PanicInc counts a recovered panic in a connection or command handler.
func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}
