// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sectfetch_section_total",
			Help: "Body section fetches and results.",
		},
		[]string{
			"kind",   // message, text, header, headerfields, part, partheader, unknown
			"result", // ok, notfound, unrecognized, source, transport
		},
	)
	metricLiteralBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sectfetch_literal_bytes_total",
			Help: "Bytes of literal data written for body sections.",
		},
	)
)

// SectionInc counts a fetched section by kind and result.
func SectionInc(kind, result string) {
	metricSection.WithLabelValues(kind, result).Inc()
}

// LiteralBytesAdd counts n bytes of literal data written.
func LiteralBytesAdd(n int64) {
	metricLiteralBytes.Add(float64(n))
}
