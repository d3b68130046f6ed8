// Package metrics has prometheus metrics shared between packages.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "opaquemail_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panics is the number of recovered panics since start, for tests to fail on.
var Panics atomic.Int64

// PanicInc counts a recovered panic in a connection or background goroutine.
func PanicInc(pkg string) {
	Panics.Add(1)
	metricPanic.WithLabelValues(pkg).Inc()
}
