package imapproxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opaquemail_proxy_connection_total",
			Help: "Incoming connections to relays.",
		},
		[]string{
			"relay",
			"result", // ok, ipfilter, ratelimit, tls, dial, remotetls
		},
	)
	metricBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opaquemail_proxy_bytes_total",
			Help: "Bytes relayed.",
		},
		[]string{
			"relay",
			"direction", // toserver, toclient
		},
	)
	metricThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opaquemail_proxy_throttled_total",
			Help: "Throttle notices from remote servers, after rate limiting of the notices.",
		},
		[]string{
			"relay",
		},
	)
	metricCertImport = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opaquemail_proxy_certimport_total",
			Help: "Attempts to import signing certificates from relayed messages.",
		},
		[]string{
			"result", // new, exists, seen, nocert, error
		},
	)
)
