// Package metrics holds the Prometheus collectors exported by the edge proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_requests_total",
			Help: "Total number of requests handled by the edge proxy.",
		},
		[]string{"route", "decision", "code"},
	)

	AuthCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_auth_cache_lookups_total",
			Help: "Credential cache lookups by result (hit or miss).",
		},
		[]string{"result"},
	)

	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edge_upstream_duration_seconds",
			Help:    "Time from forwarding a request until the upstream response body is fully relayed.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal, AuthCacheLookups, UpstreamDuration)
}
