package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_requests_total",
		Help: "Proxied requests by provider and response status.",
	}, []string{"provider", "status"})

	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_rejections_total",
		Help: "Requests rejected before forwarding, by pipeline stage.",
	}, []string{"reason"})

	LicenseCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_license_cache_lookups_total",
		Help: "License resolver cache lookups by outcome (hit, negative_hit, miss).",
	}, []string{"outcome"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentgate_upstream_latency_seconds",
		Help:    "Time to last byte of the upstream response.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	UsageParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgate_usage_parse_failures_total",
		Help: "Responses whose body yielded no token counts (zero-usage fallback emitted).",
	})

	UsageRecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgate_usage_records_dropped_total",
		Help: "Usage records dropped because the sink queue was full.",
	})
)
