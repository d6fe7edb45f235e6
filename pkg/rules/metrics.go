package rules

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultHit         = "hit"
	resultFetched     = "fetched"
	resultNotModified = "not_modified"
	resultError       = "error"
)

var (
	fetchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pluginbridge_rules_fetch_total",
		Help: "Plugin rule fetches by result",
	}, []string{"type", "result"})

	fetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pluginbridge_rules_fetch_retries_total",
		Help: "Plugin rule fetch attempts after the first one",
	})

	fetchCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pluginbridge_rules_fetch_coalesced_total",
		Help: "Callers served by another caller's in flight fetch",
	})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pluginbridge_rules_fetch_duration_seconds",
		Help:    "Duration of network rule fetches including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)
