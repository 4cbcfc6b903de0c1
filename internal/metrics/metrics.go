package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	AnalyzeRequests  prometheus.Counter
	AnalyzeFailures  prometheus.Counter
	FollowUpRequests prometheus.Counter
	FollowUpFailures prometheus.Counter
	PersistFailures  prometheus.Counter
	SearchScans      prometheus.Counter
	StaleSearches    prometheus.Counter
	TagLookups       prometheus.Counter
	TagCacheHits     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			AnalyzeRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "screenlens",
				Name:      "analyze_requests_total",
				Help:      "Total screenshot analysis requests sent to the model gateway",
			}),
			AnalyzeFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "screenlens",
				Name:      "analyze_failures_total",
				Help:      "Total failed screenshot analysis requests",
			}),
			FollowUpRequests: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "screenlens",
				Name:      "followup_requests_total",
				Help:      "Total conversational follow-up requests",
			}),
			FollowUpFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "screenlens",
				Name:      "followup_failures_total",
				Help:      "Total failed follow-up requests",
			}),
			PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "screenlens",
				Name:      "history_persist_failures_total",
				Help:      "Total durable history writes that failed after retries",
			}),
			SearchScans: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "screenlens",
				Name:      "search_scans_total",
				Help:      "Total history search scans executed",
			}),
			StaleSearches: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "screenlens",
				Name:      "search_stale_discarded_total",
				Help:      "Total search results discarded because a newer query superseded them",
			}),
			TagLookups: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "screenlens",
				Name:      "tag_lookups_total",
				Help:      "Total phone tag lookups against the upstream service",
			}),
			TagCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "screenlens",
				Name:      "tag_cache_hits_total",
				Help:      "Total phone tag lookups served from the redis cache",
			}),
		}
		prometheus.MustRegister(
			global.AnalyzeRequests,
			global.AnalyzeFailures,
			global.FollowUpRequests,
			global.FollowUpFailures,
			global.PersistFailures,
			global.SearchScans,
			global.StaleSearches,
			global.TagLookups,
			global.TagCacheHits,
		)
	})
	return global
}
