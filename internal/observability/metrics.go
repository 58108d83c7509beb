package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "walk_buddy", Name: "requests_submitted_total", Help: "Walk requests accepted at intake"})
	MatchesTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "walk_buddy", Name: "matches_total", Help: "Total number of committed matches"})
	MatchConflicts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "walk_buddy", Name: "match_conflicts_total", Help: "Match commits lost to a concurrent claim"})
	MatchNoCandidate  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "walk_buddy", Name: "match_no_candidate_total", Help: "Matcher invocations that ended without a match"})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "walk_buddy", Name: "match_latency_seconds", Help: "Match latency seconds", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14)})
	RequestsExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "walk_buddy", Name: "requests_expired_total", Help: "Waiting requests demoted by the sweeper"})
	RequestsCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "walk_buddy", Name: "requests_cancelled_total", Help: "Requests cancelled by their owner"})
	IndexFallbacks    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "walk_buddy", Name: "index_fallbacks_total", Help: "Match attempts that fell back from the geo index to a store scan"})
	NotifyErrors      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "walk_buddy", Name: "notify_errors_total", Help: "Failed post-match notifications"})
	ReportsFiled      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "walk_buddy", Name: "reports_filed_total", Help: "User reports applied to trust scores"})

	AnalysisTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "walk_buddy", Name: "analysis_tasks_total", Help: "Analysis tasks by final status"},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "walk_buddy", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "walk_buddy",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
