package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_query_transitions_total",
			Help: "Query status transitions",
		},
		[]string{"from", "to"},
	)

	QueryTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_query_terminal_total",
			Help: "Queries reaching a terminal status, by reason",
		},
		[]string{"status", "reason"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupchat_query_duration_seconds",
			Help:    "Time from submission to terminal status",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 14400},
		},
		[]string{"status"},
	)

	MatchCandidates = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupchat_match_candidates",
			Help:    "Candidate pool size per routing pass",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 1000},
		},
		[]string{"stage"},
	)

	MatchStrategy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_match_strategy_total",
			Help: "Routing passes by similarity strategy",
		},
		[]string{"strategy"},
	)

	OutreachDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_outreach_deliveries_total",
			Help: "Outreach delivery outcomes",
		},
		[]string{"channel", "status"},
	)

	ContributionsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_contributions_received_total",
			Help: "Contributions received, split by whether they arrived within the window",
		},
		[]string{"timing"},
	)

	CollectorTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_collector_triggers_total",
			Help: "Collection windows closed, by trigger",
		},
		[]string{"trigger"},
	)

	SynthesisAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_synthesis_attempts_total",
			Help: "Synthesis generation attempts by result",
		},
		[]string{"result"},
	)

	AnswerCitations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groupchat_answer_citations",
			Help:    "Citations per compiled answer",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groupchat_answer_confidence",
			Help:    "Compiled answer confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_llm_tokens_used_total",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_settlements_total",
			Help: "Settlement attempts by result",
		},
		[]string{"result"},
	)

	SettledCents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_settled_cents_total",
			Help: "Cents credited per pool",
		},
		[]string{"pool"},
	)

	// LedgerImbalance must stay at zero. Alert on any increase.
	LedgerImbalance = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "groupchat_ledger_imbalance_total",
			Help: "Settlements aborted because entries did not sum to zero",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		QueryTransitions,
		QueryTerminal,
		QueryDuration,
		MatchCandidates,
		MatchStrategy,
		OutreachDeliveries,
		ContributionsReceived,
		CollectorTriggers,
		SynthesisAttempts,
		AnswerCitations,
		ConfidenceScore,
		LLMTokensUsed,
		CacheHits,
		CacheMisses,
		Settlements,
		SettledCents,
		LedgerImbalance,
	)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
