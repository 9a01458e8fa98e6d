package biz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messageProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "phashguard_message_duration_sec",
	Help: "Total duration of message moderation",
})

var hashErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phashguard_hash_errors",
	Help: "Number of attachments skipped because they could not be fingerprinted",
}, []string{"reason"})

var matchVerdictCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phashguard_match_verdicts",
	Help: "Number of match verdicts by outcome",
}, []string{"verdict"})

var persistOutcomeCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phashguard_persist_outcomes",
	Help: "Number of blacklist persist attempts by status",
}, []string{"status"})

var blacklistSize = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "phashguard_blacklist_records",
	Help: "Number of fingerprints in the in-memory snapshot",
})

var gateDecisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phashguard_gate_decisions",
	Help: "Number of gate decisions by final action and rule",
}, []string{"action", "rule"})

var classifierCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "phashguard_classifier_duration_sec",
	Help: "Duration of classifier provider calls",
}, []string{"provider", "outcome"})

var actionOutcomeCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "phashguard_action_outcomes",
	Help: "Number of moderation actions executed by type and outcome",
}, []string{"action", "outcome"})
