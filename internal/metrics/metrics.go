// Package metrics exposes Prometheus collectors for the crawling hub.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	triggersTotal       *prometheus.CounterVec
	outboxPublishTotal  *prometheus.CounterVec
	outboxDeadTotal     prometheus.Counter
	outboxSweepClaimed  prometheus.Counter
	executionsTotal     *prometheus.CounterVec
	agentPoolActive     prometheus.Gauge
	agentBlacklistTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		triggersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlhub_triggers_total",
				Help: "Total trigger calls, labeled by result (created, duplicate, in_flight).",
			},
			[]string{"result"},
		)

		outboxPublishTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlhub_outbox_publish_total",
				Help: "Total outbox publish attempts, labeled by result (published, failed).",
			},
			[]string{"result"},
		)

		outboxDeadTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlhub_outbox_dead_total",
				Help: "Total outbox events escalated to DEAD after exhausting retries.",
			},
		)

		outboxSweepClaimed = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlhub_outbox_sweep_claimed_total",
				Help: "Total outbox rows claimed by the retry sweeper.",
			},
		)

		executionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlhub_executions_total",
				Help: "Total crawl executions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		agentPoolActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlhub_agent_pool_active",
				Help: "Number of user agents currently in the ACTIVE state.",
			},
		)

		agentBlacklistTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlhub_agent_blacklist_total",
				Help: "Total user agents moved to the BLACKLISTED state.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTrigger counts a trigger call by result.
func ObserveTrigger(result string) {
	triggersTotal.WithLabelValues(result).Inc()
}

// ObservePublish counts an outbox publish attempt by result.
func ObservePublish(result string) {
	outboxPublishTotal.WithLabelValues(result).Inc()
}

// ObserveDeadLetter counts a DEAD escalation. These require operator action
// and are never silently dropped.
func ObserveDeadLetter() {
	outboxDeadTotal.Inc()
}

// ObserveSweepClaimed counts rows claimed in a sweep.
func ObserveSweepClaimed(n int) {
	outboxSweepClaimed.Add(float64(n))
}

// ObserveExecution counts a crawl execution by outcome.
func ObserveExecution(outcome string) {
	executionsTotal.WithLabelValues(outcome).Inc()
}

// SetAgentPoolActive records the current number of ACTIVE pool entries.
func SetAgentPoolActive(n int) {
	agentPoolActive.Set(float64(n))
}

// ObserveAgentBlacklisted counts a blacklist transition.
func ObserveAgentBlacklisted() {
	agentBlacklistTotal.Inc()
}
