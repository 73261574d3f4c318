// Package metrics holds the Prometheus collectors shared by the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AgentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synedrio_agent_calls_total",
			Help: "Agent generate calls by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	AgentCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "synedrio_agent_call_duration_seconds",
			Help:    "Latency of agent generate calls",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"agent"},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "synedrio_phase_duration_seconds",
			Help:    "Wall time of each deliberation phase",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 240},
		},
		[]string{"phase"},
	)

	Queries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synedrio_queries_total",
			Help: "Deliberation runs by final status",
		},
		[]string{"status"},
	)

	Searches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synedrio_search_total",
			Help: "Search augmentation attempts by outcome",
		},
		[]string{"outcome"},
	)

	AgentUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "synedrio_agent_up",
			Help: "Last observed reachability of an agent (1 online, 0 offline)",
		},
		[]string{"agent"},
	)
)

func init() {
	prometheus.MustRegister(AgentCalls)
	prometheus.MustRegister(AgentCallDuration)
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(Queries)
	prometheus.MustRegister(Searches)
	prometheus.MustRegister(AgentUp)
}
