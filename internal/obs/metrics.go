package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "procwrap_active_sessions", Help: "Connections currently being handled"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "procwrap_sessions_total", Help: "Connections accepted"})
	PowResultsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "procwrap_pow_results_total", Help: "Proof-of-work attempts by result"}, []string{"result"})
	RelayOutcomesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "procwrap_relay_outcomes_total", Help: "Relays by the activity that ended them"}, []string{"outcome"})
	SpawnFailuresTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "procwrap_spawn_failures_total", Help: "Commands that failed to start"})
	KillFailuresTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "procwrap_kill_failures_total", Help: "Process groups that could not be killed"})
	SpawnThrottledTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "procwrap_spawn_throttled_total", Help: "Connections refused by the spawn rate limit"})
	EventsDroppedTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "procwrap_events_dropped_total", Help: "Audit events that could not be delivered"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "procwrap_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "procwrap_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 18)})
)
