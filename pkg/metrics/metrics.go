// Package metrics records orchestration metrics: permission gate outcomes and
// latency, review verdicts, and phase transitions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the Prometheus instruments.
type Recorder struct {
	permissionDecisions *prometheus.CounterVec
	permissionLatency   *prometheus.HistogramVec
	reviewVerdicts      *prometheus.CounterVec
	phaseTransitions    *prometheus.CounterVec
}

// New creates a Recorder registered against reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		permissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_permission_decisions_total",
				Help: "Permission gate decisions by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		permissionLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tandem_permission_latency_seconds",
				Help:    "Time from permission request to resolution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		reviewVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_review_verdicts_total",
				Help: "Navigator review verdicts",
			},
			[]string{"verdict"},
		),
		phaseTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_phase_transitions_total",
				Help: "Implementation loop phase transitions",
			},
			[]string{"from", "to"},
		),
	}
}

// Permission outcome labels.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeTimeout  = "timeout"
	OutcomeShutdown = "shutdown"
)

// ObservePermission records one resolved permission request.
func (r *Recorder) ObservePermission(tool, outcome string, latency time.Duration) {
	r.permissionDecisions.WithLabelValues(tool, outcome).Inc()
	r.permissionLatency.WithLabelValues(tool).Observe(latency.Seconds())
}

// ObserveReview records one review verdict.
func (r *Recorder) ObserveReview(pass bool) {
	verdict := "fail"
	if pass {
		verdict = "pass"
	}
	r.reviewVerdicts.WithLabelValues(verdict).Inc()
}

// ObservePhaseTransition records one phase change.
func (r *Recorder) ObservePhaseTransition(from, to string) {
	r.phaseTransitions.WithLabelValues(from, to).Inc()
}
