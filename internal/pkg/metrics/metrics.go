// Package metrics holds the domain counters of the security core. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sessionguard"

// Rotation outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeInvalid  = "invalid"
	OutcomeExpired  = "expired"
	OutcomeRevoked  = "revoked"
	OutcomeInactive = "inactive"
	OutcomeError    = "error"
)

// Login attempt outcomes.
const (
	AttemptAllowed  = "allowed"
	AttemptLocked   = "locked"
	AttemptFailOpen = "fail_open"
)

type Recorder struct {
	rotations       *prometheus.CounterVec
	reuseDetected   prometheus.Counter
	familyRevoked   prometheus.Counter
	evictions       prometheus.Counter
	bindingMismatch prometheus.Counter
	cleanupRemoved  prometheus.Counter
	loginAttempts   *prometheus.CounterVec
	loginFailures   prometheus.Counter
	breakerState    prometheus.Gauge
	secondFactor    *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		rotations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Refresh token rotations by outcome.",
		}, []string{"outcome"}),
		reuseDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_reuse_detected_total",
			Help:      "Presentations of consumed refresh tokens.",
		}),
		familyRevoked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "family_revoked_tokens_total",
			Help:      "Refresh tokens revoked by family cascades.",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions revoked by the per-user session cap.",
		}),
		bindingMismatch: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binding_mismatch_total",
			Help:      "Rotations whose client metadata differed from issuance.",
		}),
		cleanupRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Refresh token rows deleted by the cleanup sweep.",
		}),
		loginAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Brute-force guard decisions by outcome.",
		}, []string{"outcome"}),
		loginFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_failures_total",
			Help:      "Failed login attempts recorded.",
		}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "counter_breaker_state",
			Help:      "Counter store circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		secondFactor: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "second_factor_verifications_total",
			Help:      "Second factor checks by method and outcome.",
		}, []string{"method", "outcome"}),
	}
}

func (r *Recorder) Rotation(outcome string) {
	if r == nil {
		return
	}
	r.rotations.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ReuseDetected(revoked int64) {
	if r == nil {
		return
	}
	r.reuseDetected.Inc()
	r.familyRevoked.Add(float64(revoked))
}

func (r *Recorder) SessionEvicted() {
	if r == nil {
		return
	}
	r.evictions.Inc()
}

func (r *Recorder) BindingMismatch() {
	if r == nil {
		return
	}
	r.bindingMismatch.Inc()
}

func (r *Recorder) CleanupRemoved(n int64) {
	if r == nil {
		return
	}
	r.cleanupRemoved.Add(float64(n))
}

func (r *Recorder) LoginAttempt(outcome string) {
	if r == nil {
		return
	}
	r.loginAttempts.WithLabelValues(outcome).Inc()
}

func (r *Recorder) LoginFailure() {
	if r == nil {
		return
	}
	r.loginFailures.Inc()
}

func (r *Recorder) BreakerState(state int) {
	if r == nil {
		return
	}
	r.breakerState.Set(float64(state))
}

func (r *Recorder) SecondFactor(method string, ok bool) {
	if r == nil {
		return
	}
	outcome := "rejected"
	if ok {
		outcome = "accepted"
	}
	r.secondFactor.WithLabelValues(method, outcome).Inc()
}
