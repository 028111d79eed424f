// Package guard enforces per-source request budgets and disables unhealthy
// sources automatically. One Guard exists per source; each owns its own
// lock and is injected into workers, never reached through globals. State
// is never shared across sources.
package guard

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BreakerState is the circuit breaker position for one source.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// breaker is the per-source state machine: closed (dispatch allowed) ->
// open (rejected immediately) -> half-open (single probe) -> closed or
// open. Opens on consecutive failures past the threshold, or on a
// reliability floor breach when degraded dispatch is off. Each failed
// probe doubles the
// cooldown, capped at maxCooldown. Callers hold the Guard's lock; the
// breaker itself is not safe for concurrent use.
type breaker struct {
	name string

	failureThreshold int
	cooldown         time.Duration
	maxCooldown      time.Duration

	state        BreakerState
	failures     int
	openedAt     time.Time
	nextCooldown time.Duration
	probing      bool

	now    func() time.Time
	logger *logrus.Logger
}

func newBreaker(name string, threshold int, cooldown, maxCooldown time.Duration, logger *logrus.Logger) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if maxCooldown < cooldown {
		maxCooldown = 16 * cooldown
	}
	return &breaker{
		name:             name,
		failureThreshold: threshold,
		cooldown:         cooldown,
		maxCooldown:      maxCooldown,
		nextCooldown:     cooldown,
		state:            StateClosed,
		now:              time.Now,
		logger:           logger,
	}
}

// allow reports whether one dispatch may proceed, transitioning
// open -> half-open once the cooldown has elapsed. In half-open exactly
// one in-flight probe is permitted.
func (b *breaker) allow() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.nextCooldown {
			return false
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// record feeds one call outcome into the state machine.
func (b *breaker) record(success bool) {
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.probing = false
		if success {
			// A single successful probe closes the breaker.
			b.failures = 0
			b.nextCooldown = b.cooldown
			b.setState(StateClosed)
			return
		}
		// Failed probe: back to open with a longer cooldown.
		b.nextCooldown *= 2
		if b.nextCooldown > b.maxCooldown {
			b.nextCooldown = b.maxCooldown
		}
		b.openedAt = b.now()
		b.setState(StateOpen)
	case StateOpen:
		// Late results from calls dispatched before the trip.
	}
}

// trip forces the breaker open, used both for the consecutive-failure
// threshold and the reliability-score floor.
func (b *breaker) trip() {
	if b.state == StateOpen {
		return
	}
	b.openedAt = b.now()
	b.setState(StateOpen)
}

func (b *breaker) setState(state BreakerState) {
	if b.state == state {
		return
	}
	old := b.state
	b.state = state
	b.logger.WithFields(logrus.Fields{
		"source": b.name,
		"from":   old.String(),
		"to":     state.String(),
	}).Info("circuit breaker state changed")
}
