package guard

import (
	"math"
	"time"
)

// reliabilityScore is an exponentially-weighted moving average of call
// outcomes (success=1, failure=0), decayed over wall time so that a source
// idle for a while drifts back toward neutral. It ranks sources when more
// than one can serve a request; it never substitutes data silently.
//
// Callers hold the Guard's lock.
type reliabilityScore struct {
	halfLife time.Duration

	value     float64
	lastEvent time.Time
	now       func() time.Time
}

const (
	// scoreNeutral is the starting value for a source with no history.
	scoreNeutral = 0.8

	// eventWeight is how much a single outcome moves the average.
	eventWeight = 0.15
)

func newReliabilityScore(halfLife time.Duration) *reliabilityScore {
	if halfLife <= 0 {
		halfLife = time.Hour
	}
	return &reliabilityScore{
		halfLife: halfLife,
		value:    scoreNeutral,
		now:      time.Now,
	}
}

// observe folds one outcome into the average after applying time decay.
func (s *reliabilityScore) observe(success bool) {
	s.decay()

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	s.value = s.value*(1-eventWeight) + outcome*eventWeight
	s.lastEvent = s.now()
}

// current returns the decayed score.
func (s *reliabilityScore) current() float64 {
	s.decay()
	return s.value
}

// decay pulls the score toward neutral based on elapsed time since the
// last event, with the configured half-life.
func (s *reliabilityScore) decay() {
	if s.lastEvent.IsZero() {
		return
	}
	elapsed := s.now().Sub(s.lastEvent)
	if elapsed <= 0 {
		return
	}
	w := math.Pow(0.5, float64(elapsed)/float64(s.halfLife))
	s.value = s.value*w + scoreNeutral*(1-w)
	s.lastEvent = s.now()
}
