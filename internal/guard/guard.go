package guard

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"finscope/pricesync/internal/source"
)

// Config holds the per-source budget and health settings.
type Config struct {
	// PerMinute is the requests-per-minute budget.
	PerMinute int

	// PerDay is the requests-per-day budget, 0 for unlimited.
	PerDay int

	// FailureThreshold is how many consecutive failures open the breaker.
	FailureThreshold int

	// Cooldown is the initial open->half-open wait; it doubles on each
	// failed probe up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration

	// ScoreFloor marks the source degraded when the reliability score
	// drops below it. Zero disables the floor.
	ScoreFloor float64

	// ScoreHalfLife controls how fast the reliability score decays toward
	// neutral.
	ScoreHalfLife time.Duration

	// DispatchDegraded, when true, keeps a source whose score is below
	// ScoreFloor rankable; when false a floor breach also opens the
	// breaker.
	DispatchDegraded bool
}

// Guard wraps one source with a token bucket for the per-minute budget, a
// day counter for the daily budget, the circuit breaker, and the
// reliability score. All state lives behind the Guard's own mutex; guards
// are never shared across sources.
type Guard struct {
	name string
	cfg  Config

	mu      sync.Mutex
	enabled bool
	minute  *rate.Limiter
	breaker *breaker
	score   *reliabilityScore

	dayUsed  int
	dayStart time.Time

	now    func() time.Time
	logger *logrus.Logger
}

// New creates a guard for the named source.
func New(name string, cfg Config, logger *logrus.Logger) *Guard {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 60
	}
	g := &Guard{
		name:    name,
		cfg:     cfg,
		enabled: true,
		minute:  rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), cfg.PerMinute),
		breaker: newBreaker(name, cfg.FailureThreshold, cfg.Cooldown, cfg.MaxCooldown, logger),
		score:   newReliabilityScore(cfg.ScoreHalfLife),
		now:     time.Now,
		logger:  logger,
	}
	g.dayStart = g.midnightUTC()
	return g
}

// Name returns the source this guard protects.
func (g *Guard) Name() string { return g.name }

// SetEnabled flips the administrative enable flag. A disabled source is
// never dispatched to until explicitly re-enabled.
func (g *Guard) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
}

// Enabled reports the administrative flag.
func (g *Guard) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Allow reserves one unit of budget and consults the breaker. It blocks
// for the token-bucket wait unless that wait would exceed the caller's
// deadline, in which case it fails fast with RateLimitError. Every
// successful Allow counts against the budget regardless of how the
// provider call turns out.
func (g *Guard) Allow(ctx context.Context) error {
	g.mu.Lock()

	if !g.enabled {
		g.mu.Unlock()
		return source.ErrSourceDisabled
	}
	if !g.breaker.allow() {
		g.mu.Unlock()
		return source.ErrBreakerOpen
	}
	if err := g.takeDayLocked(); err != nil {
		g.mu.Unlock()
		return err
	}

	res := g.minute.Reserve()
	g.mu.Unlock()

	if !res.OK() {
		return &source.RateLimitError{Source: g.name}
	}
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	// The limiter runs on the wall clock, so the deadline check must too.
	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
		res.Cancel()
		return &source.RateLimitError{Source: g.name, RetryAfter: delay}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	}
}

// Record feeds one call outcome into the breaker and the reliability
// score. Rate-limit rejections from Allow must not be recorded; they say
// nothing about provider health.
func (g *Guard) Record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	success := err == nil
	g.breaker.record(success)
	g.score.observe(success)

	// A floor breach only trips the breaker when degraded dispatch is off;
	// otherwise Dispatchable's floor check is the sole exclusion point and
	// the source stays rankable.
	if !g.cfg.DispatchDegraded && g.cfg.ScoreFloor > 0 && g.score.current() < g.cfg.ScoreFloor {
		g.breaker.trip()
	}
}

// State returns the breaker position.
func (g *Guard) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breaker.state
}

// Score returns the decayed reliability score.
func (g *Guard) Score() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.score.current()
}

// Dispatchable reports whether ranking may offer this source: enabled,
// breaker not open, and (unless DispatchDegraded) score at or above the
// floor.
func (g *Guard) Dispatchable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.enabled || g.breaker.state == StateOpen {
		return false
	}
	if !g.cfg.DispatchDegraded && g.cfg.ScoreFloor > 0 && g.score.current() < g.cfg.ScoreFloor {
		return false
	}
	return true
}

// takeDayLocked consumes one unit of the daily budget, resetting the
// counter at UTC midnight.
func (g *Guard) takeDayLocked() error {
	if g.cfg.PerDay <= 0 {
		return nil
	}
	midnight := g.midnightUTC()
	if midnight.After(g.dayStart) {
		g.dayStart = midnight
		g.dayUsed = 0
	}
	if g.dayUsed >= g.cfg.PerDay {
		return &source.RateLimitError{
			Source:     g.name,
			RetryAfter: g.dayStart.Add(24 * time.Hour).Sub(g.now()),
		}
	}
	g.dayUsed++
	return nil
}

func (g *Guard) midnightUTC() time.Time {
	t := g.now().UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
