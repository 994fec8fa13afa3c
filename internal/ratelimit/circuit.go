package ratelimit

import "time"

// CircuitState is the breaker position for one agent.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// halfOpenRecovery is the number of consecutive successes in HALF_OPEN
// needed to close the circuit again.
const halfOpenRecovery = 3

// breaker is the per-agent circuit state machine. Callers hold the limiter
// mutex; the breaker itself does no locking.
type breaker struct {
	state     CircuitState
	threshold int
	cooldown  time.Duration

	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	openCount            int
}

func newBreaker(threshold int, cooldown time.Duration) breaker {
	return breaker{state: CircuitClosed, threshold: threshold, cooldown: cooldown}
}

// allow reports whether a request may proceed, transitioning OPEN to
// HALF_OPEN once the cooldown has elapsed.
func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case CircuitOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.state = CircuitHalfOpen
			b.consecutiveSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.consecutiveFailures = 0
	if b.state == CircuitHalfOpen {
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= halfOpenRecovery {
			b.state = CircuitClosed
			b.consecutiveSuccesses = 0
		}
	}
}

// recordFailure counts a failure and reports whether it tripped the circuit.
func (b *breaker) recordFailure(now time.Time) bool {
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case CircuitHalfOpen:
		b.trip(now)
		return true
	case CircuitClosed:
		if b.threshold > 0 && b.consecutiveFailures >= b.threshold {
			b.trip(now)
			return true
		}
	}
	return false
}

func (b *breaker) trip(now time.Time) {
	b.state = CircuitOpen
	b.openedAt = now
	b.openCount++
}

func (b *breaker) reset() {
	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.openedAt = time.Time{}
}
