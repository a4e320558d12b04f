package safeguards

import (
	"time"
)

// CircuitState is the breaker's position in its lifecycle.
type CircuitState int

const (
	// CircuitClosed allows all operations through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects operations until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen allows trial operations after the cooldown.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// circuitBreaker tracks consecutive operation failures and trips open when
// the threshold is reached. Callers hold the controller mutex; the breaker
// itself is not safe for concurrent use.
type circuitBreaker struct {
	failureThreshold int
	cooldown         time.Duration

	state    CircuitState
	failures int
	openedAt time.Time

	now func() time.Time
}

func newCircuitBreaker(failureThreshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            CircuitClosed,
		now:              time.Now,
	}
}

// allow reports whether an operation may proceed, transitioning from open
// to half-open once the cooldown has elapsed.
func (b *circuitBreaker) allow() bool {
	switch b.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// recordSuccess closes the breaker and clears the failure count.
func (b *circuitBreaker) recordSuccess() {
	b.state = CircuitClosed
	b.failures = 0
}

// recordFailure counts one failed operation. A half-open trial failure or
// reaching the threshold while closed re-opens the breaker. It returns true
// when this call caused a transition to open.
func (b *circuitBreaker) recordFailure() bool {
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= b.failureThreshold {
		b.state = CircuitOpen
		b.openedAt = b.now()
		return true
	}
	return false
}

// currentState returns the state an allow() call would observe now.
func (b *circuitBreaker) currentState() CircuitState {
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return CircuitHalfOpen
	}
	return b.state
}
