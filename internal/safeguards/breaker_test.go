package safeguards

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if opened := b.recordFailure(); opened {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	if !b.allow() {
		t.Fatal("breaker should still allow before reaching the threshold")
	}
	if opened := b.recordFailure(); !opened {
		t.Fatal("breaker should open on the third consecutive failure")
	}
	if b.allow() {
		t.Error("open breaker must reject operations")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := newCircuitBreaker(3, time.Minute)

	b.recordFailure()
	b.recordFailure()
	b.recordSuccess()
	if opened := b.recordFailure(); opened {
		t.Error("failure count should reset after a success")
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := newCircuitBreaker(1, time.Minute)
	base := time.Now()
	now := base
	b.now = func() time.Time { return now }

	b.recordFailure()
	if b.allow() {
		t.Fatal("breaker should be open")
	}

	now = base.Add(61 * time.Second)
	if !b.allow() {
		t.Fatal("breaker should allow a trial after the cooldown")
	}
	if b.state != CircuitHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.state)
	}

	b.recordSuccess()
	if b.state != CircuitClosed {
		t.Errorf("trial success should close the breaker, got %s", b.state)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newCircuitBreaker(1, time.Minute)
	base := time.Now()
	now := base
	b.now = func() time.Time { return now }

	b.recordFailure()
	now = base.Add(2 * time.Minute)
	if !b.allow() {
		t.Fatal("expected half-open trial")
	}

	b.recordFailure()
	if b.state != CircuitOpen {
		t.Fatalf("trial failure should reopen the breaker, got %s", b.state)
	}
	// Cooldown restarts from the trial failure.
	if b.allow() {
		t.Error("breaker must reject immediately after a failed trial")
	}
}
