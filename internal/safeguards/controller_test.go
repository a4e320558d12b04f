package safeguards

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/olasunkanmi-SE/codebuddy-index/internal/errortypes"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// usageSource lets tests control what the controller observes.
type usageSource struct {
	mu    sync.Mutex
	usage ResourceUsage
}

func (u *usageSource) set(usage ResourceUsage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.usage = usage
}

func (u *usageSource) sample() ResourceUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	usage := u.usage
	usage.SampledAt = time.Now()
	return usage
}

func lowUsage() ResourceUsage {
	return ResourceUsage{HeapUsedMB: 10, HeapTotalMB: 32, RSSMB: 20}
}

func newTestController(t *testing.T, cfg Config, hooks Hooks) (*Controller, *usageSource) {
	t.Helper()
	if cfg.ExecBaseBackoff == 0 {
		cfg.ExecBaseBackoff = time.Millisecond
	}
	if cfg.ExecMaxBackoff == 0 {
		cfg.ExecMaxBackoff = 5 * time.Millisecond
	}
	c := NewController(cfg, hooks, nil, discardLogger())
	src := &usageSource{usage: lowUsage()}
	c.sample = src.sample
	t.Cleanup(c.Dispose)
	return c, src
}

func failingOp(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func TestExecuteSuccess(t *testing.T) {
	c, _ := newTestController(t, Config{}, Hooks{})

	calls := 0
	err := c.Execute(context.Background(), "op", ExecOptions{}, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	c, _ := newTestController(t, Config{
		BreakerFailureThreshold: 5,
		BreakerCooldown:         time.Hour,
	}, Hooks{})

	opErr := errors.New("backend broken")
	for i := 0; i < 5; i++ {
		if err := c.Execute(context.Background(), "op", ExecOptions{}, failingOp(opErr)); !errors.Is(err, opErr) {
			t.Fatalf("call %d: expected operation error, got %v", i+1, err)
		}
	}

	err := c.Execute(context.Background(), "op", ExecOptions{}, failingOp(opErr))
	if !errors.Is(err, errortypes.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after 5 failures, got %v", err)
	}
}

func TestCircuitRecoversAfterCooldown(t *testing.T) {
	c, _ := newTestController(t, Config{
		BreakerFailureThreshold: 2,
		BreakerCooldown:         50 * time.Millisecond,
	}, Hooks{})

	opErr := errors.New("backend broken")
	ctx := context.Background()
	c.Execute(ctx, "op", ExecOptions{}, failingOp(opErr))
	c.Execute(ctx, "op", ExecOptions{}, failingOp(opErr))
	if err := c.Execute(ctx, "op", ExecOptions{}, failingOp(opErr)); !errors.Is(err, errortypes.ErrCircuitOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}

	time.Sleep(70 * time.Millisecond)

	// Half-open trial succeeds and closes the breaker.
	if err := c.Execute(ctx, "op", ExecOptions{}, failingOp(nil)); err != nil {
		t.Fatalf("expected trial to run after cooldown, got %v", err)
	}
	if err := c.Execute(ctx, "op", ExecOptions{}, failingOp(nil)); err != nil {
		t.Fatalf("breaker should be closed again, got %v", err)
	}
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	c, _ := newTestController(t, Config{
		BreakerFailureThreshold: 1,
		BreakerCooldown:         50 * time.Millisecond,
	}, Hooks{})

	opErr := errors.New("backend broken")
	ctx := context.Background()
	c.Execute(ctx, "op", ExecOptions{}, failingOp(opErr))

	time.Sleep(70 * time.Millisecond)

	if err := c.Execute(ctx, "op", ExecOptions{}, failingOp(opErr)); !errors.Is(err, opErr) {
		t.Fatalf("expected trial to run, got %v", err)
	}
	if err := c.Execute(ctx, "op", ExecOptions{}, failingOp(nil)); !errors.Is(err, errortypes.ErrCircuitOpen) {
		t.Fatalf("expected breaker reopened after failed trial, got %v", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	c, _ := newTestController(t, Config{}, Hooks{})

	err := c.Execute(context.Background(), "slow", ExecOptions{Timeout: 20 * time.Millisecond},
		func(ctx context.Context) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	if !errors.Is(err, errortypes.ErrOperationTimeout) {
		t.Fatalf("expected ErrOperationTimeout, got %v", err)
	}
}

func TestExecuteRetriesWithBackoff(t *testing.T) {
	c, _ := newTestController(t, Config{}, Hooks{})

	calls := 0
	err := c.Execute(context.Background(), "flaky", ExecOptions{MaxRetries: 3},
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}

	// A successful call counts as one breaker success, so the breaker
	// stays closed despite internal retries.
	if st := c.GetStatus(); st.CircuitState != "CLOSED" {
		t.Errorf("expected CLOSED breaker, got %s", st.CircuitState)
	}
}

func TestExecBackoffDoublesAndCaps(t *testing.T) {
	c := NewController(Config{
		ExecBaseBackoff: time.Second,
		ExecMaxBackoff:  10 * time.Second,
	}, Hooks{}, nil, discardLogger())

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := c.execBackoff(tc.attempt); got != tc.want {
			t.Errorf("execBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestPreFlightRecoveryRunsCheapActionsFirst(t *testing.T) {
	var cleared bool
	hooks := Hooks{
		ClearCaches: func() { cleared = true },
	}
	c, src := newTestController(t, Config{}, hooks)

	// Over the heap limit triggers recovery; usage drops after the first
	// action so the ladder stops at clear_caches.
	src.set(ResourceUsage{HeapUsedMB: 1100, RSSMB: 1200})
	var sampleOnce sync.Once
	orig := c.sample
	c.sample = func() ResourceUsage {
		usage := orig()
		sampleOnce.Do(func() { src.set(lowUsage()) })
		return usage
	}

	if err := c.Execute(context.Background(), "op", ExecOptions{}, failingOp(nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !cleared {
		t.Error("expected clear_caches recovery action to run")
	}
}

func TestRecoveryEscalatesToEmergencyStop(t *testing.T) {
	var paused bool
	c, src := newTestController(t, Config{}, Hooks{
		PauseIndexing: func() { paused = true },
	})

	// Far beyond the hard limits and never improving.
	src.set(ResourceUsage{HeapUsedMB: 4000, RSSMB: 8000})

	err := c.Execute(context.Background(), "op", ExecOptions{}, failingOp(nil))
	if !errors.Is(err, errortypes.ErrEmergencyStop) {
		t.Fatalf("expected ErrEmergencyStop, got %v", err)
	}
	if !paused {
		t.Error("emergency stop should pause indexing")
	}

	// All further operations are rejected while stopped.
	err = c.Execute(context.Background(), "op", ExecOptions{}, failingOp(nil))
	if !errors.Is(err, errortypes.ErrEmergencyStop) {
		t.Fatalf("expected ErrEmergencyStop while stopped, got %v", err)
	}
}

func TestResumeVerifiesUsage(t *testing.T) {
	var resumed bool
	c, src := newTestController(t, Config{}, Hooks{
		ResumeIndexing: func() { resumed = true },
	})

	c.EmergencyStop()

	src.set(ResourceUsage{HeapUsedMB: 4000, RSSMB: 8000})
	if err := c.Resume(); err == nil {
		t.Fatal("Resume must refuse while usage is over the limits")
	}
	if resumed {
		t.Fatal("resume hook must not fire on refused resume")
	}

	src.set(lowUsage())
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !resumed {
		t.Error("resume hook should fire once usage is back under the limits")
	}
	if err := c.Execute(context.Background(), "op", ExecOptions{}, failingOp(nil)); err != nil {
		t.Errorf("operations should run after resume, got %v", err)
	}
}

func TestTriggerRecoveryAction(t *testing.T) {
	var reduced bool
	c, _ := newTestController(t, Config{}, Hooks{
		ReduceBatchSize: func() { reduced = true },
	})

	if err := c.TriggerRecoveryAction(context.Background(), ActionReduceBatchSize); err != nil {
		t.Fatalf("TriggerRecoveryAction: %v", err)
	}
	if !reduced {
		t.Error("expected reduce hook to fire")
	}

	if err := c.TriggerRecoveryAction(context.Background(), RecoveryAction("bogus")); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestGetStatus(t *testing.T) {
	c, src := newTestController(t, Config{}, Hooks{})
	src.set(lowUsage())
	c.SetIndexingActive(true)

	st := c.GetStatus()
	if !st.Healthy {
		t.Error("expected healthy status")
	}
	if st.CircuitState != "CLOSED" {
		t.Errorf("expected CLOSED, got %s", st.CircuitState)
	}
	if !st.IndexingActive {
		t.Error("expected indexing active")
	}
	if st.EmergencyStopped {
		t.Error("expected no emergency stop")
	}

	c.UpdateResourceLimits(ResourceLimits{MaxMemoryMB: 1, MaxHeapMB: 1})
	if st := c.GetStatus(); st.Healthy {
		t.Error("expected unhealthy after tightening limits below usage")
	}
}

func TestSamplerProducesHeapFigures(t *testing.T) {
	s := newResourceSampler()
	usage := s.sample()
	if usage.HeapUsedMB <= 0 {
		t.Errorf("expected positive heap usage, got %f", usage.HeapUsedMB)
	}
	if usage.SampledAt.IsZero() {
		t.Error("expected sample timestamp")
	}
}
