// Package safeguards wraps expensive operations with resource monitoring,
// a circuit breaker, timeouts, and an escalating ladder of recovery
// actions, so a misbehaving indexing run degrades instead of taking the
// host process down with it.
package safeguards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/olasunkanmi-SE/codebuddy-index/internal/errortypes"
	"github.com/olasunkanmi-SE/codebuddy-index/internal/telemetry"
)

// ResourceLimits are the thresholds the controller enforces. Sizes are in
// megabytes; AlertThresholdMB is a soft line where cheap recovery starts,
// the Max values are hard limits.
type ResourceLimits struct {
	MaxMemoryMB      float64 `json:"max_memory_mb"`
	MaxHeapMB        float64 `json:"max_heap_mb"`
	MaxCPUPercent    float64 `json:"max_cpu_percent"`
	GCThresholdMB    float64 `json:"gc_threshold_mb"`
	AlertThresholdMB float64 `json:"alert_threshold_mb"`
}

// RecoveryAction identifies one rung of the recovery ladder.
type RecoveryAction string

const (
	ActionClearCaches     RecoveryAction = "clear_caches"
	ActionForceGC         RecoveryAction = "force_gc"
	ActionReduceBatchSize RecoveryAction = "reduce_batch_size"
	ActionPauseIndexing   RecoveryAction = "pause_indexing"
	ActionRestartWorker   RecoveryAction = "restart_worker"
	ActionEmergencyStop   RecoveryAction = "emergency_stop"
)

// Hooks are the levers the controller pulls during recovery. They are
// provided by the composition root; nil hooks are skipped.
type Hooks struct {
	ClearCaches     func()
	ReduceBatchSize func()
	PauseIndexing   func()
	ResumeIndexing  func()
	RestartWorker   func()
}

// Config configures a Controller.
type Config struct {
	Limits                  ResourceLimits
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	MonitorInterval         time.Duration
	ExecBaseBackoff         time.Duration
	ExecMaxBackoff          time.Duration
}

// Default controller settings
const (
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerCooldown         = 60 * time.Second
	DefaultMonitorInterval         = 10 * time.Second
	DefaultExecBaseBackoff         = 1 * time.Second
	DefaultExecMaxBackoff          = 10 * time.Second
)

// DefaultLimits returns thresholds sized for a desktop-class host.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:      2048,
		MaxHeapMB:        1024,
		MaxCPUPercent:    80,
		GCThresholdMB:    768,
		AlertThresholdMB: 1536,
	}
}

func (c *Config) applyDefaults() {
	if c.Limits == (ResourceLimits{}) {
		c.Limits = DefaultLimits()
	}
	if c.BreakerFailureThreshold <= 0 {
		c.BreakerFailureThreshold = DefaultBreakerFailureThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.ExecBaseBackoff <= 0 {
		c.ExecBaseBackoff = DefaultExecBaseBackoff
	}
	if c.ExecMaxBackoff <= 0 {
		c.ExecMaxBackoff = DefaultExecMaxBackoff
	}
}

// ExecOptions shape one guarded execution. A zero Timeout means no timeout;
// MaxRetries counts additional attempts after the first.
type ExecOptions struct {
	Timeout    time.Duration
	MaxRetries int
}

type recoveryStrategy struct {
	action      RecoveryAction
	priority    int
	cooldown    time.Duration
	maxAttempts int
	condition   func(ResourceUsage) bool
	execute     func(context.Context) error
}

// Status is a point-in-time report of the controller's state.
type Status struct {
	Usage               ResourceUsage  `json:"usage"`
	Limits              ResourceLimits `json:"limits"`
	CircuitState        string         `json:"circuit_state"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	EmergencyStopped    bool           `json:"emergency_stopped"`
	IndexingActive      bool           `json:"indexing_active"`
	RecoveryAttempts    map[string]int `json:"recovery_attempts"`
	Healthy             bool           `json:"healthy"`
}

// Controller is the safeguards coordinator. One instance guards one index;
// construct it with NewController and share it across components.
type Controller struct {
	cfg   Config
	hooks Hooks

	// sample is swapped out in tests
	sample func() ResourceUsage

	mu               sync.Mutex
	limits           ResourceLimits
	breaker          *circuitBreaker
	emergencyStopped bool
	indexingActive   bool
	lastUsage        ResourceUsage
	lastAttempt      map[RecoveryAction]time.Time
	attemptCounts    map[RecoveryAction]int
	strategies       []recoveryStrategy

	stopCh chan struct{}
	wg     sync.WaitGroup

	metrics *telemetry.MetricsCollector
	logger  *slog.Logger
}

// NewController builds a Controller from cfg and the recovery hooks. The
// resource monitor does not run until Start is called.
func NewController(cfg Config, hooks Hooks, metrics *telemetry.MetricsCollector, logger *slog.Logger) *Controller {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = telemetry.NewMetricsCollector()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:           cfg,
		hooks:         hooks,
		sample:        newResourceSampler().sample,
		limits:        cfg.Limits,
		breaker:       newCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown),
		lastAttempt:   make(map[RecoveryAction]time.Time),
		attemptCounts: make(map[RecoveryAction]int),
		metrics:       metrics,
		logger:        logger,
	}
	c.strategies = c.buildStrategies()
	return c
}

// buildStrategies assembles the recovery ladder, cheapest first. Conditions
// run with c.mu held.
func (c *Controller) buildStrategies() []recoveryStrategy {
	strategies := []recoveryStrategy{
		{
			action:      ActionClearCaches,
			priority:    1,
			cooldown:    30 * time.Second,
			maxAttempts: 10,
			condition: func(u ResourceUsage) bool {
				return u.HeapUsedMB > c.limits.GCThresholdMB || u.RSSMB > c.limits.AlertThresholdMB
			},
			execute: func(context.Context) error {
				if c.hooks.ClearCaches != nil {
					c.hooks.ClearCaches()
				}
				return nil
			},
		},
		{
			action:      ActionForceGC,
			priority:    2,
			cooldown:    30 * time.Second,
			maxAttempts: 10,
			condition: func(u ResourceUsage) bool {
				return u.HeapUsedMB > c.limits.GCThresholdMB
			},
			execute: func(context.Context) error {
				runtime.GC()
				debug.FreeOSMemory()
				return nil
			},
		},
		{
			action:      ActionReduceBatchSize,
			priority:    3,
			cooldown:    60 * time.Second,
			maxAttempts: 5,
			condition: func(u ResourceUsage) bool {
				return c.indexingActive && u.RSSMB > c.limits.AlertThresholdMB
			},
			execute: func(context.Context) error {
				if c.hooks.ReduceBatchSize != nil {
					c.hooks.ReduceBatchSize()
				}
				return nil
			},
		},
		{
			action:      ActionPauseIndexing,
			priority:    4,
			cooldown:    60 * time.Second,
			maxAttempts: 5,
			condition: func(u ResourceUsage) bool {
				return c.indexingActive && c.overLimitsLocked(u)
			},
			execute: func(context.Context) error {
				if c.hooks.PauseIndexing != nil {
					c.hooks.PauseIndexing()
				}
				return nil
			},
		},
		{
			action:      ActionRestartWorker,
			priority:    5,
			cooldown:    120 * time.Second,
			maxAttempts: 2,
			condition: func(u ResourceUsage) bool {
				return c.overLimitsLocked(u)
			},
			execute: func(context.Context) error {
				if c.hooks.RestartWorker != nil {
					c.hooks.RestartWorker()
				}
				return nil
			},
		},
		{
			action:      ActionEmergencyStop,
			priority:    6,
			cooldown:    300 * time.Second,
			maxAttempts: 3,
			condition: func(u ResourceUsage) bool {
				return u.RSSMB > c.limits.MaxMemoryMB*1.25 || u.HeapUsedMB > c.limits.MaxHeapMB*1.25
			},
			execute: func(context.Context) error {
				c.engageEmergencyStopLocked()
				return nil
			},
		},
	}
	sort.Slice(strategies, func(i, j int) bool {
		return strategies[i].priority < strategies[j].priority
	})
	return strategies
}

// Execute runs fn behind the breaker, a pre-flight resource check, an
// optional timeout, and bounded retries with exponential backoff. The
// breaker counts each Execute call as one outcome regardless of how many
// internal attempts it took.
func (c *Controller) Execute(ctx context.Context, name string, opts ExecOptions, fn func(context.Context) error) error {
	c.mu.Lock()
	if c.emergencyStopped {
		c.mu.Unlock()
		return errortypes.ErrEmergencyStop
	}
	if !c.breaker.allow() {
		c.metrics.IncrementCounter(telemetry.MetricSafeguardBreakerRejected, 1)
		c.mu.Unlock()
		return errortypes.ErrCircuitOpen
	}
	c.mu.Unlock()

	c.metrics.IncrementCounter(telemetry.MetricSafeguardExecutions, 1)

	usage := c.sampleAndRecord()
	if c.overLimits(usage) {
		c.logger.Warn("resource limits exceeded before operation",
			"operation", name, "rss_mb", usage.RSSMB, "heap_mb", usage.HeapUsedMB)
		c.runRecovery(ctx, usage)
		c.mu.Lock()
		stopped := c.emergencyStopped
		c.mu.Unlock()
		if stopped {
			return errortypes.ErrEmergencyStop
		}
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.execBackoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}

		err := c.runWithTimeout(ctx, opts.Timeout, fn)
		if err == nil {
			c.mu.Lock()
			c.breaker.recordSuccess()
			c.mu.Unlock()
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if errors.Is(err, errortypes.ErrOperationTimeout) {
			c.metrics.IncrementCounter(telemetry.MetricSafeguardTimeouts, 1)
		}
	}

	c.metrics.IncrementCounter(telemetry.MetricSafeguardFailures, 1)
	c.mu.Lock()
	opened := c.breaker.recordFailure()
	c.mu.Unlock()
	if opened {
		c.metrics.IncrementCounter(telemetry.MetricSafeguardBreakerOpens, 1)
		c.logger.Error("circuit breaker opened", "operation", name, "error", lastErr)
	}
	return lastErr
}

// execBackoff returns the delay before retry attempt n (1-based), doubling
// from the base and capped at the configured maximum.
func (c *Controller) execBackoff(attempt int) time.Duration {
	delay := c.cfg.ExecBaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.ExecMaxBackoff {
			return c.cfg.ExecMaxBackoff
		}
	}
	if delay > c.cfg.ExecMaxBackoff {
		delay = c.cfg.ExecMaxBackoff
	}
	return delay
}

func (c *Controller) runWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(tctx)
	}()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errortypes.ErrOperationTimeout
	}
}

// runRecovery walks the ladder in priority order, running each eligible
// strategy until usage drops back under the limits.
func (c *Controller) runRecovery(ctx context.Context, usage ResourceUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.strategies {
		if c.emergencyStopped {
			return
		}
		if !s.condition(usage) {
			continue
		}
		if time.Since(c.lastAttempt[s.action]) < s.cooldown {
			continue
		}
		if c.attemptCounts[s.action] >= s.maxAttempts {
			continue
		}

		c.lastAttempt[s.action] = time.Now()
		c.attemptCounts[s.action]++
		c.metrics.IncrementCounter(telemetry.MetricSafeguardRecoveryActions, 1)
		c.logger.Info("running recovery action",
			"action", string(s.action), "attempt", c.attemptCounts[s.action],
			"rss_mb", usage.RSSMB, "heap_mb", usage.HeapUsedMB)

		if err := s.execute(ctx); err != nil {
			c.metrics.IncrementCounter(telemetry.MetricSafeguardRecoveryFailures, 1)
			c.logger.Error("recovery action failed", "action", string(s.action), "error", err)
			continue
		}

		usage = c.sample()
		c.lastUsage = usage
		if !c.overLimitsLocked(usage) {
			c.attemptCounts[s.action] = 0
			return
		}
	}
}

// TriggerRecoveryAction runs one named action immediately, bypassing its
// condition but still recording the attempt.
func (c *Controller) TriggerRecoveryAction(ctx context.Context, action RecoveryAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.strategies {
		if s.action != action {
			continue
		}
		c.lastAttempt[s.action] = time.Now()
		c.attemptCounts[s.action]++
		c.metrics.IncrementCounter(telemetry.MetricSafeguardRecoveryActions, 1)
		if err := s.execute(ctx); err != nil {
			c.metrics.IncrementCounter(telemetry.MetricSafeguardRecoveryFailures, 1)
			return err
		}
		return nil
	}
	return errortypes.ValidationError(nil, fmt.Sprintf("unknown recovery action: %s", action))
}

// EmergencyStop halts all guarded operations until Resume succeeds.
func (c *Controller) EmergencyStop() {
	c.mu.Lock()
	c.engageEmergencyStopLocked()
	c.mu.Unlock()
}

func (c *Controller) engageEmergencyStopLocked() {
	if c.emergencyStopped {
		return
	}
	c.emergencyStopped = true
	c.metrics.IncrementCounter(telemetry.MetricSafeguardEmergencyStops, 1)
	c.logger.Error("emergency stop engaged")
	if c.hooks.PauseIndexing != nil {
		c.hooks.PauseIndexing()
	}
}

// Resume lifts an emergency stop. It refuses while resource usage is still
// over the limits, so a resume is always a verified recovery.
func (c *Controller) Resume() error {
	usage := c.sampleAndRecord()

	c.mu.Lock()
	if !c.emergencyStopped {
		c.mu.Unlock()
		return nil
	}
	if c.overLimitsLocked(usage) {
		c.mu.Unlock()
		return errortypes.ResourceError(nil, fmt.Sprintf(
			"cannot resume: usage still over limits (rss=%.0fMB heap=%.0fMB)",
			usage.RSSMB, usage.HeapUsedMB))
	}
	c.emergencyStopped = false
	c.breaker.recordSuccess()
	for action := range c.attemptCounts {
		c.attemptCounts[action] = 0
	}
	c.mu.Unlock()

	c.logger.Info("emergency stop lifted")
	if c.hooks.ResumeIndexing != nil {
		c.hooks.ResumeIndexing()
	}
	return nil
}

// SetIndexingActive tells the controller whether a bulk indexing run is in
// progress, which gates the indexing-related recovery actions.
func (c *Controller) SetIndexingActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexingActive = active
}

// UpdateResourceLimits replaces the enforced thresholds.
func (c *Controller) UpdateResourceLimits(limits ResourceLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = limits
}

// GetStatus reports current usage and controller state.
func (c *Controller) GetStatus() Status {
	usage := c.sampleAndRecord()

	c.mu.Lock()
	defer c.mu.Unlock()

	attempts := make(map[string]int, len(c.attemptCounts))
	for action, count := range c.attemptCounts {
		attempts[string(action)] = count
	}

	state := c.breaker.currentState()
	return Status{
		Usage:               usage,
		Limits:              c.limits,
		CircuitState:        state.String(),
		ConsecutiveFailures: c.breaker.failures,
		EmergencyStopped:    c.emergencyStopped,
		IndexingActive:      c.indexingActive,
		RecoveryAttempts:    attempts,
		Healthy:             !c.emergencyStopped && state == CircuitClosed && !c.overLimitsLocked(usage),
	}
}

// Start launches the background resource monitor. Calling Start twice is a
// no-op until Dispose.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				usage := c.sampleAndRecord()
				c.runRecovery(context.Background(), usage)
			}
		}
	}()
}

// Dispose stops the monitor and waits for it to exit.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) sampleAndRecord() ResourceUsage {
	usage := c.sample()

	c.metrics.SetGauge(telemetry.MetricSafeguardHeapUsedMB, usage.HeapUsedMB)
	c.metrics.SetGauge(telemetry.MetricSafeguardRSSMB, usage.RSSMB)
	c.metrics.SetGauge(telemetry.MetricSafeguardCPUPercent, usage.CPUPercent)

	c.mu.Lock()
	c.lastUsage = usage
	c.mu.Unlock()
	return usage
}

func (c *Controller) overLimits(usage ResourceUsage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overLimitsLocked(usage)
}

func (c *Controller) overLimitsLocked(usage ResourceUsage) bool {
	if c.limits.MaxMemoryMB > 0 && usage.RSSMB > c.limits.MaxMemoryMB {
		return true
	}
	if c.limits.MaxHeapMB > 0 && usage.HeapUsedMB > c.limits.MaxHeapMB {
		return true
	}
	if c.limits.MaxCPUPercent > 0 && usage.CPUPercent > c.limits.MaxCPUPercent {
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
