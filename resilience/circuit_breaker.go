// Package resilience provides client-side failure handling: a per-target
// circuit breaker and retry with exponential backoff.
package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a limited number of trial requests
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker, usually the target agent id
	Name string

	// FailureThreshold is the number of consecutive counted failures
	// that opens the circuit
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial
	// request is allowed
	ResetTimeout time.Duration

	// TrialRequests is the number of concurrent trials allowed in
	// half-open state
	TrialRequests int

	// WindowSize is the sliding window duration for observability counts
	WindowSize time.Duration

	// BucketCount is the number of buckets in the sliding window
	BucketCount int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultCircuitBreakerConfig returns production-ready defaults: open
// after 5 consecutive failures, one trial after 30 seconds.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		TrialRequests:    1,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate checks the configuration.
func (c *CircuitBreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("circuit breaker name is required: %w", core.ErrInvalidConfiguration)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d: %w", c.FailureThreshold, core.ErrInvalidConfiguration)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive, got %v: %w", c.ResetTimeout, core.ErrInvalidConfiguration)
	}
	if c.TrialRequests < 1 {
		return fmt.Errorf("trial requests must be at least 1, got %d: %w", c.TrialRequests, core.ErrInvalidConfiguration)
	}
	return nil
}

// CircuitBreaker protects a single downstream target. The circuit opens
// after FailureThreshold consecutive counted failures; after ResetTimeout
// it admits TrialRequests probes, closing on a successful trial and
// re-opening on a failed one. Any success resets the consecutive count.
//
// State reads are atomic so the hot path never takes the mutex; the lock
// guards only transitions.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time

	consecutiveFailures atomic.Int32

	// Half-open trial accounting
	trialsInFlight atomic.Int32

	// Sliding window for observability counts
	window *SlidingWindow

	// State change listeners
	listeners []func(name string, from, to CircuitState)

	mu sync.Mutex

	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// NewCircuitBreaker creates a circuit breaker from config. A nil config
// gets defaults.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	cb := &CircuitBreaker{
		config: config,
		window: NewSlidingWindow(config.WindowSize, config.BucketCount),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb, nil
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn with an additional per-call timeout. A
// rejected call returns core.ErrCircuitBreakerOpen without invoking fn.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	trial, allowed := cb.startExecution()
	if !allowed {
		cb.rejectedExecutions.Add(1)
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}
	cb.totalExecutions.Add(1)

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				cb.config.Logger.Error("Circuit breaker caught panic", map[string]interface{}{
					"name":  cb.config.Name,
					"panic": fmt.Sprintf("%v", r),
				})
				done <- fmt.Errorf("panic in protected call: %v\n%s", r, debug.Stack())
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.completeExecution(trial, err)
		return err
	case <-ctx.Done():
		// The call is still running; record its result when it lands so
		// a trial slot is never leaked.
		go func() {
			<-done
			cb.completeExecution(trial, ctx.Err())
		}()
		return ctx.Err()
	}
}

// startExecution reports whether a call may proceed. The bool result of
// trial marks half-open probes, which must release their slot on
// completion.
func (cb *CircuitBreaker) startExecution() (trial bool, allowed bool) {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return false, true

	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) < cb.config.ResetTimeout {
			return false, false
		}
		cb.mu.Lock()
		if cb.state.Load().(CircuitState) == StateOpen {
			cb.transitionToUnlocked(StateHalfOpen)
		}
		cb.mu.Unlock()
		return cb.startExecution()

	case StateHalfOpen:
		for {
			current := cb.trialsInFlight.Load()
			if int(current) >= cb.config.TrialRequests {
				return false, false
			}
			if cb.trialsInFlight.CompareAndSwap(current, current+1) {
				return true, true
			}
		}
	}
	return false, false
}

// completeExecution records a result and drives state transitions.
func (cb *CircuitBreaker) completeExecution(trial bool, err error) {
	if trial {
		defer cb.trialsInFlight.Add(-1)
	}

	if err == nil || !cb.config.ErrorClassifier(err) {
		if err == nil {
			cb.window.RecordSuccess()
			cb.config.Metrics.RecordSuccess(cb.config.Name)
		}
		// Success, or an error the breaker does not count. Either way the
		// target answered, so the consecutive run is broken.
		cb.consecutiveFailures.Store(0)

		if trial {
			cb.mu.Lock()
			if cb.state.Load().(CircuitState) == StateHalfOpen {
				cb.transitionToUnlocked(StateClosed)
			}
			cb.mu.Unlock()
		}
		return
	}

	cb.window.RecordFailure()
	cb.config.Metrics.RecordFailure(cb.config.Name, errorType(err))
	failures := cb.consecutiveFailures.Add(1)

	cb.mu.Lock()
	switch cb.state.Load().(CircuitState) {
	case StateHalfOpen:
		// Failed trial: back to open, restart the reset timer.
		cb.transitionToUnlocked(StateOpen)
	case StateClosed:
		if int(failures) >= cb.config.FailureThreshold {
			cb.config.Logger.Info("Circuit breaker opening", map[string]interface{}{
				"name":                 cb.config.Name,
				"consecutive_failures": failures,
				"threshold":            cb.config.FailureThreshold,
			})
			cb.transitionToUnlocked(StateOpen)
		}
	}
	cb.mu.Unlock()
}

// transitionToUnlocked changes state (must be called with lock held).
func (cb *CircuitBreaker) transitionToUnlocked(newState CircuitState) {
	oldState := cb.state.Load().(CircuitState)
	if oldState == newState {
		return
	}

	cb.state.Store(newState)
	cb.stateChangedAt.Store(time.Now())

	if newState == StateHalfOpen {
		cb.trialsInFlight.Store(0)
	}
	if newState == StateClosed {
		cb.consecutiveFailures.Store(0)
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name,
		"from": oldState.String(),
		"to":   newState.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}

// AddStateChangeListener registers a callback invoked on every transition.
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// GetState returns the current state name.
func (cb *CircuitBreaker) GetState() string {
	return cb.state.Load().(CircuitState).String()
}

// GetMetrics returns a snapshot of breaker counters.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	success, failure := cb.window.GetCounts()
	return map[string]interface{}{
		"name":                 cb.config.Name,
		"state":                cb.GetState(),
		"success":              success,
		"failure":              failure,
		"consecutive_failures": cb.consecutiveFailures.Load(),
		"total_executions":     cb.totalExecutions.Load(),
		"rejected_executions":  cb.rejectedExecutions.Load(),
	}
}

// Reset returns the breaker to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	cb.consecutiveFailures.Store(0)
	cb.trialsInFlight.Store(0)
	cb.window = NewSlidingWindow(cb.config.WindowSize, cb.config.BucketCount)

	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"name": cb.config.Name,
	})
}

// bucket represents a time bucket in the sliding window
type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// SlidingWindow tracks recent success/failure counts for observability.
// Monotonic elapsed time drives rotation, so a wall clock jump cannot
// corrupt the counts.
type SlidingWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex
}

// NewSlidingWindow creates a sliding window over windowSize split into
// bucketCount buckets.
func NewSlidingWindow(windowSize time.Duration, bucketCount int) *SlidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}

	buckets := make([]bucket, bucketCount)
	now := time.Now()
	for i := range buckets {
		buckets[i].timestamp = now
	}

	return &SlidingWindow{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   windowSize / time.Duration(bucketCount),
		lastRotation: now,
	}
}

func (sw *SlidingWindow) rotateBuckets() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRotation)

	if elapsed < sw.bucketSize {
		return
	}

	bucketsToRotate := int(elapsed / sw.bucketSize)
	if bucketsToRotate > len(sw.buckets) {
		bucketsToRotate = len(sw.buckets)
	}

	for i := 0; i < bucketsToRotate; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotation = now
}

// RecordSuccess records a successful operation.
func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	sw.buckets[sw.currentIdx].success++
}

// RecordFailure records a failed operation.
func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	sw.buckets[sw.currentIdx].failure++
}

// GetCounts returns success and failure counts within the window.
func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += b.success
			failure += b.failure
		}
	}
	return success, failure
}

// GetErrorRate returns the failure fraction within the window.
func (sw *SlidingWindow) GetErrorRate() float64 {
	success, failure := sw.GetCounts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}
