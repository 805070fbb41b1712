package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// redisGuardConfig mirrors the thresholds RedisWrapper derives from
// GetRedisConfig() in production, scaled down so the state transitions in
// these tests complete in milliseconds instead of minutes.
func redisGuardConfig() Config {
	config := DefaultConfig()
	config.FailureThreshold = 3
	config.SuccessThreshold = 2
	config.MaxRequests = 5
	config.Timeout = 100 * time.Millisecond
	config.Interval = 200 * time.Millisecond
	return config
}

func TestCircuitBreakerStates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cb := NewCircuitBreaker("redis", redisGuardConfig(), logger)
	ctx := context.Background()

	if cb.Name() != "redis" {
		t.Errorf("Expected breaker name 'redis', got %q", cb.Name())
	}

	// Initially should be closed
	if cb.State() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.State())
	}

	// Successful Redis pings don't trip the breaker
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func() error { return nil })
		if err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to remain closed, got %s", cb.State())
	}

	// A run of Redis connection errors should trip the Failure Budget's guard open
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func() error { return errors.New("dial tcp: connection refused") })
		if err == nil {
			t.Error("Expected error, got nil")
		}
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected state to be open, got %s", cb.State())
	}

	// While open, further Redis calls are rejected without reaching the network
	err := cb.Execute(ctx, func() error { return nil })
	if err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}

	// Wait for the open timeout to elapse so the next probe goes half-open
	time.Sleep(150 * time.Millisecond)
	cb.beforeRequest()

	if cb.State() != StateHalfOpen {
		t.Errorf("Expected state to be half-open, got %s", cb.State())
	}

	// Two successful probes restore the guard to closed
	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error { return nil })
		if err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected state to be closed, got %s", cb.State())
	}
}

func TestCircuitBreakerMaxRequests(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := redisGuardConfig()
	config.MaxRequests = 2
	config.SuccessThreshold = 5 // keep it half-open for this test

	cb := NewCircuitBreaker("redis", config, logger)
	ctx := context.Background()

	// Force to half-open, as if the open timeout had just elapsed
	cb.mutex.Lock()
	cb.state = StateHalfOpen
	cb.generation++
	cb.counts = Counts{}
	cb.mutex.Unlock()

	// The guard only lets MaxRequests probes through while half-open
	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error { return nil })
		if err != nil {
			t.Errorf("Expected success, got error: %v", err)
		}
	}

	err := cb.Execute(ctx, func() error { return nil })
	if err != ErrTooManyRequests {
		t.Errorf("Expected too many requests error, got %v", err)
	}
}

func TestCircuitBreakerCounts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cb := NewCircuitBreaker("redis", DefaultConfig(), logger)
	ctx := context.Background()

	cb.Execute(ctx, func() error { return nil })
	cb.Execute(ctx, func() error { return errors.New("ECONNREFUSED") })
	cb.Execute(ctx, func() error { return nil })

	counts := cb.Counts()
	if counts.Requests != 3 {
		t.Errorf("Expected 3 requests, got %d", counts.Requests)
	}
	if counts.TotalSuccesses != 2 {
		t.Errorf("Expected 2 successes, got %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("Expected 1 failure, got %d", counts.TotalFailures)
	}
}

func TestStateChangeCallback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := DefaultConfig()
	config.FailureThreshold = 2

	var callbackCalled bool
	var calledName string
	var fromState, toState State
	config.OnStateChange = func(name string, from State, to State) {
		callbackCalled = true
		calledName = name
		fromState = from
		toState = to
	}

	cb := NewCircuitBreaker("redis", config, logger)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		cb.Execute(ctx, func() error { return errors.New("dial tcp: i/o timeout") })
	}

	if !callbackCalled {
		t.Error("Expected state change callback to be called")
	}
	if calledName != "redis" {
		t.Errorf("Expected callback name 'redis', got %q", calledName)
	}
	if fromState != StateClosed || toState != StateOpen {
		t.Errorf("Expected transition from closed to open, got %s to %s", fromState, toState)
	}
}
