package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

func failing(context.Context) error { return errTestError }
func succeeding(context.Context) error { return nil }

func TestCircuitBreaker_ClosedState_Success(t *testing.T) {
	cb := New(DefaultConfig())

	if err := cb.Execute(context.Background(), succeeding); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_ClosedState_FailurePassesThrough(t *testing.T) {
	cb := New(DefaultConfig())

	err := cb.Execute(context.Background(), failing)
	if !errors.Is(err, errTestError) {
		t.Errorf("Expected wrapped function error, got: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
	if stats := cb.GetStats(); stats.FailureCount != 1 {
		t.Errorf("Expected failure count 1, got: %d", stats.FailureCount)
	}
}

func TestCircuitBreaker_OpenState_RejectsRequests(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Minute, MaxRequestsHalfOpen: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, failing)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected state Open, got: %v", cb.GetState())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Expected ErrOpen, got: %v", err)
	}
	if called {
		t.Error("function must not run while the circuit is open")
	}
}

func TestCircuitBreaker_HalfOpen_TransitionToClosed(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 50 * time.Millisecond, MaxRequestsHalfOpen: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, failing)
	}
	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, succeeding); err != nil {
			t.Fatalf("probe %d: expected no error, got: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpen_FailureReopens(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 50 * time.Millisecond, MaxRequestsHalfOpen: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, failing)
	}
	time.Sleep(60 * time.Millisecond)

	_ = cb.Execute(ctx, failing)
	if cb.GetState() != StateOpen {
		t.Errorf("Expected state Open, got: %v", cb.GetState())
	}
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxRequestsHalfOpen: 1})

	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("cancellation must not open the circuit, state: %v", cb.GetState())
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb := New(DefaultConfig())

	got, err := ExecuteWithResult(context.Background(), cb, func(context.Context) (string, error) {
		return "success", nil
	})
	if err != nil || got != "success" {
		t.Errorf("Expected (success, nil), got (%q, %v)", got, err)
	}

	got, err = ExecuteWithResult(context.Background(), cb, func(context.Context) (string, error) {
		return "ignored", errTestError
	})
	if !errors.Is(err, errTestError) {
		t.Errorf("Expected errTestError, got %v", err)
	}
	_ = got
}

func TestCircuitBreaker_OnStateChange_Callback(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxRequestsHalfOpen: 1})

	changes := make(chan State, 4)
	cb.OnStateChange(func(from, to State) { changes <- to })

	_ = cb.Execute(context.Background(), failing)

	select {
	case to := <-changes:
		if to != StateOpen {
			t.Errorf("Expected transition to Open, got %v", to)
		}
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxRequestsHalfOpen: 1})
	_ = cb.Execute(context.Background(), failing)

	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("Expected state Closed after reset, got: %v", cb.GetState())
	}
	if stats := cb.GetStats(); stats.FailureCount != 0 {
		t.Errorf("Expected failure count 0 after reset, got: %d", stats.FailureCount)
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := New(DefaultConfig())
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = cb.Execute(context.Background(), succeeding)
			}
		}()
	}
	wg.Wait()

	stats := cb.GetStats()
	if stats.State != StateClosed {
		t.Errorf("Expected state Closed, got %v", stats.State)
	}
	if stats.SuccessCount != 100 {
		t.Errorf("Expected 100 successes, got %d", stats.SuccessCount)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("Expected %s, got: %s", tt.expected, tt.state.String())
		}
	}
}
