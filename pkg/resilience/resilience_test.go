package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on second call, got err=%v calls=%d", err, calls)
	}
}

func TestRetryPolicyHonorsRetryable(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond)
	p.Retryable = func(err error) bool { return false }
	calls := 0
	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("permanent")
	})
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	p := NewRetryPolicy(5, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected cancellation to end retries, calls=%d", calls)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	now := time.Now()
	cb.now = func() time.Time { return now }
	rl := RateLimitError{Provider: "twilio"}

	_ = cb.Call(func() error { return errors.New("other") })
	_ = cb.Call(func() error { return rl })
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after one rate limit")
	}
	_ = cb.Call(func() error { return rl })
	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close after cooldown, got %v", err)
	}
}
