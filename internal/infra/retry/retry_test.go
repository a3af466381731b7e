package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestConfig_Delay(t *testing.T) {
	cfg := DefaultConfig
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := cfg.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}

	capped := Config{InitialDelay: time.Second, BackoffFactor: 3, MaxDelay: 5 * time.Second}
	if got := capped.Delay(3); got != 5*time.Second {
		t.Errorf("capped Delay(3) = %v, want 5s", got)
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		err    error
		expect Class
	}{
		{nil, ClassSuccess},
		{Transient(errors.New("http 503")), ClassTransient},
		{Permanent(errors.New("http 404")), ClassPermanent},
		{fmt.Errorf("wrapped: %w", Permanent(errors.New("bad"))), ClassPermanent},
		{context.DeadlineExceeded, ClassTransient},
		{&net.OpError{Op: "dial", Err: errors.New("connection reset by peer")}, ClassTransient},
		{errors.New("malformed payload"), ClassPermanent},
		{errors.New("something odd"), ClassTransient},
	}

	for _, tt := range tests {
		if got := ClassOf(tt.err); got != tt.expect {
			t.Errorf("ClassOf(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestEngine_TransientThenSuccess(t *testing.T) {
	var waits []time.Duration
	e := New(Config{MaxRetries: 3, InitialDelay: 10 * time.Millisecond, BackoffFactor: 2},
		WithObserver(func(attempt int, delay time.Duration, err error) {
			waits = append(waits, delay)
		}))

	calls := 0
	start := time.Now()
	attempts, err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("http 500"))
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(waits) != 2 || waits[0] != 10*time.Millisecond || waits[1] != 20*time.Millisecond {
		t.Errorf("expected waits [10ms 20ms], got %v", waits)
	}
	if elapsed < 30*time.Millisecond {
		t.Errorf("expected at least 30ms of backoff, got %v", elapsed)
	}
}

func TestEngine_PermanentStopsImmediately(t *testing.T) {
	waited := false
	e := New(Config{MaxRetries: 5, InitialDelay: time.Millisecond},
		WithObserver(func(int, time.Duration, error) { waited = true }))

	calls := 0
	attempts, err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("http 404"))
	})

	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected ErrPermanent, got %v", err)
	}
	if calls != 1 || attempts != 1 {
		t.Errorf("expected exactly one attempt, got calls=%d attempts=%d", calls, attempts)
	}
	if waited {
		t.Error("permanent failure must not wait")
	}
}

func TestEngine_Exhausted(t *testing.T) {
	e := New(Config{MaxRetries: 3, InitialDelay: time.Millisecond, BackoffFactor: 2})

	calls := 0
	attempts, err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Transient(errors.New("timeout"))
	})

	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 3 || attempts != 3 {
		t.Errorf("expected 3 attempts, got calls=%d attempts=%d", calls, attempts)
	}
}

func TestEngine_ContextCancelledDuringWait(t *testing.T) {
	e := New(Config{MaxRetries: 3, InitialDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Do(ctx, func(ctx context.Context) error {
		return Transient(errors.New("http 502"))
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("cancellation must not be reported as exhaustion")
	}
	if time.Since(start) > time.Second {
		t.Error("wait was not interrupted by context")
	}
}
