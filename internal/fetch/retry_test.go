package fetch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLinearBackoff(t *testing.T) {
	delay := LinearBackoff(500 * time.Millisecond)
	for attempt, want := range map[int]time.Duration{0: 0, 1: 500 * time.Millisecond, 2: time.Second, 3: 1500 * time.Millisecond} {
		if got := delay(attempt); got != want {
			t.Errorf("delay(%d) = %s, want %s", attempt, got, want)
		}
	}

	if got := LinearBackoff(0)(3); got != 0 {
		t.Errorf("zero base delay = %s, want 0", got)
	}
}

func TestPolicyDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	p := Policy{Attempts: 5, Sleep: func(context.Context, time.Duration) error { return nil }}

	err := p.Do(context.Background(), func(int) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("Do returned %v, want fatal", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestPolicyDoReturnsLastError(t *testing.T) {
	var seen []int
	p := Policy{
		Attempts: 3,
		Delay:    LinearBackoff(time.Minute),
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}

	err := p.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		return &NetworkError{URL: "u", Status: 500 + attempt, Err: errors.New("boom")}
	})

	var netErr *NetworkError
	if !errors.As(err, &netErr) || netErr.Status != 503 {
		t.Fatalf("Do returned %v, want the third attempt's error", err)
	}
	if len(seen) != 3 {
		t.Fatalf("attempts = %v, want 3", seen)
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := SleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("SleepContext returned %v, want context.Canceled", err)
	}
}
