package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// instantTimer fires immediately and records every requested wait.
type instantTimer struct {
	waits []time.Duration
	c     chan time.Time
}

func newInstantTimer() *instantTimer {
	return &instantTimer{c: make(chan time.Time, 1)}
}

func (t *instantTimer) Start(d time.Duration) {
	t.waits = append(t.waits, d)
	t.c <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func TestPolicy_Delay(t *testing.T) {
	p := StorageWrites
	got := []time.Duration{p.Delay(1), p.Delay(2), p.Delay(3)}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Delay mismatch (-want +got):\n%s", diff)
	}
}

func TestPolicy_Do_SucceedsAfterFailures(t *testing.T) {
	timer := newInstantTimer()
	p := StorageWrites
	p.timer = timer

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if diff := cmp.Diff(want, timer.waits); diff != "" {
		t.Errorf("waits mismatch (-want +got):\n%s", diff)
	}
}

func TestPolicy_Do_Exhausted(t *testing.T) {
	timer := newInstantTimer()
	p := StorageWrites
	p.timer = timer

	boom := errors.New("disk full")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want wrapping %v", err, boom)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(timer.waits) != 2 {
		t.Errorf("waits = %v, want 2 entries", timer.waits)
	}
	if want := "after 3 attempts: disk full"; err.Error() != want {
		t.Errorf("Do() error = %q, want %q", err, want)
	}
}

func TestPolicy_Do_NotRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
	}
	timer := newInstantTimer()
	p.timer = timer

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	})
	if err != fatal {
		t.Errorf("Do() error = %v, want %v unwrapped", err, fatal)
	}
	if calls != 1 || len(timer.waits) != 0 {
		t.Errorf("calls = %d waits = %v, want a single attempt", calls, timer.waits)
	}
}

func TestPolicy_Do_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 2}

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("busy")
	})
	if err == nil {
		t.Fatal("Do() should fail when context is cancelled during backoff")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want it to mention context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicy_Do_ZeroAttempts(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPolicy_Do_OnRetry(t *testing.T) {
	timer := newInstantTimer()
	var notified []time.Duration
	p := Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		Multiplier:  3,
		OnRetry:     func(err error, wait time.Duration) { notified = append(notified, wait) },
		timer:       timer,
	}

	_ = p.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("busy")
	})
	want := []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}
	if diff := cmp.Diff(want, notified); diff != "" {
		t.Errorf("OnRetry waits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, timer.waits); diff != "" {
		t.Errorf("timer waits mismatch (-want +got):\n%s", diff)
	}
}
