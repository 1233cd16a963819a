package pacing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayStaysInWindow(t *testing.T) {
	t.Parallel()
	l := New(Config{MinDelay: time.Second, MaxDelay: 5 * time.Second, RatePerSec: 10})
	for i := 0; i < 1000; i++ {
		d := l.Delay()
		if d < time.Second || d > 5*time.Second {
			t.Fatalf("delay %s outside [1s,5s]", d)
		}
	}
}

func TestDegenerateWindow(t *testing.T) {
	t.Parallel()
	l := New(Config{MinDelay: 2 * time.Second, MaxDelay: time.Second})
	if d := l.Delay(); d != 2*time.Second {
		t.Fatalf("delay = %s, want min when max < min", d)
	}
}

func TestWaitBatchOnlyDelaysEveryBatch(t *testing.T) {
	t.Parallel()
	l := New(Config{MinDelay: time.Second, MaxDelay: time.Second, RatePerSec: 1000, BatchSize: 50})
	var slept []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	ctx := context.Background()
	for i := 0; i < 120; i++ {
		if err := l.WaitBatch(ctx, i); err != nil {
			t.Fatalf("WaitBatch(%d): %v", i, err)
		}
	}
	if len(slept) != 3 {
		t.Fatalf("slept %d times, want 3 (items 0, 50, 100)", len(slept))
	}
}

func TestWaitHonorsCancel(t *testing.T) {
	t.Parallel()
	l := New(Config{MinDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v", err)
	}
}

func TestApplySwapsWindow(t *testing.T) {
	t.Parallel()
	l := New(Config{MinDelay: time.Second, MaxDelay: 5 * time.Second})
	l.Apply(Config{MinDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond, BatchSize: 5})
	if d := l.Delay(); d != 10*time.Millisecond {
		t.Fatalf("delay after Apply = %s", d)
	}
	if got := l.Config().BatchSize; got != 5 {
		t.Fatalf("batch size = %d", got)
	}
}
