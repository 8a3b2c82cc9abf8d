package telegraph

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextCronDuration_ValidExpression(t *testing.T) {
	// "0 9 * * *" = daily at 09:00. Duration should be positive and < 24h.
	d := nextCronDuration("0 9 * * *")
	if d <= 0 {
		t.Fatalf("expected positive duration, got %v", d)
	}
	if d > 24*time.Hour {
		t.Fatalf("expected duration < 24h, got %v", d)
	}
}

func TestNextCronDuration_InvalidExpression(t *testing.T) {
	d := nextCronDuration("not a cron expr")
	if d != 0 {
		t.Fatalf("expected 0 for invalid expression, got %v", d)
	}
}

func TestNextCronDuration_EveryMinute(t *testing.T) {
	// "* * * * *" = every minute. Duration should be < 61s.
	d := nextCronDuration("* * * * *")
	if d <= 0 {
		t.Fatalf("expected positive duration, got %v", d)
	}
	if d > 61*time.Second {
		t.Fatalf("expected duration < 61s, got %v", d)
	}
}

func TestNextCronDuration_Descriptor(t *testing.T) {
	d := nextCronDuration("@every 1m")
	if d <= 0 || d > time.Minute {
		t.Fatalf("expected duration in (0, 1m], got %v", d)
	}
	if d := nextCronDuration("@hourly"); d <= 0 || d > time.Hour {
		t.Fatalf("expected duration in (0, 1h], got %v", d)
	}
}

func TestRunSchedule_Fires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		runSchedule(ctx, "test", "@every 1s", func(context.Context) {
			if calls.Add(1) == 2 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule did not fire twice")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestRunSchedule_InvalidReturns(t *testing.T) {
	done := make(chan struct{})
	go func() {
		runSchedule(context.Background(), "test", "bogus", func(context.Context) {
			t.Error("fn should not run")
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runSchedule should return for an invalid expression")
	}
}
