package pace

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return nil
}

func TestDeadlineShares(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	end := start.Add(100 * time.Second)

	// Each item takes 10s of work; the rest of its share is slept.
	clock := &fakeClock{now: start}
	p := New(true).WithClock(clock.Now, clock.Sleep)
	work := 10 * time.Second

	var total time.Duration
	for remaining := 4; remaining > 0; remaining-- {
		now := clock.Now()
		deadline := Deadline(now, end, remaining)
		share := deadline.Sub(now)
		if share > end.Sub(now)/time.Duration(remaining) {
			t.Errorf("share %v exceeds remaining/count", share)
		}
		total += share
		clock.now = clock.now.Add(work)
		if err := p.Wait(context.Background(), deadline); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	if total > 100*time.Second {
		t.Errorf("shares sum to %v, over the 100s budget", total)
	}
	if clock.Now().After(end) {
		t.Errorf("pass ended at %v, after %v", clock.Now(), end)
	}
	if len(clock.slept) != 4 {
		t.Errorf("slept %d times, want 4", len(clock.slept))
	}
}

func TestDeadlineOverrun(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	end := start.Add(time.Minute)

	late := end.Add(time.Second)
	if got := Deadline(late, end, 3); !got.Equal(late) {
		t.Errorf("Deadline past end = %v, want now", got)
	}
	if got := Deadline(end, end, 3); !got.Equal(end) {
		t.Errorf("Deadline at end = %v, want end", got)
	}
	if got := Deadline(start, end, 0); !got.Equal(end) {
		t.Errorf("Deadline with remaining 0 = %v, want end", got)
	}
}

func TestWaitPastDeadlineReturnsImmediately(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := New(true).WithClock(clock.Now, clock.Sleep)
	if err := p.Wait(context.Background(), clock.now.Add(-time.Second)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(clock.slept) != 0 {
		t.Error("should not sleep for a passed deadline")
	}
}

func TestWaitDisabled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := New(false).WithClock(clock.Now, clock.Sleep)
	if p.Enabled() {
		t.Error("Enabled should be false")
	}
	if err := p.Wait(context.Background(), clock.now.Add(time.Hour)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(clock.slept) != 0 {
		t.Error("disabled pacer must not sleep")
	}
}

func TestWaitInterrupted(t *testing.T) {
	p := New(true)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := p.Wait(ctx, time.Now().Add(time.Hour))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Wait did not return promptly on cancel")
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled ctx = %v", err)
	}
}
