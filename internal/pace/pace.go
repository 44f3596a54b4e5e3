// Package pace spreads a pass's work items evenly over its time budget.
//
// Before each work item the loop asks for a Deadline: an equal share of the
// time left until the end of the pass. After the item it Waits for that
// deadline. Items that overrun their share shorten the shares of the rest,
// so a pass never runs past its end because of pacing.
package pace

import (
	"context"
	"time"
)

// SleepFunc blocks for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Deadline returns now plus an equal share of the time left until end,
// split across remaining items. It never lies beyond end, and is now when
// the budget is already spent.
func Deadline(now, end time.Time, remaining int) time.Time {
	if !now.Before(end) {
		return now
	}
	if remaining < 1 {
		remaining = 1
	}
	return now.Add(end.Sub(now) / time.Duration(remaining))
}

// Pacer waits for deadlines.
type Pacer struct {
	disabled bool
	now      func() time.Time
	sleep    SleepFunc
}

// New creates a Pacer on the wall clock. A disabled Pacer never waits.
func New(enabled bool) *Pacer {
	return &Pacer{disabled: !enabled, now: time.Now, sleep: Sleep}
}

// WithClock replaces the time source and sleeper, for tests.
func (p *Pacer) WithClock(now func() time.Time, sleep SleepFunc) *Pacer {
	cp := *p
	if now != nil {
		cp.now = now
	}
	if sleep != nil {
		cp.sleep = sleep
	}
	return &cp
}

// Enabled reports whether Wait actually waits.
func (p *Pacer) Enabled() bool { return !p.disabled }

// Wait blocks until deadline. It returns ctx.Err() if interrupted and nil
// immediately when pacing is disabled or the deadline has passed.
func (p *Pacer) Wait(ctx context.Context, deadline time.Time) error {
	if p.disabled {
		return nil
	}
	d := deadline.Sub(p.now())
	if d <= 0 {
		return nil
	}
	return p.sleep(ctx, d)
}
