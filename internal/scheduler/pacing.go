package scheduler

import (
	"context"
	"math/rand"
	"time"
)

// Delay returns the wait between two group sends: fixedSeconds, or when
// useRandom is set a uniform integer number of seconds in [min, max].
// Inverted bounds are swapped; negative values count as zero.
func Delay(fixedSeconds int, useRandom bool, min, max int) time.Duration {
	if !useRandom {
		if fixedSeconds < 0 {
			fixedSeconds = 0
		}
		return time.Duration(fixedSeconds) * time.Second
	}
	if max < min {
		max, min = min, max
	}
	if min < 0 {
		min = 0
	}
	if max < 0 {
		max = 0
	}
	return time.Duration(min+rand.Intn(max-min+1)) * time.Second
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CountdownWait sleeps total in tick-sized steps. After each step it reports the
// remaining time to onTick and stops early, returning false, once isCancelled
// reports true or ctx is done. It returns true when the full duration elapsed.
func CountdownWait(ctx context.Context, total, tick time.Duration, onTick func(remaining time.Duration), isCancelled func() bool) bool {
	if tick <= 0 {
		tick = total
	}
	remaining := total
	for remaining > 0 {
		step := tick
		if step > remaining {
			step = remaining
		}
		if err := Sleep(ctx, step); err != nil {
			return false
		}
		remaining -= step
		if onTick != nil {
			onTick(remaining)
		}
		if isCancelled != nil && isCancelled() {
			return false
		}
	}
	return true
}
