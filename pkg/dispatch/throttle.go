package dispatch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/telekom/mail-dispatch/pkg/metrics"
)

// throttle spaces out transport calls. Sequential runs pause for a fixed
// delay between groups; worker pools share a limiter that admits one send per
// delay interval.
type throttle struct {
	delay   time.Duration
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

func newThrottle(delay time.Duration, workers int) *throttle {
	t := &throttle{delay: delay, sleep: sleepContext}
	if workers > 1 && delay > 0 {
		t.limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	return t
}

// Pause blocks for the configured delay or until ctx is done.
func (t *throttle) Pause(ctx context.Context) error {
	if t.delay <= 0 {
		return ctx.Err()
	}
	start := time.Now()
	err := t.sleep(ctx, t.delay)
	metrics.ThrottleWaitSeconds.Add(time.Since(start).Seconds())
	return err
}

// Wait blocks until the shared limiter admits another send. It is a no-op
// without a limiter.
func (t *throttle) Wait(ctx context.Context) error {
	if t.limiter == nil {
		return ctx.Err()
	}
	start := time.Now()
	err := t.limiter.Wait(ctx)
	metrics.ThrottleWaitSeconds.Add(time.Since(start).Seconds())
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
