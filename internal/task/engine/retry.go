package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"ledgerd/pkg/logx"
)

// RetryPolicy controls how often a single failing occurrence is retried
// before the batch stops. The zero value disables retries.
type RetryPolicy struct {
	Max      int
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64 // 0.2 = 20%

	// Timeout bounds each attempt. 0 means no per-attempt timeout.
	Timeout time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Max < 0 {
		p.Max = 0
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// attempt runs fn until it succeeds, fails permanently, or the retry budget
// is spent. It returns the final error and the number of attempts made.
func (e *Engine) attempt(ctx context.Context, name string, fn func(ctx context.Context) error) (int, error) {
	p := e.retry
	var err error
	attempts := 0
	for attempt := 1; attempt <= 1+p.Max; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel context.CancelFunc
		if p.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		// A panicking collaborator must not take the whole pass down.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					e.log.Error("occurrence.panic", logx.String("action", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			err = fn(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return attempts, nil
		}
		if IsNoRetry(err) {
			return attempts, err
		}
		if attempt > p.Max {
			break
		}

		delay := backoffDelayWithHint(p, attempt, err)
		if delay > 0 {
			e.log.Debug("occurrence retry scheduled", logx.String("action", name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return attempts, errors.Join(err, ctx.Err())
			case <-tmr.C:
			}
		}
	}
	return attempts, err
}

func backoffDelayWithHint(p RetryPolicy, retry int, err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := max(ra.RetryAfter(), 0)
		return min(jitter(d, p.Jitter), p.MaxDelay)
	}
	return backoffDelay(p, retry)
}

func backoffDelay(p RetryPolicy, retry int) time.Duration {
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return min(jitter(d, p.Jitter), p.MaxDelay)
}

func jitter(d time.Duration, j float64) time.Duration {
	if j <= 0 || d <= 0 {
		return d
	}
	r := (rand.Float64()*2 - 1) * j
	return max(time.Duration(float64(d)*(1+r)), 0)
}
