// Package ratelimit tracks per-service and global call budgets over fixed
// windows and computes the wait before an outbound call to a third-party
// generation API.
//
// State is process-local; a multi-process deployment under-protects shared
// quotas. Callers never get an error from a budget check, only a wait time.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Period identifies one budget window.
type Period string

const (
	PerSecond Period = "second"
	PerMinute Period = "minute"
	PerHour   Period = "hour"
	PerDay    Period = "day"
	Global    Period = "global"
)

// globalService is the internal key for the cross-service budget.
const globalService = "_global"

// backoffThreshold is the rolling fraction of rate-limited calls above which
// waits are inflated.
const backoffThreshold = 0.10

// outcomeWindow is how many recent calls the rolling limited-fraction covers.
const outcomeWindow = 50

// Limits configures the per-window budgets for one service. Zero disables
// a window.
type Limits struct {
	PerSecond int
	PerMinute int
	PerHour   int
	PerDay    int
}

// Decision is the outcome of a budget check.
type Decision struct {
	CanProceed     bool
	Wait           time.Duration
	LimitingPeriod Period
}

type window struct {
	period      Period
	limit       int
	span        time.Duration
	count       int
	periodStart time.Time
}

// remaining returns how long until this window admits another call, resetting
// the counter first if the period has elapsed.
func (w *window) remaining(now time.Time) time.Duration {
	if now.Sub(w.periodStart) >= w.span {
		w.count = 0
		w.periodStart = now
	}
	if w.count < w.limit {
		return 0
	}
	return w.span - now.Sub(w.periodStart)
}

// Limiter enforces conjunctive fixed-window budgets: a call proceeds only
// when every configured window for the service, plus the global budget,
// admits it. The binding constraint is the window with the largest remaining
// wait.
type Limiter struct {
	mu       sync.Mutex
	services map[string][]*window

	// Adaptive backoff state: recent outcomes (true = rate-limited) and the
	// current wait multiplier. The multiplier falls back to 1 only through
	// the rolling window diluting below the threshold.
	outcomes []bool
	backoff  float64

	// now is swappable for tests.
	now func() time.Time

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter. globalPerMinute caps total calls across all
// services per minute; zero disables the global budget.
func New(globalPerMinute int) *Limiter {
	l := &Limiter{
		services: make(map[string][]*window),
		backoff:  1.0,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	if globalPerMinute > 0 {
		l.services[globalService] = []*window{
			{period: Global, limit: globalPerMinute, span: time.Minute, periodStart: l.now()},
		}
	}
	return l
}

// Configure sets the budgets for a service, replacing any existing ones.
func (l *Limiter) Configure(service string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var windows []*window
	add := func(p Period, limit int, span time.Duration) {
		if limit > 0 {
			windows = append(windows, &window{period: p, limit: limit, span: span, periodStart: now})
		}
	}
	add(PerSecond, limits.PerSecond, time.Second)
	add(PerMinute, limits.PerMinute, time.Minute)
	add(PerHour, limits.PerHour, time.Hour)
	add(PerDay, limits.PerDay, 24*time.Hour)
	l.services[service] = windows
}

// Check reports whether a call to service may proceed now, and if not, how
// long to wait. The wait already includes the adaptive backoff multiplier.
func (l *Limiter) Check(service string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(service)
}

func (l *Limiter) check(service string) Decision {
	now := l.now()

	var worst time.Duration
	limiting := Period("")

	consider := func(ws []*window) {
		for _, w := range ws {
			if wait := w.remaining(now); wait > worst {
				worst = wait
				limiting = w.period
			}
		}
	}
	consider(l.services[service])
	consider(l.services[globalService])

	if worst == 0 {
		return Decision{CanProceed: true}
	}
	return Decision{
		CanProceed:     false,
		Wait:           time.Duration(float64(worst) * l.backoff),
		LimitingPeriod: limiting,
	}
}

// Wait blocks until the service's budgets admit a call, then returns the
// total time actually waited. It only errors when ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, service string) (time.Duration, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		d := l.check(service)
		l.mu.Unlock()

		if d.CanProceed {
			return waited, nil
		}
		l.recordLimited()
		if err := l.sleep(ctx, d.Wait); err != nil {
			return waited, err
		}
		waited += d.Wait
	}
}

// Record counts a completed call against every window for the service and
// the global budget, and feeds the adaptive backoff. A call that came back
// rate-limited from the provider (e.g. HTTP 429) should be recorded with
// success=false so the limiter self-throttles further.
func (l *Limiter) Record(service string, success bool, responseTime time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bump := func(ws []*window) {
		for _, w := range ws {
			w.remaining(now) // rolls the window if elapsed
			w.count++
		}
	}
	bump(l.services[service])
	bump(l.services[globalService])

	l.pushOutcome(!success)
}

// recordLimited notes a proactively blocked call in the rolling window.
func (l *Limiter) recordLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pushOutcome(true)
}

func (l *Limiter) pushOutcome(limited bool) {
	l.outcomes = append(l.outcomes, limited)
	if len(l.outcomes) > outcomeWindow {
		l.outcomes = l.outcomes[len(l.outcomes)-outcomeWindow:]
	}

	var n int
	for _, o := range l.outcomes {
		if o {
			n++
		}
	}
	frac := float64(n) / float64(len(l.outcomes))
	if frac > backoffThreshold {
		l.backoff = 1.0 + frac*4 // 10% limited -> ~1.4x, fully limited -> 5x
	} else {
		l.backoff = 1.0
	}
}

// BackoffMultiplier exposes the current wait inflation factor.
func (l *Limiter) BackoffMultiplier() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
