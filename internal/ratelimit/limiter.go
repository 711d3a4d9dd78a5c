// Package ratelimit implements the fixed-window token gate from spec.md
// §4.1: at most N permits per W. No third-party rate limiter appears
// anywhere in the retrieved corpus (no golang.org/x/time/rate, no
// uber-go/ratelimit), so this narrow, fully-specified algorithm is
// deliberately implemented on the standard library alone — see DESIGN.md.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Limiter is NOT safe to share across processes; spec.md §1's "no
// distribution across machines" non-goal makes that unnecessary. Two
// instances are constructed per spec.md §4.1: per-account REST (49/1s)
// and per-gateway-connection send (120/60s).
type Limiter struct {
	n int
	w time.Duration

	mu     sync.Mutex
	times  *list.List // oldest at front
	clock  func() time.Time
	timerC chan struct{}
}

func New(n int, w time.Duration) *Limiter {
	return &Limiter{
		n:     n,
		w:     w,
		times: list.New(),
		clock: time.Now,
	}
}

// Acquire blocks until a permit is available or ctx is cancelled. It never
// returns an explicit "release" — permits simply age out of the window
// (spec.md §4.1: "Permits are not explicitly released").
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) tryAcquire() (wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	cutoff := now.Add(-l.w)
	for e := l.times.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			l.times.Remove(e)
		}
		e = next
	}

	if l.times.Len() < l.n {
		l.times.PushBack(now)
		return 0, true
	}

	oldest := l.times.Front().Value.(time.Time)
	return oldest.Add(l.w).Sub(now), false
}

// Len reports the number of permits currently counted within the window,
// for tests and stats reporting.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.times.Len()
}
