// Package ratelimit bounds the concurrency and pacing of every outbound call
// the process makes. One Limiter is shared by all account sessions.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter grants permits for outbound calls. A permit requires both a free
// concurrency slot and the global pacing clock: no two grants, across all
// accounts, happen less than the configured interval apart. Releasing a
// permit frees the slot but never resets the pacing clock.
type Limiter struct {
	slots chan struct{}
	pacer *rate.Limiter

	mu        sync.Mutex
	lastGrant time.Time
}

// New creates a Limiter allowing maxConcurrent in-flight calls with at least
// minInterval between consecutive grants.
func New(maxConcurrent int, minInterval time.Duration) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limiter{
		slots: make(chan struct{}, maxConcurrent),
		pacer: rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// Acquire blocks until a permit is granted or ctx ends. The returned release
// function frees the concurrency slot and is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := l.pacer.Wait(ctx); err != nil {
		<-l.slots
		return nil, err
	}

	l.mu.Lock()
	l.lastGrant = time.Now()
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { <-l.slots })
	}, nil
}

// LastGrant reports when the most recent permit was granted.
func (l *Limiter) LastGrant() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastGrant
}

// InFlight reports how many permits are currently held.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}
