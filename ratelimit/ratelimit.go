// Package ratelimit enforces per-source request quotas: a sustained
// token-bucket rate and a rolling 24-hour ceiling.
//
// Acquire blocks the calling goroutine cooperatively (via the token bucket)
// until a token is available, or fails immediately with ErrDailyCapExceeded
// when the daily ceiling is already exhausted. A permit is consumed by the
// call itself; there is no release.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrDailyCapExceeded is returned when a source's rolling 24h ceiling is
// exhausted. Callers must back off until the window frees up instead of
// polling Acquire in a loop.
var ErrDailyCapExceeded = errors.New("ratelimit: daily cap exceeded")

// ErrUnknownSource is returned for sources the limiter was not configured with.
var ErrUnknownSource = errors.New("ratelimit: unknown source")

// Policy is the per-source quota configuration.
type Policy struct {
	Source     string
	RatePerSec float64
	DailyCap   int
}

// hourBuckets tracks request counts in hourly slots covering the last 24h.
// Summing the live slots gives a conservative rolling-window count: the
// window never under-counts, so the cap is never exceeded.
type hourBuckets struct {
	counts [25]int
	hours  [25]int64 // unix hour each slot was last written
}

func (h *hourBuckets) add(now time.Time) {
	hour := now.Unix() / 3600
	slot := int(hour % 25)
	if h.hours[slot] != hour {
		h.counts[slot] = 0
		h.hours[slot] = hour
	}
	h.counts[slot]++
}

func (h *hourBuckets) sum(now time.Time) int {
	hour := now.Unix() / 3600
	total := 0
	for i := range h.counts {
		if hour-h.hours[i] < 25 {
			total += h.counts[i]
		}
	}
	return total
}

type sourceLimiter struct {
	bucket *rate.Limiter
	cap    int

	mu    sync.Mutex
	daily hourBuckets
}

// Limiter enforces rate limits for a set of configured sources.
// State is per-source; acquiring for one source never blocks another.
type Limiter struct {
	sources map[string]*sourceLimiter
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) { l.now = fn }
}

// New creates a Limiter from per-source policies.
func New(policies []Policy, opts ...Option) *Limiter {
	l := &Limiter{
		sources: make(map[string]*sourceLimiter, len(policies)),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	for _, p := range policies {
		rps := p.RatePerSec
		if rps <= 0 {
			rps = 1
		}
		daily := p.DailyCap
		if daily <= 0 {
			daily = 8640
		}
		l.sources[p.Source] = &sourceLimiter{
			bucket: rate.NewLimiter(rate.Limit(rps), 1),
			cap:    daily,
		}
	}
	return l
}

// Acquire consumes one permit for source. It fails fast with
// ErrDailyCapExceeded if the rolling 24h count is at the ceiling, otherwise
// it reserves a daily slot and waits for a sustained-rate token. If the
// context is cancelled while waiting, the daily slot is not counted against
// the source (no request was issued).
func (l *Limiter) Acquire(ctx context.Context, source string) error {
	sl, ok := l.sources[source]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	now := l.now()
	sl.mu.Lock()
	if sl.daily.sum(now) >= sl.cap {
		sl.mu.Unlock()
		return ErrDailyCapExceeded
	}
	sl.daily.add(now)
	sl.mu.Unlock()

	if err := sl.bucket.Wait(ctx); err != nil {
		l.refund(sl, now)
		return fmt.Errorf("ratelimit: wait: %w", err)
	}
	return nil
}

// DailyRemaining reports how many requests remain in the rolling 24h window.
func (l *Limiter) DailyRemaining(source string) (int, error) {
	sl, ok := l.sources[source]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	rem := sl.cap - sl.daily.sum(l.now())
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

func (l *Limiter) refund(sl *sourceLimiter, at time.Time) {
	hour := at.Unix() / 3600
	slot := int(hour % 25)
	sl.mu.Lock()
	if sl.daily.hours[slot] == hour && sl.daily.counts[slot] > 0 {
		sl.daily.counts[slot]--
	}
	sl.mu.Unlock()
}
