package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// memoryEntry tracks one key's bucket and window counters.
type memoryEntry struct {
	params      Params
	bucket      *rate.Limiter
	minuteIdx   int64
	minuteCount int64
	hourIdx     int64
	hourCount   int64
}

// MemoryLimiter mirrors the store-side admission semantics in process.
// It backs Redis-less deployments and the local fail mode. Enforcement is
// per instance only; the shared store is the source of truth when available.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryLimiter constructs a MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		entries: make(map[string]*memoryEntry),
	}
}

// Allow performs the admission check for one key under the instance lock,
// with the same refill, debit, and rollback-on-window-exceed sequence the
// store script applies.
func (l *MemoryLimiter) Allow(_ context.Context, key string, p Params, now time.Time) (Result, error) {
	if key == "" {
		return Result{Allowed: true, TokensRemaining: float64(p.Capacity)}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entries[key]
	if entry == nil || entry.params != p {
		entry = &memoryEntry{
			params: p,
			bucket: rate.NewLimiter(rate.Limit(p.FillRate), int(p.Capacity)),
		}
		// A fresh limiter starts full at its first observation point.
		l.entries[key] = entry
	}
	entry.rollWindows(now)

	reservation := entry.bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return Result{RetryAfter: time.Minute}, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Result{
			TokensRemaining: entry.bucket.TokensAt(now),
			MinuteCount:     entry.minuteCount,
			HourCount:       entry.hourCount,
			RetryAfter:      ceilSeconds(delay),
		}, nil
	}

	if entry.minuteCount+1 > int64(p.PerMinute) || entry.hourCount+1 > int64(p.PerHour) {
		// Window ceiling reached: return the debited token exactly.
		reservation.CancelAt(now)
		return Result{
			TokensRemaining: entry.bucket.TokensAt(now),
			MinuteCount:     entry.minuteCount,
			HourCount:       entry.hourCount,
			RetryAfter:      time.Minute,
		}, nil
	}

	entry.minuteCount++
	entry.hourCount++
	return Result{
		Allowed:         true,
		TokensRemaining: entry.bucket.TokensAt(now),
		MinuteCount:     entry.minuteCount,
		HourCount:       entry.hourCount,
	}, nil
}

// rollWindows resets counters whose window boundary has passed.
func (e *memoryEntry) rollWindows(now time.Time) {
	sec := now.Unix()
	if idx := sec / 60; idx != e.minuteIdx {
		e.minuteIdx = idx
		e.minuteCount = 0
	}
	if idx := sec / 3600; idx != e.hourIdx {
		e.hourIdx = idx
		e.hourCount = 0
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	secs := math.Ceil(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
