// Package ratelimit implements role- and operation-aware admission control
// backed by a shared Redis coordination store, with an in-process fallback.
package ratelimit

import (
	"context"
	"time"
)

// Window TTLs are over-provisioned so a counter never expires mid-window.
const (
	minuteWindowTTL = 120 * time.Second
	hourWindowTTL   = 7200 * time.Second
)

// Params carries the resolved limit inputs for one admission check.
type Params struct {
	Capacity  uint    // token bucket capacity (burst)
	FillRate  float64 // tokens per second
	PerMinute uint    // minute window ceiling
	PerHour   uint    // hour window ceiling
}

// Result describes the outcome of a limiter check.
type Result struct {
	Allowed         bool
	TokensRemaining float64
	MinuteCount     int64
	HourCount       int64
	RetryAfter      time.Duration
}

// Limiter performs the atomic admission check for one subject+operation key.
type Limiter interface {
	Allow(ctx context.Context, key string, p Params, now time.Time) (Result, error)
}
