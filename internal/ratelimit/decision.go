package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/medrelay/admission/internal/policy"
)

// Decision is the ephemeral outcome of one admission check. It is rendered
// into headers and, on denial, an error body; it is never persisted.
type Decision struct {
	Allowed         bool
	Remaining       int
	Limit           uint
	Reset           time.Time
	RetryAfter      time.Duration
	TokensRemaining float64
	BurstCapacity   uint
	Role            policy.Role
	Operation       policy.Operation
	PolicyVersion   string
	PolicySource    string
	Bypass          bool
	BypassEligible  bool
	FailOpen        bool
}

// WriteHeaders renders the standard rate limit headers for the decision.
func (d Decision) WriteHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.FormatUint(uint64(d.Limit), 10))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(maxInt(d.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	h.Set("X-RateLimit-Role", string(d.Role))
	h.Set("X-RateLimit-Policy-Version", d.PolicyVersion)
	h.Set("X-RateLimit-Policy-Source", d.PolicySource)
	h.Set("X-RateLimit-Tokens-Remaining", formatTokens(d.TokensRemaining))
	h.Set("X-RateLimit-Burst-Capacity", strconv.FormatUint(uint64(d.BurstCapacity), 10))
	if d.Bypass {
		h.Set("X-RateLimit-Emergency-Bypass", "active")
	}
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(retryAfterSeconds(d.RetryAfter), 10))
		h.Set("X-RateLimit-Type", string(d.Operation))
	}
}

// DenialBody is the structured 429 error payload.
type DenialBody struct {
	Error                    string `json:"error"`
	Message                  string `json:"message"`
	RetryAfterSeconds        int64  `json:"retry_after_seconds"`
	Role                     string `json:"role"`
	EmergencyBypassAvailable bool   `json:"emergency_bypass_available"`
}

// DenialBody builds the error payload for a denied decision.
func (d Decision) DenialBody() DenialBody {
	retry := retryAfterSeconds(d.RetryAfter)
	return DenialBody{
		Error:                    "Rate limit exceeded",
		Message:                  fmt.Sprintf("Too many %s requests, retry after %d seconds", d.Operation, retry),
		RetryAfterSeconds:        retry,
		Role:                     string(d.Role),
		EmergencyBypassAvailable: d.BypassEligible,
	}
}

// retryAfterSeconds normalizes the retry hint; a denial always carries a
// positive value.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

// formatTokens renders a token count without scientific notation.
func formatTokens(v float64) string {
	if v < 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
