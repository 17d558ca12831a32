package ratelimit

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/medrelay/admission/internal/policy"
	"github.com/medrelay/admission/internal/settings"
)

// breakerDuration pauses store calls after a failure so a dead store is not
// hammered on every request.
const breakerDuration = 30 * time.Second

// bypassRemaining is the remaining count reported while a bypass is active.
const bypassRemaining = 999999

// Manager is the admission facade: it consults the bypass registry, the
// policy table, and the coordination store, and always produces a
// well-formed Decision. No failure mode escapes Check as an error or panic.
type Manager struct {
	policies     *policy.Store
	store        Limiter // shared store limiter, nil when Redis is not configured
	local        Limiter
	registry     *BypassRegistry
	metrics      *Metrics
	failMode     string
	storeTimeout time.Duration
	nowFn        func() time.Time

	mu           sync.Mutex
	breakerUntil time.Time
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store        Limiter
	Registry     *BypassRegistry
	Metrics      *Metrics
	FailMode     string
	StoreTimeout time.Duration
	NowFn        func() time.Time
}

// NewManager constructs a Manager with default dependencies when unset.
func NewManager(policies *policy.Store, opts ManagerOptions) *Manager {
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = settings.DefaultStoreTimeout
	}
	if opts.FailMode == "" {
		opts.FailMode = settings.FailModeOpen
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Registry == nil {
		opts.Registry = NewBypassRegistry(BypassOptions{NowFn: opts.NowFn})
	}
	return &Manager{
		policies:     policies,
		store:        opts.Store,
		local:        NewMemoryLimiter(),
		registry:     opts.Registry,
		metrics:      opts.Metrics,
		failMode:     opts.FailMode,
		storeTimeout: opts.StoreTimeout,
		nowFn:        opts.NowFn,
	}
}

// Metrics returns the manager's accumulator.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Registry returns the manager's bypass registry.
func (m *Manager) Registry() *BypassRegistry {
	return m.registry
}

// Policies returns the manager's policy store.
func (m *Manager) Policies() *policy.Store {
	return m.policies
}

// Check decides whether one request is admitted.
// Decision tree: global disable, then emergency grant request, then an
// already-active grant, then the atomic limiter.
func (m *Manager) Check(ctx context.Context, subjectID string, role policy.Role, op policy.Operation, emergency bool) Decision {
	if m == nil {
		return Decision{Allowed: true}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := m.nowFn()
	limit := m.policies.Resolve(role, op)
	base := Decision{
		Limit:          limit.RequestsPerMinute,
		BurstCapacity:  limit.Burst,
		Role:           role,
		Operation:      op,
		PolicyVersion:  m.policies.Version(),
		PolicySource:   m.policies.Source(),
		BypassEligible: limit.EmergencyBypass,
		Reset:          nextMinute(now),
	}

	if m.policies.Disabled() {
		base.Allowed = true
		base.Remaining = int(limit.RequestsPerMinute)
		base.TokensRemaining = float64(limit.Burst)
		return base
	}

	if emergency && limit.EmergencyBypass {
		if grant, ok := m.registry.Grant(ctx, subjectID, role, op, 0, "emergency access requested"); ok {
			m.metrics.Record(role, op, OutcomeBypassed)
			return bypassDecision(base, grant.Expiry)
		}
	}

	if expiry, ok := m.registry.Active(ctx, subjectID); ok {
		m.metrics.Record(role, op, OutcomeBypassed)
		return bypassDecision(base, expiry)
	}

	return m.consultLimiter(ctx, subjectID, role, op, limit, base, now)
}

// consultLimiter runs the atomic check, degrading per the configured fail
// mode when the store cannot answer.
func (m *Manager) consultLimiter(ctx context.Context, subjectID string, role policy.Role, op policy.Operation, limit policy.Limit, base Decision, now time.Time) Decision {
	key := BuildKey(subjectID, op)
	params := Params{
		Capacity:  limit.Burst,
		FillRate:  limit.FillRate(),
		PerMinute: limit.RequestsPerMinute,
		PerHour:   limit.RequestsPerHour,
	}

	if m.store == nil {
		result, _ := m.local.Allow(ctx, key, params, now)
		return m.finish(role, op, base, result)
	}

	if m.breakerActive(now) {
		return m.degraded(ctx, key, params, role, op, base, now, nil)
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	result, errAllow := m.store.Allow(storeCtx, key, params, now)
	cancel()
	if errAllow != nil {
		m.metrics.RecordStoreError()
		m.tripBreaker(now)
		return m.degraded(ctx, key, params, role, op, base, now, errAllow)
	}
	return m.finish(role, op, base, result)
}

// degraded resolves a check the store could not answer: fail open by
// default, or fall back to the in-process limiter in local mode.
func (m *Manager) degraded(ctx context.Context, key string, params Params, role policy.Role, op policy.Operation, base Decision, now time.Time, cause error) Decision {
	if m.failMode == settings.FailModeLocal {
		log.WithError(cause).Warn("rate limit: store unavailable, using local limiter")
		result, _ := m.local.Allow(ctx, key, params, now)
		return m.finish(role, op, base, result)
	}
	log.WithError(cause).Warn("rate limit: store unavailable, failing open")
	m.metrics.Record(role, op, OutcomeFailOpen)
	base.Allowed = true
	base.FailOpen = true
	base.Remaining = 1
	base.TokensRemaining = 1
	return base
}

// finish converts a limiter result into the outgoing decision and records
// the outcome.
func (m *Manager) finish(role policy.Role, op policy.Operation, base Decision, result Result) Decision {
	base.Allowed = result.Allowed
	base.TokensRemaining = result.TokensRemaining
	base.RetryAfter = result.RetryAfter
	base.Remaining = remainingOf(base, result)
	if result.Allowed {
		m.metrics.Record(role, op, OutcomeAllowed)
	} else {
		m.metrics.Record(role, op, OutcomeDenied)
	}
	return base
}

// remainingOf reports how much of the minute window is left.
func remainingOf(base Decision, result Result) int {
	minuteLeft := int64(base.Limit) - result.MinuteCount
	if minuteLeft < 0 {
		minuteLeft = 0
	}
	return int(minuteLeft)
}

func bypassDecision(base Decision, expiry time.Time) Decision {
	base.Allowed = true
	base.Bypass = true
	base.Reset = expiry
	base.Remaining = bypassRemaining
	base.TokensRemaining = float64(base.BurstCapacity)
	return base
}

func nextMinute(now time.Time) time.Time {
	return time.Unix((now.Unix()/60+1)*60, 0).UTC()
}

func (m *Manager) breakerActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerUntil.IsZero() {
		return false
	}
	if now.Before(m.breakerUntil) {
		return true
	}
	m.breakerUntil = time.Time{}
	return false
}

func (m *Manager) tripBreaker(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.breakerUntil.IsZero() && now.Before(m.breakerUntil) {
		return
	}
	m.breakerUntil = now.Add(breakerDuration)
}
