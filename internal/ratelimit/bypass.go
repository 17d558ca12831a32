package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/medrelay/admission/internal/policy"
)

// Grant is one active emergency bypass.
type Grant struct {
	ID        string
	SubjectID string
	Role      policy.Role
	Operation policy.Operation
	Reason    string
	Expiry    time.Time
}

// GrantAuditor records bypass grants and denials for after-the-fact review.
// Recording is best-effort: failures are logged and never block the grant.
type GrantAuditor interface {
	RecordGrant(ctx context.Context, grant Grant, granted bool) error
}

// BypassRegistry tracks time-bounded emergency bypass grants.
//
// Grants live in an in-process map and, when a Redis client is configured,
// are mirrored into the shared store so other instances honor them. Without
// Redis the registry is instance-local best-effort.
type BypassRegistry struct {
	mu         sync.Mutex
	grants     map[string]Grant
	client     *redis.Client
	prefix     string
	auditor    GrantAuditor
	nowFn      func() time.Time
	defaultTTL time.Duration
	maxTTL     time.Duration
}

// BypassOptions configures a BypassRegistry.
type BypassOptions struct {
	Client     *redis.Client // optional shared store for cross-instance grants
	Prefix     string
	Auditor    GrantAuditor
	NowFn      func() time.Time
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// NewBypassRegistry constructs a BypassRegistry with defaults where unset.
func NewBypassRegistry(opts BypassOptions) *BypassRegistry {
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Minute
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 4 * time.Hour
	}
	return &BypassRegistry{
		grants:     make(map[string]Grant),
		client:     opts.Client,
		prefix:     strings.TrimSpace(opts.Prefix),
		auditor:    opts.Auditor,
		nowFn:      opts.NowFn,
		defaultTTL: opts.DefaultTTL,
		maxTTL:     opts.MaxTTL,
	}
}

// Grant registers an emergency bypass for subjectID if the role is in the
// privileged allow-list. A zero duration uses the default; durations above
// the cap are clamped. Returns false when the role is not privileged, in
// which case the caller falls through to normal limiting.
func (r *BypassRegistry) Grant(ctx context.Context, subjectID string, role policy.Role, op policy.Operation, duration time.Duration, reason string) (Grant, bool) {
	if r == nil || strings.TrimSpace(subjectID) == "" {
		return Grant{}, false
	}
	now := r.nowFn()
	grant := Grant{
		ID:        uuid.NewString(),
		SubjectID: strings.TrimSpace(subjectID),
		Role:      role,
		Operation: op,
		Reason:    strings.TrimSpace(reason),
	}
	if _, privileged := policy.PrivilegedRoles[role]; !privileged {
		r.audit(ctx, grant, false)
		return Grant{}, false
	}
	if duration <= 0 {
		duration = r.defaultTTL
	}
	if duration > r.maxTTL {
		duration = r.maxTTL
	}
	grant.Expiry = now.Add(duration)

	r.mu.Lock()
	r.grants[grant.SubjectID] = grant
	r.mu.Unlock()

	r.share(ctx, grant)
	r.audit(ctx, grant, true)
	log.WithFields(log.Fields{
		"subject":   grant.SubjectID,
		"role":      role,
		"operation": op,
		"expiry":    grant.Expiry.UTC(),
	}).Info("emergency bypass granted")
	return grant, true
}

// Active returns the expiry of a live grant for subjectID. Expired entries
// for the requested subject are pruned before consultation.
func (r *BypassRegistry) Active(ctx context.Context, subjectID string) (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return time.Time{}, false
	}
	now := r.nowFn()

	r.mu.Lock()
	grant, ok := r.grants[subjectID]
	if ok && !now.Before(grant.Expiry) {
		delete(r.grants, subjectID)
		ok = false
	}
	r.mu.Unlock()
	if ok {
		return grant.Expiry, true
	}

	expiry, okShared := r.sharedExpiry(ctx, subjectID, now)
	if !okShared {
		return time.Time{}, false
	}
	r.mu.Lock()
	r.grants[subjectID] = Grant{SubjectID: subjectID, Expiry: expiry}
	r.mu.Unlock()
	return expiry, true
}

// Revoke drops any grant for subjectID, locally and in the shared store.
func (r *BypassRegistry) Revoke(ctx context.Context, subjectID string) {
	if r == nil {
		return
	}
	subjectID = strings.TrimSpace(subjectID)
	r.mu.Lock()
	delete(r.grants, subjectID)
	r.mu.Unlock()
	if r.client != nil {
		if errDel := r.client.Del(ctx, r.grantKey(subjectID)).Err(); errDel != nil {
			log.WithError(errDel).Warn("bypass: shared revoke failed")
		}
	}
}

// ActiveCount reports live grants known to this instance, pruning as it goes.
func (r *BypassRegistry) ActiveCount() int {
	if r == nil {
		return 0
	}
	now := r.nowFn()
	r.mu.Lock()
	defer r.mu.Unlock()
	for subject, grant := range r.grants {
		if !now.Before(grant.Expiry) {
			delete(r.grants, subject)
		}
	}
	return len(r.grants)
}

// share mirrors a grant into the shared store, best-effort.
func (r *BypassRegistry) share(ctx context.Context, grant Grant) {
	if r.client == nil {
		return
	}
	ttl := grant.Expiry.Sub(r.nowFn())
	if ttl <= 0 {
		return
	}
	value := strconv.FormatInt(grant.Expiry.Unix(), 10)
	if errSet := r.client.Set(ctx, r.grantKey(grant.SubjectID), value, ttl).Err(); errSet != nil {
		log.WithError(errSet).Warn("bypass: shared grant write failed")
	}
}

// sharedExpiry reads a grant from the shared store, best-effort.
func (r *BypassRegistry) sharedExpiry(ctx context.Context, subjectID string, now time.Time) (time.Time, bool) {
	if r.client == nil {
		return time.Time{}, false
	}
	raw, errGet := r.client.Get(ctx, r.grantKey(subjectID)).Result()
	if errGet != nil {
		if errGet != redis.Nil {
			log.WithError(errGet).Warn("bypass: shared grant read failed")
		}
		return time.Time{}, false
	}
	epoch, errParse := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if errParse != nil {
		return time.Time{}, false
	}
	expiry := time.Unix(epoch, 0)
	if !now.Before(expiry) {
		return time.Time{}, false
	}
	return expiry, true
}

func (r *BypassRegistry) grantKey(subjectID string) string {
	if r.prefix == "" {
		return "bypass:" + subjectID
	}
	return r.prefix + ":bypass:" + subjectID
}

func (r *BypassRegistry) audit(ctx context.Context, grant Grant, granted bool) {
	if r.auditor == nil {
		return
	}
	if errRecord := r.auditor.RecordGrant(ctx, grant, granted); errRecord != nil {
		log.WithError(errRecord).Warn("bypass: audit record failed")
	}
}
