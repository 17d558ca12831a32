// Package settings defines the environment tunables for the admission engine.
package settings

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Environment keys and defaults for admission control.
const (
	// ScaleKey holds the global multiplier applied to every numeric limit.
	ScaleKey = "RATE_LIMIT_SCALE"
	// DisabledKey toggles the global enforcement kill switch.
	DisabledKey = "RATE_LIMIT_DISABLED"
	// FailModeKey selects behavior when the coordination store is down.
	FailModeKey = "RATE_LIMIT_FAIL_MODE"
	// RedisAddrKey defines the Redis address for the coordination store.
	RedisAddrKey = "RATE_LIMIT_REDIS_ADDR"
	// RedisPasswordKey defines the Redis password for the coordination store.
	RedisPasswordKey = "RATE_LIMIT_REDIS_PASSWORD"
	// RedisDBKey defines the Redis DB index for the coordination store.
	RedisDBKey = "RATE_LIMIT_REDIS_DB"
	// RedisPrefixKey defines the Redis key prefix for limiter state.
	RedisPrefixKey = "RATE_LIMIT_REDIS_PREFIX"
	// StoreTimeoutMSKey bounds the coordination store round trip in milliseconds.
	StoreTimeoutMSKey = "RATE_LIMIT_STORE_TIMEOUT_MS"
	// BypassTTLKey sets the default emergency bypass grant duration.
	BypassTTLKey = "EMERGENCY_BYPASS_TTL"
	// PolicyPathKey overrides policy document discovery with an explicit path.
	PolicyPathKey = "RATE_LIMIT_POLICY_PATH"
	// ConfigRootKey sets the directory searched for policy documents.
	ConfigRootKey = "RATE_LIMIT_CONFIG_ROOT"
	// AuditDSNKey enables the grant audit trail when set to a database DSN.
	AuditDSNKey = "ADMISSION_AUDIT_DSN"

	// DefaultScale is the fallback global scale factor.
	DefaultScale = 1.0
	// DefaultRedisPrefix is the fallback Redis key prefix.
	DefaultRedisPrefix = "adm:rl"
	// DefaultStoreTimeout bounds the store round trip when unset.
	DefaultStoreTimeout = 250 * time.Millisecond
	// DefaultBypassTTL is the fallback emergency grant duration.
	DefaultBypassTTL = 30 * time.Minute
	// MaxBypassTTL caps any requested emergency grant duration.
	MaxBypassTTL = 4 * time.Hour
	// DefaultConfigRoot is the fallback policy discovery directory.
	DefaultConfigRoot = "./config"
)

// Fail modes for coordination store outages.
const (
	// FailModeOpen allows every request while the store is unreachable.
	FailModeOpen = "open"
	// FailModeLocal falls back to the in-process limiter while the store is unreachable.
	FailModeLocal = "local"
)

// Config captures the admission settings snapshot.
type Config struct {
	Scale         float64
	Disabled      bool
	FailMode      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	StoreTimeout  time.Duration
	BypassTTL     time.Duration
	PolicyPath    string
	ConfigRoot    string
	AuditDSN      string
}

// Load builds a settings snapshot from the environment.
func Load() Config {
	cfg := Config{
		Scale:        parseScale(os.Getenv(ScaleKey)),
		Disabled:     parseBool(os.Getenv(DisabledKey)),
		FailMode:     parseFailMode(os.Getenv(FailModeKey)),
		RedisAddr:    strings.TrimSpace(os.Getenv(RedisAddrKey)),
		RedisPrefix:  strings.TrimSpace(os.Getenv(RedisPrefixKey)),
		StoreTimeout: DefaultStoreTimeout,
		BypassTTL:    DefaultBypassTTL,
		PolicyPath:   strings.TrimSpace(os.Getenv(PolicyPathKey)),
		ConfigRoot:   strings.TrimSpace(os.Getenv(ConfigRootKey)),
		AuditDSN:     strings.TrimSpace(os.Getenv(AuditDSNKey)),
	}
	cfg.RedisPassword = strings.TrimSpace(os.Getenv(RedisPasswordKey))
	if db, ok := parseNonNegativeInt(os.Getenv(RedisDBKey)); ok {
		cfg.RedisDB = db
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = DefaultRedisPrefix
	}
	if ms, ok := parseNonNegativeInt(os.Getenv(StoreTimeoutMSKey)); ok && ms > 0 {
		cfg.StoreTimeout = time.Duration(ms) * time.Millisecond
	}
	if ttl, ok := parseDuration(os.Getenv(BypassTTLKey)); ok {
		cfg.BypassTTL = ttl
	}
	if cfg.BypassTTL <= 0 {
		cfg.BypassTTL = DefaultBypassTTL
	}
	if cfg.BypassTTL > MaxBypassTTL {
		cfg.BypassTTL = MaxBypassTTL
	}
	if cfg.ConfigRoot == "" {
		cfg.ConfigRoot = DefaultConfigRoot
	}
	return cfg
}

// parseScale parses the global scale factor, defaulting to 1.0 on bad input.
func parseScale(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultScale
	}
	scale, errParse := strconv.ParseFloat(raw, 64)
	if errParse != nil || math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		log.WithField("value", raw).Warn("settings: invalid scale factor, using 1.0")
		return DefaultScale
	}
	return scale
}

func parseFailMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case FailModeLocal:
		return FailModeLocal
	case "", FailModeOpen:
		return FailModeOpen
	default:
		log.WithField("value", raw).Warn("settings: unknown fail mode, using open")
		return FailModeOpen
	}
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseNonNegativeInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	parsed, errParse := strconv.Atoi(raw)
	if errParse != nil || parsed < 0 {
		return 0, false
	}
	return parsed, true
}

func parseDuration(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if parsed, errParse := time.ParseDuration(raw); errParse == nil && parsed > 0 {
		return parsed, true
	}
	if secs, errParse := strconv.Atoi(raw); errParse == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
