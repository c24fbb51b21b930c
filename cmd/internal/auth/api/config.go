package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls REST session API behavior and abuse limits.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Per-IP token bucket on /login and /refresh: LoginIPMax requests per LoginIPWindow.
	LoginIPMax    int
	LoginIPWindow time.Duration

	// Failed code attempts per phone within LoginPhoneWindow before the phone is throttled.
	LoginPhoneMax    int
	LoginPhoneWindow time.Duration

	LockoutShortThreshold  int
	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration
}

// LoadConfigFromEnv loads API config from MSGR_API_* with safe defaults.
// Malformed values fall back to the default.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:             envBool("MSGR_API_TRUST_PROXY", false),
		MaxBodyBytes:           envInt64("MSGR_API_MAX_BODY_BYTES", 64<<10),
		LoginIPMax:             envInt("MSGR_API_LOGIN_IP_MAX", 20),
		LoginIPWindow:          envDuration("MSGR_API_LOGIN_IP_WINDOW", 5*time.Minute),
		LoginPhoneMax:          envInt("MSGR_API_LOGIN_PHONE_MAX", 5),
		LoginPhoneWindow:       envDuration("MSGR_API_LOGIN_PHONE_WINDOW", 15*time.Minute),
		LockoutShortThreshold:  envInt("MSGR_API_LOCKOUT_SHORT_THRESHOLD", 5),
		LockoutShortDuration:   envDuration("MSGR_API_LOCKOUT_SHORT_DURATION", 5*time.Minute),
		LockoutLongThreshold:   envInt("MSGR_API_LOCKOUT_LONG_THRESHOLD", 10),
		LockoutLongDuration:    envDuration("MSGR_API_LOCKOUT_LONG_DURATION", 30*time.Minute),
		LockoutSevereThreshold: envInt("MSGR_API_LOCKOUT_SEVERE_THRESHOLD", 20),
		LockoutSevereDuration:  envDuration("MSGR_API_LOCKOUT_SEVERE_DURATION", 2*time.Hour),
	}
	cfg.normalize()
	return cfg
}

// DefaultConfig returns the defaults LoadConfigFromEnv starts from.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.LoginIPMax <= 0 {
		c.LoginIPMax = 20
	}
	if c.LoginIPWindow <= 0 {
		c.LoginIPWindow = 5 * time.Minute
	}
	if c.LoginPhoneMax <= 0 {
		c.LoginPhoneMax = 5
	}
	if c.LoginPhoneWindow <= 0 {
		c.LoginPhoneWindow = 15 * time.Minute
	}
	if c.LockoutShortThreshold <= 0 {
		c.LockoutShortThreshold, c.LockoutShortDuration = 5, 5*time.Minute
	}
	if c.LockoutLongThreshold <= 0 {
		c.LockoutLongThreshold, c.LockoutLongDuration = 10, 30*time.Minute
	}
	if c.LockoutSevereThreshold <= 0 {
		c.LockoutSevereThreshold, c.LockoutSevereDuration = 20, 2*time.Hour
	}
}

func (c Config) lockoutTiers() []lockoutTier {
	// Most severe first; the first tier still in force wins.
	return []lockoutTier{
		{Threshold: c.LockoutSevereThreshold, Duration: c.LockoutSevereDuration},
		{Threshold: c.LockoutLongThreshold, Duration: c.LockoutLongDuration},
		{Threshold: c.LockoutShortThreshold, Duration: c.LockoutShortDuration},
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
