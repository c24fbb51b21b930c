package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Token formats accepted by MSGR_TOKEN_FORMAT.
const (
	FormatPaseto = "paseto"
	FormatJWT    = "jwt"
)

// Config defines all runtime configuration for the session subsystem.
type Config struct {
	// Issuer is the value set in the "iss" claim of every token.
	Issuer string

	// TokenFormat selects the TokenCodec: FormatPaseto (default) or FormatJWT.
	TokenFormat string

	// AccessTokenTTL and RefreshTokenTTL are independent lifetimes.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// MaxDevices caps concurrently active sessions per user.
	MaxDevices int

	// CacheTTL and CacheSize bound the session lookup cache.
	CacheTTL  time.Duration
	CacheSize int

	// TouchInterval throttles lastActiveAt writes on validated requests.
	TouchInterval time.Duration

	// ExpirySweepInterval drives the background deactivation of sessions whose
	// refresh token has expired. Zero disables the sweep.
	ExpirySweepInterval time.Duration

	// Retention is how long deactivated sessions are kept before being purged.
	// Zero disables purging.
	Retention time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key
	// used to sign PASETO v4.public tokens.
	PasetoV4SecretKeyHex string

	// JWTSecret is the HS256 secret used when TokenFormat is FormatJWT.
	JWTSecret string

	// Locations is the prefix=label table used to fill Session.Location.
	// See ParseLocations.
	Locations string
}

// DefaultConfig returns defaults suitable for development.
//
// Production environments should override values via environment variables.
func DefaultConfig() Config {
	return Config{
		Issuer:              "messenger",
		TokenFormat:         FormatPaseto,
		AccessTokenTTL:      time.Hour,
		RefreshTokenTTL:     30 * 24 * time.Hour,
		ClockSkew:           30 * time.Second,
		MaxDevices:          10,
		CacheTTL:            30 * time.Second,
		CacheSize:           10_000,
		TouchInterval:       time.Minute,
		ExpirySweepInterval: 10 * time.Minute,
		Retention:           90 * 24 * time.Hour,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - MSGR_PASETO_V4_SECRET_KEY_HEX (paseto format)
//   - MSGR_JWT_SECRET, at least 32 bytes (jwt format)
//
// Optional (durations must be valid Go duration strings):
//   - MSGR_AUTH_ISSUER
//   - MSGR_TOKEN_FORMAT (paseto|jwt)
//   - MSGR_AUTH_ACCESS_TTL
//   - MSGR_AUTH_REFRESH_TTL
//   - MSGR_AUTH_CLOCK_SKEW
//   - MSGR_AUTH_MAX_DEVICES
//   - MSGR_SESSION_CACHE_TTL
//   - MSGR_SESSION_CACHE_SIZE
//   - MSGR_SESSION_TOUCH_INTERVAL
//   - MSGR_SESSION_EXPIRY_SWEEP ("0" disables)
//   - MSGR_SESSION_RETENTION ("0" disables)
//   - MSGR_SESSION_LOCATIONS ("10.20.0.0/16=Berlin office;...")
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("MSGR_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("MSGR_TOKEN_FORMAT")); v != "" {
		cfg.TokenFormat = strings.ToLower(v)
	}

	durations := []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{key: "MSGR_AUTH_ACCESS_TTL", dst: &cfg.AccessTokenTTL},
		{key: "MSGR_AUTH_REFRESH_TTL", dst: &cfg.RefreshTokenTTL},
		{key: "MSGR_AUTH_CLOCK_SKEW", dst: &cfg.ClockSkew, allowZero: true},
		{key: "MSGR_SESSION_CACHE_TTL", dst: &cfg.CacheTTL},
		{key: "MSGR_SESSION_TOUCH_INTERVAL", dst: &cfg.TouchInterval, allowZero: true},
		{key: "MSGR_SESSION_EXPIRY_SWEEP", dst: &cfg.ExpirySweepInterval, allowZero: true},
		{key: "MSGR_SESSION_RETENTION", dst: &cfg.Retention, allowZero: true},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("MSGR_AUTH_MAX_DEVICES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return Config{}, ErrConfig
		}
		cfg.MaxDevices = n
	}
	if v := strings.TrimSpace(os.Getenv("MSGR_SESSION_CACHE_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, ErrConfig
		}
		cfg.CacheSize = n
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("MSGR_PASETO_V4_SECRET_KEY_HEX"))
	cfg.JWTSecret = strings.TrimSpace(os.Getenv("MSGR_JWT_SECRET"))
	cfg.Locations = strings.TrimSpace(os.Getenv("MSGR_SESSION_LOCATIONS"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	switch c.TokenFormat {
	case FormatPaseto:
		if c.PasetoV4SecretKeyHex == "" {
			return ErrConfig
		}
	case FormatJWT:
		if len(c.JWTSecret) < 32 {
			return ErrConfig
		}
	default:
		return ErrConfig
	}

	// The access token must never outlive the refresh token that mints it.
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL < c.AccessTokenTTL {
		return ErrConfig
	}
	if c.MaxDevices < 1 {
		return ErrConfig
	}
	if _, err := ParseLocations(c.Locations); err != nil {
		return ErrConfig
	}
	return nil
}
