package realtime

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is returned for invalid realtime configuration.
var ErrConfig = errors.New("realtime: invalid config")

// Config holds gateway, registry and sweeper settings.
type Config struct {
	// DevInsecure disables websocket.Accept origin verification (dev only).
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Per-connection rate limit: RateEvents per RateWindow, bursting up to RateEvents.
	RateEvents int
	RateWindow time.Duration

	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout time.Duration

	// SweepInterval drives the ConnectionSweeper.
	SweepInterval time.Duration

	MaxFrameBytes   int64
	MaxMessageChars int

	// MissedReplayLimit bounds how many queued notifications are replayed per authentication.
	MissedReplayLimit int
}

// DefaultConfig returns secure defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueueSize:     256,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		RateEvents:        120,
		RateWindow:        10 * time.Second,
		AuthTimeout:       10 * time.Second,
		SweepInterval:     30 * time.Second,
		MaxFrameBytes:     64 << 10,
		MaxMessageChars:   4000,
		MissedReplayLimit: 500,
	}
}

const minSendQueueSize = 32

// LoadConfigFromEnv reads MSGR_WS_* and MSGR_SWEEPER_INTERVAL.
//
// Optional (durations must be valid Go duration strings):
//   - MSGR_WS_DEV_INSECURE, MSGR_WS_ORIGIN_REQUIRED (bool)
//   - MSGR_WS_ALLOWED_ORIGINS (comma separated)
//   - MSGR_WS_WRITE_TIMEOUT, MSGR_WS_READ_IDLE_TIMEOUT
//   - MSGR_WS_SEND_QUEUE
//   - MSGR_WS_HEARTBEAT_INTERVAL, MSGR_WS_HEARTBEAT_TIMEOUT
//   - MSGR_WS_RATE_EVENTS, MSGR_WS_RATE_WINDOW
//   - MSGR_WS_AUTH_TIMEOUT
//   - MSGR_WS_MAX_MESSAGE_CHARS, MSGR_WS_MAX_FRAME_BYTES
//   - MSGR_WS_MISSED_REPLAY_LIMIT
//   - MSGR_SWEEPER_INTERVAL
//
// Returns ErrConfig if a value is present but malformed.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	bools := []struct {
		key string
		dst *bool
	}{
		{"MSGR_WS_DEV_INSECURE", &cfg.DevInsecure},
		{"MSGR_WS_ORIGIN_REQUIRED", &cfg.OriginRequired},
	}
	for _, b := range bools {
		v := strings.TrimSpace(os.Getenv(b.key))
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		*b.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("MSGR_WS_ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"MSGR_WS_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"MSGR_WS_READ_IDLE_TIMEOUT", &cfg.ReadIdleTimeout},
		{"MSGR_WS_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"MSGR_WS_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"MSGR_WS_RATE_WINDOW", &cfg.RateWindow},
		{"MSGR_WS_AUTH_TIMEOUT", &cfg.AuthTimeout},
		{"MSGR_SWEEPER_INTERVAL", &cfg.SweepInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MSGR_WS_SEND_QUEUE", &cfg.SendQueueSize},
		{"MSGR_WS_RATE_EVENTS", &cfg.RateEvents},
		{"MSGR_WS_MAX_MESSAGE_CHARS", &cfg.MaxMessageChars},
		{"MSGR_WS_MISSED_REPLAY_LIMIT", &cfg.MissedReplayLimit},
	}
	for _, n := range ints {
		v := strings.TrimSpace(os.Getenv(n.key))
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		*n.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("MSGR_WS_MAX_FRAME_BYTES")); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			return Config{}, ErrConfig
		}
		cfg.MaxFrameBytes = parsed
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = d.MaxMessageChars
	}
	if c.MissedReplayLimit <= 0 {
		c.MissedReplayLimit = d.MissedReplayLimit
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
