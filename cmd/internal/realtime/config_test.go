package realtime

import (
	"errors"
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.AuthTimeout != 10*time.Second || cfg.SweepInterval != 30*time.Second {
		t.Fatalf("auth timeout=%v sweep=%v", cfg.AuthTimeout, cfg.SweepInterval)
	}
	if !cfg.OriginRequired {
		t.Fatalf("origin must be required by default")
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("MSGR_WS_ALLOWED_ORIGINS", " https://a.example , https://b.example ")
	t.Setenv("MSGR_WS_SEND_QUEUE", "4")
	t.Setenv("MSGR_SWEEPER_INTERVAL", "5s")
	t.Setenv("MSGR_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("MSGR_WS_MAX_FRAME_BYTES", "131072")
	t.Setenv("MSGR_WS_MISSED_REPLAY_LIMIT", "50")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins=%v", cfg.AllowedOrigins)
	}
	if cfg.SendQueueSize != minSendQueueSize {
		t.Fatalf("send queue=%d want clamp to %d", cfg.SendQueueSize, minSendQueueSize)
	}
	if cfg.SweepInterval != 5*time.Second || cfg.OriginRequired {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.MaxFrameBytes != 128<<10 || cfg.MissedReplayLimit != 50 {
		t.Fatalf("max frame=%d replay limit=%d", cfg.MaxFrameBytes, cfg.MissedReplayLimit)
	}
}

func TestLoadConfigFromEnv_Malformed(t *testing.T) {
	for key, val := range map[string]string{
		"MSGR_WS_AUTH_TIMEOUT":        "soon",
		"MSGR_WS_RATE_EVENTS":         "-1",
		"MSGR_WS_DEV_INSECURE":        "maybe",
		"MSGR_WS_WRITE_TIMEOUT":       "0s",
		"MSGR_WS_HEARTBEAT_INTERVAL":  "1",
		"MSGR_WS_MAX_FRAME_BYTES":     "64k",
		"MSGR_WS_MISSED_REPLAY_LIMIT": "0",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
				t.Fatalf("%s=%q: expected ErrConfig, got %v", key, val, err)
			}
		})
	}
}
