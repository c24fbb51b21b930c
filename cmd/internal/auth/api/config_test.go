package authapi

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("MSGR_API_TRUST_PROXY", "true")
	t.Setenv("MSGR_API_LOGIN_IP_MAX", "3")
	t.Setenv("MSGR_API_LOGIN_PHONE_WINDOW", "1m")

	cfg := LoadConfigFromEnv()
	if !cfg.TrustProxy || cfg.LoginIPMax != 3 || cfg.LoginPhoneWindow != time.Minute {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadConfigFromEnv_MalformedFallsBack(t *testing.T) {
	t.Setenv("MSGR_API_MAX_BODY_BYTES", "-5")
	t.Setenv("MSGR_API_LOGIN_IP_WINDOW", "soon")
	t.Setenv("MSGR_API_TRUST_PROXY", "perhaps")

	cfg := LoadConfigFromEnv()
	if cfg.MaxBodyBytes != 64<<10 || cfg.LoginIPWindow != 5*time.Minute || cfg.TrustProxy {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestConfig_LockoutTiersSevereFirst(t *testing.T) {
	tiers := DefaultConfig().lockoutTiers()
	for i := 1; i < len(tiers); i++ {
		if tiers[i-1].Threshold <= tiers[i].Threshold {
			t.Fatalf("tiers out of order: %+v", tiers)
		}
	}
}
