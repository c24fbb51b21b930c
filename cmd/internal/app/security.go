package app

import (
	"errors"
	"fmt"

	"messenger/cmd/security/token"
)

// NewTokenHasher builds the digest function used for stored session tokens and
// enforces the HMAC policy at startup.
//
// With RequireTokenHMAC a missing or short MSGR_TOKEN_HMAC_KEY is fatal; there
// is no silent fallback to plain SHA-256.
func NewTokenHasher(cfg Config) (token.Hasher, error) {
	h, err := token.HasherFromEnv(cfg.RequireTokenHMAC)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return token.Hasher{}, fmt.Errorf("security policy: MSGR_REQUIRE_TOKEN_HMAC=true but %s is missing", token.HMACEnvKey)
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return token.Hasher{}, fmt.Errorf("security policy: MSGR_REQUIRE_TOKEN_HMAC=true but %s is too short (min %d bytes)", token.HMACEnvKey, token.MinHMACKeyBytes)
		default:
			return token.Hasher{}, err
		}
	}
	if cfg.RequireTokenHMAC && !h.HMAC() {
		return token.Hasher{}, errors.New("security policy: MSGR_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}
	return h, nil
}
