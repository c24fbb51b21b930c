// Package token provides the digest primitives used to store bearer tokens at rest.
//
// Sessions never persist access or refresh tokens in plaintext. Instead a Hasher
// produces a stable 64-char hex digest which is compared in constant time.
//
// Modes:
//   - HMAC-SHA256(token, key) when MSGR_TOKEN_HMAC_KEY is set.
//   - SHA-256(token) otherwise (development only).
//
// When MSGR_REQUIRE_TOKEN_HMAC=true, startup fails unless a key of at least
// MinHMACKeyBytes is configured.
package token
