package session

import (
	"errors"
)

var (
	// ErrInvalidToken is returned when a token fails signature, format or claim checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned by a TokenCodec when the signature is valid but the
	// token is past its expiry. The accompanying Claims are populated.
	ErrTokenExpired = errors.New("token expired")

	// ErrAccessTokenExpired is returned by ValidateAccessToken for an expired access token.
	ErrAccessTokenExpired = errors.New("access token expired")

	// ErrRefreshTokenExpired is returned by Refresh when the refresh token is past expiry.
	// The session is deactivated as a side effect.
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// ErrSessionNotFound is returned when the session referenced by a token does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInactive is returned when the session has been deactivated.
	ErrSessionInactive = errors.New("session inactive")

	// ErrDeviceMismatch is returned when a refresh token is presented for another device.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrTokenMismatch is returned when a token is validly signed but is not the
	// session's current one (superseded by a rotation).
	ErrTokenMismatch = errors.New("token mismatch")

	// ErrInvalidDevice is returned when a device descriptor lacks a device id.
	ErrInvalidDevice = errors.New("invalid device")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// Wire codes for credential errors.
const (
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeAccessTokenExpired  = "ACCESS_TOKEN_EXPIRED"
	CodeRefreshTokenExpired = "REFRESH_TOKEN_EXPIRED"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionInactive     = "SESSION_INACTIVE"
	CodeDeviceMismatch      = "DEVICE_MISMATCH"
	CodeTokenMismatch       = "TOKEN_MISMATCH"
	CodeInvalidDevice       = "INVALID_DEVICE"
)

// CodeOf maps a session error to its stable wire code. Unknown errors map to "".
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccessTokenExpired):
		return CodeAccessTokenExpired
	case errors.Is(err, ErrRefreshTokenExpired):
		return CodeRefreshTokenExpired
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionInactive):
		return CodeSessionInactive
	case errors.Is(err, ErrDeviceMismatch):
		return CodeDeviceMismatch
	case errors.Is(err, ErrTokenMismatch):
		return CodeTokenMismatch
	case errors.Is(err, ErrInvalidDevice):
		return CodeInvalidDevice
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		return CodeInvalidToken
	default:
		return ""
	}
}

// IsCredentialError reports whether err is a fail-closed credential error
// (as opposed to an infrastructure failure).
func IsCredentialError(err error) bool {
	return CodeOf(err) != ""
}
