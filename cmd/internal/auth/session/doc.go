// Package session implements the multi-device session lifecycle.
//
// A session is one durable row per (user, device) binding a signed token pair
// to that device. The Manager creates sessions under a per-user device cap
// (evicting the least recently active one), rotates both tokens on refresh with
// no grace window, validates access tokens against the stored current token, and
// terminates sessions.
//
// Tokens are PASETO v4.public by default (JWT HS256 is available). Only token
// digests are persisted (HMAC-SHA256 when MSGR_TOKEN_HMAC_KEY is set).
//
// Transport (HTTP/WS) integration lives in auth/api and realtime.
package session
