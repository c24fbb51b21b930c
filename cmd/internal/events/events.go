// Package events publishes session lifecycle events to an external sink
// (audit, analytics). Publishing is best effort and never gates a login.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Event types.
const (
	TypeLogin       = "session.login"
	TypeRefresh     = "session.refresh"
	TypeTerminated  = "session.terminated"
	TypeExpired     = "session.expired"
	TypeRefreshFail = "session.refresh_failed"
)

// Event is one session lifecycle fact. Token material never appears here.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	IP        string    `json:"ip,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// LogPublisher writes events to a structured logger. It is the default sink when
// no broker is configured.
type LogPublisher struct {
	Log *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, e Event) error {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log.LogAttrs(ctx, slog.LevelInfo, "event.publish",
		slog.String("type", e.Type),
		slog.String("user_id", e.UserID),
		slog.String("session_id", e.SessionID),
		slog.String("device_id", e.DeviceID),
		slog.String("reason", e.Reason),
		slog.Time("at", e.At),
	)
	return nil
}

func (LogPublisher) Close() error { return nil }
