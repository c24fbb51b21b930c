package realtime

import (
	"encoding/json"
	"time"

	"messenger/cmd/identity/ids"
	v1 "messenger/shared/contracts/realtime/v1"
)

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID() string {
	return ids.Make()
}

// NewMessageID returns a ULID used as persisted message id.
func NewMessageID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewGroupChatID returns an opaque group chat id.
func NewGroupChatID() string {
	return groupPrefix + ids.Make()
}

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		// Payload types are plain structs; Marshal cannot fail for them.
		raw, _ = json.Marshal(p)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		TS:      ts.UTC(),
		Payload: raw,
	}
}
