package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	v1 "messenger/shared/contracts/realtime/v1"
)

// connectedAs registers an Authenticated connection for userID on deviceID.
func connectedAs(t *testing.T, reg *Registry, userID, deviceID, sessionID string) *Conn {
	t.Helper()
	c := NewConn("127.0.0.1", 64, time.Now())
	reg.Track(c)
	b := Binding{UserID: userID, DeviceID: deviceID, SessionID: sessionID, TokenExpiresAt: time.Now().Add(time.Hour)}
	if !c.Authenticate(b) {
		t.Fatalf("Authenticate(%s/%s) refused", userID, deviceID)
	}
	reg.Admit(context.Background(), c)
	return c
}

// tokenExpiredAs registers a connection for userID on deviceID whose access
// token already ran out.
func tokenExpiredAs(t *testing.T, reg *Registry, userID, deviceID, sessionID string) *Conn {
	t.Helper()
	c := NewConn("127.0.0.1", 64, time.Now())
	reg.Track(c)
	if !c.MarkTokenExpired(Binding{UserID: userID, DeviceID: deviceID, SessionID: sessionID}) {
		t.Fatalf("MarkTokenExpired(%s/%s) refused", userID, deviceID)
	}
	reg.Admit(context.Background(), c)
	return c
}

// drain returns everything queued on c without blocking.
func drain(c *Conn) []outbound {
	var out []outbound
	for {
		select {
		case o := <-c.send:
			out = append(out, o)
		default:
			return out
		}
	}
}

func typesOf(items []outbound) []string {
	out := make([]string, 0, len(items))
	for _, o := range items {
		out = append(out, o.env.Type)
	}
	return out
}

func countType(items []outbound, typ string) int {
	n := 0
	for _, o := range items {
		if o.env.Type == typ {
			n++
		}
	}
	return n
}

func findType(t *testing.T, items []outbound, typ string) outbound {
	t.Helper()
	for _, o := range items {
		if o.env.Type == typ {
			return o
		}
	}
	t.Fatalf("no %q among %v", typ, typesOf(items))
	return outbound{}
}

func mustPayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal %s payload: %v", env.Type, err)
	}
	return p
}
