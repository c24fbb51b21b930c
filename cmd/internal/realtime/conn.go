package realtime

import (
	"sync"
	"time"

	v1 "messenger/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// ConnState is the authentication state of a connection.
type ConnState int32

const (
	// StateConnecting: the transport is being upgraded.
	StateConnecting ConnState = iota
	// StateUnauthenticated: open, waiting for authenticate.
	StateUnauthenticated
	// StateAuthenticated: bound to a live session; may send and receive chat payloads.
	StateAuthenticated
	// StateTokenExpired: bound to a user but its access token expired. The channel
	// stays open for reauthenticate; chat payloads are refused in both directions.
	StateTokenExpired
	// StateClosed is terminal.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateTokenExpired:
		return "token_expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Binding is the identity a connection is bound to after authentication.
type Binding struct {
	UserID         string
	DeviceID       string
	SessionID      string
	TokenExpiresAt time.Time
}

type outbound struct {
	env v1.Envelope
	// closeAfter asks the writer to close the connection once env is written.
	closeAfter bool
}

// Conn is one live device channel.
//
// The outbound queue is never closed by the server, so concurrent senders can
// never panic; done signals shutdown instead. Close is idempotent.
type Conn struct {
	ID         string
	RemoteAddr string
	OpenedAt   time.Time

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	state   ConnState
	binding Binding
}

// NewConn constructs a connection in StateConnecting with a bounded send queue.
func NewConn(remoteAddr string, sendQueueSize int, now time.Time) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Conn{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		OpenedAt:   now,
		send:       make(chan outbound, sendQueueSize),
		done:       make(chan struct{}),
		state:      StateConnecting,
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close the send queue.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.done)
	})
}

// IsOpen reports whether the connection has not been closed.
func (c *Conn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// State returns the current state.
func (c *Conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Binding returns the identity the connection is bound to (zero until authenticated).
func (c *Conn) Binding() Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.binding
}

// UserID is a shortcut for Binding().UserID.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.binding.UserID
}

// MarkOpen moves Connecting to Unauthenticated once the transport is up.
func (c *Conn) MarkOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.state = StateUnauthenticated
	}
}

// Authenticate binds the connection and moves it to Authenticated. A connection
// already bound to another user cannot be rebound.
func (c *Conn) Authenticate(b Binding) bool {
	return c.bind(b, StateAuthenticated)
}

// MarkTokenExpired binds (if needed) and moves the connection to TokenExpired.
func (c *Conn) MarkTokenExpired(b Binding) bool {
	return c.bind(b, StateTokenExpired)
}

func (c *Conn) bind(b Binding, to ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return false
	}
	if c.binding.UserID != "" && c.binding.UserID != b.UserID {
		return false
	}
	c.binding = b
	c.state = to
	return true
}

// Expire moves an Authenticated connection whose token expiry passed to
// TokenExpired. It reports whether the transition happened.
func (c *Conn) Expire(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAuthenticated || c.binding.TokenExpiresAt.IsZero() || now.Before(c.binding.TokenExpiresAt) {
		return false
	}
	c.state = StateTokenExpired
	return true
}

// Enqueue queues env without blocking. It returns false when the queue is full or
// the connection is shutting down; the caller drops the event.
func (c *Conn) Enqueue(env v1.Envelope) bool {
	return c.enqueue(outbound{env: env})
}

// EnqueueFinal queues env and asks the writer to close the connection after it
// is written. If the queue is full the connection is closed right away.
func (c *Conn) EnqueueFinal(env v1.Envelope) bool {
	if c.enqueue(outbound{env: env, closeAfter: true}) {
		return true
	}
	c.Close()
	return false
}

func (c *Conn) enqueue(o outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- o:
		return true
	default:
		return false
	}
}

// acceptsChat reports whether chat payloads may be delivered to the connection.
func (c *Conn) acceptsChat() bool {
	return c.State() == StateAuthenticated
}

// acceptsAccount reports whether account-level events (new login, session
// termination, token expiry) may be delivered.
func (c *Conn) acceptsAccount() bool {
	s := c.State()
	return s == StateAuthenticated || s == StateTokenExpired
}
