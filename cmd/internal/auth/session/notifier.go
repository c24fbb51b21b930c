package session

import "context"

// Notifier pushes session lifecycle changes to live devices.
//
// Implementations must not block on network writes; the Manager calls them after
// its locks are released and ignores their outcome.
type Notifier interface {
	// NewLogin is sent to every other live device of s.UserID.
	NewLogin(ctx context.Context, s Session)

	// SessionTerminated is sent only to the device that owned s, which is then
	// disconnected.
	SessionTerminated(ctx context.Context, s Session, reason string)
}

// Locator resolves a coarse location label for an address. It may return "".
type Locator interface {
	Locate(ip string) string
}

type nopNotifier struct{}

func (nopNotifier) NewLogin(context.Context, Session)                  {}
func (nopNotifier) SessionTerminated(context.Context, Session, string) {}
