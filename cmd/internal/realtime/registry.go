package realtime

import (
	"context"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	v1 "messenger/shared/contracts/realtime/v1"
)

const registryStripes = 64

// ChatLister lists the chats a user participates in. Resolver implements it.
type ChatLister interface {
	ChatsOf(ctx context.Context, userID string) ([]string, error)
}

type userBucket struct {
	mu    sync.RWMutex
	users map[string]map[string]*Conn // userID -> connID -> conn
}

// Registry tracks live connections per user and chat subscriptions per chat.
//
// Locking:
//   - user buckets are striped; operations on one user serialize on its bucket.
//   - the subscription index has its own lock, always taken after a bucket lock.
//   - no lock is held while delivering; sends snapshot the target set and
//     enqueue without blocking.
type Registry struct {
	log   *slog.Logger
	chats ChatLister
	now   func() time.Time

	buckets [registryStripes]userBucket

	pendingMu sync.Mutex
	pending   map[string]*Conn

	subMu       sync.RWMutex
	subscribers map[string]map[string]struct{} // chatID -> userIDs
	userChats   map[string]map[string]struct{} // userID -> chatIDs
}

// NewRegistry constructs an empty registry. chats may be nil.
func NewRegistry(log *slog.Logger, chats ChatLister) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:         log,
		chats:       chats,
		now:         time.Now,
		pending:     make(map[string]*Conn),
		subscribers: make(map[string]map[string]struct{}),
		userChats:   make(map[string]map[string]struct{}),
	}
	for i := range r.buckets {
		r.buckets[i].users = make(map[string]map[string]*Conn)
	}
	return r
}

func (r *Registry) bucket(userID string) *userBucket {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.buckets[h.Sum32()%registryStripes]
}

// Track records a freshly opened, not yet authenticated connection.
func (r *Registry) Track(c *Conn) {
	c.MarkOpen()
	r.pendingMu.Lock()
	r.pending[c.ID] = c
	r.pendingMu.Unlock()
}

// Admit registers a bound connection under its user. Only an Authenticated
// connection subscribes the user to their chats; a TokenExpired one is recorded
// so account-level events still reach it.
func (r *Registry) Admit(ctx context.Context, c *Conn) {
	uid := c.UserID()
	if uid == "" {
		return
	}

	r.pendingMu.Lock()
	delete(r.pending, c.ID)
	r.pendingMu.Unlock()

	b := r.bucket(uid)
	b.mu.Lock()
	set := b.users[uid]
	if set == nil {
		set = make(map[string]*Conn)
		b.users[uid] = set
	}
	set[c.ID] = c
	b.mu.Unlock()

	if !c.IsOpen() {
		r.Remove(c)
		return
	}
	if c.State() != StateAuthenticated || r.chats == nil {
		return
	}

	// Membership lookup happens outside every registry lock.
	chats, err := r.chats.ChatsOf(ctx, uid)
	if err != nil {
		r.log.Warn("registry.subscribe.fail", "user_id", uid, "err", err)
		return
	}
	for _, chatID := range chats {
		r.Subscribe(uid, chatID)
	}
}

// Remove deregisters c. When it was the user's last connection the user's chat
// subscriptions are dropped as well. Safe to call repeatedly.
func (r *Registry) Remove(c *Conn) {
	r.pendingMu.Lock()
	delete(r.pending, c.ID)
	r.pendingMu.Unlock()

	uid := c.UserID()
	if uid == "" {
		return
	}

	b := r.bucket(uid)
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.users[uid]
	if set[c.ID] != c {
		return
	}
	delete(set, c.ID)
	if len(set) == 0 {
		delete(b.users, uid)
		r.dropSubscriptions(uid)
	}
}

// Subscribe adds userID to chatID's subscriber set. Offline users are not
// subscribed; it reports whether the subscription was recorded.
func (r *Registry) Subscribe(userID, chatID string) bool {
	b := r.bucket(userID)
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.users[userID]) == 0 {
		return false
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	subs := r.subscribers[chatID]
	if subs == nil {
		subs = make(map[string]struct{})
		r.subscribers[chatID] = subs
	}
	subs[userID] = struct{}{}

	chats := r.userChats[userID]
	if chats == nil {
		chats = make(map[string]struct{})
		r.userChats[userID] = chats
	}
	chats[chatID] = struct{}{}
	return true
}

// Unsubscribe removes userID from chatID's subscriber set.
func (r *Registry) Unsubscribe(userID, chatID string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	if subs := r.subscribers[chatID]; subs != nil {
		delete(subs, userID)
		if len(subs) == 0 {
			delete(r.subscribers, chatID)
		}
	}
	if chats := r.userChats[userID]; chats != nil {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(r.userChats, userID)
		}
	}
}

// dropSubscriptions must be called with the user's bucket lock held.
func (r *Registry) dropSubscriptions(userID string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for chatID := range r.userChats[userID] {
		subs := r.subscribers[chatID]
		delete(subs, userID)
		if len(subs) == 0 {
			delete(r.subscribers, chatID)
		}
	}
	delete(r.userChats, userID)
}

// Subscribers returns the online users subscribed to chatID.
func (r *Registry) Subscribers(chatID string) []string {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	subs := r.subscribers[chatID]
	out := make([]string, 0, len(subs))
	for u := range subs {
		out = append(out, u)
	}
	return out
}

// IsSubscribed reports whether userID is subscribed to chatID.
func (r *Registry) IsSubscribed(userID, chatID string) bool {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	_, ok := r.subscribers[chatID][userID]
	return ok
}

// ConnectionsOf returns a snapshot of the user's registered connections.
func (r *Registry) ConnectionsOf(userID string) []*Conn {
	b := r.bucket(userID)
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.users[userID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// SendToUser delivers env to every eligible connection of userID and reports
// whether at least one accepted it. Chat payloads only reach Authenticated
// connections; account events also reach TokenExpired ones.
func (r *Registry) SendToUser(userID string, env v1.Envelope) bool {
	return r.deliver(userID, env, func(*Conn) bool { return true }).Delivered > 0
}

// SendToUserExcept is SendToUser skipping the originating connection.
func (r *Registry) SendToUserExcept(userID, exceptConnID string, env v1.Envelope) bool {
	return r.deliver(userID, env, func(c *Conn) bool { return c.ID != exceptConnID }).Delivered > 0
}

// SendToDevice delivers env only to connections bound to deviceID.
func (r *Registry) SendToDevice(userID, deviceID string, env v1.Envelope) bool {
	return r.deliver(userID, env, func(c *Conn) bool { return c.Binding().DeviceID == deviceID }).Delivered > 0
}

// SendToUserExceptDevice delivers env to every device of userID but deviceID.
func (r *Registry) SendToUserExceptDevice(userID, deviceID string, env v1.Envelope) bool {
	return r.deliver(userID, env, func(c *Conn) bool { return c.Binding().DeviceID != deviceID }).Delivered > 0
}

// Delivery reports the outcome of one fan-out to a user.
type Delivery struct {
	// Delivered counts connections that accepted the event.
	Delivered int
	// Devices lists the devices with at least one connection that accepted it.
	Devices []string
	// Deferred lists devices that were skipped only because their access token
	// expired. A device listed in Devices is never listed here.
	Deferred []string
}

// DeliverChat fans a chat event out to userID, skipping exceptConnID, and
// reports which devices still need it once they reauthenticate.
func (r *Registry) DeliverChat(userID, exceptConnID string, env v1.Envelope) Delivery {
	return r.deliver(userID, env, func(c *Conn) bool { return c.ID != exceptConnID })
}

// CloseSession sends env as the last event to every connection bound to
// sessionID, deregisters them, and lets their writers close them. It returns
// how many connections were affected.
func (r *Registry) CloseSession(userID, sessionID string, env v1.Envelope) int {
	n := 0
	for _, c := range r.ConnectionsOf(userID) {
		if c.Binding().SessionID != sessionID {
			continue
		}
		r.Remove(c)
		c.EnqueueFinal(env)
		n++
	}
	return n
}

func (r *Registry) deliver(userID string, env v1.Envelope, keep func(*Conn) bool) Delivery {
	chat := isChatPayload(env.Type)
	now := r.now().UTC()

	var res Delivery
	reached := make(map[string]bool) // deviceID -> accepted
	for _, c := range r.ConnectionsOf(userID) {
		if !c.IsOpen() || !keep(c) {
			continue
		}
		dev := c.Binding().DeviceID
		if chat && c.Expire(now) {
			// The access token ran out since the last check; the device must
			// reauthenticate before it sees chat data again.
			c.Enqueue(newEnvelope(v1.TypeTokenExpired, v1.TokenExpiredPayload{UserID: userID, NeedsRefresh: true}, now))
			if _, ok := reached[dev]; !ok {
				reached[dev] = false
			}
			continue
		}
		if chat && !c.acceptsChat() {
			if c.State() == StateTokenExpired {
				if _, ok := reached[dev]; !ok {
					reached[dev] = false
				}
			}
			continue
		}
		if !chat && !c.acceptsAccount() {
			continue
		}
		if c.Enqueue(env) {
			res.Delivered++
			reached[dev] = true
			fanoutTotal.WithLabelValues("queued").Inc()
		} else {
			// Slow or closing; the writer or the sweeper will clean it up.
			fanoutTotal.WithLabelValues("dropped").Inc()
		}
	}

	for dev, ok := range reached {
		if ok {
			res.Devices = append(res.Devices, dev)
		} else {
			res.Deferred = append(res.Deferred, dev)
		}
	}
	slices.Sort(res.Devices)
	slices.Sort(res.Deferred)
	return res
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Pruned   int
	TimedOut int
}

// Sweep drops closed connections, and closes connections that stayed
// unauthenticated for authTimeout. It never touches session records.
func (r *Registry) Sweep(now time.Time, authTimeout time.Duration) SweepResult {
	var res SweepResult

	var timedOut []*Conn
	r.pendingMu.Lock()
	for id, c := range r.pending {
		switch {
		case !c.IsOpen():
			delete(r.pending, id)
			res.Pruned++
		case authTimeout > 0 && now.Sub(c.OpenedAt) >= authTimeout:
			delete(r.pending, id)
			timedOut = append(timedOut, c)
		}
	}
	r.pendingMu.Unlock()

	for _, c := range timedOut {
		c.EnqueueFinal(newEnvelope(v1.TypeAuthError, v1.AuthErrorPayload{
			Message: "authentication timeout",
			Code:    v1.CodeAuthTimeout,
		}, now))
		res.TimedOut++
	}

	for i := range r.buckets {
		b := &r.buckets[i]
		b.mu.Lock()
		for uid, set := range b.users {
			for id, c := range set {
				if !c.IsOpen() {
					delete(set, id)
					res.Pruned++
				}
			}
			if len(set) == 0 {
				delete(b.users, uid)
				r.dropSubscriptions(uid)
			}
		}
		b.mu.Unlock()
	}
	return res
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Users       int
	Connections int
	Pending     int
	Chats       int
}

// Stats counts users, registered connections, pending connections and subscribed chats.
func (r *Registry) Stats() Stats {
	var s Stats
	for i := range r.buckets {
		b := &r.buckets[i]
		b.mu.RLock()
		s.Users += len(b.users)
		for _, set := range b.users {
			s.Connections += len(set)
		}
		b.mu.RUnlock()
	}

	r.pendingMu.Lock()
	s.Pending = len(r.pending)
	r.pendingMu.Unlock()

	r.subMu.RLock()
	s.Chats = len(r.subscribers)
	r.subMu.RUnlock()
	return s
}

func isChatPayload(typ string) bool {
	switch typ {
	case v1.TypeNewMessage,
		v1.TypeMessageEdited,
		v1.TypeMessageDeleted,
		v1.TypeMessageRead,
		v1.TypeUserTyping,
		v1.TypeUserStoppedTyping,
		v1.TypeChatUpdated,
		v1.TypeMissedNotifications:
		return true
	default:
		return false
	}
}
