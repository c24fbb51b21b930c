package session

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a short-lived lookup cache in front of Store.
//
// Entries are keyed by access-token digest and by user id. Callers serialize
// writes for one user (the Manager holds the user's lock), so an invalidation
// can never race a population for the same user.
type Cache struct {
	tokens *expirable.LRU[string, Session]
	users  *expirable.LRU[string, []Session]

	// byUser indexes token digests so a user's entries can be dropped together.
	// The LRU eviction callback takes mu, so mu must never be held while calling
	// into an LRU.
	mu     sync.Mutex
	byUser map[string]map[string]struct{}
}

// NewCache creates a cache holding up to size token entries for at most ttl.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 10_000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	c := &Cache{byUser: make(map[string]map[string]struct{})}
	c.tokens = expirable.NewLRU[string, Session](size, c.onTokenEvict, ttl)
	c.users = expirable.NewLRU[string, []Session](size, nil, ttl)
	return c
}

func (c *Cache) onTokenEvict(digest string, s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.byUser[s.UserID]
	delete(set, digest)
	if len(set) == 0 {
		delete(c.byUser, s.UserID)
	}
}

// GetToken returns the session cached for an access-token digest.
func (c *Cache) GetToken(digest string) (Session, bool) {
	s, ok := c.tokens.Get(digest)
	if ok {
		cacheLookups.WithLabelValues("token", "hit").Inc()
	} else {
		cacheLookups.WithLabelValues("token", "miss").Inc()
	}
	return s, ok
}

// PutToken caches s under its access-token digest.
func (c *Cache) PutToken(digest string, s Session) {
	if digest == "" || s.UserID == "" {
		return
	}
	c.tokens.Add(digest, s.clone())

	c.mu.Lock()
	set := c.byUser[s.UserID]
	if set == nil {
		set = make(map[string]struct{})
		c.byUser[s.UserID] = set
	}
	set[digest] = struct{}{}
	c.mu.Unlock()
}

// DropToken removes one token entry.
func (c *Cache) DropToken(digest string) {
	c.tokens.Remove(digest)
}

// DropUserList removes the cached active-session list of a user.
func (c *Cache) DropUserList(userID string) {
	c.users.Remove(userID)
}

// GetUser returns the cached active-session list of a user.
func (c *Cache) GetUser(userID string) ([]Session, bool) {
	list, ok := c.users.Get(userID)
	if !ok {
		cacheLookups.WithLabelValues("user", "miss").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues("user", "hit").Inc()

	out := make([]Session, len(list))
	for i := range list {
		out[i] = list[i].clone()
	}
	return out, true
}

// PutUser caches the active-session list of a user.
func (c *Cache) PutUser(userID string, list []Session) {
	cp := make([]Session, len(list))
	for i := range list {
		cp[i] = list[i].clone()
	}
	c.users.Add(userID, cp)
}

// InvalidateUser drops every entry belonging to userID.
func (c *Cache) InvalidateUser(userID string) {
	c.mu.Lock()
	set := c.byUser[userID]
	digests := make([]string, 0, len(set))
	for d := range set {
		digests = append(digests, d)
	}
	delete(c.byUser, userID)
	c.mu.Unlock()

	for _, d := range digests {
		c.tokens.Remove(d)
	}
	c.users.Remove(userID)
}

// Len reports the number of cached token entries.
func (c *Cache) Len() int {
	return c.tokens.Len()
}
