package session

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// userLocks serializes session mutations per user without one mutex per user.
type userLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
