package realtime

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

const memMaxMessagesPerChat = 10_000

// InMemoryMessageStore is a dev-only MessageStore used when no database is configured.
type InMemoryMessageStore struct {
	mu    sync.Mutex
	chats map[string]*memChat
	byID  map[string]*StoredMessage
	reads map[string]map[string]time.Time // messageID -> readerID -> readAt
}

type memChat struct {
	seq    int64
	dedupe map[string]*StoredMessage // client_msg_id -> message
	msgs   []*StoredMessage          // ordered by seq
}

// NewInMemoryMessageStore constructs an empty store.
func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{
		chats: make(map[string]*memChat),
		byID:  make(map[string]*StoredMessage),
		reads: make(map[string]map[string]time.Time),
	}
}

// Append persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryMessageStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.ChatID == "" || in.ClientMsgID == "" || in.SenderID == "" || in.Text == "" {
		return AppendResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewMessageID(now)
	if err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[in.ChatID]
	if c == nil {
		c = &memChat{dedupe: make(map[string]*StoredMessage)}
		s.chats[in.ChatID] = c
	}

	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		return AppendResult{Stored: *existing, Duplicated: true}, nil
	}

	c.seq++
	m := &StoredMessage{
		ID:             id,
		ChatID:         in.ChatID,
		Seq:            c.seq,
		SenderID:       in.SenderID,
		SenderDeviceID: in.SenderDeviceID,
		ClientMsgID:    in.ClientMsgID,
		Kind:           in.Kind,
		Text:           in.Text,
		CreatedAt:      now,
	}
	c.dedupe[in.ClientMsgID] = m
	c.msgs = append(c.msgs, m)
	s.byID[id] = m

	// Bound memory in dev.
	if len(c.msgs) > memMaxMessagesPerChat {
		for _, old := range c.msgs[:len(c.msgs)-memMaxMessagesPerChat] {
			delete(s.byID, old.ID)
			delete(s.reads, old.ID)
		}
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerChat:]
	}

	return AppendResult{Stored: *m}, nil
}

// Edit replaces the text of a live message sent by editorID.
func (s *InMemoryMessageStore) Edit(ctx context.Context, chatID, messageID, editorID, text string, now time.Time) (StoredMessage, error) {
	if strings.TrimSpace(text) == "" {
		return StoredMessage{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.ownLocked(chatID, messageID, editorID)
	if err != nil {
		return StoredMessage{}, err
	}
	m.Text = text
	t := now
	m.EditedAt = &t
	return *m, nil
}

// Delete soft-deletes a live message sent by userID.
func (s *InMemoryMessageStore) Delete(ctx context.Context, chatID, messageID, userID string, now time.Time) (StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.ownLocked(chatID, messageID, userID)
	if err != nil {
		return StoredMessage{}, err
	}
	t := now
	m.DeletedAt = &t
	return *m, nil
}

func (s *InMemoryMessageStore) ownLocked(chatID, messageID, userID string) (*StoredMessage, error) {
	m := s.byID[messageID]
	if m == nil || m.ChatID != chatID || m.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if m.SenderID != userID {
		return nil, ErrForbidden
	}
	return m, nil
}

// MarkRead records the first read of a message by readerID.
func (s *InMemoryMessageStore) MarkRead(ctx context.Context, chatID, messageID, readerID string, now time.Time) (time.Time, error) {
	if readerID == "" {
		return time.Time{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byID[messageID]
	if m == nil || m.ChatID != chatID || m.DeletedAt != nil {
		return time.Time{}, ErrNotFound
	}

	readers := s.reads[messageID]
	if readers == nil {
		readers = make(map[string]time.Time)
		s.reads[messageID] = readers
	}
	if at, ok := readers[readerID]; ok {
		return at, nil
	}
	readers[readerID] = now
	return now, nil
}

// History returns live messages ordered by seq ASC, paged by AfterSeq.
func (s *InMemoryMessageStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.ChatID == "" {
		return HistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return HistoryResult{}, err
	}
	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	var snap []StoredMessage
	if c := s.chats[in.ChatID]; c != nil {
		snap = make([]StoredMessage, 0, len(c.msgs))
		for _, m := range c.msgs {
			if m.DeletedAt == nil {
				snap = append(snap, *m)
			}
		}
	}
	s.mu.Unlock()

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	}
	out := snap[start:]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return HistoryResult{Messages: out, HasMore: hasMore}, nil
}

// InMemoryMembershipStore is a dev-only MembershipStore.
type InMemoryMembershipStore struct {
	mu      sync.RWMutex
	members map[string]map[string]time.Time // chatID -> userID -> joinedAt
	chats   map[string]map[string]struct{}  // userID -> chatIDs
}

// NewInMemoryMembershipStore constructs an empty store.
func NewInMemoryMembershipStore() *InMemoryMembershipStore {
	return &InMemoryMembershipStore{
		members: make(map[string]map[string]time.Time),
		chats:   make(map[string]map[string]struct{}),
	}
}

func (s *InMemoryMembershipStore) IsMember(_ context.Context, userID, chatID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[chatID][userID]
	return ok, nil
}

func (s *InMemoryMembershipStore) ChatsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.chats[userID]))
	for c := range s.chats[userID] {
		out = append(out, c)
	}
	slices.Sort(out)
	return out, nil
}

func (s *InMemoryMembershipStore) MembersOf(_ context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.members[chatID]))
	for u := range s.members[chatID] {
		out = append(out, u)
	}
	slices.Sort(out)
	return out, nil
}

func (s *InMemoryMembershipStore) AddMember(_ context.Context, chatID, userID string, now time.Time) error {
	if chatID == "" || userID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.members[chatID]
	if m == nil {
		m = make(map[string]time.Time)
		s.members[chatID] = m
	}
	if _, ok := m[userID]; !ok {
		m[userID] = now
	}

	c := s.chats[userID]
	if c == nil {
		c = make(map[string]struct{})
		s.chats[userID] = c
	}
	c[chatID] = struct{}{}
	return nil
}

// InMemoryMissedStore is a dev-only MissedStore.
type InMemoryMissedStore struct {
	mu    sync.Mutex
	queue map[string][]Missed
	cap   int
}

const memMaxMissedPerUser = 1000

// NewInMemoryMissedStore constructs an empty queue.
func NewInMemoryMissedStore() *InMemoryMissedStore {
	return &InMemoryMissedStore{queue: make(map[string][]Missed), cap: memMaxMissedPerUser}
}

func (s *InMemoryMissedStore) Enqueue(ctx context.Context, m Missed) error {
	if m.UserID == "" || m.Type == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := append(s.queue[m.UserID], m)
	sort.SliceStable(q, func(i, j int) bool { return q[i].CreatedAt.Before(q[j].CreatedAt) })
	if len(q) > s.cap {
		q = q[len(q)-s.cap:]
	}
	s.queue[m.UserID] = q
	return nil
}

func (s *InMemoryMissedStore) Drain(ctx context.Context, userID, deviceID string, limit int) ([]Missed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue[userID]
	if limit <= 0 {
		limit = len(q)
	}
	var out, rest []Missed
	for _, m := range q {
		if len(out) < limit && (m.DeviceID == "" || m.DeviceID == deviceID) {
			out = append(out, m)
			continue
		}
		rest = append(rest, m)
	}
	if len(rest) > 0 {
		s.queue[userID] = rest
	} else {
		delete(s.queue, userID)
	}
	return out, nil
}

// Len reports how many notifications are queued for userID.
func (s *InMemoryMissedStore) Len(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue[userID])
}

// LenDevice reports how many notifications are queued for exactly deviceID.
func (s *InMemoryMissedStore) LenDevice(userID, deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.queue[userID] {
		if m.DeviceID == deviceID {
			n++
		}
	}
	return n
}
