package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"messenger/cmd/internal/events"
	"messenger/cmd/security/token"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu         sync.Mutex
	logins     []Session
	terminated []Session
}

func (n *recordingNotifier) NewLogin(_ context.Context, s Session) {
	n.mu.Lock()
	n.logins = append(n.logins, s)
	n.mu.Unlock()
}

func (n *recordingNotifier) SessionTerminated(_ context.Context, s Session, _ string) {
	n.mu.Lock()
	n.terminated = append(n.terminated, s)
	n.mu.Unlock()
}

type harness struct {
	m     *Manager
	store *InMemoryStore
	clock *fakeClock
	notif *recordingNotifier
}

func newHarness(t *testing.T, mutate func(*Config)) harness {
	t.Helper()

	cfg := testConfig(FormatPaseto)
	cfg.MaxDevices = 10
	cfg.TouchInterval = time.Minute
	if mutate != nil {
		mutate(&cfg)
	}

	store := NewInMemoryStore()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	notif := &recordingNotifier{}

	m, err := NewManager(cfg, store, mustCodec(t, cfg), token.NewHasher([]byte("0123456789abcdef0123456789abcdef")),
		WithClock(clock.Now),
		WithNotifier(notif),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return harness{m: m, store: store, clock: clock, notif: notif}
}

func (h harness) login(t *testing.T, userID, deviceID string) (Session, TokenPair) {
	t.Helper()
	s, pair, err := h.m.CreateSession(context.Background(), userID, DeviceDescriptor{DeviceID: deviceID, DeviceName: "phone " + deviceID}, "10.0.0.1")
	if err != nil {
		t.Fatalf("CreateSession(%s): %v", deviceID, err)
	}
	return s, pair
}

func TestCreateSession_ValidatesAndNotifies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	s, pair := h.login(t, "u1", "d1")
	if !s.IsActive || s.ID == "" {
		t.Fatalf("session=%+v", s)
	}
	if s.AccessTokenHash == pair.AccessToken || s.RefreshTokenHash == pair.RefreshToken {
		t.Fatalf("raw token material persisted")
	}

	id, err := h.m.ValidateAccessToken(ctx, pair.AccessToken, "10.0.0.1")
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if id.UserID != "u1" || id.DeviceID != "d1" || id.SessionID != s.ID {
		t.Fatalf("identity=%+v", id)
	}
	if len(h.notif.logins) != 1 {
		t.Fatalf("logins=%d", len(h.notif.logins))
	}
}

func TestCreateSession_RejectsMissingDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, _, err := h.m.CreateSession(context.Background(), "u1", DeviceDescriptor{DeviceID: "  "}, "")
	if !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice, got %v", err)
	}
	_, _, err = h.m.CreateSession(context.Background(), "u1", DeviceDescriptor{DeviceID: "d", Info: []byte("{oops")}, "")
	if !errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("expected ErrInvalidDevice for bad info, got %v", err)
	}
}

func TestCreateSession_CapEvictsLeastRecentlyActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	var pairs []TokenPair
	var sessions []Session
	for i := 0; i < 10; i++ {
		s, p := h.login(t, "u1", fmt.Sprintf("d%d", i))
		sessions = append(sessions, s)
		pairs = append(pairs, p)
		h.clock.Advance(time.Second)
	}

	// d0 becomes recently active; d1 is now the oldest.
	h.clock.Advance(2 * time.Minute)
	if _, err := h.m.ValidateAccessToken(ctx, pairs[0].AccessToken, "10.0.0.1"); err != nil {
		t.Fatalf("validate d0: %v", err)
	}

	h.login(t, "u1", "d10")

	active, err := h.store.ListActive(ctx, "u1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 10 {
		t.Fatalf("active=%d, want 10", len(active))
	}

	got, _ := h.store.Get(ctx, sessions[1].ID)
	if got.IsActive || got.DeactivationReason != ReasonEvicted {
		t.Fatalf("d1 should be evicted, got %+v", got)
	}
	if len(h.notif.terminated) != 1 || h.notif.terminated[0].ID != sessions[1].ID {
		t.Fatalf("terminated=%+v", h.notif.terminated)
	}

	if _, err := h.m.ValidateAccessToken(ctx, pairs[1].AccessToken, ""); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("evicted token: expected ErrSessionInactive, got %v", err)
	}
}

func TestCreateSession_SameDeviceReplaces(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	first, p1 := h.login(t, "u1", "d1")
	second, _ := h.login(t, "u1", "d1")

	active, _ := h.store.ListActive(ctx, "u1")
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("active=%+v", active)
	}
	got, _ := h.store.Get(ctx, first.ID)
	if got.DeactivationReason != ReasonReplaced {
		t.Fatalf("reason=%q", got.DeactivationReason)
	}
	if _, err := h.m.ValidateAccessToken(ctx, p1.AccessToken, ""); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive, got %v", err)
	}
}

func TestRefresh_RotatesAndInvalidatesOldPair(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	s, p1 := h.login(t, "u1", "d1")
	// Populate the cache with the old access token.
	if _, err := h.m.ValidateAccessToken(ctx, p1.AccessToken, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}

	h.clock.Advance(10 * time.Minute)
	next, p2, err := h.m.Refresh(ctx, p1.RefreshToken, RefreshOptions{IP: "10.0.0.2"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.ID != s.ID {
		t.Fatalf("refresh must keep the session id")
	}
	if p2.AccessToken == p1.AccessToken || p2.RefreshToken == p1.RefreshToken {
		t.Fatalf("tokens not rotated")
	}
	if !p2.AccessExpiresAt.After(p1.AccessExpiresAt) || !p2.RefreshExpiresAt.After(p1.RefreshExpiresAt) {
		t.Fatalf("expirations not rotated")
	}
	if !next.LastActiveAt.Equal(h.clock.Now()) || next.IPAddress != "10.0.0.2" {
		t.Fatalf("activity not updated: %+v", next)
	}

	if _, err := h.m.ValidateAccessToken(ctx, p1.AccessToken, ""); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("old access token: expected ErrTokenMismatch, got %v", err)
	}
	if _, _, err := h.m.Refresh(ctx, p1.RefreshToken, RefreshOptions{}); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("old refresh token: expected ErrTokenMismatch, got %v", err)
	}
	if _, err := h.m.ValidateAccessToken(ctx, p2.AccessToken, ""); err != nil {
		t.Fatalf("new access token: %v", err)
	}
}

func TestRefresh_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		if _, _, err := h.m.Refresh(ctx, "garbage", RefreshOptions{}); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("access token as refresh", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		_, p := h.login(t, "u1", "d1")
		if _, _, err := h.m.Refresh(ctx, p.AccessToken, RefreshOptions{}); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("device mismatch", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		_, p := h.login(t, "u1", "d1")
		if _, _, err := h.m.Refresh(ctx, p.RefreshToken, RefreshOptions{DeviceID: "d2"}); !errors.Is(err, ErrDeviceMismatch) {
			t.Fatalf("expected ErrDeviceMismatch, got %v", err)
		}
	})

	t.Run("inactive", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		s, p := h.login(t, "u1", "d1")
		if _, err := h.m.Terminate(ctx, s.ID, "u1", ReasonLogout); err != nil {
			t.Fatalf("Terminate: %v", err)
		}
		if _, _, err := h.m.Refresh(ctx, p.RefreshToken, RefreshOptions{}); !errors.Is(err, ErrSessionInactive) {
			t.Fatalf("expected ErrSessionInactive, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		s, p := h.login(t, "u1", "d1")
		h.store.mu.Lock()
		delete(h.store.byID, s.ID)
		h.store.mu.Unlock()
		if _, _, err := h.m.Refresh(ctx, p.RefreshToken, RefreshOptions{}); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("expired deactivates", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		s, p := h.login(t, "u1", "d1")
		h.clock.Advance(31 * 24 * time.Hour)
		if _, _, err := h.m.Refresh(ctx, p.RefreshToken, RefreshOptions{}); !errors.Is(err, ErrRefreshTokenExpired) {
			t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
		}
		got, _ := h.store.Get(ctx, s.ID)
		if got.IsActive || got.DeactivationReason != ReasonRefreshExpired {
			t.Fatalf("session not deactivated: %+v", got)
		}
		if len(h.notif.terminated) != 1 {
			t.Fatalf("terminated=%d", len(h.notif.terminated))
		}
	})
}

// evictingStore deactivates the session right before the rotation commits, the
// way a concurrent login on another instance would.
type evictingStore struct {
	*InMemoryStore
}

func (s evictingStore) Rotate(ctx context.Context, r Rotation) (Session, error) {
	cur, err := s.InMemoryStore.Get(ctx, r.SessionID)
	if err != nil {
		return Session{}, err
	}
	if _, err := s.InMemoryStore.Deactivate(ctx, cur.ID, cur.UserID, ReasonEvicted, r.Now); err != nil {
		return Session{}, err
	}
	return s.InMemoryStore.Rotate(ctx, r)
}

func TestRefresh_LosesEvictionRace(t *testing.T) {
	t.Parallel()

	cfg := testConfig(FormatPaseto)
	mem := NewInMemoryStore()
	m, err := NewManager(cfg, evictingStore{mem}, mustCodec(t, cfg), token.NewHasher(nil))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	s, p, err := m.CreateSession(ctx, "u1", DeviceDescriptor{DeviceID: "d1"}, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, _, err := m.Refresh(ctx, p.RefreshToken, RefreshOptions{}); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive, got %v", err)
	}

	got, _ := mem.Get(ctx, s.ID)
	if got.RefreshTokenHash != s.RefreshTokenHash {
		t.Fatalf("refresh partially applied to an evicted session")
	}
}

func TestValidateAccessToken_Expired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	s, p := h.login(t, "u1", "d1")
	h.clock.Advance(2 * time.Hour)

	id, err := h.m.ValidateAccessToken(ctx, p.AccessToken, "")
	if !errors.Is(err, ErrAccessTokenExpired) {
		t.Fatalf("expected ErrAccessTokenExpired, got %v", err)
	}
	if id.UserID != "u1" || id.SessionID != s.ID {
		t.Fatalf("identity=%+v", id)
	}
	if CodeOf(err) != CodeAccessTokenExpired {
		t.Fatalf("code=%q", CodeOf(err))
	}

	if _, err := h.m.ValidateAccessToken(ctx, "v4.public.garbage", ""); CodeOf(err) != CodeInvalidToken {
		t.Fatalf("expected INVALID_TOKEN, got %v", err)
	}
}

func TestValidateAccessToken_TouchesLastActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	s, p := h.login(t, "u1", "d1")
	h.clock.Advance(5 * time.Minute)
	if _, err := h.m.ValidateAccessToken(ctx, p.AccessToken, "10.0.0.9"); err != nil {
		t.Fatalf("validate: %v", err)
	}

	got, _ := h.store.Get(ctx, s.ID)
	if !got.LastActiveAt.Equal(h.clock.Now()) || got.IPAddress != "10.0.0.9" {
		t.Fatalf("not touched: %+v", got)
	}
}

func TestTerminateAllOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	keep, pk := h.login(t, "u1", "d1")
	_, p2 := h.login(t, "u1", "d2")
	_, p3 := h.login(t, "u1", "d3")
	other, _ := h.login(t, "u2", "d1")

	ended, err := h.m.TerminateAllOthers(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("TerminateAllOthers: %v", err)
	}
	if len(ended) != 2 {
		t.Fatalf("ended=%d", len(ended))
	}
	for _, p := range []TokenPair{p2, p3} {
		if _, err := h.m.ValidateAccessToken(ctx, p.AccessToken, ""); !errors.Is(err, ErrSessionInactive) {
			t.Fatalf("expected ErrSessionInactive, got %v", err)
		}
	}
	if _, err := h.m.ValidateAccessToken(ctx, pk.AccessToken, ""); err != nil {
		t.Fatalf("kept session: %v", err)
	}

	list, err := h.m.ListActive(ctx, "u1")
	if err != nil || len(list) != 1 || list[0].ID != keep.ID {
		t.Fatalf("list=%+v err=%v", list, err)
	}
	if got, _ := h.store.Get(ctx, other.ID); !got.IsActive {
		t.Fatalf("other user's session ended")
	}
}

func TestTerminate_OwnershipAndIdempotence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	s, _ := h.login(t, "u1", "d1")
	if _, err := h.m.Terminate(ctx, s.ID, "u2", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("foreign terminate: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.m.Terminate(ctx, s.ID, "u1", ""); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := h.m.Terminate(ctx, s.ID, "u1", ""); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("second terminate: expected ErrSessionInactive, got %v", err)
	}
}

func TestExpireSweepAndPurge(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.Retention = 24 * time.Hour })
	ctx := context.Background()

	h.login(t, "u1", "d1")
	h.login(t, "u2", "d1")
	h.clock.Advance(31 * 24 * time.Hour)
	h.login(t, "u3", "d1")

	n, err := h.m.ExpireSweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ExpireSweep n=%d err=%v", n, err)
	}

	h.clock.Advance(48 * time.Hour)
	purged, err := h.m.PurgeInactive(ctx)
	if err != nil || purged != 2 {
		t.Fatalf("PurgeInactive n=%d err=%v", purged, err)
	}
}

func TestCapHoldsUnderConcurrentLogins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.MaxDevices = 3 })
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _ = h.m.CreateSession(ctx, "u1", DeviceDescriptor{DeviceID: fmt.Sprintf("d%d", i)}, "")
		}(i)
	}
	wg.Wait()

	active, _ := h.store.ListActive(ctx, "u1")
	if len(active) != 3 {
		t.Fatalf("active=%d, want 3", len(active))
	}
}

type chanPublisher chan events.Event

func (p chanPublisher) Publish(_ context.Context, e events.Event) error {
	p <- e
	return nil
}

func (chanPublisher) Close() error { return nil }

func nextEvent(t *testing.T, p chanPublisher, typ string) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-p:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event published", typ)
			return events.Event{}
		}
	}
}

func TestRefresh_PublishesCredentialFailures(t *testing.T) {
	t.Parallel()

	cfg := testConfig(FormatPaseto)
	pub := make(chanPublisher, 16)
	m, err := NewManager(cfg, NewInMemoryStore(), mustCodec(t, cfg), token.NewHasher(nil), WithEvents(pub))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	s, pair, err := m.CreateSession(ctx, "u1", DeviceDescriptor{DeviceID: "d1"}, "10.0.0.1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	nextEvent(t, pub, events.TypeLogin)

	_, _, err = m.Refresh(ctx, pair.RefreshToken, RefreshOptions{DeviceID: "d2", IP: "10.0.0.9"})
	if !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("expected ErrDeviceMismatch, got %v", err)
	}
	e := nextEvent(t, pub, events.TypeRefreshFail)
	if e.UserID != "u1" || e.SessionID != s.ID || e.DeviceID != "d1" || e.Reason != CodeDeviceMismatch || e.IP != "10.0.0.9" {
		t.Fatalf("event=%+v", e)
	}

	// A token that does not verify names nobody, so nothing is published.
	if _, _, err := m.Refresh(ctx, "garbage", RefreshOptions{}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	select {
	case e := <-pub:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

