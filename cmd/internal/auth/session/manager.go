package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"messenger/cmd/identity/ids"
	"messenger/cmd/internal/events"
	"messenger/cmd/security/token"
)

const (
	maxDeviceIDLen   = 128
	maxDeviceNameLen = 128
	maxOSLen         = 64
	maxDeviceInfo    = 4 << 10

	expireBatch  = 500
	eventTimeout = 5 * time.Second
)

// TokenPair is the credential material handed to a client. It is never persisted.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Identity is the result of a successful (or expired) access token validation.
type Identity struct {
	UserID    string
	DeviceID  string
	SessionID string
	ExpiresAt time.Time
}

// RefreshOptions carries request context for a refresh.
type RefreshOptions struct {
	// DeviceID, when set, must equal the session's device.
	DeviceID string
	IP       string
}

// Manager orchestrates the session lifecycle: creation under the device cap,
// refresh rotation, validation, and termination.
//
// Every mutation runs under the user's lock and invalidates the user's cache
// entries before and after the store write, so a rotated or revoked token can
// never be served from the cache.
type Manager struct {
	cfg    Config
	store  Store
	codec  TokenCodec
	hasher token.Hasher
	cache  *Cache
	locks  userLocks

	notifier Notifier
	events   events.Publisher
	locator  Locator
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the live-device notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithEvents sets the lifecycle event publisher.
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.events = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLocator sets the resolver used to fill Session.Location.
func WithLocator(l Locator) Option {
	return func(m *Manager) { m.locator = l }
}

// NewManager builds a Manager.
func NewManager(cfg Config, store Store, codec TokenCodec, hasher token.Hasher, opts ...Option) (*Manager, error) {
	if store == nil || codec == nil {
		return nil, ErrConfig
	}
	if cfg.MaxDevices < 1 || cfg.AccessTokenTTL <= 0 || cfg.RefreshTokenTTL < cfg.AccessTokenTTL {
		return nil, ErrConfig
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		codec:    codec,
		hasher:   hasher,
		cache:    NewCache(cfg.CacheSize, cfg.CacheTTL),
		notifier: nopNotifier{},
		events:   events.Nop{},
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// CreateSession logs a device in. An active session on the same device is
// replaced; if the user is at the device cap the least recently active session
// is evicted. Both are reported through the Notifier after the write commits.
func (m *Manager) CreateSession(ctx context.Context, userID string, dev DeviceDescriptor, ip string) (Session, TokenPair, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, TokenPair{}, ErrInvalidDevice
	}
	dev, err := normalizeDevice(dev)
	if err != nil {
		return Session{}, TokenPair{}, err
	}

	now := m.now().UTC()
	sid, err := ids.NewULID(now)
	if err != nil {
		return Session{}, TokenPair{}, err
	}

	sub := Subject{UserID: userID, DeviceID: dev.DeviceID, SessionID: sid}
	pair, err := m.issuePair(sub, now)
	if err != nil {
		return Session{}, TokenPair{}, err
	}

	s := Session{
		ID:               sid,
		UserID:           userID,
		DeviceID:         dev.DeviceID,
		DeviceName:       dev.DeviceName,
		OS:               dev.OS,
		DeviceInfo:       dev.Info,
		AccessTokenHash:  m.hasher.Digest(pair.AccessToken),
		RefreshTokenHash: m.hasher.Digest(pair.RefreshToken),
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		IPAddress:        ip,
		Location:         m.locate(ip),
		LastActiveAt:     now,
		CreatedAt:        now,
		IsActive:         true,
	}

	unlock := m.locks.lock(userID)
	m.cache.InvalidateUser(userID)
	ended, err := m.store.Create(ctx, s, m.cfg.MaxDevices)
	m.cache.InvalidateUser(userID)
	if err == nil {
		m.cache.PutToken(s.AccessTokenHash, s)
	}
	unlock()

	if err != nil {
		m.log.Error("session.create.fail", "user_id", userID, "device_id", dev.DeviceID, "err", err)
		return Session{}, TokenPair{}, fmt.Errorf("session: create: %w", err)
	}

	sessionsCreated.Inc()
	m.log.Info("session.create", "user_id", userID, "session_id", sid, "device_id", dev.DeviceID, "ended", len(ended))

	m.afterEnded(ctx, ended)
	m.notifier.NewLogin(ctx, s)
	m.publish(ctx, events.Event{Type: events.TypeLogin, UserID: userID, SessionID: sid, DeviceID: dev.DeviceID, IP: ip, At: now})

	return s.clone(), pair, nil
}

// Refresh rotates both tokens of the session the refresh token belongs to.
// The presented tokens stop working as soon as it returns.
// A rejected token that still names a user is published as a refresh failure.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, opt RefreshOptions) (Session, TokenPair, error) {
	var sub Subject
	s, pair, err := m.refresh(ctx, refreshToken, opt, &sub)
	refreshResults.WithLabelValues(resultLabel(err)).Inc()
	switch {
	case err == nil:
	case !IsCredentialError(err):
		m.log.Error("session.refresh.fail", "err", err)
	case sub.UserID != "":
		m.publish(ctx, events.Event{
			Type:      events.TypeRefreshFail,
			UserID:    sub.UserID,
			SessionID: sub.SessionID,
			DeviceID:  sub.DeviceID,
			Reason:    CodeOf(err),
			IP:        opt.IP,
			At:        m.now().UTC(),
		})
	}
	return s, pair, err
}

// refresh stores the token's subject in sub once its signature checks out.
func (m *Manager) refresh(ctx context.Context, refreshToken string, opt RefreshOptions, sub *Subject) (Session, TokenPair, error) {
	now := m.now().UTC()

	claims, err := m.codec.Verify(KindRefresh, refreshToken, now)
	expired := false
	if err != nil {
		if !errors.Is(err, ErrTokenExpired) {
			return Session{}, TokenPair{}, ErrInvalidToken
		}
		expired = true
	}
	*sub = claims.Subject

	unlock := m.locks.lock(claims.UserID)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	cur, err := m.store.Get(ctx, claims.SessionID)
	if errors.Is(err, ErrSessionNotFound) || (err == nil && cur.UserID != claims.UserID) {
		return Session{}, TokenPair{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, TokenPair{}, fmt.Errorf("session: load: %w", err)
	}
	if !cur.IsActive {
		return Session{}, TokenPair{}, ErrSessionInactive
	}

	if expired || !now.Before(cur.RefreshExpiresAt) {
		// A superseded token that has also expired says nothing about the
		// current one, so the session survives it.
		if expired && !m.hasher.Matches(refreshToken, cur.RefreshTokenHash) {
			return Session{}, TokenPair{}, ErrRefreshTokenExpired
		}

		ended, derr := m.deactivateLocked(ctx, cur, ReasonRefreshExpired, now)
		unlock()
		locked = false
		if derr == nil {
			m.afterEnded(ctx, []Session{ended})
		} else if !IsCredentialError(derr) {
			m.log.Error("session.refresh.deactivate.fail", "session_id", cur.ID, "err", derr)
		}
		return Session{}, TokenPair{}, ErrRefreshTokenExpired
	}

	if claims.DeviceID != cur.DeviceID || (opt.DeviceID != "" && opt.DeviceID != cur.DeviceID) {
		return Session{}, TokenPair{}, ErrDeviceMismatch
	}
	if !m.hasher.Matches(refreshToken, cur.RefreshTokenHash) {
		return Session{}, TokenPair{}, ErrTokenMismatch
	}

	pair, err := m.issuePair(claims.Subject, now)
	if err != nil {
		return Session{}, TokenPair{}, err
	}

	m.cache.InvalidateUser(cur.UserID)
	next, err := m.store.Rotate(ctx, Rotation{
		SessionID:         cur.ID,
		ExpectRefreshHash: cur.RefreshTokenHash,
		NewAccessHash:     m.hasher.Digest(pair.AccessToken),
		NewRefreshHash:    m.hasher.Digest(pair.RefreshToken),
		AccessExpiresAt:   pair.AccessExpiresAt,
		RefreshExpiresAt:  pair.RefreshExpiresAt,
		Now:               now,
		IPAddress:         opt.IP,
	})
	m.cache.InvalidateUser(cur.UserID)
	if err != nil {
		if IsCredentialError(err) {
			return Session{}, TokenPair{}, err
		}
		return Session{}, TokenPair{}, fmt.Errorf("session: rotate: %w", err)
	}
	m.cache.PutToken(next.AccessTokenHash, next)

	unlock()
	locked = false

	m.publish(ctx, events.Event{Type: events.TypeRefresh, UserID: next.UserID, SessionID: next.ID, DeviceID: next.DeviceID, IP: opt.IP, At: now})
	return next.clone(), pair, nil
}

// ValidateAccessToken authenticates a bearer access token.
//
// An authentic token whose session is still current but whose expiry passed
// yields the Identity together with ErrAccessTokenExpired, so callers can ask
// for a refresh instead of a new login.
func (m *Manager) ValidateAccessToken(ctx context.Context, accessToken, ip string) (Identity, error) {
	id, err := m.validate(ctx, accessToken, ip)
	validateResults.WithLabelValues(resultLabel(err)).Inc()
	return id, err
}

func (m *Manager) validate(ctx context.Context, accessToken, ip string) (Identity, error) {
	now := m.now().UTC()

	claims, err := m.codec.Verify(KindAccess, accessToken, now)
	expired := false
	if err != nil {
		if !errors.Is(err, ErrTokenExpired) {
			return Identity{}, ErrInvalidToken
		}
		expired = true
	}

	digest := m.hasher.Digest(accessToken)
	s, ok := m.cache.GetToken(digest)
	if !ok {
		s, err = m.loadForToken(ctx, claims, accessToken, digest)
		if err != nil {
			return Identity{}, err
		}
	}

	if s.ID != claims.SessionID || s.UserID != claims.UserID || s.DeviceID != claims.DeviceID {
		return Identity{}, ErrInvalidToken
	}
	if !s.IsActive {
		return Identity{}, ErrSessionInactive
	}
	// Exact match against the current token rejects tokens superseded by a rotation.
	if !m.hasher.Matches(accessToken, s.AccessTokenHash) {
		return Identity{}, ErrTokenMismatch
	}

	id := Identity{
		UserID:    s.UserID,
		DeviceID:  s.DeviceID,
		SessionID: s.ID,
		ExpiresAt: claims.ExpiresAt,
	}
	if expired {
		return id, ErrAccessTokenExpired
	}

	m.maybeTouch(ctx, s, ip, now)
	return id, nil
}

// loadForToken reads the session from the store and caches it under the user's
// lock, so the population cannot interleave with a rotation.
func (m *Manager) loadForToken(ctx context.Context, claims Claims, accessToken, digest string) (Session, error) {
	unlock := m.locks.lock(claims.UserID)
	defer unlock()

	s, err := m.store.Get(ctx, claims.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: load: %w", err)
	}
	if s.IsActive && s.UserID == claims.UserID && m.hasher.Matches(accessToken, s.AccessTokenHash) {
		m.cache.PutToken(digest, s)
	}
	return s, nil
}

func (m *Manager) maybeTouch(ctx context.Context, s Session, ip string, now time.Time) {
	if now.Sub(s.LastActiveAt) < m.cfg.TouchInterval && (ip == "" || ip == s.IPAddress) {
		return
	}

	unlock := m.locks.lock(s.UserID)
	defer unlock()

	if err := m.store.Touch(ctx, s.ID, now, ip); err != nil {
		m.log.Warn("session.touch.fail", "session_id", s.ID, "err", err)
	}
	m.cache.DropToken(s.AccessTokenHash)
	m.cache.DropUserList(s.UserID)
}

// Terminate ends one session of userID. Ending an already ended session returns
// ErrSessionInactive; a session owned by someone else is ErrSessionNotFound.
func (m *Manager) Terminate(ctx context.Context, sessionID, userID, reason string) (Session, error) {
	if reason == "" {
		reason = ReasonTerminated
	}

	unlock := m.locks.lock(userID)
	m.cache.InvalidateUser(userID)
	ended, err := m.store.Deactivate(ctx, sessionID, userID, reason, m.now().UTC())
	m.cache.InvalidateUser(userID)
	unlock()

	if err != nil {
		if IsCredentialError(err) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("session: terminate: %w", err)
	}

	m.afterEnded(ctx, []Session{ended})
	return ended, nil
}

// TerminateAllOthers ends every active session of userID except the one on
// exceptDeviceID and returns the ended sessions.
func (m *Manager) TerminateAllOthers(ctx context.Context, userID, exceptDeviceID string) ([]Session, error) {
	unlock := m.locks.lock(userID)
	m.cache.InvalidateUser(userID)
	ended, err := m.store.DeactivateOthers(ctx, userID, exceptDeviceID, ReasonTerminated, m.now().UTC())
	m.cache.InvalidateUser(userID)
	unlock()

	if err != nil {
		return nil, fmt.Errorf("session: terminate others: %w", err)
	}

	m.afterEnded(ctx, ended)
	return ended, nil
}

// ListActive returns the user's usable sessions, most recently active first.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]Session, error) {
	if list, ok := m.cache.GetUser(userID); ok {
		return list, nil
	}

	unlock := m.locks.lock(userID)
	defer unlock()

	all, err := m.store.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}

	now := m.now().UTC()
	out := all[:0]
	for _, s := range all {
		// Awaiting the expiry sweep; already unusable.
		if !now.Before(s.RefreshExpiresAt) {
			continue
		}
		out = append(out, s)
	}
	m.cache.PutUser(userID, out)
	return out, nil
}

// ExpireSweep deactivates every session whose refresh token has expired and
// returns how many were ended.
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	total := 0
	for {
		now := m.now().UTC()
		ended, err := m.store.DeactivateExpired(ctx, now, expireBatch)
		if err != nil {
			return total, fmt.Errorf("session: expire sweep: %w", err)
		}

		for _, s := range ended {
			unlock := m.locks.lock(s.UserID)
			m.cache.InvalidateUser(s.UserID)
			unlock()
		}
		m.afterEnded(ctx, ended)
		total += len(ended)

		if len(ended) < expireBatch || ctx.Err() != nil {
			return total, nil
		}
	}
}

// PurgeInactive deletes sessions deactivated longer than the retention period ago.
func (m *Manager) PurgeInactive(ctx context.Context) (int64, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := m.store.PurgeInactive(ctx, m.now().UTC().Add(-m.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("session: purge: %w", err)
	}
	return n, nil
}

// Run drives the expiry sweep and retention purge until ctx is done.
// Failures are logged and retried on the next tick.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.ExpirySweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	t := time.NewTicker(m.cfg.ExpirySweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := m.ExpireSweep(ctx)
			if err != nil {
				m.log.Error("session.sweep.fail", "err", err)
			} else if n > 0 {
				m.log.Info("session.sweep", "expired", n)
			}

			purged, err := m.PurgeInactive(ctx)
			if err != nil {
				m.log.Error("session.purge.fail", "err", err)
			} else if purged > 0 {
				m.log.Info("session.purge", "deleted", purged)
			}
		}
	}
}

// Cache exposes the lookup cache (metrics, tests).
func (m *Manager) Cache() *Cache { return m.cache }

func (m *Manager) deactivateLocked(ctx context.Context, s Session, reason string, now time.Time) (Session, error) {
	m.cache.InvalidateUser(s.UserID)
	ended, err := m.store.Deactivate(ctx, s.ID, s.UserID, reason, now)
	m.cache.InvalidateUser(s.UserID)
	return ended, err
}

func (m *Manager) afterEnded(ctx context.Context, ended []Session) {
	for _, s := range ended {
		sessionsEnded.WithLabelValues(s.DeactivationReason).Inc()
		m.log.Info("session.end", "user_id", s.UserID, "session_id", s.ID, "device_id", s.DeviceID, "reason", s.DeactivationReason)

		m.notifier.SessionTerminated(ctx, s, s.DeactivationReason)

		typ := events.TypeTerminated
		if s.DeactivationReason == ReasonExpired || s.DeactivationReason == ReasonRefreshExpired {
			typ = events.TypeExpired
		}
		at := m.now().UTC()
		if s.DeactivatedAt != nil {
			at = *s.DeactivatedAt
		}
		m.publish(ctx, events.Event{Type: typ, UserID: s.UserID, SessionID: s.ID, DeviceID: s.DeviceID, Reason: s.DeactivationReason, At: at})
	}
}

// publish is fire-and-forget; a slow sink never delays the caller.
func (m *Manager) publish(ctx context.Context, e events.Event) {
	if _, nop := m.events.(events.Nop); nop {
		return
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventTimeout)
		defer cancel()
		if err := m.events.Publish(pctx, e); err != nil {
			m.log.Warn("session.event.fail", "type", e.Type, "err", err)
		}
	}()
}

func (m *Manager) issuePair(sub Subject, now time.Time) (TokenPair, error) {
	access, aexp, err := m.codec.Issue(KindAccess, sub, now)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session: issue access: %w", err)
	}
	refresh, rexp, err := m.codec.Issue(KindRefresh, sub, now)
	if err != nil {
		return TokenPair{}, fmt.Errorf("session: issue refresh: %w", err)
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  aexp,
		RefreshToken:     refresh,
		RefreshExpiresAt: rexp,
	}, nil
}

func (m *Manager) locate(ip string) string {
	if m.locator == nil || ip == "" {
		return ""
	}
	return m.locator.Locate(ip)
}

func normalizeDevice(dev DeviceDescriptor) (DeviceDescriptor, error) {
	dev.DeviceID = strings.TrimSpace(dev.DeviceID)
	if dev.DeviceID == "" || len(dev.DeviceID) > maxDeviceIDLen {
		return DeviceDescriptor{}, ErrInvalidDevice
	}
	dev.DeviceName = truncate(strings.TrimSpace(dev.DeviceName), maxDeviceNameLen)
	dev.OS = truncate(strings.TrimSpace(dev.OS), maxOSLen)

	if len(dev.Info) > 0 {
		if len(dev.Info) > maxDeviceInfo || !json.Valid(dev.Info) {
			return DeviceDescriptor{}, ErrInvalidDevice
		}
	}
	return dev, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n]
}
