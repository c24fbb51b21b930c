package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"messenger/cmd/identity"
	"messenger/cmd/internal/auth/session"
	"messenger/cmd/internal/realtime"
	v1 "messenger/shared/contracts/realtime/v1"

	"github.com/gorilla/mux"
)

// Sessions is the session lifecycle boundary. *session.Manager implements it.
type Sessions interface {
	CreateSession(ctx context.Context, userID string, dev session.DeviceDescriptor, ip string) (session.Session, session.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string, opt session.RefreshOptions) (session.Session, session.TokenPair, error)
	ValidateAccessToken(ctx context.Context, accessToken, ip string) (session.Identity, error)
	Terminate(ctx context.Context, sessionID, userID, reason string) (session.Session, error)
	TerminateAllOthers(ctx context.Context, userID, exceptDeviceID string) ([]session.Session, error)
	ListActive(ctx context.Context, userID string) ([]session.Session, error)
}

// Participation answers chat membership. *realtime.Resolver implements it.
type Participation interface {
	IsParticipant(ctx context.Context, userID, chatID string) (bool, error)
}

// History reads persisted messages. realtime.MessageStore implements it.
type History interface {
	History(ctx context.Context, in realtime.HistoryInput) (realtime.HistoryResult, error)
}

// Handler serves the REST session control surface.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions Sessions
	users    identity.Directory
	verifier identity.PhoneVerifier

	chats    Participation
	messages History

	ips      *ipLimiter
	failures *failureLog

	now func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithHistory enables GET /chats/{id}/messages.
func WithHistory(chats Participation, messages History) HandlerOption {
	return func(h *Handler) {
		if chats == nil || messages == nil {
			return
		}
		h.chats = chats
		h.messages = messages
	}
}

// WithClock overrides the wall clock used for throttling.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs the REST handler.
func NewHandler(log *slog.Logger, cfg Config, sessions Sessions, users identity.Directory, verifier identity.PhoneVerifier, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil || users == nil || verifier == nil {
		return nil, errors.New("authapi: sessions, users and verifier are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.normalize()

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		users:    users,
		verifier: verifier,
		ips:      newIPLimiter(cfg.LoginIPMax, cfg.LoginIPWindow),
		failures: newFailureLog(maxDuration(cfg.LoginPhoneWindow, cfg.LockoutSevereDuration), cfg.LockoutSevereThreshold+1),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the routes onto r. Authenticated routes live on a subrouter
// guarded by the bearer middleware.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/login", h.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/refresh", h.handleRefresh).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(h.requireAuth)
	authed.HandleFunc("/me", h.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/sessions", h.handleListSessions).Methods(http.MethodGet)
	authed.HandleFunc("/sessions", h.handleTerminateOthers).Methods(http.MethodDelete)
	authed.HandleFunc("/sessions/{id}", h.handleTerminate).Methods(http.MethodDelete)
	authed.HandleFunc("/logout", h.handleLogout).Methods(http.MethodDelete)
	if h.chats != nil {
		authed.HandleFunc("/chats/{id}/messages", h.handleHistory).Methods(http.MethodGet)
	}
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	if !h.ips.allow(ip, now) {
		writeRateLimited(w, h.cfg.LoginIPWindow/time.Duration(h.cfg.LoginIPMax))
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid request body")
		return
	}
	phone := identity.NormalizePhone(req.Phone)
	if phone == "" || strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.Device.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "phone, code and device.deviceId are required")
		return
	}

	if blocked, retry := h.phoneThrottled(phone, now); blocked {
		h.log.Info("auth.login.throttled", "ip", ip, "retry_after", retry)
		writeRateLimited(w, retry)
		return
	}

	ctx := r.Context()
	if err := h.verifier.VerifyCode(ctx, phone, req.Code); err != nil {
		switch {
		case identity.IsInvalidCode(err):
			h.failures.record(phone, now)
			h.log.Info("auth.login.failed", "ip", ip, "reason", "invalid_code")
			writeError(w, http.StatusUnauthorized, codeInvalidCode, "invalid or expired code")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid phone")
		default:
			h.log.Error("auth.login.verify.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, codeInternal, "please retry later")
		}
		return
	}
	h.failures.reset(phone)

	user, err := h.users.FindOrCreateByPhone(ctx, phone, now)
	if err != nil {
		h.log.Error("auth.login.user.fail", "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	dev := session.DeviceDescriptor{
		DeviceID:   req.Device.DeviceID,
		DeviceName: req.Device.DeviceName,
		OS:         req.Device.OS,
		Info:       req.Device.Info,
	}
	s, pair, err := h.sessions.CreateSession(ctx, user.ID, dev, ip)
	if err != nil {
		if errors.Is(err, session.ErrInvalidDevice) {
			writeError(w, http.StatusBadRequest, session.CodeInvalidDevice, "invalid device descriptor")
			return
		}
		h.log.Error("auth.login.create_session.fail", "user_id", user.ID, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}

	h.log.Info("auth.login.ok", "user_id", user.ID, "session_id", s.ID, "device_id", s.DeviceID)
	writeJSON(w, http.StatusOK, loginResponse{
		User:    toUserResponse(user),
		Session: toSessionResponse(s, s.ID),
		Tokens:  toTokensResponse(pair),
	})
}

func (h *Handler) phoneThrottled(phone string, now time.Time) (bool, time.Duration) {
	failures := h.failures.failures(phone)
	if blocked, retry := evaluateProgressiveLockout(now, failures, h.cfg.lockoutTiers()); blocked {
		return true, retry
	}
	return evaluateWindowThrottle(now, failures, h.cfg.LoginPhoneMax, h.cfg.LoginPhoneWindow)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	if !h.ips.allow(ip, now) {
		writeRateLimited(w, h.cfg.LoginIPWindow/time.Duration(h.cfg.LoginIPMax))
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid request body")
		return
	}
	tok := strings.TrimSpace(req.RefreshToken)
	if tok == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "refreshToken is required")
		return
	}

	s, pair, err := h.sessions.Refresh(r.Context(), tok, session.RefreshOptions{DeviceID: strings.TrimSpace(req.DeviceID), IP: ip})
	if err != nil {
		h.writeSessionError(w, err, "auth.refresh.fail")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		Session: toSessionResponse(s, s.ID),
		Tokens:  toTokensResponse(pair),
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r.Context())
	u, err := h.users.GetByID(r.Context(), id.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusNotFound, codeNotFound, "user not found")
			return
		}
		h.log.Error("auth.me.fail", "user_id", id.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(u)})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r.Context())
	list, err := h.sessions.ListActive(r.Context(), id.UserID)
	if err != nil {
		h.log.Error("auth.sessions.list.fail", "user_id", id.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toSessionResponse(s, id.SessionID))
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: out})
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r.Context())
	sid := strings.TrimSpace(mux.Vars(r)["id"])

	reason := session.ReasonTerminated
	if sid == id.SessionID {
		reason = session.ReasonLogout
	}
	if _, err := h.sessions.Terminate(r.Context(), sid, id.UserID, reason); err != nil {
		h.writeTerminateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTerminateOthers(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r.Context())
	ended, err := h.sessions.TerminateAllOthers(r.Context(), id.UserID, id.DeviceID)
	if err != nil {
		h.log.Error("auth.sessions.terminate_others.fail", "user_id", id.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, terminatedResponse{Terminated: len(ended)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r.Context())
	if _, err := h.sessions.Terminate(r.Context(), id.SessionID, id.UserID, session.ReasonLogout); err != nil {
		h.writeTerminateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r.Context())
	chatID := mux.Vars(r)["id"]
	if chatID == "" || chatID != strings.TrimSpace(chatID) {
		writeError(w, http.StatusBadRequest, codeInvalidChat, "invalid chat id")
		return
	}

	in := realtime.HistoryInput{ChatID: chatID}
	q := r.URL.Query()
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "after must be a non-negative integer")
			return
		}
		in.AfterSeq = &after
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be a positive integer")
			return
		}
		in.Limit = limit
	}

	ctx := r.Context()
	ok, err := h.chats.IsParticipant(ctx, id.UserID, chatID)
	if err != nil {
		h.log.Error("chat.history.membership.fail", "user_id", id.UserID, "chat_id", chatID, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, codeNotMember, "not a member of this chat")
		return
	}

	res, err := h.messages.History(ctx, in)
	if err != nil {
		h.log.Error("chat.history.fail", "chat_id", chatID, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
		return
	}
	out := make([]v1.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, realtime.WireMessage(m))
	}
	writeJSON(w, http.StatusOK, historyResponse{ChatID: chatID, Messages: out, HasMore: res.HasMore})
}

// ---- error mapping ----

func (h *Handler) writeSessionError(w http.ResponseWriter, err error, event string) {
	code := session.CodeOf(err)
	switch code {
	case "":
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	case session.CodeDeviceMismatch:
		writeError(w, http.StatusForbidden, code, "refresh token belongs to another device")
	case session.CodeInvalidDevice:
		writeError(w, http.StatusBadRequest, code, "invalid device")
	default:
		writeError(w, http.StatusUnauthorized, code, err.Error())
	}
}

func (h *Handler) writeTerminateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, session.CodeSessionNotFound, "session not found")
	case errors.Is(err, session.ErrSessionInactive):
		writeError(w, http.StatusConflict, session.CodeSessionInactive, "session already ended")
	default:
		h.log.Error("auth.sessions.terminate.fail", "err", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

// ---- request helpers ----

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip.String()
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return ""
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
