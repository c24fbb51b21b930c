package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"messenger/cmd/identity"
	"messenger/cmd/internal/auth/session"
	v1 "messenger/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
	wsCallTimeout     = 5 * time.Second
)

// Authenticator is the session boundary used by the gateway. *session.Manager implements it.
type Authenticator interface {
	ValidateAccessToken(ctx context.Context, accessToken, ip string) (session.Identity, error)
	Refresh(ctx context.Context, refreshToken string, opt session.RefreshOptions) (session.Session, session.TokenPair, error)
}

// UserLookup resolves the account behind a token. identity.Directory implements it.
type UserLookup interface {
	GetByID(ctx context.Context, userID string) (identity.User, error)
}

// Gateway is the WebSocket entrypoint.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// drives each connection through the authentication state machine, and routes
// chat envelopes to the Broadcaster.
type Gateway struct {
	cfg   Config
	log   *slog.Logger
	reg   *Registry
	bc    *Broadcaster
	auth  Authenticator
	users UserLookup

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	now func() time.Time
}

// NewGateway wires a gateway. users may be nil, in which case any authentic
// token is accepted without an account lookup.
func NewGateway(cfg Config, log *slog.Logger, reg *Registry, bc *Broadcaster, auth Authenticator, users UserLookup) (*Gateway, error) {
	if reg == nil || bc == nil || auth == nil {
		return nil, ErrConfig
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.normalize()
	return &Gateway{
		cfg:            cfg,
		log:            log,
		reg:            reg,
		bc:             bc,
		auth:           auth,
		users:          users,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
		now:            time.Now,
	}, nil
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := enforceOrigin(r, g.cfg.OriginRequired, g.cfg.AllowedOrigins); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}

	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	ws.SetReadLimit(g.cfg.MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := NewConn(remoteIP(r), g.cfg.SendQueueSize, g.now().UTC())
	g.reg.Track(c)
	connectionsTotal.WithLabelValues("opened").Inc()

	cs := &connSession{
		g:       g,
		ws:      ws,
		c:       c,
		ctx:     ctx,
		cancel:  cancel,
		limiter: newEventLimiter(g.cfg.RateEvents, g.cfg.RateWindow),
	}
	cs.run()
}

// connSession owns one connection's goroutines: reader (this goroutine),
// writer and heartbeat.
type connSession struct {
	g       *Gateway
	ws      *websocket.Conn
	c       *Conn
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter

	closeOnce sync.Once
}

// shutdown is idempotent. The registry entry goes first so fan-out stops
// targeting the connection before it is closed.
func (s *connSession) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.g.reg.Remove(s.c)
		s.c.Close()
		_ = s.ws.Close(code, reason)
		s.cancel()
		connectionsTotal.WithLabelValues("closed").Inc()
		s.g.log.Debug("ws.close", "conn_id", s.c.ID, "user_id", s.c.UserID(), "reason", reason)
	})
}

func (s *connSession) run() {
	s.c.MarkOpen()

	authTimer := time.AfterFunc(s.g.cfg.AuthTimeout, func() {
		if s.c.State() != StateUnauthenticated {
			return
		}
		connectionsTotal.WithLabelValues("auth_timeout").Inc()
		s.c.EnqueueFinal(newEnvelope(v1.TypeAuthError, v1.AuthErrorPayload{
			Message: "authentication timeout",
			Code:    v1.CodeAuthTimeout,
		}, s.g.now()))
	})
	defer authTimer.Stop()

	writerDone := make(chan struct{})
	go s.writeLoop(writerDone)

	heartbeatDone := make(chan struct{})
	go s.heartbeat(heartbeatDone)

	s.readLoop()

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (s *connSession) writeLoop(done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.c.Done():
			// Closed from outside (full queue on a final event, sweeper).
			s.shutdown(websocket.StatusPolicyViolation, "closed")
			return
		case o := <-s.c.send:
			if err := writeEnvelope(s.ctx, s.ws, o.env, s.g.cfg.WriteTimeout); err != nil {
				s.g.log.Info("ws.write.fail", "conn_id", s.c.ID, "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
			if o.closeAfter {
				s.shutdown(websocket.StatusPolicyViolation, o.env.Type)
				return
			}
		}
	}
}

func (s *connSession) heartbeat(done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.c.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(s.ctx, s.g.cfg.HeartbeatTimeout)
			err := s.ws.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.g.log.Info("ws.ping.fail", "conn_id", s.c.ID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *connSession) readLoop() {
	for {
		readCtx, readCancel := context.WithTimeout(s.ctx, s.g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, s.ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				s.sendError(v1.CodeBadJSON, "invalid JSON")
				continue
			default:
				s.g.log.Info("ws.read.fail", "conn_id", s.c.ID, "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		now := s.g.now().UTC()
		if !s.limiter.AllowN(now, 1) {
			inboundTotal.WithLabelValues(env.Type, "rate_limited").Inc()
			s.sendError(v1.CodeRateLimited, "too many events")
			s.shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			s.sendError(v1.CodeBadEnvelope, err.Error())
			continue
		}
		if !v1.IsClientType(env.Type) {
			s.sendError(v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
			continue
		}

		if !s.dispatch(env, now) {
			return
		}
	}
}

// dispatch handles one inbound envelope. It returns false when the connection
// must stop reading.
func (s *connSession) dispatch(env v1.Envelope, now time.Time) bool {
	switch env.Type {
	case v1.TypePing:
		s.reply(v1.TypePong, nil)
		inboundTotal.WithLabelValues(env.Type, "ok").Inc()
		return true
	case v1.TypeAuthenticate:
		return s.onAuthenticate(env, false)
	case v1.TypeReauthenticate:
		return s.onAuthenticate(env, true)
	case v1.TypeRefreshToken:
		s.onRefresh(env)
		return true
	}

	state := s.c.State()
	if state == StateUnauthenticated || state == StateConnecting {
		inboundTotal.WithLabelValues(env.Type, "unauthenticated").Inc()
		s.sendError(v1.CodeNotAuthenticated, "authenticate first")
		return true
	}

	if v1.IsChatMutation(env.Type) {
		if state == StateAuthenticated && s.c.Expire(now) {
			s.reply(v1.TypeTokenExpired, v1.TokenExpiredPayload{UserID: s.c.UserID(), NeedsRefresh: true})
			state = StateTokenExpired
		}
		if state == StateTokenExpired {
			inboundTotal.WithLabelValues(env.Type, "token_expired").Inc()
			s.rejectChat(env, v1.CodeTokenExpired, "access token expired", true)
			return true
		}
	}

	origin := s.origin()
	ctx, cancel := context.WithTimeout(s.ctx, wsCallTimeout)
	defer cancel()

	var err error
	switch env.Type {
	case v1.TypeJoinChat:
		err = s.onJoin(ctx, origin, env)
	case v1.TypeLeaveChat:
		err = s.onLeave(origin, env)
	case v1.TypeSendMessage:
		err = s.onSend(ctx, origin, env)
	case v1.TypeEditMessage:
		err = s.onEdit(ctx, origin, env)
	case v1.TypeDeleteMessage:
		err = s.onDelete(ctx, origin, env)
	case v1.TypeMessageRead:
		err = s.onRead(ctx, origin, env)
	case v1.TypeTyping:
		err = s.onTyping(ctx, origin, env)
	default:
		s.sendError(v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		return true
	}

	if err != nil {
		code := chatErrorCode(err)
		if code == v1.CodeInternal {
			s.g.log.Error("ws.handle.fail", "conn_id", s.c.ID, "user_id", origin.UserID, "type", env.Type, "err", err)
		}
		inboundTotal.WithLabelValues(env.Type, strings.ToLower(code)).Inc()
		s.rejectChat(env, code, chatErrorMessage(code, err), false)
		return true
	}
	inboundTotal.WithLabelValues(env.Type, "ok").Inc()
	return true
}

// ---- authentication ----

func (s *connSession) onAuthenticate(env v1.Envelope, reauth bool) bool {
	p, err := decodePayload[v1.AuthenticatePayload](env)
	if err != nil || strings.TrimSpace(p.Token) == "" {
		return s.failAuth(v1.CodeInvalidToken, "missing token")
	}

	ctx, cancel := context.WithTimeout(s.ctx, wsCallTimeout)
	defer cancel()

	id, err := s.g.auth.ValidateAccessToken(ctx, p.Token, s.c.RemoteAddr)
	expired := errors.Is(err, session.ErrAccessTokenExpired)
	if err != nil && !expired {
		code := session.CodeOf(err)
		if code == "" {
			s.g.log.Error("ws.auth.fail", "conn_id", s.c.ID, "err", err)
			code = v1.CodeInternal
		}
		inboundTotal.WithLabelValues(env.Type, strings.ToLower(code)).Inc()
		return s.failAuth(code, "authentication failed")
	}

	if s.g.users != nil {
		if _, err := s.g.users.GetByID(ctx, id.UserID); err != nil {
			if !identity.IsNotFound(err) {
				s.g.log.Error("ws.auth.user.fail", "conn_id", s.c.ID, "user_id", id.UserID, "err", err)
				return s.failAuth(v1.CodeInternal, "authentication failed")
			}
			return s.failAuth(v1.CodeUnknownUser, "unknown user")
		}
	}

	b := Binding{
		UserID:         id.UserID,
		DeviceID:       id.DeviceID,
		SessionID:      id.SessionID,
		TokenExpiresAt: id.ExpiresAt,
	}

	if expired {
		if !s.c.MarkTokenExpired(b) {
			return s.failAuth(v1.CodeForbidden, "connection bound to another user")
		}
		s.g.reg.Admit(ctx, s.c)
		inboundTotal.WithLabelValues(env.Type, "token_expired").Inc()
		s.reply(v1.TypeTokenExpired, v1.TokenExpiredPayload{UserID: id.UserID, NeedsRefresh: true})
		return true
	}

	if !s.c.Authenticate(b) {
		return s.failAuth(v1.CodeForbidden, "connection bound to another user")
	}

	typ := v1.TypeAuthenticated
	if reauth {
		typ = v1.TypeReauthenticated
	}
	s.reply(typ, v1.AuthenticatedPayload{UserID: id.UserID, DeviceID: id.DeviceID, SessionID: id.SessionID})

	s.g.reg.Admit(ctx, s.c)
	s.g.bc.ReplayMissed(ctx, s.c, s.g.cfg.MissedReplayLimit)

	connectionsTotal.WithLabelValues("authenticated").Inc()
	inboundTotal.WithLabelValues(env.Type, "ok").Inc()
	s.g.log.Info("ws.auth.ok", "conn_id", s.c.ID, "user_id", id.UserID, "device_id", id.DeviceID, "reauth", reauth)
	return true
}

// failAuth sends auth_error as the last event; the writer closes the connection.
func (s *connSession) failAuth(code, msg string) bool {
	s.c.EnqueueFinal(newEnvelope(v1.TypeAuthError, v1.AuthErrorPayload{Message: msg, Code: code}, s.g.now()))
	return true
}

func (s *connSession) onRefresh(env v1.Envelope) {
	b := s.c.Binding()
	if b.UserID == "" {
		s.sendError(v1.CodeNotAuthenticated, "authenticate first")
		return
	}

	p, err := decodePayload[v1.RefreshTokenPayload](env)
	if err != nil || strings.TrimSpace(p.RefreshToken) == "" {
		s.reply(v1.TypeRefreshError, v1.RefreshErrorPayload{Error: "missing refresh token", Code: v1.CodeInvalidToken})
		return
	}
	if p.DeviceID != "" && p.DeviceID != b.DeviceID {
		s.reply(v1.TypeRefreshError, v1.RefreshErrorPayload{Error: "device mismatch", Code: v1.CodeDeviceMismatch})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, wsCallTimeout)
	defer cancel()

	_, pair, err := s.g.auth.Refresh(ctx, p.RefreshToken, session.RefreshOptions{DeviceID: b.DeviceID, IP: s.c.RemoteAddr})
	if err != nil {
		code := session.CodeOf(err)
		if code == "" {
			code = v1.CodeInternal
		}
		inboundTotal.WithLabelValues(env.Type, strings.ToLower(code)).Inc()
		s.reply(v1.TypeRefreshError, v1.RefreshErrorPayload{Error: "refresh failed", Code: code})
		return
	}

	inboundTotal.WithLabelValues(env.Type, "ok").Inc()
	s.reply(v1.TypeTokensRefreshed, v1.TokensRefreshedPayload{
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		AccessTokenExpiresAt:  pair.AccessExpiresAt,
		RefreshTokenExpiresAt: pair.RefreshExpiresAt,
	})
}

// ---- chat handlers ----

func (s *connSession) onJoin(ctx context.Context, o Origin, env v1.Envelope) error {
	p, err := decodePayload[v1.ChatPayload](env)
	if err != nil {
		return ErrInvalidInput
	}
	if err := s.g.bc.Join(ctx, o, p.ChatID); err != nil {
		return err
	}
	s.reply(v1.TypeJoinedChat, v1.ChatPayload{ChatID: p.ChatID})
	return nil
}

func (s *connSession) onLeave(o Origin, env v1.Envelope) error {
	p, err := decodePayload[v1.ChatPayload](env)
	if err != nil || strings.TrimSpace(p.ChatID) == "" {
		return ErrInvalidChat
	}
	s.g.reg.Unsubscribe(o.UserID, p.ChatID)
	s.reply(v1.TypeLeftChat, v1.ChatPayload{ChatID: p.ChatID})
	return nil
}

func (s *connSession) onSend(ctx context.Context, o Origin, env v1.Envelope) error {
	p, err := decodePayload[v1.SendMessagePayload](env)
	if err != nil {
		return ErrInvalidInput
	}
	if utf8.RuneCountInString(strings.TrimSpace(p.Text)) > s.g.cfg.MaxMessageChars {
		return errMessageTooLong
	}

	res, err := s.g.bc.DeliverMessage(ctx, o, SendInput{
		ChatID:      p.ChatID,
		Text:        p.Text,
		Kind:        p.Type,
		ClientMsgID: p.ClientMsgID,
	})
	if err != nil {
		return err
	}

	status := "sent"
	if res.Duplicated {
		status = "duplicate"
	}
	s.reply(v1.TypeMessageSent, v1.MessageSentPayload{
		MessageID:   res.Stored.ID,
		ChatID:      res.Stored.ChatID,
		Status:      status,
		ClientMsgID: res.Stored.ClientMsgID,
		Seq:         res.Stored.Seq,
	})
	return nil
}

func (s *connSession) onEdit(ctx context.Context, o Origin, env v1.Envelope) error {
	p, err := decodePayload[v1.EditMessagePayload](env)
	if err != nil {
		return ErrInvalidInput
	}
	if utf8.RuneCountInString(strings.TrimSpace(p.Text)) > s.g.cfg.MaxMessageChars {
		return errMessageTooLong
	}
	_, err = s.g.bc.EditMessage(ctx, o, p.ChatID, p.MessageID, p.Text)
	return err
}

func (s *connSession) onDelete(ctx context.Context, o Origin, env v1.Envelope) error {
	p, err := decodePayload[v1.DeleteMessagePayload](env)
	if err != nil {
		return ErrInvalidInput
	}
	_, err = s.g.bc.DeleteMessage(ctx, o, p.ChatID, p.MessageID)
	return err
}

func (s *connSession) onRead(ctx context.Context, o Origin, env v1.Envelope) error {
	p, err := decodePayload[v1.MessageReadPayload](env)
	if err != nil {
		return ErrInvalidInput
	}
	_, err = s.g.bc.MarkRead(ctx, o, p.ChatID, p.MessageID)
	return err
}

func (s *connSession) onTyping(ctx context.Context, o Origin, env v1.Envelope) error {
	p, err := decodePayload[v1.TypingPayload](env)
	if err != nil {
		return ErrInvalidInput
	}
	return s.g.bc.Typing(ctx, o, p.ChatID, p.IsTyping)
}

// ---- send helpers ----

func (s *connSession) origin() Origin {
	b := s.c.Binding()
	return Origin{UserID: b.UserID, DeviceID: b.DeviceID, ConnID: s.c.ID}
}

func (s *connSession) reply(typ string, payload any) {
	if !s.c.Enqueue(newEnvelope(typ, payload, s.g.now())) {
		s.g.log.Info("ws.backpressure", "conn_id", s.c.ID, "type", typ)
	}
}

func (s *connSession) sendError(code, msg string) {
	s.reply(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// rejectChat answers a refused chat request with message_error, echoing the
// original envelope so the client can resubmit it unchanged.
func (s *connSession) rejectChat(env v1.Envelope, code, msg string, needsRefresh bool) {
	orig := env
	s.reply(v1.TypeMessageError, v1.MessageErrorPayload{
		Error:        msg,
		Code:         code,
		NeedsRefresh: needsRefresh,
		Original:     &orig,
	})
}

var errMessageTooLong = fmt.Errorf("%w: message too long", ErrInvalidInput)

func chatErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidChat):
		return v1.CodeInvalidChat
	case errors.Is(err, ErrNotMember):
		return v1.CodeNotMember
	case errors.Is(err, ErrInvalidInput):
		return v1.CodeInvalidMessage
	case errors.Is(err, ErrNotFound):
		return v1.CodeNotFound
	case errors.Is(err, ErrForbidden):
		return v1.CodeForbidden
	default:
		return v1.CodeInternal
	}
}

func chatErrorMessage(code string, err error) string {
	if code == v1.CodeInternal {
		return "internal error"
	}
	return err.Error()
}

// ---- envelope IO ----

func decodePayload[T any](env v1.Envelope) (T, error) {
	var p T
	if len(env.Payload) == 0 {
		return p, errors.New("missing payload")
	}
	err := json.Unmarshal(env.Payload, &p)
	return p, err
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
