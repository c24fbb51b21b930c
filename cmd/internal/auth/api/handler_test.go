package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"messenger/cmd/identity"
	"messenger/cmd/internal/auth/session"
	"messenger/cmd/internal/realtime"
	"messenger/cmd/security/token"

	"github.com/gorilla/mux"
)

const testCode = "424242"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type apiHarness struct {
	srv      *httptest.Server
	clock    *testClock
	users    *identity.InMemoryStore
	members  *realtime.InMemoryMembershipStore
	messages *realtime.InMemoryMessageStore
	sessCfg  session.Config
}

func newAPIHarness(t *testing.T, mutate func(*Config)) apiHarness {
	t.Helper()

	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	sessCfg := session.DefaultConfig()
	sessCfg.TokenFormat = session.FormatJWT
	sessCfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	codec, err := session.NewTokenCodec(sessCfg)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	mgr, err := session.NewManager(sessCfg, session.NewInMemoryStore(), codec, token.NewHasher(nil), session.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	users := identity.NewInMemoryStore()
	members := realtime.NewInMemoryMembershipStore()
	messages := realtime.NewInMemoryMessageStore()

	h, err := NewHandler(nil, cfg, mgr, users, identity.StaticCodeVerifier{Code: testCode},
		WithHistory(realtime.NewResolver(members), messages),
		WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	r := mux.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return apiHarness{srv: srv, clock: clock, users: users, members: members, messages: messages, sessCfg: sessCfg}
}

func (h apiHarness) do(t *testing.T, method, path, bearer string, body any) (int, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("http.NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = res.Body.Close() }()
	out, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res.StatusCode, out
}

func (h apiHarness) login(t *testing.T, phone, device string) loginResponse {
	t.Helper()
	status, body := h.do(t, http.MethodPost, "/login", "", loginRequest{
		Phone:  phone,
		Code:   testCode,
		Device: deviceRequest{DeviceID: device, DeviceName: "phone " + device, OS: "android"},
	})
	if status != http.StatusOK {
		t.Fatalf("login %s/%s: status=%d body=%s", phone, device, status, body)
	}
	return decodeBody[loginResponse](t, body)
}

func decodeBody[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %T: %v body=%s", v, err, body)
	}
	return v
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	return decodeBody[errorResponse](t, body).Error.Code
}

func TestLogin_CreatesUserSessionAndTokens(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, nil)
	res := h.login(t, "+1 555 010 0001", "pixel")

	if res.User.Phone != "+15550100001" || res.User.ID == "" {
		t.Fatalf("user=%+v", res.User)
	}
	if res.Session.DeviceID != "pixel" || !res.Session.IsCurrent {
		t.Fatalf("session=%+v", res.Session)
	}
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" || !res.Tokens.AccessTokenExpiresAt.Before(res.Tokens.RefreshTokenExpiresAt) {
		t.Fatalf("tokens=%+v", res.Tokens)
	}

	again := h.login(t, "+15550100001", "laptop")
	if again.User.ID != res.User.ID {
		t.Fatalf("same phone produced another user: %s vs %s", again.User.ID, res.User.ID)
	}
}

func TestLogin_Rejections(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, nil)
	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"wrong code", loginRequest{Phone: "+15550100002", Code: "000000", Device: deviceRequest{DeviceID: "d"}}, http.StatusUnauthorized, codeInvalidCode},
		{"missing device", loginRequest{Phone: "+15550100002", Code: testCode}, http.StatusBadRequest, codeInvalidRequest},
		{"bad phone", loginRequest{Phone: "call me", Code: testCode, Device: deviceRequest{DeviceID: "d"}}, http.StatusBadRequest, codeInvalidRequest},
		{"unknown field", map[string]any{"phone": "+15550100002", "password": "x"}, http.StatusBadRequest, codeInvalidJSON},
	}
	for _, tc := range cases {
		status, body := h.do(t, http.MethodPost, "/login", "", tc.body)
		if status != tc.status || errorCode(t, body) != tc.code {
			t.Fatalf("%s: status=%d body=%s", tc.name, status, body)
		}
	}
}

func TestLogin_PhoneThrottledAfterRepeatedBadCodes(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, func(c *Config) { c.LoginPhoneMax = 3 })
	bad := loginRequest{Phone: "+15550100003", Code: "111111", Device: deviceRequest{DeviceID: "d"}}
	for i := 0; i < 3; i++ {
		if status, body := h.do(t, http.MethodPost, "/login", "", bad); status != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status=%d body=%s", i, status, body)
		}
	}

	good := bad
	good.Code = testCode
	status, body := h.do(t, http.MethodPost, "/login", "", good)
	if status != http.StatusTooManyRequests || errorCode(t, body) != codeRateLimited {
		t.Fatalf("expected throttle, status=%d body=%s", status, body)
	}

	h.clock.Advance(16 * time.Minute)
	if status, body := h.do(t, http.MethodPost, "/login", "", good); status != http.StatusOK {
		t.Fatalf("throttle did not clear: status=%d body=%s", status, body)
	}
}

func TestBearer_ExpiredVersusInvalid(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, nil)
	res := h.login(t, "+15550100004", "pixel")

	if status, _ := h.do(t, http.MethodGet, "/me", res.Tokens.AccessToken, nil); status != http.StatusOK {
		t.Fatalf("fresh token rejected: %d", status)
	}

	status, body := h.do(t, http.MethodGet, "/sessions", "not-a-token", nil)
	if status != http.StatusUnauthorized || errorCode(t, body) != session.CodeInvalidToken {
		t.Fatalf("garbage token: status=%d body=%s", status, body)
	}
	status, body = h.do(t, http.MethodGet, "/sessions", "", nil)
	if status != http.StatusUnauthorized || errorCode(t, body) != session.CodeInvalidToken {
		t.Fatalf("missing token: status=%d body=%s", status, body)
	}

	h.clock.Advance(h.sessCfg.AccessTokenTTL + time.Hour)
	status, body = h.do(t, http.MethodGet, "/sessions", res.Tokens.AccessToken, nil)
	if status != http.StatusUnauthorized || errorCode(t, body) != session.CodeAccessTokenExpired {
		t.Fatalf("expired token: status=%d body=%s", status, body)
	}

	// The refresh token still works and yields a usable access token.
	status, body = h.do(t, http.MethodPost, "/refresh", "", refreshRequest{RefreshToken: res.Tokens.RefreshToken, DeviceID: "pixel"})
	if status != http.StatusOK {
		t.Fatalf("refresh: status=%d body=%s", status, body)
	}
	rotated := decodeBody[refreshResponse](t, body)
	if status, _ := h.do(t, http.MethodGet, "/sessions", rotated.Tokens.AccessToken, nil); status != http.StatusOK {
		t.Fatalf("rotated token rejected: %d", status)
	}

	// The superseded refresh token is now refused.
	status, body = h.do(t, http.MethodPost, "/refresh", "", refreshRequest{RefreshToken: res.Tokens.RefreshToken})
	if status != http.StatusUnauthorized || errorCode(t, body) != session.CodeTokenMismatch {
		t.Fatalf("reused refresh: status=%d body=%s", status, body)
	}
}

func TestRefresh_DeviceMismatch(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, nil)
	res := h.login(t, "+15550100005", "pixel")

	status, body := h.do(t, http.MethodPost, "/refresh", "", refreshRequest{RefreshToken: res.Tokens.RefreshToken, DeviceID: "ipad"})
	if status != http.StatusForbidden || errorCode(t, body) != session.CodeDeviceMismatch {
		t.Fatalf("status=%d body=%s", status, body)
	}
}

func TestSessions_ListTerminateAndLogout(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, nil)
	phone := "+15550100006"
	a := h.login(t, phone, "a")
	h.clock.Advance(time.Second)
	b := h.login(t, phone, "b")
	h.clock.Advance(time.Second)
	c := h.login(t, phone, "c")

	status, body := h.do(t, http.MethodGet, "/sessions", b.Tokens.AccessToken, nil)
	if status != http.StatusOK {
		t.Fatalf("list: status=%d body=%s", status, body)
	}
	list := decodeBody[sessionsResponse](t, body).Sessions
	if len(list) != 3 {
		t.Fatalf("sessions=%+v", list)
	}
	current := 0
	for _, s := range list {
		if s.IsCurrent {
			current++
			if s.ID != b.Session.ID {
				t.Fatalf("wrong current session %s", s.ID)
			}
		}
	}
	if current != 1 {
		t.Fatalf("%d sessions flagged current", current)
	}

	// Terminate one.
	if status, body := h.do(t, http.MethodDelete, "/sessions/"+c.Session.ID, b.Tokens.AccessToken, nil); status != http.StatusNoContent {
		t.Fatalf("terminate: status=%d body=%s", status, body)
	}
	status, body = h.do(t, http.MethodGet, "/me", c.Tokens.AccessToken, nil)
	if status != http.StatusUnauthorized || errorCode(t, body) != session.CodeSessionInactive {
		t.Fatalf("terminated token: status=%d body=%s", status, body)
	}
	status, body = h.do(t, http.MethodDelete, "/sessions/"+c.Session.ID, b.Tokens.AccessToken, nil)
	if status != http.StatusConflict {
		t.Fatalf("second terminate: status=%d body=%s", status, body)
	}
	status, _ = h.do(t, http.MethodDelete, "/sessions/01ARZ3NDEKTSV4RRFFQ69G5FAV", b.Tokens.AccessToken, nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown session: status=%d", status)
	}

	// Terminate all but current.
	status, body = h.do(t, http.MethodDelete, "/sessions", b.Tokens.AccessToken, nil)
	if status != http.StatusOK || decodeBody[terminatedResponse](t, body).Terminated != 1 {
		t.Fatalf("terminate others: status=%d body=%s", status, body)
	}
	if status, _ := h.do(t, http.MethodGet, "/me", a.Tokens.AccessToken, nil); status != http.StatusUnauthorized {
		t.Fatalf("session a survived terminate-others: %d", status)
	}

	// Logout ends the caller's own session.
	if status, _ := h.do(t, http.MethodDelete, "/logout", b.Tokens.AccessToken, nil); status != http.StatusNoContent {
		t.Fatalf("logout: %d", status)
	}
	if status, _ := h.do(t, http.MethodGet, "/sessions", b.Tokens.AccessToken, nil); status != http.StatusUnauthorized {
		t.Fatalf("token usable after logout: %d", status)
	}
}

func TestHistory_MembersOnly(t *testing.T) {
	t.Parallel()

	h := newAPIHarness(t, nil)
	alice := h.login(t, "+15550100007", "a1")
	bob := h.login(t, "+15550100008", "b1")
	eve := h.login(t, "+15550100009", "e1")

	chatID, err := realtime.CanonicalID(alice.User.ID, bob.User.ID)
	if err != nil {
		t.Fatalf("CanonicalID: %v", err)
	}
	ctx := context.Background()
	for i, text := range []string{"one", "two", "three"} {
		_, err := h.messages.Append(ctx, realtime.AppendInput{
			ChatID: chatID, ClientMsgID: text, SenderID: alice.User.ID, Kind: "text", Text: text,
			Now: h.clock.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	status, body := h.do(t, http.MethodGet, "/chats/"+chatID+"/messages?limit=2", bob.Tokens.AccessToken, nil)
	if status != http.StatusOK {
		t.Fatalf("history: status=%d body=%s", status, body)
	}
	page := decodeBody[historyResponse](t, body)
	if len(page.Messages) != 2 || !page.HasMore || page.Messages[0].Text != "one" {
		t.Fatalf("page=%+v", page)
	}

	status, body = h.do(t, http.MethodGet, "/chats/"+chatID+"/messages?after=2", alice.Tokens.AccessToken, nil)
	if status != http.StatusOK {
		t.Fatalf("history after: status=%d body=%s", status, body)
	}
	if page := decodeBody[historyResponse](t, body); len(page.Messages) != 1 || page.Messages[0].Seq != 3 {
		t.Fatalf("after page=%+v", page)
	}

	status, body = h.do(t, http.MethodGet, "/chats/"+chatID+"/messages", eve.Tokens.AccessToken, nil)
	if status != http.StatusForbidden || errorCode(t, body) != codeNotMember {
		t.Fatalf("outsider: status=%d body=%s", status, body)
	}

	status, body = h.do(t, http.MethodGet, "/chats/"+chatID+"/messages?limit=zero", bob.Tokens.AccessToken, nil)
	if status != http.StatusBadRequest || errorCode(t, body) != codeInvalidRequest {
		t.Fatalf("bad limit: status=%d body=%s", status, body)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":              "",
		"Bearer abc":    "abc",
		"bearer  abc ":  "abc",
		"Basic abc":     "",
		"Bearer":        "",
		"Token abc def": "",
	}
	for header, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if got := bearerToken(r); got != want {
			t.Fatalf("bearerToken(%q)=%q want %q", header, got, want)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "garbage, 203.0.113.9")

	if got := clientIP(r, false); got != "10.1.2.3" {
		t.Fatalf("untrusted proxy: %q", got)
	}
	if got := clientIP(r, true); got != "203.0.113.9" {
		t.Fatalf("trusted proxy: %q", got)
	}
}
