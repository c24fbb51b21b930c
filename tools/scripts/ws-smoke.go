// Package main provides a CI-friendly multi-device smoke test for the messenger server.
//
// It validates:
//   - phone login over REST for two devices of one user and one peer
//   - handshake + subprotocol selection, authenticate -> authenticated
//   - send -> message_sent on the sending device only
//   - new_message + chat_updated on the sender's other device and the peer
//   - idempotent dedupe by clientMsgId (status "duplicate", no second fan-out)
//   - REST history for the peer
//   - terminating a device over REST closes its socket with session_terminated
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "messenger/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type loginResult struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Session struct {
		ID       string `json:"id"`
		DeviceID string `json:"deviceId"`
	} `json:"session"`
	Tokens struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	} `json:"tokens"`
}

type smokeClient struct {
	name  string
	login loginResult
	conn  *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		code    = flag.String("code", "", "Login code (MSGR_LOGIN_CODE of the server)")
		phoneA  = flag.String("phone-a", "+15550001001", "Phone of the multi-device user")
		phoneB  = flag.String("phone-b", "+15550001002", "Phone of the peer")
		text    = flag.String("text", "hello from device one 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*code) == "" {
		fatalf("-code is required")
	}
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*baseURL, "/"), "http") + "/ws"

	root := context.Background()
	api := &http.Client{Timeout: *timeout}

	a1 := &smokeClient{name: "A1", login: mustLogin(api, *baseURL, *phoneA, *code, "smoke-a1")}
	a2 := &smokeClient{name: "A2", login: mustLogin(api, *baseURL, *phoneA, *code, "smoke-a2")}
	b1 := &smokeClient{name: "B1", login: mustLogin(api, *baseURL, *phoneB, *code, "smoke-b1")}
	if a1.login.User.ID != a2.login.User.ID {
		fatalf("same phone produced two users: %s vs %s", a1.login.User.ID, a2.login.User.ID)
	}

	for _, c := range []*smokeClient{a1, a2, b1} {
		mustConnect(root, c, wsURL, *origin, *timeout)
		defer closeWS(c.conn)
	}
	if *verbose {
		fmt.Printf("connected: A1=%s A2=%s B1=%s\n", a1.login.Session.ID, a2.login.Session.ID, b1.login.Session.ID)
	}

	chatID := directChatID(a1.login.User.ID, b1.login.User.ID)
	for _, c := range []*smokeClient{a1, a2, b1} {
		mustJoin(root, c, chatID, *timeout)
	}

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	sent := mustSend(root, a1, chatID, clientMsgID, *text, *timeout)
	if sent.Status != "sent" {
		fatalf("first send status=%q", sent.Status)
	}

	for _, c := range []*smokeClient{a2, b1} {
		mustAssertNew(root, c, chatID, sent, a1.login.User.ID, *text, *timeout)
	}
	mustAssertNoType(root, a1, v1.TypeNewMessage, 800*time.Millisecond)

	dup := mustSend(root, a1, chatID, clientMsgID, *text, *timeout)
	if dup.Status != "duplicate" || dup.Seq != sent.Seq || dup.MessageID != sent.MessageID {
		fatalf("dedupe: first=%+v second=%+v", sent, dup)
	}
	mustAssertNoType(root, b1, v1.TypeNewMessage, 1200*time.Millisecond)

	mustHistoryContains(api, *baseURL, b1, chatID, sent.MessageID)

	mustTerminate(api, *baseURL, a1, a2.login.Session.ID)
	term := a2.mustReadUntilType(root, v1.TypeSessionTerminated, *timeout, background)
	var tp v1.SessionTerminatedPayload
	if err := json.Unmarshal(term.Payload, &tp); err != nil {
		fatalf("unmarshal session_terminated payload: %v", err)
	}

	fmt.Printf("OK: user=%s peer=%s chat_id=%s seq=%d message_id=%s\n",
		a1.login.User.ID, b1.login.User.ID, chatID, sent.Seq, sent.MessageID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

// directChatID mirrors the server's canonical direct chat naming.
func directChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "chat_" + a + "_" + b
}

func mustLogin(api *http.Client, base, phone, code, deviceID string) loginResult {
	body := mustJSON(map[string]any{
		"phone": phone,
		"code":  code,
		"device": map[string]string{
			"deviceId":   deviceID,
			"deviceName": "smoke " + deviceID,
			"os":         "ws-smoke",
		},
	})
	var out loginResult
	mustREST(api, http.MethodPost, base+"/login", "", body, http.StatusOK, &out)
	if out.Tokens.AccessToken == "" || out.Session.ID == "" {
		fatalf("login %s/%s: incomplete response", phone, deviceID)
	}
	return out
}

func mustTerminate(api *http.Client, base string, c *smokeClient, sessionID string) {
	mustREST(api, http.MethodDelete, base+"/sessions/"+url.PathEscape(sessionID), c.login.Tokens.AccessToken, nil, http.StatusNoContent, nil)
}

func mustHistoryContains(api *http.Client, base string, c *smokeClient, chatID, messageID string) {
	var out struct {
		Messages []v1.Message `json:"messages"`
	}
	mustREST(api, http.MethodGet, base+"/chats/"+url.PathEscape(chatID)+"/messages", c.login.Tokens.AccessToken, nil, http.StatusOK, &out)
	for _, m := range out.Messages {
		if m.ID == messageID {
			return
		}
	}
	fatalf("history (%s) missing message %s", c.name, messageID)
}

func mustREST(api *http.Client, method, target, bearer string, body []byte, wantStatus int, out any) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, target, rdr)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := api.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer func() { _ = res.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxReadBytes))
	if res.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, target, res.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, target, err)
		}
	}
}

func mustConnect(parent context.Context, c *smokeClient, wsURL, origin string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", c.name, err)
	}
	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)
	c.conn = conn
	c.inbox = make(chan v1.Envelope, 512)
	c.errCh = make(chan error, 1)
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, envelope(c.name+"-auth", v1.TypeAuthenticate, v1.AuthenticatePayload{Token: c.login.Tokens.AccessToken}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeAuthenticated, stepTimeout, map[string]struct{}{v1.TypeMissedNotifications: {}})
	var p v1.AuthenticatedPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal authenticated payload (%s): %v", c.name, err)
	}
	if p.UserID != c.login.User.ID || p.SessionID != c.login.Session.ID {
		fatalf("authenticated identity mismatch (%s): %+v", c.name, p)
	}
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// Presence and list refreshes may interleave with the replies the smoke waits for.
var background = map[string]struct{}{
	v1.TypeChatUpdated:         {},
	v1.TypeNewLogin:            {},
	v1.TypeUserTyping:          {},
	v1.TypeUserStoppedTyping:   {},
	v1.TypeMissedNotifications: {},
	v1.TypePong:                {},
}

func mustJoin(parent context.Context, c *smokeClient, chatID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-join", v1.TypeJoinChat, v1.ChatPayload{ChatID: chatID}), stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeJoinedChat, stepTimeout, background)
	var p v1.ChatPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal joined_chat payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID {
		fatalf("joined_chat id mismatch (%s): got=%q want=%q", c.name, p.ChatID, chatID)
	}
}

func mustSend(parent context.Context, c *smokeClient, chatID, clientMsgID, text string, stepTimeout time.Duration) v1.MessageSentPayload {
	env := envelope(c.name+"-send-"+clientMsgID, v1.TypeSendMessage, v1.SendMessagePayload{
		ChatID:      chatID,
		ClientMsgID: clientMsgID,
		Text:        text,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeMessageSent, stepTimeout, background)

	var p v1.MessageSentPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_sent payload (%s): %v", c.name, err)
	}
	if p.ChatID != chatID || p.ClientMsgID != clientMsgID {
		fatalf("message_sent mismatch (%s): %+v", c.name, p)
	}
	if strings.TrimSpace(p.MessageID) == "" || p.Seq <= 0 {
		fatalf("message_sent incomplete (%s): %+v", c.name, p)
	}
	return p
}

func mustAssertNew(parent context.Context, c *smokeClient, chatID string, sent v1.MessageSentPayload, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, background)

	var p v1.NewMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal new_message payload (%s): %v", c.name, err)
	}
	m := p.Message
	switch {
	case p.ChatID != chatID || m.ChatID != chatID:
		fatalf("new_message chat mismatch (%s): %+v", c.name, p)
	case m.ID != sent.MessageID || m.Seq != sent.Seq:
		fatalf("new_message id/seq mismatch (%s): got=%s/%d want=%s/%d", c.name, m.ID, m.Seq, sent.MessageID, sent.Seq)
	case m.SenderID != senderID || m.Text != text:
		fatalf("new_message sender/text mismatch (%s): %+v", c.name, m)
	case m.CreatedAt.IsZero():
		fatalf("new_message createdAt missing (%s)", c.name)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			switch env.Type {
			case v1.TypeError, v1.TypeMessageError, v1.TypeAuthError:
				fatalf("server rejected request (%s): type=%s payload=%s", c.name, env.Type, env.Payload)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func envelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
