package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"messenger/cmd/identity/ids"
	"messenger/cmd/internal/auth/session"
	v1 "messenger/shared/contracts/realtime/v1"
)

// ErrNotMember is returned when a user acts on a chat they do not belong to.
var ErrNotMember = errors.New("realtime: not a chat member")

const defaultMessageKind = "text"

// Origin identifies where an action came from so fan-out can skip it.
type Origin struct {
	UserID   string
	DeviceID string
	ConnID   string
}

// SendInput is a new message request.
type SendInput struct {
	ChatID      string
	Text        string
	Kind        string
	ClientMsgID string
}

// Broadcaster decides who receives each event and hands it to the Registry.
//
// Target shapes:
//   - all but the originator: messages, edits, deletions, read receipts, typing.
//   - all devices of one user: account-level events.
//   - one device: session termination.
//
// Chat mutations are persisted before anything is fanned out. Every device that
// could not take a persisted chat event live gets it queued: devices whose token
// expired, and every active device of a participant with no live device at all.
type Broadcaster struct {
	log      *slog.Logger
	reg      *Registry
	resolver *Resolver
	messages MessageStore
	missed   MissedStore
	sessions SessionLister
	now      func() time.Time
}

// SessionLister lists a user's active sessions. Without one, a fully offline
// user gets a single notification for whichever device returns first.
type SessionLister interface {
	ListActive(ctx context.Context, userID string) ([]session.Session, error)
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcastClock overrides the time source (tests).
func WithBroadcastClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// WithSessions addresses missed notifications to each active device of an
// offline user.
func WithSessions(l SessionLister) BroadcasterOption {
	return func(b *Broadcaster) {
		b.sessions = l
	}
}

// NewBroadcaster wires the fan-out. missed may be nil to disable offline queueing.
func NewBroadcaster(log *slog.Logger, reg *Registry, resolver *Resolver, messages MessageStore, missed MissedStore, opts ...BroadcasterOption) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{
		log:      log,
		reg:      reg,
		resolver: resolver,
		messages: messages,
		missed:   missed,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

var _ session.Notifier = (*Broadcaster)(nil)

// Join subscribes the user to a chat they take part in.
func (b *Broadcaster) Join(ctx context.Context, o Origin, chatID string) error {
	if _, err := b.authorize(ctx, o.UserID, chatID); err != nil {
		return err
	}
	if err := b.resolver.Remember(ctx, chatID, b.now().UTC()); err != nil {
		b.log.Warn("broadcast.remember.fail", "chat_id", chatID, "err", err)
	}
	b.reg.Subscribe(o.UserID, chatID)
	return nil
}

// DeliverMessage persists a message and fans it out. A retried send with the
// same client message id returns the stored message without a second fan-out.
func (b *Broadcaster) DeliverMessage(ctx context.Context, o Origin, in SendInput) (AppendResult, error) {
	participants, err := b.authorize(ctx, o.UserID, in.ChatID)
	if err != nil {
		return AppendResult{}, err
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return AppendResult{}, ErrInvalidInput
	}
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		kind = defaultMessageKind
	}
	clientMsgID := strings.TrimSpace(in.ClientMsgID)
	if clientMsgID == "" {
		clientMsgID = ids.Make()
	}

	now := b.now().UTC()
	res, err := b.messages.Append(ctx, AppendInput{
		ChatID:         in.ChatID,
		ClientMsgID:    clientMsgID,
		SenderID:       o.UserID,
		SenderDeviceID: o.DeviceID,
		Kind:           kind,
		Text:           text,
		Now:            now,
	})
	if err != nil {
		return AppendResult{}, fmt.Errorf("append: %w", err)
	}
	if res.Duplicated {
		return res, nil
	}

	if err := b.resolver.Remember(ctx, in.ChatID, now); err != nil {
		b.log.Warn("broadcast.remember.fail", "chat_id", in.ChatID, "err", err)
	}
	for _, u := range participants {
		b.reg.Subscribe(u, in.ChatID)
	}

	msg := WireMessage(res.Stored)
	b.fanOut(ctx, o, in.ChatID, participants,
		newEnvelope(v1.TypeNewMessage, v1.NewMessagePayload{ChatID: in.ChatID, Message: msg}, now), true)

	// The chat list summary goes to every participant, the sender's other devices included.
	b.fanOut(ctx, o, in.ChatID, participants,
		newEnvelope(v1.TypeChatUpdated, v1.ChatUpdatedPayload{ChatID: in.ChatID, LastMessage: msg}, now), false)

	return res, nil
}

// EditMessage changes the text of the sender's own message and fans out the edit.
func (b *Broadcaster) EditMessage(ctx context.Context, o Origin, chatID, messageID, text string) (StoredMessage, error) {
	participants, err := b.authorize(ctx, o.UserID, chatID)
	if err != nil {
		return StoredMessage{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" || strings.TrimSpace(messageID) == "" {
		return StoredMessage{}, ErrInvalidInput
	}

	now := b.now().UTC()
	m, err := b.messages.Edit(ctx, chatID, messageID, o.UserID, text, now)
	if err != nil {
		return StoredMessage{}, err
	}

	b.fanOut(ctx, o, chatID, participants,
		newEnvelope(v1.TypeMessageEdited, v1.MessageEditedPayload{ChatID: chatID, Message: WireMessage(m)}, now), true)
	return m, nil
}

// DeleteMessage soft-deletes the sender's own message and fans out the deletion.
func (b *Broadcaster) DeleteMessage(ctx context.Context, o Origin, chatID, messageID string) (StoredMessage, error) {
	participants, err := b.authorize(ctx, o.UserID, chatID)
	if err != nil {
		return StoredMessage{}, err
	}
	if strings.TrimSpace(messageID) == "" {
		return StoredMessage{}, ErrInvalidInput
	}

	now := b.now().UTC()
	m, err := b.messages.Delete(ctx, chatID, messageID, o.UserID, now)
	if err != nil {
		return StoredMessage{}, err
	}

	b.fanOut(ctx, o, chatID, participants,
		newEnvelope(v1.TypeMessageDeleted, v1.MessageDeletedPayload{MessageID: messageID, ChatID: chatID, DeletedBy: o.UserID}, now), true)
	return m, nil
}

// MarkRead records a read receipt and tells every other device, the reader's
// own included, so read state stays consistent.
func (b *Broadcaster) MarkRead(ctx context.Context, o Origin, chatID, messageID string) (time.Time, error) {
	participants, err := b.authorize(ctx, o.UserID, chatID)
	if err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(messageID) == "" {
		return time.Time{}, ErrInvalidInput
	}

	now := b.now().UTC()
	readAt, err := b.messages.MarkRead(ctx, chatID, messageID, o.UserID, now)
	if err != nil {
		return time.Time{}, err
	}

	b.fanOut(ctx, o, chatID, participants, newEnvelope(v1.TypeMessageRead, v1.MessageReadPayload{
		MessageID: messageID,
		ChatID:    chatID,
		ReaderID:  o.UserID,
		ReadAt:    readAt,
	}, now), true)
	return readAt, nil
}

// Typing relays a typing indicator to the chat's online subscribers. It is
// ephemeral: nothing is persisted or queued.
func (b *Broadcaster) Typing(ctx context.Context, o Origin, chatID string, isTyping bool) error {
	if !b.reg.IsSubscribed(o.UserID, chatID) {
		if _, err := b.authorize(ctx, o.UserID, chatID); err != nil {
			return err
		}
		b.reg.Subscribe(o.UserID, chatID)
	}

	typ := v1.TypeUserStoppedTyping
	if isTyping {
		typ = v1.TypeUserTyping
	}
	env := newEnvelope(typ, v1.UserTypingPayload{ChatID: chatID, UserID: o.UserID}, b.now().UTC())

	for _, u := range b.reg.Subscribers(chatID) {
		if u == o.UserID {
			b.reg.SendToUserExcept(u, o.ConnID, env)
			continue
		}
		b.reg.SendToUser(u, env)
	}
	return nil
}

// NotifyUser delivers an account-level event to every device of userID,
// including the one that caused it.
func (b *Broadcaster) NotifyUser(userID, typ string, payload any) bool {
	return b.reg.SendToUser(userID, newEnvelope(typ, payload, b.now().UTC()))
}

// NewLogin tells the user's other devices about a new session.
func (b *Broadcaster) NewLogin(_ context.Context, s session.Session) {
	env := newEnvelope(v1.TypeNewLogin, v1.NewLoginPayload{Session: sessionInfo(s)}, b.now().UTC())
	b.reg.SendToUserExceptDevice(s.UserID, s.DeviceID, env)
}

// SessionTerminated tells the device that owned s its session ended, then
// disconnects it. No other device receives anything.
func (b *Broadcaster) SessionTerminated(_ context.Context, s session.Session, reason string) {
	env := newEnvelope(v1.TypeSessionTerminated, v1.SessionTerminatedPayload{SessionID: s.ID, Reason: reason}, b.now().UTC())
	if n := b.reg.CloseSession(s.UserID, s.ID, env); n > 0 {
		b.log.Info("broadcast.session_terminated", "user_id", s.UserID, "session_id", s.ID, "reason", reason, "connections", n)
	}
}

// ReplayMissed drains the notifications queued for c's device and sends them as
// one missed_notifications envelope. Items that cannot be enqueued are put back.
func (b *Broadcaster) ReplayMissed(ctx context.Context, c *Conn, limit int) int {
	if b.missed == nil {
		return 0
	}
	bind := c.Binding()
	uid := bind.UserID
	items, err := b.missed.Drain(ctx, uid, bind.DeviceID, limit)
	if err != nil {
		b.log.Warn("broadcast.missed.drain.fail", "user_id", uid, "device_id", bind.DeviceID, "err", err)
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	out := make([]v1.MissedNotification, 0, len(items))
	for _, m := range items {
		out = append(out, v1.MissedNotification{
			ID:        m.ID,
			ChatID:    m.ChatID,
			Type:      m.Type,
			Payload:   m.Payload,
			CreatedAt: m.CreatedAt,
		})
	}

	env := newEnvelope(v1.TypeMissedNotifications, v1.MissedNotificationsPayload{Items: out}, b.now().UTC())
	if c.Enqueue(env) {
		return len(items)
	}

	for _, m := range items {
		if err := b.missed.Enqueue(ctx, m); err != nil {
			b.log.Warn("broadcast.missed.requeue.fail", "user_id", uid, "err", err)
		}
	}
	return 0
}

// authorize checks membership before anything is written and returns the
// chat's participants.
func (b *Broadcaster) authorize(ctx context.Context, userID, chatID string) ([]string, error) {
	if chatID == "" || chatID != strings.TrimSpace(chatID) {
		return nil, ErrInvalidChat
	}
	ok, err := b.resolver.IsParticipant(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}
	return b.resolver.Participants(ctx, chatID)
}

func (b *Broadcaster) fanOut(ctx context.Context, o Origin, chatID string, participants []string, env v1.Envelope, queueMissed bool) {
	for _, u := range participants {
		except := ""
		if u == o.UserID {
			// The originating connection already has the ack; never echo to it.
			except = o.ConnID
		}
		d := b.reg.DeliverChat(u, except, env)
		if !queueMissed {
			continue
		}

		for _, dev := range d.Deferred {
			if u == o.UserID && dev == o.DeviceID {
				continue
			}
			b.queueMissed(ctx, u, dev, chatID, env)
		}
		if d.Delivered == 0 && u != o.UserID {
			b.queueOffline(ctx, u, d.Deferred, chatID, env)
		}
	}
}

// queueOffline queues env for the active devices of a user none of whose
// devices took it. skip holds devices already queued.
func (b *Broadcaster) queueOffline(ctx context.Context, userID string, skip []string, chatID string, env v1.Envelope) {
	if b.sessions == nil {
		if len(skip) == 0 {
			b.queueMissed(ctx, userID, "", chatID, env)
		}
		return
	}

	active, err := b.sessions.ListActive(ctx, userID)
	if err != nil {
		b.log.Warn("broadcast.sessions.list.fail", "user_id", userID, "err", err)
		if len(skip) == 0 {
			b.queueMissed(ctx, userID, "", chatID, env)
		}
		return
	}
	seen := make(map[string]bool, len(active)+len(skip))
	for _, dev := range skip {
		seen[dev] = true
	}
	for _, s := range active {
		if seen[s.DeviceID] {
			continue
		}
		seen[s.DeviceID] = true
		b.queueMissed(ctx, userID, s.DeviceID, chatID, env)
	}
}

func (b *Broadcaster) queueMissed(ctx context.Context, userID, deviceID, chatID string, env v1.Envelope) {
	if b.missed == nil {
		return
	}
	err := b.missed.Enqueue(ctx, Missed{
		ID:        ids.Make(),
		UserID:    userID,
		DeviceID:  deviceID,
		ChatID:    chatID,
		Type:      env.Type,
		Payload:   env.Payload,
		CreatedAt: env.TS,
	})
	if err != nil {
		b.log.Warn("broadcast.missed.enqueue.fail", "user_id", userID, "device_id", deviceID, "chat_id", chatID, "type", env.Type, "err", err)
		return
	}
	missedQueued.Inc()
}

// WireMessage converts a stored message to its protocol form.
func WireMessage(m StoredMessage) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ChatID:         m.ChatID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		SenderDeviceID: m.SenderDeviceID,
		ClientMsgID:    m.ClientMsgID,
		Type:           m.Kind,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
}

func sessionInfo(s session.Session) v1.SessionInfo {
	return v1.SessionInfo{
		ID:           s.ID,
		DeviceID:     s.DeviceID,
		DeviceName:   s.DeviceName,
		OS:           s.OS,
		IPAddress:    s.IPAddress,
		Location:     s.Location,
		LastActiveAt: s.LastActiveAt,
		CreatedAt:    s.CreatedAt,
	}
}
