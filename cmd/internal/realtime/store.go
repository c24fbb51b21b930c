package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a message does not exist in the chat.
	ErrNotFound = errors.New("realtime: not found")

	// ErrForbidden is returned when a user mutates a message they did not send.
	ErrForbidden = errors.New("realtime: forbidden")

	// ErrInvalidInput is returned for malformed store input.
	ErrInvalidInput = errors.New("realtime: invalid input")
)

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	ID             string
	ChatID         string
	Seq            int64
	SenderID       string
	SenderDeviceID string
	ClientMsgID    string
	Kind           string
	Text           string
	CreatedAt      time.Time
	EditedAt       *time.Time
	DeletedAt      *time.Time
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per (chat_id, client_msg_id)
//   - Monotonic seq per chat (no gaps for duplicates)
//   - History ordered by seq ASC
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	// Edit replaces the text of a message sent by editorID.
	Edit(ctx context.Context, chatID, messageID, editorID, text string, now time.Time) (StoredMessage, error)
	// Delete soft-deletes a message sent by userID.
	Delete(ctx context.Context, chatID, messageID, userID string, now time.Time) (StoredMessage, error)
	// MarkRead records a read receipt. Re-reading keeps the first timestamp.
	MarkRead(ctx context.Context, chatID, messageID, readerID string, now time.Time) (time.Time, error)
	History(ctx context.Context, in HistoryInput) (HistoryResult, error)
}

// AppendInput describes a message append request.
type AppendInput struct {
	ChatID         string
	ClientMsgID    string
	SenderID       string
	SenderDeviceID string
	Kind           string
	Text           string
	Now            time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// HistoryInput describes a history query request.
type HistoryInput struct {
	ChatID   string
	AfterSeq *int64
	Limit    int
}

// HistoryResult contains the retrieved history window.
type HistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

// MembershipStore defines the authorization boundary for chat membership.
type MembershipStore interface {
	// IsMember returns true if userID is a member of chatID.
	IsMember(ctx context.Context, userID, chatID string) (bool, error)
	// ChatsOf lists the chats userID belongs to.
	ChatsOf(ctx context.Context, userID string) ([]string, error)
	// MembersOf lists the members of chatID.
	MembersOf(ctx context.Context, chatID string) ([]string, error)
	// AddMember is idempotent.
	AddMember(ctx context.Context, chatID, userID string, now time.Time) error
}

// Missed is a notification queued for a device that could not take it live.
// An empty DeviceID addresses whichever device of the user drains it first.
type Missed struct {
	ID        string
	UserID    string
	DeviceID  string
	ChatID    string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// MissedStore queues notifications for offline or token-expired devices.
type MissedStore interface {
	Enqueue(ctx context.Context, m Missed) error
	// Drain removes and returns up to limit of the oldest notifications addressed
	// to deviceID or to any device of userID.
	Drain(ctx context.Context, userID, deviceID string, limit int) ([]Missed, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func clampHistoryLimit(n int) int {
	if n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}
