// Package v1 defines the messenger realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated for this contract.
const Subprotocol = "messenger.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeAuthenticate binds the connection to an access token (client -> server).
	TypeAuthenticate = "authenticate"
	// TypeAuthenticated confirms authentication (server -> client).
	TypeAuthenticated = "authenticated"
	// TypeAuthError reports an authentication failure (server -> client).
	TypeAuthError = "auth_error"
	// TypeTokenExpired reports that the presented access token is expired (server -> client).
	TypeTokenExpired = "token_expired"
	// TypeReauthenticate replaces an expired access token in place (client -> server).
	TypeReauthenticate = "reauthenticate"
	// TypeReauthenticated confirms in-place reauthentication (server -> client).
	TypeReauthenticated = "reauthenticated"

	// TypeRefreshToken rotates the token pair over the open channel (client -> server).
	TypeRefreshToken = "refresh_token"
	// TypeTokensRefreshed returns the rotated pair (server -> client).
	TypeTokensRefreshed = "tokens_refreshed"
	// TypeRefreshError reports a failed rotation (server -> client).
	TypeRefreshError = "refresh_error"

	TypeJoinChat   = "join_chat"
	TypeJoinedChat = "joined_chat"
	TypeLeaveChat  = "leave_chat"
	TypeLeftChat   = "left_chat"

	// TypeSendMessage requests sending a new message (client -> server).
	TypeSendMessage = "send_message"
	// TypeMessageSent acknowledges a persisted message to the sending connection (server -> client).
	TypeMessageSent = "message_sent"
	// TypeNewMessage delivers a persisted message to every other device (server -> client).
	TypeNewMessage = "new_message"
	// TypeMessageError reports a rejected chat mutation (server -> client).
	TypeMessageError = "message_error"

	TypeEditMessage    = "edit_message"
	TypeMessageEdited  = "message_edited"
	TypeDeleteMessage  = "delete_message"
	TypeMessageDeleted = "message_deleted"

	// TypeMessageRead is used in both directions: a receipt from the reader and its fan-out.
	TypeMessageRead = "message_read"

	TypeTyping            = "typing"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"

	// TypeChatUpdated refreshes the chat list entry (last message preview) on every device.
	TypeChatUpdated = "chat_updated"

	// TypeNewLogin tells a user's other devices that a new session was created.
	TypeNewLogin = "new_login"
	// TypeSessionTerminated is sent to the single device whose session was ended.
	// The server closes the connection after writing it.
	TypeSessionTerminated = "session_terminated"
	// TypeMissedNotifications replays notifications queued while the user was offline.
	TypeMissedNotifications = "missed_notifications"

	TypePing = "ping"
	TypePong = "pong"

	// TypeError is a generic protocol error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried in auth_error, refresh_error, message_error and error payloads.
const (
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeAccessTokenExpired  = "ACCESS_TOKEN_EXPIRED"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionInactive     = "SESSION_INACTIVE"
	CodeRefreshTokenExpired = "REFRESH_TOKEN_EXPIRED"
	CodeDeviceMismatch      = "DEVICE_MISMATCH"
	CodeTokenMismatch       = "TOKEN_MISMATCH"
	CodeUnknownUser         = "UNKNOWN_USER"
	CodeAuthTimeout         = "AUTH_TIMEOUT"
	CodeNotAuthenticated    = "NOT_AUTHENTICATED"
	CodeNotMember           = "NOT_MEMBER"
	CodeInvalidChat         = "INVALID_CHAT"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeNotFound            = "NOT_FOUND"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeBadJSON             = "BAD_JSON"
	CodeBadEnvelope         = "BAD_ENVELOPE"
	CodeUnsupported         = "UNSUPPORTED"
	CodeInternal            = "INTERNAL"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsClientType(e.Type) && !IsServerType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// IsClientType reports whether typ may be sent by a client.
func IsClientType(typ string) bool {
	switch typ {
	case TypeAuthenticate,
		TypeReauthenticate,
		TypeRefreshToken,
		TypeJoinChat,
		TypeLeaveChat,
		TypeSendMessage,
		TypeEditMessage,
		TypeDeleteMessage,
		TypeMessageRead,
		TypeTyping,
		TypePing:
		return true
	default:
		return false
	}
}

// IsServerType reports whether typ is emitted by the server.
func IsServerType(typ string) bool {
	switch typ {
	case TypeAuthenticated,
		TypeAuthError,
		TypeTokenExpired,
		TypeReauthenticated,
		TypeTokensRefreshed,
		TypeRefreshError,
		TypeJoinedChat,
		TypeLeftChat,
		TypeMessageSent,
		TypeNewMessage,
		TypeMessageError,
		TypeMessageEdited,
		TypeMessageDeleted,
		TypeMessageRead,
		TypeUserTyping,
		TypeUserStoppedTyping,
		TypeChatUpdated,
		TypeNewLogin,
		TypeSessionTerminated,
		TypeMissedNotifications,
		TypePong,
		TypeError:
		return true
	default:
		return false
	}
}

// IsChatMutation reports whether typ changes chat state and therefore requires a live,
// unexpired credential.
func IsChatMutation(typ string) bool {
	switch typ {
	case TypeSendMessage, TypeEditMessage, TypeDeleteMessage, TypeMessageRead, TypeTyping, TypeJoinChat:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// AuthenticatePayload is used by authenticate and reauthenticate.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload confirms the identity bound to the connection.
type AuthenticatedPayload struct {
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// AuthErrorPayload reports an authentication failure.
type AuthErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// TokenExpiredPayload tells the client to refresh and reauthenticate.
type TokenExpiredPayload struct {
	UserID       string `json:"userId"`
	NeedsRefresh bool   `json:"needsRefresh"`
}

// RefreshTokenPayload requests a token rotation.
type RefreshTokenPayload struct {
	RefreshToken string `json:"refreshToken"`
	DeviceID     string `json:"deviceId,omitempty"`
}

// TokensRefreshedPayload carries the rotated pair.
type TokensRefreshedPayload struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

// RefreshErrorPayload reports a failed rotation.
type RefreshErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ChatPayload is used by join_chat, joined_chat, leave_chat and left_chat.
type ChatPayload struct {
	ChatID string `json:"chatId"`
}

// SendMessagePayload requests sending a new message.
type SendMessagePayload struct {
	ChatID      string `json:"chatId"`
	Text        string `json:"text"`
	Type        string `json:"type,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// MessageSentPayload acknowledges a persisted message.
type MessageSentPayload struct {
	MessageID   string `json:"messageId"`
	ChatID      string `json:"chatId"`
	Status      string `json:"status"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	Seq         int64  `json:"seq"`
}

// Message is the wire view of a persisted message.
type Message struct {
	ID             string     `json:"id"`
	ChatID         string     `json:"chatId"`
	Seq            int64      `json:"seq"`
	SenderID       string     `json:"senderId"`
	SenderDeviceID string     `json:"senderDeviceId,omitempty"`
	ClientMsgID    string     `json:"clientMsgId,omitempty"`
	Type           string     `json:"type"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

// NewMessagePayload delivers a message to other devices.
type NewMessagePayload struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// MessageErrorPayload reports a rejected chat mutation.
// Original echoes the rejected request so the client can resubmit it.
type MessageErrorPayload struct {
	Error        string    `json:"error"`
	Code         string    `json:"code"`
	NeedsRefresh bool      `json:"needsRefresh,omitempty"`
	Original     *Envelope `json:"original,omitempty"`
}

// EditMessagePayload requests editing an own message.
type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Text      string `json:"text"`
}

// MessageEditedPayload announces an edit.
type MessageEditedPayload struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// DeleteMessagePayload requests deleting an own message.
type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// MessageDeletedPayload announces a deletion.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	DeletedBy string `json:"deletedBy"`
}

// MessageReadPayload is the read receipt. ReaderID is set by the server on fan-out.
type MessageReadPayload struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	ReaderID  string    `json:"readerId,omitempty"`
	ReadAt    time.Time `json:"readAt,omitempty"`
}

// TypingPayload is sent by a client while composing.
type TypingPayload struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// UserTypingPayload is used by user_typing and user_stopped_typing.
type UserTypingPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// ChatUpdatedPayload carries the chat list summary.
type ChatUpdatedPayload struct {
	ChatID      string  `json:"chatId"`
	LastMessage Message `json:"lastMessage"`
}

// SessionInfo is the wire view of a session shown to the user's devices.
type SessionInfo struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"deviceId"`
	DeviceName   string    `json:"deviceName,omitempty"`
	OS           string    `json:"os,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	Location     string    `json:"location,omitempty"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewLoginPayload announces a new session to the user's other devices.
type NewLoginPayload struct {
	Session SessionInfo `json:"session"`
}

// SessionTerminatedPayload tells a device its session has ended.
type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// MissedNotification is one queued notification.
type MissedNotification struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chatId,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// MissedNotificationsPayload replays queued notifications on authentication.
type MissedNotificationsPayload struct {
	Items []MissedNotification `json:"items"`
}

// ErrorPayload is a generic protocol error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
