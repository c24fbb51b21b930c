package realtime

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	chatPrefix  = "chat_"
	groupPrefix = "group_"
	userPrefix  = "user_"
	chatSep     = "_"
)

// ErrInvalidChat is returned when a chat id does not parse.
var ErrInvalidChat = errors.New("realtime: invalid chat id")

// CanonicalID returns the direct chat id shared by two users, independent of
// argument order: chat_<lo>_<hi>.
func CanonicalID(a, b string) (string, error) {
	a = strings.TrimPrefix(strings.TrimSpace(a), userPrefix)
	b = strings.TrimPrefix(strings.TrimSpace(b), userPrefix)
	if !validParticipant(a) || !validParticipant(b) || a == b {
		return "", ErrInvalidChat
	}
	if b < a {
		a, b = b, a
	}
	return chatPrefix + a + chatSep + b, nil
}

// ParticipantsOf parses a direct chat id back into its two participants. It
// returns nil for anything that is not exactly two non-empty identifiers.
func ParticipantsOf(chatID string) []string {
	rest, ok := strings.CutPrefix(strings.TrimSpace(chatID), chatPrefix)
	if !ok {
		return nil
	}
	parts := strings.Split(rest, chatSep)
	if len(parts) != 2 || !validParticipant(parts[0]) || !validParticipant(parts[1]) || parts[0] == parts[1] {
		return nil
	}
	return parts
}

// IsGroupID reports whether chatID names a group chat.
func IsGroupID(chatID string) bool {
	rest, ok := strings.CutPrefix(chatID, groupPrefix)
	return ok && rest != "" && !strings.Contains(rest, chatSep)
}

func validParticipant(id string) bool {
	return id != "" && !strings.Contains(id, chatSep) && len(id) <= 64
}

// Resolver maps chat ids to participants. Direct chats are derived from the id
// itself; group chats come from the membership store. REST and realtime paths
// both go through it so they agree on naming.
type Resolver struct {
	members MembershipStore
}

// NewResolver constructs a Resolver. members may be nil when only direct chats are used.
func NewResolver(members MembershipStore) *Resolver {
	return &Resolver{members: members}
}

// Participants returns every user of chatID.
func (r *Resolver) Participants(ctx context.Context, chatID string) ([]string, error) {
	if p := ParticipantsOf(chatID); p != nil {
		return p, nil
	}
	if !IsGroupID(chatID) || r.members == nil {
		return nil, ErrInvalidChat
	}
	return r.members.MembersOf(ctx, chatID)
}

// IsParticipant reports whether userID belongs to chatID.
func (r *Resolver) IsParticipant(ctx context.Context, userID, chatID string) (bool, error) {
	if p := ParticipantsOf(chatID); p != nil {
		return p[0] == userID || p[1] == userID, nil
	}
	if !IsGroupID(chatID) || r.members == nil {
		return false, ErrInvalidChat
	}
	return r.members.IsMember(ctx, userID, chatID)
}

// ChatsOf lists the chats a user takes part in.
func (r *Resolver) ChatsOf(ctx context.Context, userID string) ([]string, error) {
	if r.members == nil {
		return nil, nil
	}
	return r.members.ChatsOf(ctx, userID)
}

// Remember records both participants of a direct chat so ChatsOf finds it on
// their next connection. Group chats are left untouched.
func (r *Resolver) Remember(ctx context.Context, chatID string, now time.Time) error {
	participants := ParticipantsOf(chatID)
	if r.members == nil || participants == nil {
		return nil
	}
	for _, u := range participants {
		if err := r.members.AddMember(ctx, chatID, u, now); err != nil {
			return err
		}
	}
	return nil
}
