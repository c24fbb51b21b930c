package realtime

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestCanonicalID_OrderIndependent(t *testing.T) {
	t.Parallel()

	cases := []struct{ a, b, want string }{
		{"12", "7", "chat_12_7"},
		{"7", "12", "chat_12_7"},
		{"user_bob", "user_alice", "chat_alice_bob"},
		{"01HZX", "01HZA", "chat_01HZA_01HZX"},
	}
	for _, tc := range cases {
		got, err := CanonicalID(tc.a, tc.b)
		if err != nil {
			t.Fatalf("CanonicalID(%q,%q): %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Fatalf("CanonicalID(%q,%q)=%q want %q", tc.a, tc.b, got, tc.want)
		}
		rev, _ := CanonicalID(tc.b, tc.a)
		if rev != got {
			t.Fatalf("not symmetric: %q vs %q", got, rev)
		}
	}
}

func TestCanonicalID_Rejects(t *testing.T) {
	t.Parallel()

	for _, tc := range [][2]string{{"", "a"}, {"a", "a"}, {"a_b", "c"}, {"user_", "x"}} {
		if _, err := CanonicalID(tc[0], tc[1]); !errors.Is(err, ErrInvalidChat) {
			t.Fatalf("CanonicalID(%q,%q): expected ErrInvalidChat, got %v", tc[0], tc[1], err)
		}
	}
}

func TestParticipantsOf_RoundTrip(t *testing.T) {
	t.Parallel()

	id, err := CanonicalID("user_7", "user_12")
	if err != nil {
		t.Fatalf("CanonicalID: %v", err)
	}
	got := ParticipantsOf(id)
	slices.Sort(got)
	if !slices.Equal(got, []string{"12", "7"}) {
		t.Fatalf("ParticipantsOf(%q)=%v", id, got)
	}

	for _, bad := range []string{"", "chat_", "chat_a", "chat_a_b_c", "chat_a_a", "group_x", "dm_a_b"} {
		if p := ParticipantsOf(bad); p != nil {
			t.Fatalf("ParticipantsOf(%q)=%v want nil", bad, p)
		}
	}
}

func TestResolver_GroupMembership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	members := NewInMemoryMembershipStore()
	r := NewResolver(members)

	group := NewGroupChatID()
	if !IsGroupID(group) {
		t.Fatalf("IsGroupID(%q)=false", group)
	}
	for _, u := range []string{"alice", "bob", "carol"} {
		if err := members.AddMember(ctx, group, u, time.Now()); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
	}

	got, err := r.Participants(ctx, group)
	if err != nil || !slices.Equal(got, []string{"alice", "bob", "carol"}) {
		t.Fatalf("Participants=%v err=%v", got, err)
	}
	if ok, _ := r.IsParticipant(ctx, "dave", group); ok {
		t.Fatalf("dave should not be a participant")
	}
	if ok, _ := r.IsParticipant(ctx, "alice", "chat_alice_bob"); !ok {
		t.Fatalf("alice should be a participant of her direct chat")
	}
	if _, err := r.Participants(ctx, "nonsense"); !errors.Is(err, ErrInvalidChat) {
		t.Fatalf("expected ErrInvalidChat, got %v", err)
	}
}

func TestResolver_RememberDirectChat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	members := NewInMemoryMembershipStore()
	r := NewResolver(members)

	if err := r.Remember(ctx, "chat_alice_bob", time.Now()); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	for _, u := range []string{"alice", "bob"} {
		chats, err := r.ChatsOf(ctx, u)
		if err != nil || !slices.Equal(chats, []string{"chat_alice_bob"}) {
			t.Fatalf("ChatsOf(%s)=%v err=%v", u, chats, err)
		}
	}
}
