package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	v1 "messenger/shared/contracts/realtime/v1"
)

func TestRegistry_AdmitSubscribesOnlyWhenAuthenticated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	members := NewInMemoryMembershipStore()
	group := NewGroupChatID()
	_ = members.AddMember(ctx, group, "alice", time.Now())

	reg := NewRegistry(nil, NewResolver(members))

	c := NewConn("127.0.0.1", 16, time.Now())
	reg.Track(c)
	c.MarkTokenExpired(Binding{UserID: "alice", DeviceID: "d1", SessionID: "s1"})
	reg.Admit(ctx, c)

	if reg.IsSubscribed("alice", group) {
		t.Fatalf("token-expired connection must not subscribe to chats")
	}
	if got := len(reg.ConnectionsOf("alice")); got != 1 {
		t.Fatalf("expected the expired connection to be recorded, got %d", got)
	}

	c.Authenticate(Binding{UserID: "alice", DeviceID: "d1", SessionID: "s1", TokenExpiresAt: time.Now().Add(time.Hour)})
	reg.Admit(ctx, c)
	if !reg.IsSubscribed("alice", group) {
		t.Fatalf("authenticated connection should subscribe to member chats")
	}
}

func TestRegistry_RemoveLastConnectionDropsSubscriptions(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	c1 := connectedAs(t, reg, "alice", "d1", "s1")
	c2 := connectedAs(t, reg, "alice", "d2", "s2")
	reg.Subscribe("alice", "chat_alice_bob")

	reg.Remove(c1)
	if !reg.IsSubscribed("alice", "chat_alice_bob") {
		t.Fatalf("subscription dropped while a connection remains")
	}

	reg.Remove(c2)
	reg.Remove(c2) // idempotent
	if reg.IsSubscribed("alice", "chat_alice_bob") {
		t.Fatalf("subscription survived the last connection")
	}
	if st := reg.Stats(); st != (Stats{}) {
		t.Fatalf("residue after remove: %+v", st)
	}
}

func TestRegistry_SubscribeOfflineUserIsNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	if reg.Subscribe("ghost", "chat_a_ghost") {
		t.Fatalf("offline user must not be subscribed")
	}
	if len(reg.Subscribers("chat_a_ghost")) != 0 {
		t.Fatalf("unexpected subscribers")
	}
}

func TestRegistry_SendToUser_FiltersByState(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	live := connectedAs(t, reg, "alice", "d1", "s1")

	expired := NewConn("127.0.0.1", 16, time.Now())
	reg.Track(expired)
	expired.MarkTokenExpired(Binding{UserID: "alice", DeviceID: "d2", SessionID: "s2"})
	reg.Admit(context.Background(), expired)

	now := time.Now()
	if !reg.SendToUser("alice", newEnvelope(v1.TypeNewMessage, v1.NewMessagePayload{ChatID: "chat_alice_bob"}, now)) {
		t.Fatalf("expected delivery to the live connection")
	}
	if !reg.SendToUser("alice", newEnvelope(v1.TypeNewLogin, v1.NewLoginPayload{}, now)) {
		t.Fatalf("expected account event delivery")
	}

	if got := typesOf(drain(live)); len(got) != 2 {
		t.Fatalf("live connection got %v", got)
	}
	got := drain(expired)
	if countType(got, v1.TypeNewMessage) != 0 || countType(got, v1.TypeNewLogin) != 1 {
		t.Fatalf("expired connection got %v", typesOf(got))
	}
}

func TestRegistry_OnlyExpiredConnectionsCountAsUndelivered(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	c := NewConn("127.0.0.1", 16, time.Now())
	reg.Track(c)
	c.MarkTokenExpired(Binding{UserID: "bob", DeviceID: "d1", SessionID: "s1"})
	reg.Admit(context.Background(), c)

	if reg.SendToUser("bob", newEnvelope(v1.TypeNewMessage, nil, time.Now())) {
		t.Fatalf("chat payload to a token-expired user must report undelivered")
	}
}

func TestRegistry_DeliverChatReportsDeferredDevices(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }

	p1 := connectedAs(t, reg, "bob", "p1", "s1")
	tokenExpiredAs(t, reg, "bob", "p2", "s2")

	// p3 has a live connection and an expired one; the live one counts.
	connectedAs(t, reg, "bob", "p3", "s3")
	tokenExpiredAs(t, reg, "bob", "p3", "s3")

	// p4's token runs out at delivery time.
	stale := NewConn("127.0.0.1", 16, base)
	reg.Track(stale)
	stale.Authenticate(Binding{UserID: "bob", DeviceID: "p4", SessionID: "s4", TokenExpiresAt: base.Add(-time.Second)})
	reg.Admit(context.Background(), stale)

	d := reg.DeliverChat("bob", p1.ID, newEnvelope(v1.TypeNewMessage, nil, base))
	if d.Delivered != 1 {
		t.Fatalf("delivered=%d want 1", d.Delivered)
	}
	if len(d.Devices) != 1 || d.Devices[0] != "p3" {
		t.Fatalf("devices=%v want [p3]", d.Devices)
	}
	if len(d.Deferred) != 2 || d.Deferred[0] != "p2" || d.Deferred[1] != "p4" {
		t.Fatalf("deferred=%v want [p2 p4]", d.Deferred)
	}
	if got := drain(p1); len(got) != 0 {
		t.Fatalf("excluded connection got %v", typesOf(got))
	}
}

func TestRegistry_DeliveryExpiresStaleConnection(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	c := NewConn("127.0.0.1", 16, time.Now())
	reg.Track(c)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Authenticate(Binding{UserID: "bob", DeviceID: "d1", SessionID: "s1", TokenExpiresAt: base})
	reg.Admit(context.Background(), c)
	reg.now = func() time.Time { return base.Add(time.Second) }

	if reg.SendToUser("bob", newEnvelope(v1.TypeNewMessage, nil, base)) {
		t.Fatalf("expected no delivery to a connection whose token expired")
	}
	if c.State() != StateTokenExpired {
		t.Fatalf("state=%s want token_expired", c.State())
	}
	got := drain(c)
	if len(got) != 1 || got[0].env.Type != v1.TypeTokenExpired {
		t.Fatalf("got %v", typesOf(got))
	}
	p := mustPayload[v1.TokenExpiredPayload](t, got[0].env)
	if p.UserID != "bob" || !p.NeedsRefresh {
		t.Fatalf("payload=%+v", p)
	}
}

func TestRegistry_SendToUserExcept(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	d1 := connectedAs(t, reg, "alice", "d1", "s1")
	d2 := connectedAs(t, reg, "alice", "d2", "s2")

	reg.SendToUserExcept("alice", d1.ID, newEnvelope(v1.TypeChatUpdated, nil, time.Now()))
	reg.SendToUserExceptDevice("alice", "d2", newEnvelope(v1.TypeNewLogin, nil, time.Now()))
	reg.SendToDevice("alice", "d2", newEnvelope(v1.TypeError, nil, time.Now()))

	if got := typesOf(drain(d1)); len(got) != 1 || got[0] != v1.TypeNewLogin {
		t.Fatalf("d1 got %v", got)
	}
	if got := typesOf(drain(d2)); len(got) != 2 || got[0] != v1.TypeChatUpdated || got[1] != v1.TypeError {
		t.Fatalf("d2 got %v", got)
	}
}

func TestRegistry_CloseSessionTargetsOneDevice(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	d1 := connectedAs(t, reg, "alice", "d1", "s1")
	d2 := connectedAs(t, reg, "alice", "d2", "s2")

	env := newEnvelope(v1.TypeSessionTerminated, v1.SessionTerminatedPayload{SessionID: "s1", Reason: "logout"}, time.Now())
	if n := reg.CloseSession("alice", "s1", env); n != 1 {
		t.Fatalf("CloseSession affected %d connections", n)
	}

	got := drain(d1)
	if len(got) != 1 || !got[0].closeAfter || got[0].env.Type != v1.TypeSessionTerminated {
		t.Fatalf("d1 got %+v", got)
	}
	if len(drain(d2)) != 0 {
		t.Fatalf("d2 must not hear about another device's termination")
	}
	if conns := reg.ConnectionsOf("alice"); len(conns) != 1 || conns[0] != d2 {
		t.Fatalf("expected only d2 registered")
	}
}

func TestRegistry_SweepLeavesNoResidue(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	var conns []*Conn
	for _, u := range []string{"alice", "bob", "carol"} {
		for _, d := range []string{"d1", "d2"} {
			c := connectedAs(t, reg, u, d, u+d)
			reg.Subscribe(u, "group_x")
			conns = append(conns, c)
		}
	}
	for _, c := range conns {
		c.Close()
	}

	res := reg.Sweep(time.Now(), 10*time.Second)
	if res.Pruned != len(conns) {
		t.Fatalf("pruned=%d want %d", res.Pruned, len(conns))
	}
	if st := reg.Stats(); st != (Stats{}) {
		t.Fatalf("residue after sweep: %+v", st)
	}
	if len(reg.Subscribers("group_x")) != 0 {
		t.Fatalf("chat index not cleaned")
	}
}

func TestRegistry_SweepClosesUnauthenticated(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	now := time.Now()
	stale := NewConn("127.0.0.1", 16, now.Add(-11*time.Second))
	fresh := NewConn("127.0.0.1", 16, now.Add(-time.Second))
	reg.Track(stale)
	reg.Track(fresh)

	res := reg.Sweep(now, 10*time.Second)
	if res.TimedOut != 1 {
		t.Fatalf("timed out=%d", res.TimedOut)
	}
	got := drain(stale)
	if len(got) != 1 || !got[0].closeAfter || got[0].env.Type != v1.TypeAuthError {
		t.Fatalf("stale got %+v", got)
	}
	if p := mustPayload[v1.AuthErrorPayload](t, got[0].env); p.Code != v1.CodeAuthTimeout {
		t.Fatalf("code=%q", p.Code)
	}
	if st := reg.Stats(); st.Pending != 1 {
		t.Fatalf("pending=%d want 1", st.Pending)
	}
}

func TestRegistry_ConcurrentAdmitRemove(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewConn("127.0.0.1", 16, time.Now())
			reg.Track(c)
			c.Authenticate(Binding{UserID: "alice", DeviceID: "d", SessionID: "s", TokenExpiresAt: time.Now().Add(time.Hour)})
			reg.Admit(context.Background(), c)
			reg.Subscribe("alice", "group_x")
			reg.SendToUser("alice", newEnvelope(v1.TypeUserTyping, nil, time.Now()))
			reg.Remove(c)
		}()
	}
	wg.Wait()

	if st := reg.Stats(); st != (Stats{}) {
		t.Fatalf("residue: %+v", st)
	}
}
