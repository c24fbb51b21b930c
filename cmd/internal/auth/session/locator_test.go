package session

import (
	"context"
	"testing"

	"messenger/cmd/security/token"
)

func TestParseLocations(t *testing.T) {
	t.Parallel()

	loc, err := ParseLocations(" 10.20.0.0/16=Berlin office ; 10.20.5.0/24 = Berlin lab;2001:db8::/32=IPv6 lab;")
	if err != nil {
		t.Fatalf("ParseLocations: %v", err)
	}

	tests := []struct {
		ip   string
		want string
	}{
		{"10.20.1.7", "Berlin office"},
		{"10.20.5.9", "Berlin lab"},
		{"::ffff:10.20.5.9", "Berlin lab"},
		{"2001:db8::1", "IPv6 lab"},
		{"10.99.0.1", LocalNetworkLabel},
		{"127.0.0.1", LocalNetworkLabel},
		{"203.0.113.10", ""},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := loc.Locate(tt.ip); got != tt.want {
			t.Fatalf("Locate(%q)=%q want %q", tt.ip, got, tt.want)
		}
	}
}

func TestParseLocations_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"10.0.0.0/8", "10.0.0.0/8=", "bogus=Office", "10.0.0.0/33=Office"} {
		if _, err := ParseLocations(in); err == nil {
			t.Fatalf("ParseLocations(%q) accepted", in)
		}
	}
	if l, err := ParseLocations(""); err != nil || l.Locate("198.51.100.1") != "" {
		t.Fatalf("empty table: err=%v", err)
	}
}

func TestCreateSession_FillsLocation(t *testing.T) {
	t.Parallel()

	cfg := testConfig(FormatPaseto)
	loc, err := ParseLocations("198.51.100.0/24=Branch")
	if err != nil {
		t.Fatalf("ParseLocations: %v", err)
	}
	m, err := NewManager(cfg, NewInMemoryStore(), mustCodec(t, cfg), token.NewHasher(nil), WithLocator(loc))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	s, _, err := m.CreateSession(context.Background(), "u1", DeviceDescriptor{DeviceID: "d1"}, "198.51.100.23")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Location != "Branch" {
		t.Fatalf("location=%q", s.Location)
	}

	list, err := m.ListActive(context.Background(), "u1")
	if err != nil || len(list) != 1 || list[0].Location != "Branch" {
		t.Fatalf("list=%+v err=%v", list, err)
	}
}
