package identity

import (
	"context"
	"testing"
	"time"
)

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "+1 (555) 010-9999", want: "+15550109999"},
		{in: "7 912 000 11 22", want: "+79120001122"},
		{in: "  +4915112345678 ", want: "+4915112345678"},
		{in: "12345", want: ""},
		{in: "+1 555 abc", want: ""},
		{in: "1+5550109999", want: ""},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := NormalizePhone(tc.in); got != tc.want {
			t.Fatalf("NormalizePhone(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestStaticCodeVerifier(t *testing.T) {
	t.Parallel()

	v := StaticCodeVerifier{Code: "123456"}
	ctx := context.Background()

	if err := v.VerifyCode(ctx, "+15550109999", "123456"); err != nil {
		t.Fatalf("expected valid code, got %v", err)
	}
	if err := v.VerifyCode(ctx, "+15550109999", "000000"); !IsInvalidCode(err) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	if err := v.VerifyCode(ctx, "bad", "123456"); !IsInvalidInput(err) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := (StaticCodeVerifier{}).VerifyCode(ctx, "+15550109999", ""); !IsInvalidCode(err) {
		t.Fatalf("empty configured code must reject everything, got %v", err)
	}
}

func TestInMemoryStore_FindOrCreateByPhone_IsStable(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	u1, err := s.FindOrCreateByPhone(ctx, "+1 555 010 9999", now)
	if err != nil {
		t.Fatalf("FindOrCreateByPhone: %v", err)
	}
	u2, err := s.FindOrCreateByPhone(ctx, "+15550109999", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("FindOrCreateByPhone: %v", err)
	}
	if u1.ID != u2.ID {
		t.Fatalf("same phone must resolve to the same user: %s != %s", u1.ID, u2.ID)
	}

	got, err := s.GetByID(ctx, u1.ID)
	if err != nil || got.Phone != "+15550109999" {
		t.Fatalf("GetByID: %+v %v", got, err)
	}
	if _, err := s.GetByID(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.FindOrCreateByPhone(ctx, "nope", now); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
