package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"qrlogin/cmd/identity/ids"
)

func TestInMemoryStore_CreateAndResolve(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	res, err := st.CreateUser(ctx, CreateUserInput{DisplayName: "  Ada   Lovelace ", Now: now})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if res.User.DisplayName != "Ada Lovelace" {
		t.Fatalf("display name=%q", res.User.DisplayName)
	}
	if !ids.IsULID(res.User.ID) {
		t.Fatalf("expected ULID user id, got %q", res.User.ID)
	}
	if res.MobileToken == "" {
		t.Fatalf("expected plain mobile token")
	}

	got, err := st.ResolveMobileToken(ctx, res.MobileToken)
	if err != nil {
		t.Fatalf("ResolveMobileToken: %v", err)
	}
	if got.ID != res.User.ID {
		t.Fatalf("resolved id=%q want %q", got.ID, res.User.ID)
	}
}

func TestInMemoryStore_UnknownTokenIsNotFound(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	_, err := st.ResolveMobileToken(context.Background(), "nope")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var nf NotFoundError
	if !errors.As(err, &nf) || nf.Resource != "mobile_token" {
		t.Fatalf("expected NotFoundError{mobile_token}, got %#v", err)
	}
}

func TestInMemoryStore_RotateInvalidatesOldToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()
	res, err := st.CreateUser(ctx, CreateUserInput{DisplayName: "Grace"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	fresh, err := st.RotateMobileToken(ctx, res.User.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("RotateMobileToken: %v", err)
	}
	if fresh == res.MobileToken {
		t.Fatalf("expected a new token")
	}
	if _, err := st.ResolveMobileToken(ctx, res.MobileToken); !IsNotFound(err) {
		t.Fatalf("old token must stop resolving, got %v", err)
	}
	u, err := st.ResolveMobileToken(ctx, fresh)
	if err != nil {
		t.Fatalf("resolve fresh: %v", err)
	}
	if u.RotatedAt == nil {
		t.Fatalf("expected RotatedAt to be set")
	}

	if _, err := st.RotateMobileToken(ctx, "missing", time.Time{}); !IsNotFound(err) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
}

func TestInMemoryStore_InvalidInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()

	cases := []string{"", "   ", strings.Repeat("x", MaxDisplayNameRunes+1)}
	for _, name := range cases {
		if _, err := st.CreateUser(ctx, CreateUserInput{DisplayName: name}); !IsInvalidInput(err) {
			t.Fatalf("CreateUser(%q): expected invalid input, got %v", name, err)
		}
	}
	if _, err := st.ResolveMobileToken(ctx, "  "); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input for blank token, got %v", err)
	}
}

func TestInMemoryStore_AddUserWithTokenConflict(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	now := time.Now().UTC()
	if _, err := st.AddUserWithToken("Demo", "dev-token", now); err != nil {
		t.Fatalf("AddUserWithToken: %v", err)
	}
	if _, err := st.AddUserWithToken("Other", "dev-token", now); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestNormalizeDisplayName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "Ada", want: "Ada"},
		{in: "  Ada \t Lovelace\n", want: "Ada Lovelace"},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := NormalizeDisplayName(tc.in); got != tc.want {
			t.Fatalf("NormalizeDisplayName(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
