package identity

import (
	"context"
	"os"
	"testing"
	"time"

	"qrlogin/cmd/internal/db"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when QRLOGIN_DATABASE_URL is set.

func TestPostgresStore_CreateResolveRotate(t *testing.T) {
	ctx := context.Background()
	pool := mustPGXPool(ctx, t)

	st, err := NewPostgresStore(pool)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	res, err := st.CreateUser(ctx, CreateUserInput{DisplayName: "  Katherine   Johnson ", Now: now})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM qrlogin.users WHERE id = $1`, res.User.ID)
	})
	if res.MobileToken == "" || res.User.DisplayName != "Katherine Johnson" {
		t.Fatalf("unexpected create result: %+v", res.User)
	}

	got, err := st.ResolveMobileToken(ctx, res.MobileToken)
	if err != nil {
		t.Fatalf("ResolveMobileToken: %v", err)
	}
	if got.ID != res.User.ID {
		t.Fatalf("resolved %q want %q", got.ID, res.User.ID)
	}

	if _, err := st.ResolveMobileToken(ctx, "definitely-not-issued"); !IsNotFound(err) {
		t.Fatalf("expected not found for unknown token, got %v", err)
	}

	rotated, err := st.RotateMobileToken(ctx, res.User.ID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("RotateMobileToken: %v", err)
	}
	if _, err := st.ResolveMobileToken(ctx, res.MobileToken); !IsNotFound(err) {
		t.Fatalf("old token must stop resolving, got %v", err)
	}
	if got, err := st.ResolveMobileToken(ctx, rotated); err != nil || got.ID != res.User.ID {
		t.Fatalf("new token: user=%+v err=%v", got, err)
	}

	u, err := st.GetUser(ctx, res.User.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.RotatedAt == nil || !u.RotatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("RotatedAt=%v", u.RotatedAt)
	}

	if _, err := st.RotateMobileToken(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", now); !IsNotFound(err) {
		t.Fatalf("rotate unknown user: expected not found, got %v", err)
	}
}

func mustPGXPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("QRLOGIN_DATABASE_URL")
	if dbURL == "" {
		t.Skip("QRLOGIN_DATABASE_URL is not set; skipping Postgres integration test")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		if os.Getenv("CI") == "" {
			t.Skipf("postgres unreachable: %v", err)
		}
		t.Fatalf("ping: %v", err)
	}

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}
