package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (qrlogin.qr_sessions).
//
// The pool is owned by the caller; this store never closes it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "qrlogin").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("session: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "qrlogin"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) ident(table string) string {
	return pgx.Identifier{s.schema, table}.Sanitize()
}

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, row Row) error {
	if row.Status == "" {
		row.Status = StatusPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.ident("qr_sessions")+` (id, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, row.ID, string(row.Status), row.CreatedAt, row.ExpiresAt)
	return err
}

// Get loads a session row by id. The claimant display name comes from users.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Row, error) {
	var row Row
	err := pgxscan.Get(ctx, s.pool, &row, `
		SELECT
			q.id, q.status, q.created_at, q.expires_at,
			q.claimant_id, u.display_name AS claimant_name, q.validated_at
		FROM `+s.ident("qr_sessions")+` q
		LEFT JOIN `+s.ident("users")+` u ON u.id = q.claimant_id
		WHERE q.id = $1
	`, sessionID)
	if pgxscan.NotFound(err) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, err
	}
	return row, nil
}

// MarkExpired flips a pending, past-TTL row to expired. Terminal rows are untouched.
func (s *PostgresStore) MarkExpired(ctx context.Context, sessionID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.ident("qr_sessions")+`
		SET status = 'expired'
		WHERE id = $1
		  AND status = 'pending'
		  AND expires_at < $2
	`, sessionID, now)
	return err
}

// Claim performs the pending -> validated compare-and-swap in one statement.
func (s *PostgresStore) Claim(ctx context.Context, in ClaimRecord) (Row, error) {
	var row Row
	err := s.pool.QueryRow(ctx, `
		UPDATE `+s.ident("qr_sessions")+`
		   SET status = 'validated',
		       claimant_id = $2,
		       validated_at = $3
		 WHERE id = $1
		   AND status = 'pending'
		   AND expires_at > $3
		RETURNING id, status, created_at, expires_at, claimant_id, validated_at
	`, in.SessionID, in.ClaimantID, in.Now).Scan(
		&row.ID,
		&row.Status,
		&row.CreatedAt,
		&row.ExpiresAt,
		&row.ClaimantID,
		&row.ValidatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrNotClaimable
	}
	if err != nil {
		return Row{}, err
	}

	name := in.ClaimantName
	row.ClaimantName = &name
	return row, nil
}

// PurgeExpiredBefore deletes sessions that expired before cutoff.
func (s *PostgresStore) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM `+s.ident("qr_sessions")+`
		WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Ping reports whether the backing database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
