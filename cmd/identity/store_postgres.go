package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"qrlogin/cmd/identity/ids"
	"qrlogin/cmd/security/token"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements identity persistence over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Only token hashes reach the database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "qrlogin").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore with secure defaults.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "qrlogin",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// CreateUser inserts a user with a freshly generated mobile token.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (CreateUserResult, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return CreateUserResult{}, err
	}

	name := NormalizeDisplayName(in.DisplayName)
	if !validDisplayName(name) {
		return CreateUserResult{}, invalid(op, "display name is required (max 120 chars)")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	userID, err := ids.NewULID(now)
	if err != nil {
		return CreateUserResult{}, err
	}
	plain, err := token.NewOpaqueToken(token.DefaultTokenBytes)
	if err != nil {
		return CreateUserResult{}, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("users")+` (id, display_name, mobile_token_hash, created_at)
		 VALUES ($1, $2, $3, $4)`,
		userID, name, token.HashMobileTokenHex(plain), now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return CreateUserResult{}, ConflictError{Op: op, Field: field}
		}
		return CreateUserResult{}, err
	}

	return CreateUserResult{
		User:        User{ID: userID, DisplayName: name, CreatedAt: now},
		MobileToken: plain,
	}, nil
}

// GetUser loads a user by id.
func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "user id is required")
	}

	var u User
	err := pgxscan.Get(ctx, s.pool, &u,
		`SELECT id, display_name, created_at, token_rotated_at
		   FROM `+s.ident("users")+`
		  WHERE id = $1`,
		userID,
	)
	if pgxscan.NotFound(err) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// ResolveMobileToken looks a user up by the hash of the presented token.
func (s *PostgresStore) ResolveMobileToken(ctx context.Context, mobileToken string) (User, error) {
	const op = "identity.ResolveMobileToken"

	mobileToken = strings.TrimSpace(mobileToken)
	if mobileToken == "" {
		return User{}, invalid(op, "mobile token is required")
	}

	var u User
	err := pgxscan.Get(ctx, s.pool, &u,
		`SELECT id, display_name, created_at, token_rotated_at
		   FROM `+s.ident("users")+`
		  WHERE mobile_token_hash = $1`,
		token.HashMobileTokenHex(mobileToken),
	)
	if pgxscan.NotFound(err) {
		return User{}, NotFoundError{Op: op, Resource: "mobile_token"}
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// RotateMobileToken issues a new token for userID and invalidates the old one.
func (s *PostgresStore) RotateMobileToken(ctx context.Context, userID string, now time.Time) (string, error) {
	const op = "identity.RotateMobileToken"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", invalid(op, "user id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	plain, err := token.NewOpaqueToken(token.DefaultTokenBytes)
	if err != nil {
		return "", err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.ident("users")+`
		    SET mobile_token_hash = $2,
		        token_rotated_at = $3
		  WHERE id = $1`,
		userID, token.HashMobileTokenHex(plain), now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return "", ConflictError{Op: op, Field: field}
		}
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", NotFoundError{Op: op, Resource: "user"}
	}
	return plain, nil
}

func (s *PostgresStore) ident(table string) string {
	return pgx.Identifier{s.schema, table}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case strings.Contains(c, "token"):
		return "mobile_token", true
	case strings.Contains(c, "pkey"):
		return "id", true
	default:
		return "unique", true
	}
}
