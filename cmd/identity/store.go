package identity

import (
	"context"
	"time"
)

// User is a party that can claim QR login sessions from a trusted device.
type User struct {
	ID          string     `db:"id"`
	DisplayName string     `db:"display_name"`
	CreatedAt   time.Time  `db:"created_at"`
	RotatedAt   *time.Time `db:"token_rotated_at"`
}

// CreateUserInput describes a user provisioning request.
type CreateUserInput struct {
	DisplayName string
	Now         time.Time
}

// CreateUserResult returns the created user and the *plain* mobile token.
// The token must be handed to the device exactly once and never logged.
type CreateUserResult struct {
	User        User
	MobileToken string
}

// Store is the identity persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (CreateUserResult, error)
	GetUser(ctx context.Context, userID string) (User, error)

	// ResolveMobileToken maps a presented bearer token to its owner.
	// Unknown tokens return a NotFoundError; the caller must not learn anything else.
	ResolveMobileToken(ctx context.Context, mobileToken string) (User, error)

	// RotateMobileToken replaces the user's token; the old token stops resolving immediately.
	RotateMobileToken(ctx context.Context, userID string, now time.Time) (string, error)
}
