package session

import (
	"context"
	"time"
)

// Status is the lifecycle state of a QR login session.
type Status string

const (
	// StatusPending is a freshly issued session waiting to be claimed.
	StatusPending Status = "pending"
	// StatusValidated is a session claimed by a device. Terminal.
	StatusValidated Status = "validated"
	// StatusExpired is a session whose TTL elapsed before a claim. Terminal.
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusValidated || s == StatusExpired
}

// Row mirrors the qr_sessions row used by the session subsystem.
// ClaimantName is joined from users on read and is not stored on the session.
type Row struct {
	ID           string     `db:"id"`
	Status       Status     `db:"status"`
	CreatedAt    time.Time  `db:"created_at"`
	ExpiresAt    time.Time  `db:"expires_at"`
	ClaimantID   *string    `db:"claimant_id"`
	ClaimantName *string    `db:"claimant_name"`
	ValidatedAt  *time.Time `db:"validated_at"`
}

// ClaimRecord describes the pending -> validated transition.
type ClaimRecord struct {
	SessionID    string
	ClaimantID   string
	ClaimantName string
	Now          time.Time
}

// Store abstracts persistence for session state.
//
// Implementations must make Claim a single atomic compare-and-swap on
// status = pending AND expires_at > Now. Two concurrent claims on the same id
// must never both succeed.
type Store interface {
	// Create inserts a new pending session.
	Create(ctx context.Context, row Row) error

	// Get loads a session by id, with the claimant display name when validated.
	// Returns ErrNotFound when no row matches.
	Get(ctx context.Context, sessionID string) (Row, error)

	// MarkExpired moves a pending, past-TTL session to expired (idempotent).
	MarkExpired(ctx context.Context, sessionID string, now time.Time) error

	// Claim performs the conditional transition to validated.
	// Returns ErrNotClaimable when zero rows matched.
	Claim(ctx context.Context, in ClaimRecord) (Row, error)

	// PurgeExpiredBefore deletes sessions whose expires_at is before cutoff.
	// It is a retention tool; the state machine itself never deletes.
	PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
