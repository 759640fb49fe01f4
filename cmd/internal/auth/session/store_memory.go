package session

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a process-local Store for development and tests.
// All transitions happen under one mutex, which makes Claim a true CAS.
type InMemoryStore struct {
	mu   sync.Mutex
	rows map[string]Row

	// names resolves claimant display names on read, like the users join.
	names func(claimantID string) (string, bool)
}

// NewInMemoryStore returns an empty store. names may be nil.
func NewInMemoryStore(names func(claimantID string) (string, bool)) *InMemoryStore {
	return &InMemoryStore{rows: make(map[string]Row), names: names}
}

func (s *InMemoryStore) Create(ctx context.Context, row Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if row.Status == "" {
		row.Status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[row.ID]; ok {
		return ErrInvalidInput
	}
	row.ClaimantName = nil
	s.rows[row.ID] = row
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, sessionID string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}

	s.mu.Lock()
	row, ok := s.rows[sessionID]
	s.mu.Unlock()
	if !ok {
		return Row{}, ErrNotFound
	}

	if row.ClaimantID != nil && row.ClaimantName == nil && s.names != nil {
		if n, ok := s.names(*row.ClaimantID); ok {
			row.ClaimantName = &n
		}
	}
	return row, nil
}

func (s *InMemoryStore) MarkExpired(ctx context.Context, sessionID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[sessionID]
	if !ok || row.Status != StatusPending || !row.ExpiresAt.Before(now) {
		return nil
	}
	row.Status = StatusExpired
	s.rows[sessionID] = row
	return nil
}

func (s *InMemoryStore) Claim(ctx context.Context, in ClaimRecord) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[in.SessionID]
	if !ok || row.Status != StatusPending || !row.ExpiresAt.After(in.Now) {
		return Row{}, ErrNotClaimable
	}

	claimant := in.ClaimantID
	at := in.Now
	row.Status = StatusValidated
	row.ClaimantID = &claimant
	row.ValidatedAt = &at
	s.rows[in.SessionID] = row

	name := in.ClaimantName
	row.ClaimantName = &name
	return row, nil
}

func (s *InMemoryStore) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, row := range s.rows {
		if row.ExpiresAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}
