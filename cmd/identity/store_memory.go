package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"qrlogin/cmd/identity/ids"
	"qrlogin/cmd/security/token"
)

// InMemoryStore is a dev/test Store used when no database is configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	users   map[string]User   // id -> user
	byToken map[string]string // token hash -> id
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:   make(map[string]User),
		byToken: make(map[string]string),
	}
}

// CreateUser registers a user and returns its plain mobile token.
func (s *InMemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (CreateUserResult, error) {
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

	u := User{ID: userID, DisplayName: name, CreatedAt: now}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = u
	s.byToken[token.HashMobileTokenHex(plain)] = userID

	return CreateUserResult{User: u, MobileToken: plain}, nil
}

// AddUserWithToken registers a user with a caller-chosen token.
// It exists for dev seeding; production users get generated tokens.
func (s *InMemoryStore) AddUserWithToken(displayName, mobileToken string, now time.Time) (User, error) {
	const op = "identity.AddUserWithToken"

	name := NormalizeDisplayName(displayName)
	mobileToken = strings.TrimSpace(mobileToken)
	if !validDisplayName(name) || mobileToken == "" {
		return User{}, invalid(op, "display name and token are required")
	}
	userID, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}
	hash := token.HashMobileTokenHex(mobileToken)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byToken[hash]; taken {
		return User{}, ConflictError{Op: op, Field: "mobile_token"}
	}
	u := User{ID: userID, DisplayName: name, CreatedAt: now}
	s.users[userID] = u
	s.byToken[hash] = userID
	return u, nil
}

// GetUser loads a user by id.
func (s *InMemoryStore) GetUser(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[strings.TrimSpace(userID)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetUser", Resource: "user"}
	}
	return u, nil
}

// ResolveMobileToken maps a token to its owner.
func (s *InMemoryStore) ResolveMobileToken(ctx context.Context, mobileToken string) (User, error) {
	const op = "identity.ResolveMobileToken"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	mobileToken = strings.TrimSpace(mobileToken)
	if mobileToken == "" {
		return User{}, invalid(op, "mobile token is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[token.HashMobileTokenHex(mobileToken)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "mobile_token"}
	}
	return s.users[id], nil
}

// RotateMobileToken replaces the token of userID.
func (s *InMemoryStore) RotateMobileToken(ctx context.Context, userID string, now time.Time) (string, error) {
	const op = "identity.RotateMobileToken"

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	plain, err := token.NewOpaqueToken(token.DefaultTokenBytes)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[strings.TrimSpace(userID)]
	if !ok {
		return "", NotFoundError{Op: op, Resource: "user"}
	}
	for hash, id := range s.byToken {
		if id == u.ID {
			delete(s.byToken, hash)
		}
	}
	s.byToken[token.HashMobileTokenHex(plain)] = u.ID
	u.RotatedAt = &now
	s.users[u.ID] = u
	return plain, nil
}
