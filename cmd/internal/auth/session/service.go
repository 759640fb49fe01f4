package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// UnknownClaimantName is reported when a validated session's claimant has no display name.
const UnknownClaimantName = "Unknown user"

// Claimant is the identity bound to a session by a successful claim.
type Claimant struct {
	ID          string
	DisplayName string
}

// CredentialResolver maps a mobile credential token to its owner.
//
// Implementations return ErrInvalidCredential for tokens that resolve to nobody.
// Any other error is treated as infrastructure failure.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, token string) (Claimant, error)
}

// ResolverFunc adapts a function to CredentialResolver.
type ResolverFunc func(ctx context.Context, token string) (Claimant, error)

func (f ResolverFunc) ResolveCredential(ctx context.Context, token string) (Claimant, error) {
	return f(ctx, token)
}

// Issued is the result of issuing a session.
type Issued struct {
	ID        string
	Payload   string
	CreatedAt time.Time
	ExpiresAt time.Time
	ExpiresIn time.Duration
}

// Snapshot is the observed state of a session at CheckedAt.
// ExpiresAt is zero for ids that were never issued.
type Snapshot struct {
	ID          string
	Status      Status
	CheckedAt   time.Time
	ExpiresAt   time.Time
	Claimant    *Claimant
	ValidatedAt *time.Time
}

// Claimed is the result of a successful claim.
type Claimed struct {
	SessionID   string
	Claimant    Claimant
	ValidatedAt time.Time
}

// Service implements issue, check and claim over a Store.
//
// It keeps no state of its own; every operation takes the caller's notion of
// now so tests can drive the clock.
type Service struct {
	cfg    Config
	store  Store
	creds  CredentialResolver
	log    *slog.Logger
	tracer trace.Tracer
}

// Option configures a Service.
type Option func(*Service) error

// WithLogger sets the logger used for best-effort failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) error {
		if l == nil {
			return fmt.Errorf("session: nil logger")
		}
		s.log = l
		return nil
	}
}

// WithTracer overrides the tracer (defaults to the global provider).
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) error {
		if t == nil {
			return fmt.Errorf("session: nil tracer")
		}
		s.tracer = t
		return nil
	}
}

// NewService constructs a Service.
func NewService(cfg Config, store Store, creds CredentialResolver, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("session: nil store")
	}
	if creds == nil {
		return nil, fmt.Errorf("session: nil credential resolver")
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		creds:  creds,
		log:    slog.Default(),
		tracer: otel.Tracer("qrlogin/session"),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TTL returns the configured session lifetime.
func (s *Service) TTL() time.Duration { return s.cfg.TTL }

// Issue creates a pending session expiring at now + TTL.
//
// On store failure nothing is persisted and an ErrUnavailable OpError is returned.
func (s *Service) Issue(ctx context.Context, now time.Time) (Issued, error) {
	const op = "session.Issue"

	ctx, span := s.tracer.Start(ctx, op)
	defer span.End()

	id, err := NewSessionID()
	if err != nil {
		return Issued{}, s.fail(span, opErr(op, ErrUnavailable, err))
	}

	row := Row{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	if err := s.store.Create(ctx, row); err != nil {
		return Issued{}, s.fail(span, opErr(op, ErrUnavailable, err))
	}

	span.SetAttributes(attribute.String("qr.session_id", id))
	return Issued{
		ID:        id,
		Payload:   id,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
		ExpiresIn: s.cfg.TTL,
	}, nil
}

// Check reports the status of a session as of now.
//
// Unknown ids report expired. A pending row past its TTL reports expired and is
// marked so in the store on a best-effort basis.
func (s *Service) Check(ctx context.Context, sessionID string, now time.Time) (Snapshot, error) {
	const op = "session.Check"

	id, ok := normalizeSessionID(sessionID)
	if !ok {
		return Snapshot{}, opErr(op, ErrInvalidInput, errors.New("session id is required"))
	}

	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("qr.session_id", id)))
	defer span.End()

	snap := Snapshot{ID: id, CheckedAt: now}

	row, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		snap.Status = StatusExpired
		span.SetAttributes(attribute.String("qr.status", string(snap.Status)))
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, s.fail(span, opErr(op, ErrUnavailable, err))
	}

	snap.ExpiresAt = row.ExpiresAt

	if now.After(row.ExpiresAt) {
		if row.Status == StatusPending {
			if err := s.store.MarkExpired(ctx, id, now); err != nil {
				s.log.DebugContext(ctx, "qr.check.mark_expired_fail", "session_id", id, "err", err)
			}
		}
		snap.Status = StatusExpired
		span.SetAttributes(attribute.String("qr.status", string(snap.Status)))
		return snap, nil
	}

	snap.Status = row.Status
	if row.Status == StatusValidated {
		c := Claimant{DisplayName: UnknownClaimantName}
		if row.ClaimantID != nil {
			c.ID = *row.ClaimantID
		}
		if row.ClaimantName != nil && strings.TrimSpace(*row.ClaimantName) != "" {
			c.DisplayName = *row.ClaimantName
		}
		snap.Claimant = &c
		snap.ValidatedAt = row.ValidatedAt
	}

	span.SetAttributes(attribute.String("qr.status", string(snap.Status)))
	return snap, nil
}

// Claim binds the owner of credentialToken to a pending, unexpired session.
//
// Failures:
//   - ErrInvalidInput: empty id or token; nothing was looked up.
//   - ErrInvalidCredential: token resolves to nobody; no session was touched.
//   - ErrNotClaimable: unknown, expired or already validated (indistinguishable).
//   - ErrUnavailable: store or credential lookup failed.
func (s *Service) Claim(ctx context.Context, sessionID, credentialToken string, now time.Time) (Claimed, error) {
	const op = "session.Claim"

	id, ok := normalizeSessionID(sessionID)
	tok := strings.TrimSpace(credentialToken)
	if !ok || tok == "" {
		return Claimed{}, opErr(op, ErrInvalidInput, errors.New("session id and credential token are required"))
	}

	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("qr.session_id", id)))
	defer span.End()

	who, err := s.creds.ResolveCredential(ctx, tok)
	if errors.Is(err, ErrInvalidCredential) {
		return Claimed{}, s.fail(span, opErr(op, ErrInvalidCredential, nil))
	}
	if err != nil {
		return Claimed{}, s.fail(span, opErr(op, ErrUnavailable, err))
	}

	name := strings.TrimSpace(who.DisplayName)
	if name == "" {
		name = UnknownClaimantName
	}

	row, err := s.store.Claim(ctx, ClaimRecord{
		SessionID:    id,
		ClaimantID:   who.ID,
		ClaimantName: name,
		Now:          now,
	})
	if errors.Is(err, ErrNotClaimable) {
		return Claimed{}, s.fail(span, opErr(op, ErrNotClaimable, nil))
	}
	if err != nil {
		return Claimed{}, s.fail(span, opErr(op, ErrUnavailable, err))
	}

	validatedAt := now
	if row.ValidatedAt != nil {
		validatedAt = *row.ValidatedAt
	}

	span.SetAttributes(attribute.String("qr.claimant_id", who.ID))
	return Claimed{
		SessionID:   id,
		Claimant:    Claimant{ID: who.ID, DisplayName: name},
		ValidatedAt: validatedAt,
	}, nil
}

// PurgeExpiredBefore removes sessions that expired before cutoff.
func (s *Service) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "session.PurgeExpiredBefore"

	n, err := s.store.PurgeExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, opErr(op, ErrUnavailable, err)
	}
	return n, nil
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
