package authapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	auditSessionIssued    = "qr.session.issued"
	auditClaimSucceeded   = "qr.claim.success"
	auditClaimFailed      = "qr.claim.failed"
	auditClaimRateLimited = "qr.claim.rate_limited"
)

// AuditEvent is one security-relevant occurrence.
type AuditEvent struct {
	Action    string
	SessionID string
	UserID    string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// AuditSink persists audit events. Failures never affect the request outcome.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// NoopAuditSink discards events.
type NoopAuditSink struct{}

func (NoopAuditSink) Record(context.Context, AuditEvent) error { return nil }

// PostgresAuditSink appends events to qrlogin.audit_log.
type PostgresAuditSink struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresAuditSink returns a sink writing to schema.audit_log.
func NewPostgresAuditSink(pool *pgxpool.Pool, schema string) (*PostgresAuditSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("authapi: nil pool")
	}
	if strings.TrimSpace(schema) == "" {
		schema = "qrlogin"
	}
	return &PostgresAuditSink{
		pool:  pool,
		table: pgx.Identifier{schema, "audit_log"}.Sanitize(),
	}, nil
}

func (s *PostgresAuditSink) Record(ctx context.Context, ev AuditEvent) error {
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return nil
	}

	var ipVal any
	if ev.IP != nil {
		ipVal = ev.IP.String()
	}

	var metaVal *string
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			m := string(b)
			metaVal = &m
		}
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (
			action, session_id, user_id, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, action, trimOrNil(ev.SessionID), trimOrNil(ev.UserID), at, ipVal, trimOrNil(ev.UserAgent), metaVal)
	return err
}

func (h *Handler) auditIssued(ctx context.Context, sessionID string, ip net.IP, ua string) {
	h.insertAudit(ctx, AuditEvent{Action: auditSessionIssued, SessionID: sessionID, IP: ip, UserAgent: ua})
}

func (h *Handler) auditClaimSuccess(ctx context.Context, sessionID, userID string, ip net.IP, ua string) {
	h.insertAudit(ctx, AuditEvent{Action: auditClaimSucceeded, SessionID: sessionID, UserID: userID, IP: ip, UserAgent: ua})
}

func (h *Handler) auditClaimFailed(ctx context.Context, sessionID string, ip net.IP, ua string, reason string) {
	h.insertAudit(ctx, AuditEvent{Action: auditClaimFailed, SessionID: sessionID, IP: ip, UserAgent: ua, Meta: map[string]any{
		"reason": reason,
	}})
}

func (h *Handler) auditClaimRateLimited(ctx context.Context, ip net.IP, ua string, retryAfter time.Duration) {
	h.insertAudit(ctx, AuditEvent{Action: auditClaimRateLimited, IP: ip, UserAgent: ua, Meta: map[string]any{
		"retry_after_s": int64(retryAfter.Seconds()),
	}})
}

func (h *Handler) insertAudit(ctx context.Context, ev AuditEvent) {
	if h == nil || h.audit == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	if err := h.audit.Record(ctx, ev); err != nil {
		h.log.Error("qr.audit.insert.fail", "err", err, "action", ev.Action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
