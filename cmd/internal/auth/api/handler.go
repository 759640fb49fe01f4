package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"qrlogin/cmd/internal/auth/session"
	"qrlogin/cmd/internal/metrics"
	"qrlogin/cmd/internal/render"
	v1 "qrlogin/shared/contracts/qrlogin/v1"
)

// Handler wires the QR login HTTP endpoints to the session service.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Service
	renderer render.Renderer
	metrics  *metrics.Metrics
	audit    AuditSink
	limiter  *claimLimiter
	issue    http.Handler

	now func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithRenderer overrides the default PNG renderer.
func WithRenderer(r render.Renderer) HandlerOption {
	return func(h *Handler) {
		if h == nil || r == nil {
			return
		}
		h.renderer = r
	}
}

// WithMetrics records request outcomes on m.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		if h == nil {
			return
		}
		h.metrics = m
	}
}

// WithAuditSink overrides the default no-op audit sink.
func WithAuditSink(s AuditSink) HandlerOption {
	return func(h *Handler) {
		if h == nil || s == nil {
			return
		}
		h.audit = s
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs a Handler around sessions.
func NewHandler(log *slog.Logger, sessions *session.Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("authapi: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		renderer: render.NewPNGRenderer(cfg.QRSize),
		audit:    NoopAuditSink{},
		limiter:  newClaimLimiter(cfg.ClaimRateEvents, cfg.ClaimRateWindow),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	if h.cfg.MaxBodyBytes <= 0 {
		h.cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	h.issue = h.limitIssue(http.HandlerFunc(h.handleIssue))
	return h, nil
}

// Register wires the QR routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api", h.handleDispatch)
	mux.Handle("/qr/issue", h.issue)
	mux.HandleFunc("/qr/check", h.handleCheck)
	mux.HandleFunc("/qr/claim", h.handleClaim)
}

// SessionService returns the underlying session service.
func (h *Handler) SessionService() *session.Service {
	if h == nil {
		return nil
	}
	return h.sessions
}

// ---- handlers ----

const dispatchAllow = "GET, POST, OPTIONS"

// handleDispatch serves the action-style entry point: /api?action=pair|check|validate.
// OPTIONS is answered for every action; browser preflights are handled by the CORS middleware first.
func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Allow", dispatchAllow)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	switch r.URL.Query().Get("action") {
	case "pair":
		h.issue.ServeHTTP(w, r)
	case "check":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.check(w, r, r.URL.Query().Get("sessionId"))
	case "validate":
		h.handleClaim(w, r)
	default:
		writeError(w, http.StatusBadRequest, "invalid_action", "invalid action")
	}
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}

	ctx := r.Context()
	now := h.now()

	issued, err := h.sessions.Issue(ctx, now)
	if err != nil {
		h.log.Error("qr.issue.fail", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, v1.ErrorResponse{
			Error:   "database error",
			Code:    "store_unavailable",
			Details: "please retry later",
		})
		return
	}

	img, err := h.renderer.Render(issued.Payload)
	if err != nil {
		// The session stays pending and expires on its own.
		h.metrics.RenderFailed()
		h.log.Error("qr.issue.render.fail", "err", err, "session_id", issued.ID)
		writeJSON(w, http.StatusInternalServerError, v1.ErrorResponse{
			Error:   "qr code generation error",
			Code:    "render_failed",
			Details: "please retry later",
		})
		return
	}

	h.metrics.SessionIssued()
	h.auditIssued(ctx, issued.ID, clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()))
	h.log.Debug("qr.issue.success", "session_id", issued.ID)

	writeJSON(w, http.StatusOK, v1.IssueResponse{
		Success:     true,
		SessionID:   issued.ID,
		Payload:     issued.Payload,
		QRImage:     render.DataURI(h.renderer.ContentType(), img),
		ExpiresIn:   int(issued.ExpiresIn / time.Second),
		ExpiresAt:   formatTime(issued.ExpiresAt),
		CurrentTime: formatTime(now),
	})
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		id = q.Get("sessionId")
	}
	h.check(w, r, id)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request, sessionID string) {
	now := h.now()

	snap, err := h.sessions.Check(r.Context(), sessionID, now)
	if err != nil {
		status, code, msg := checkFailure(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("qr.check.fail", "err", err)
		}
		h.metrics.SessionChecked(v1.CheckError)
		writeJSON(w, status, v1.CheckResponse{
			Status:      v1.CheckError,
			CurrentTime: formatTime(now),
			Code:        code,
			Message:     msg,
		})
		return
	}

	resp := PresentSnapshot(snap)
	h.metrics.SessionChecked(resp.Status)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	key := "unknown"
	if ip != nil {
		key = ip.String()
	}
	if ok, retryAfter := h.limiter.Allow(key, now); !ok {
		h.metrics.ClaimResult("rate_limited")
		h.auditClaimRateLimited(ctx, ip, ua, retryAfter)
		writeRateLimited(w, retryAfter)
		return
	}

	req, err := decodeClaim(w, r, h.cfg.MaxBodyBytes)
	if err != nil {
		h.metrics.ClaimResult("invalid_request")
		if errors.Is(err, errUnsupportedBody) {
			writeJSON(w, http.StatusUnsupportedMediaType, claimFailure("unsupported_media_type", "expected JSON or form body"))
			return
		}
		writeJSON(w, http.StatusBadRequest, claimFailure("invalid_json", "invalid request body"))
		return
	}

	sessionID := strings.TrimSpace(req.Session())
	claimed, err := h.sessions.Claim(ctx, sessionID, req.Token(), now)
	if err != nil {
		status, code, msg := claimError(err)
		h.metrics.ClaimResult(code)
		switch {
		case status >= http.StatusInternalServerError:
			h.log.Error("qr.claim.fail", "err", err, "session_id", sessionID)
		case code != "invalid_request":
			h.auditClaimFailed(ctx, sessionID, ip, ua, code)
			h.log.Info("qr.claim.rejected", "code", code, "session_id", sessionID)
		}
		writeJSON(w, status, claimFailure(code, msg))
		return
	}

	h.metrics.ClaimResult("success")
	h.auditClaimSuccess(ctx, claimed.SessionID, claimed.Claimant.ID, ip, ua)
	h.log.Info("qr.claim.success", "session_id", claimed.SessionID, "user_id", claimed.Claimant.ID)

	writeJSON(w, http.StatusOK, v1.ClaimResponse{
		Success:      true,
		Message:      "session validated successfully",
		ClaimantName: claimed.Claimant.DisplayName,
		ValidatedAt:  formatTime(claimed.ValidatedAt),
	})
}

// ---- mapping ----

func checkFailure(err error) (status int, code, msg string) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", "session id is required"
	default:
		return http.StatusServiceUnavailable, "store_unavailable", "please retry later"
	}
}

func claimError(err error) (status int, code, msg string) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", "session id and mobile token are required"
	case errors.Is(err, session.ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid_credentials", "invalid mobile token"
	case errors.Is(err, session.ErrNotClaimable):
		return http.StatusNotFound, "session_unavailable", session.ErrNotClaimable.Error()
	default:
		return http.StatusServiceUnavailable, "store_unavailable", "please retry later"
	}
}

func claimFailure(code, msg string) v1.ClaimResponse {
	return v1.ClaimResponse{Success: false, Code: code, Message: msg}
}

// PresentSnapshot converts an inspector snapshot to its wire form.
func PresentSnapshot(snap session.Snapshot) v1.CheckResponse {
	resp := v1.CheckResponse{CurrentTime: formatTime(snap.CheckedAt)}
	if !snap.ExpiresAt.IsZero() {
		resp.ExpiresAt = formatTime(snap.ExpiresAt)
	}

	switch snap.Status {
	case session.StatusPending:
		resp.Status = v1.CheckPending
	case session.StatusValidated:
		resp.Status = v1.CheckSuccess
		if snap.Claimant != nil {
			resp.ClaimantName = snap.Claimant.DisplayName
			resp.ClaimantID = snap.Claimant.ID
		}
		if snap.ValidatedAt != nil {
			resp.ValidatedAt = formatTime(*snap.ValidatedAt)
		}
	default:
		resp.Status = v1.CheckExpired
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
