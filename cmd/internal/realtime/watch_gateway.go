package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	authapi "qrlogin/cmd/internal/auth/api"
	"qrlogin/cmd/internal/auth/session"
	"qrlogin/cmd/internal/metrics"
	v1 "qrlogin/shared/contracts/qrlogin/v1"

	"github.com/coder/websocket"
)

// Inspector reports the status of a session as of now.
type Inspector interface {
	Check(ctx context.Context, sessionID string, now time.Time) (session.Snapshot, error)
}

// WatchConfig controls the watch stream.
type WatchConfig struct {
	PollInterval time.Duration
	WriteTimeout time.Duration
	MaxDuration  time.Duration

	// AllowedOrigins lists browser origins allowed to open a stream; "*" allows any.
	AllowedOrigins []string
}

// DefaultWatchConfig returns the defaults.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		PollInterval:   watchPollInterval,
		WriteTimeout:   watchWriteTimeout,
		MaxDuration:    watchMaxDuration,
		AllowedOrigins: []string{"*"},
	}
}

// LoadWatchConfigFromEnv reads QRLOGIN_WATCH_* overrides.
func LoadWatchConfigFromEnv() WatchConfig {
	def := DefaultWatchConfig()
	return WatchConfig{
		PollInterval:   envDurationWS("QRLOGIN_WATCH_POLL_INTERVAL", def.PollInterval),
		WriteTimeout:   envDurationWS("QRLOGIN_WATCH_WRITE_TIMEOUT", def.WriteTimeout),
		MaxDuration:    envDurationWS("QRLOGIN_WATCH_MAX_DURATION", def.MaxDuration),
		AllowedOrigins: envCSVWS("QRLOGIN_WATCH_ALLOWED_ORIGINS", strings.Join(def.AllowedOrigins, ",")),
	}
}

// WatchGateway is the WebSocket entrypoint for session status streams.
type WatchGateway struct {
	log       *slog.Logger
	inspector Inspector
	metrics   *metrics.Metrics
	cfg       WatchConfig

	anyOrigin      bool
	originPatterns []string

	now func() time.Time
}

// WatchOption configures a WatchGateway.
type WatchOption func(*WatchGateway)

// WithWatchMetrics tracks open streams on m.
func WithWatchMetrics(m *metrics.Metrics) WatchOption {
	return func(g *WatchGateway) { g.metrics = m }
}

// WithWatchClock overrides the wall clock passed to the inspector.
func WithWatchClock(now func() time.Time) WatchOption {
	return func(g *WatchGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewWatchGateway constructs a gateway polling inspector.
func NewWatchGateway(log *slog.Logger, inspector Inspector, cfg WatchConfig, opts ...WatchOption) (*WatchGateway, error) {
	if inspector == nil {
		return nil, errors.New("realtime: nil inspector")
	}
	if log == nil {
		log = slog.Default()
	}

	def := DefaultWatchConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}

	g := &WatchGateway{
		log:       log,
		inspector: inspector,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, a := range cfg.AllowedOrigins {
		if strings.TrimSpace(a) == "*" {
			g.anyOrigin = true
		}
	}
	// websocket.Accept only authorizes cross-origin requests matching OriginPatterns.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins)

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WatchGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWatch(w, r)
}

// HandleWatch upgrades the request and streams status changes for one session.
func (g *WatchGateway) HandleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("id"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(q.Get("sessionId"))
	}
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.anyOrigin,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "err", err, "origin", r.Header.Get("Origin"))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	g.metrics.WatcherOpened()
	defer g.metrics.WatcherClosed()

	conn.SetReadLimit(maxFrameBytes)

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithTimeout(ctx, g.cfg.MaxDuration)
	defer cancel()

	code, reason := g.stream(ctx, conn, sessionID)
	_ = conn.Close(code, reason)
}

// stream polls the inspector until a terminal status was sent or ctx ends.
func (g *WatchGateway) stream(ctx context.Context, conn *websocket.Conn, sessionID string) (websocket.StatusCode, string) {
	t := time.NewTicker(g.cfg.PollInterval)
	defer t.Stop()

	last := ""
	for {
		snap, err := g.inspector.Check(ctx, sessionID, g.now())
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return closeForContext(ctx)
		case errors.Is(err, session.ErrInvalidInput):
			g.sendError(ctx, conn, "invalid_request", "session id is required")
			return websocket.StatusPolicyViolation, "invalid session id"
		default:
			g.log.Error("ws.watch.check.fail", "err", err, "session_id", sessionID)
			g.sendError(ctx, conn, "store_unavailable", "please retry later")
			return websocket.StatusTryAgainLater, "store unavailable"
		}

		body := authapi.PresentSnapshot(snap)
		if body.Status != last {
			if err := g.send(ctx, conn, v1.TypeStatus, body); err != nil {
				if ctx.Err() != nil {
					return closeForContext(ctx)
				}
				g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
				return websocket.StatusAbnormalClosure, "write failed"
			}
			last = body.Status
		}
		if body.Status == v1.CheckSuccess || body.Status == v1.CheckExpired {
			return websocket.StatusNormalClosure, body.Status
		}

		select {
		case <-ctx.Done():
			return closeForContext(ctx)
		case <-t.C:
		}
	}
}

func closeForContext(ctx context.Context) (websocket.StatusCode, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return websocket.StatusGoingAway, "watch timeout"
	}
	return websocket.StatusNormalClosure, "context done"
}

func (g *WatchGateway) send(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	now := g.now()
	id, err := NewEnvelopeID(now)
	if err != nil {
		return err
	}
	env, err := v1.NewEnvelope(typ, id, now, payload)
	if err != nil {
		return err
	}
	return writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

func (g *WatchGateway) sendError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	if err := g.send(ctx, conn, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}); err != nil {
		g.log.Debug("ws.write.error_envelope.fail", "err", err)
	}
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- origin policy ----

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// ---- env helpers ----

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
