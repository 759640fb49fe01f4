package authapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/httprate"
)

// maxTrackedClients bounds the limiter's memory; stale keys are swept past it.
const maxTrackedClients = 10_000

// claimLimiter is a per-client sliding-window limiter for claim attempts.
type claimLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration
}

func newClaimLimiter(limit int, window time.Duration) *claimLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &claimLimiter{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

// Allow records an attempt by key at now unless the key is over its budget.
// A nil limiter allows everything.
func (l *claimLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	evs := pruneWindow(l.events[key], now, l.window)
	if blocked, retry := evaluateWindowThrottle(now, evs, l.limit, l.window); blocked {
		l.events[key] = evs
		return false, retry
	}
	l.events[key] = append(evs, now)

	if len(l.events) > maxTrackedClients {
		l.sweep(now)
	}
	return true, 0
}

func (l *claimLimiter) sweep(now time.Time) {
	for k, evs := range l.events {
		evs = pruneWindow(evs, now, l.window)
		if len(evs) == 0 {
			delete(l.events, k)
			continue
		}
		l.events[k] = evs
	}
}

func pruneWindow(events []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := now.Add(-window)
	dst := events[:0]
	for _, t := range events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	return dst
}

// evaluateWindowThrottle reports whether limit events within window block a new one,
// and how long until the oldest in-window event ages out.
func evaluateWindowThrottle(now time.Time, events []time.Time, limit int, window time.Duration) (bool, time.Duration) {
	if limit <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	var (
		count  int
		oldest time.Time
	)
	for _, t := range events {
		if !t.After(cut) {
			continue
		}
		count++
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	if count < limit {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

// limitIssue caps session issuance per client IP. Issue is unauthenticated and
// writes a row per call, so it gets its own fixed-window budget.
func (h *Handler) limitIssue(next http.Handler) http.Handler {
	if h.cfg.IssueRateEvents <= 0 || h.cfg.IssueRateWindow <= 0 {
		return next
	}
	return httprate.Limit(h.cfg.IssueRateEvents, h.cfg.IssueRateWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
				return ip.String(), nil
			}
			return "unknown", nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			h.log.Warn("qr.issue.rate_limited", "ip", clientIP(r, h.cfg.TrustProxy))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		}),
	)(next)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, http.StatusTooManyRequests, claimFailure("rate_limited", "too many attempts"))
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
