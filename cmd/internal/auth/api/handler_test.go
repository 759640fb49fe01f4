package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"qrlogin/cmd/internal/auth/session"
	"qrlogin/cmd/internal/metrics"
	v1 "qrlogin/shared/contracts/qrlogin/v1"

	"github.com/google/uuid"
)

const testToken = "tok-ada-0123456789abcdef"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Action)
	}
	return out
}

type failingRenderer struct{}

func (failingRenderer) Render(string) ([]byte, error) { return nil, errors.New("encoder exploded") }
func (failingRenderer) ContentType() string           { return "image/png" }

type downStore struct{}

func (downStore) Create(context.Context, session.Row) error { return errors.New("db down") }
func (downStore) Get(context.Context, string) (session.Row, error) {
	return session.Row{}, errors.New("db down")
}
func (downStore) MarkExpired(context.Context, string, time.Time) error { return errors.New("db down") }
func (downStore) Claim(context.Context, session.ClaimRecord) (session.Row, error) {
	return session.Row{}, errors.New("db down")
}
func (downStore) PurgeExpiredBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

type fixture struct {
	h     *Handler
	mux   *http.ServeMux
	clock *testClock
	audit *recordingAudit
	m     *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config, store session.Store, opts ...HandlerOption) fixture {
	t.Helper()

	resolver := session.ResolverFunc(func(_ context.Context, tok string) (session.Claimant, error) {
		if tok != testToken {
			return session.Claimant{}, session.ErrInvalidCredential
		}
		return session.Claimant{ID: "01HZADA", DisplayName: "Ada Lovelace"}, nil
	})
	if store == nil {
		store = session.NewInMemoryStore(func(id string) (string, bool) {
			return "Ada Lovelace", id == "01HZADA"
		})
	}
	svc, err := session.NewService(session.DefaultConfig(), store, resolver)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	f := fixture{
		clock: &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		audit: &recordingAudit{},
		m:     metrics.New(),
	}
	opts = append([]HandlerOption{WithClock(f.clock.Now), WithAuditSink(f.audit), WithMetrics(f.m)}, opts...)
	f.h, err = NewHandler(nil, svc, cfg, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	f.mux = http.NewServeMux()
	f.h.Register(f.mux)
	return f
}

func (f fixture) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, r)
	return rr
}

func (f fixture) issue(t *testing.T) v1.IssueResponse {
	t.Helper()
	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/qr/issue", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("issue status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out v1.IssueResponse
	decodeBody(t, rr, &out)
	return out
}

func (f fixture) check(t *testing.T, id string) v1.CheckResponse {
	t.Helper()
	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/qr/check?id="+url.QueryEscape(id), nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("check status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out v1.CheckResponse
	decodeBody(t, rr, &out)
	return out
}

func claimJSON(sessionID, token string) *http.Request {
	body, _ := json.Marshal(map[string]string{"sessionId": sessionID, "mobileAuthToken": token})
	r := httptest.NewRequest(http.MethodPost, "/qr/claim", strings.NewReader(string(body)))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestIssue_ReturnsSessionAndImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), nil)
	out := f.issue(t)

	if !out.Success {
		t.Fatalf("expected success")
	}
	if _, err := uuid.Parse(out.SessionID); err != nil {
		t.Fatalf("sessionId not a UUID: %q", out.SessionID)
	}
	if out.Payload != out.SessionID {
		t.Fatalf("payload=%q want %q", out.Payload, out.SessionID)
	}
	if out.ExpiresIn != 90 {
		t.Fatalf("expiresIn=%d want 90", out.ExpiresIn)
	}
	if out.ExpiresAt != "2026-05-01T09:01:30Z" || out.CurrentTime != "2026-05-01T09:00:00Z" {
		t.Fatalf("unexpected times: %+v", out)
	}
	if !strings.HasPrefix(out.QRImage, "data:image/png;base64,") {
		t.Fatalf("unexpected qrImage prefix: %.40s", out.QRImage)
	}
	if got := f.audit.actions(); len(got) != 1 || got[0] != auditSessionIssued {
		t.Fatalf("audit=%v", got)
	}
}

func TestDispatcher_Routes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), nil)

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/api?action=pair", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("pair status=%d", rr.Code)
	}
	var iss v1.IssueResponse
	decodeBody(t, rr, &iss)

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/api?action=check&sessionId="+iss.SessionID, nil))
	var chk v1.CheckResponse
	decodeBody(t, rr, &chk)
	if rr.Code != http.StatusOK || chk.Status != v1.CheckPending {
		t.Fatalf("check status=%d body=%+v", rr.Code, chk)
	}

	form := url.Values{"sessionId": {iss.SessionID}, "mobileAuthToken": {testToken}}
	req := httptest.NewRequest(http.MethodPost, "/api?action=validate", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = f.do(t, req)
	var cl v1.ClaimResponse
	decodeBody(t, rr, &cl)
	if rr.Code != http.StatusOK || !cl.Success || cl.ClaimantName != "Ada Lovelace" {
		t.Fatalf("validate status=%d body=%+v", rr.Code, cl)
	}

	for _, tc := range []struct {
		target string
		want   int
	}{
		{"/api", http.StatusBadRequest},
		{"/api?action=nope", http.StatusBadRequest},
	} {
		rr := f.do(t, httptest.NewRequest(http.MethodGet, tc.target, nil))
		if rr.Code != tc.want {
			t.Fatalf("%s: status=%d want %d", tc.target, rr.Code, tc.want)
		}
		var e v1.ErrorResponse
		decodeBody(t, rr, &e)
		if e.Code != "invalid_action" {
			t.Fatalf("%s: code=%q", tc.target, e.Code)
		}
	}
}

func TestDispatcher_BareOptions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), nil)
	for _, target := range []string{"/api", "/api?action=pair", "/api?action=check", "/api?action=validate"} {
		rr := f.do(t, httptest.NewRequest(http.MethodOptions, target, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("OPTIONS %s: status=%d want 204", target, rr.Code)
		}
		if got := rr.Header().Get("Allow"); got != "GET, POST, OPTIONS" {
			t.Fatalf("OPTIONS %s: Allow=%q", target, got)
		}
		if rr.Body.Len() != 0 {
			t.Fatalf("OPTIONS %s: unexpected body %q", target, rr.Body.String())
		}
	}
	if got := f.audit.actions(); len(got) != 0 {
		t.Fatalf("OPTIONS must not reach actions, audit=%v", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), nil)
	tests := []struct {
		method, target, allow string
	}{
		{http.MethodPost, "/qr/issue", http.MethodGet},
		{http.MethodPost, "/api?action=pair", http.MethodGet},
		{http.MethodPost, "/qr/check?id=x", http.MethodGet},
		{http.MethodPost, "/api?action=check&sessionId=x", http.MethodGet},
		{http.MethodGet, "/qr/claim", http.MethodPost},
		{http.MethodGet, "/api?action=validate", http.MethodPost},
	}
	for _, tc := range tests {
		rr := f.do(t, httptest.NewRequest(tc.method, tc.target, nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: status=%d", tc.method, tc.target, rr.Code)
		}
		if got := rr.Header().Get("Allow"); got != tc.allow {
			t.Fatalf("%s %s: Allow=%q want %q", tc.method, tc.target, got, tc.allow)
		}
	}
}

func TestCheck_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), nil)
	iss := f.issue(t)

	if got := f.check(t, iss.SessionID); got.Status != v1.CheckPending {
		t.Fatalf("status=%q want pending", got.Status)
	}
	f.clock.Advance(91 * time.Second)
	got := f.check(t, iss.SessionID)
	if got.Status != v1.CheckExpired {
		t.Fatalf("status=%q want expired", got.Status)
	}
	if got.CurrentTime != "2026-05-01T09:01:31Z" {
		t.Fatalf("currentTime=%q", got.CurrentTime)
	}
}

type expiryRefusingStore struct {
	*session.InMemoryStore
}

func (expiryRefusingStore) MarkExpired(context.Context, string, time.Time) error {
	return errors.New("write refused")
}

func TestCheck_ExpiredWhenExpiryWriteFails(t *testing.T) {
	t.Parallel()

	st := expiryRefusingStore{InMemoryStore: session.NewInMemoryStore(nil)}
	f := newFixture(t, DefaultConfig(), st)
	iss := f.issue(t)

	for _, step := range []time.Duration{91 * time.Second, time.Hour} {
		f.clock.Advance(step)
		rr := f.do(t, httptest.NewRequest(http.MethodGet, "/qr/check?id="+iss.SessionID, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
		}
		var out v1.CheckResponse
		decodeBody(t, rr, &out)
		if out.Status != v1.CheckExpired {
			t.Fatalf("status=%q want expired", out.Status)
		}
	}

	row, err := st.Get(context.Background(), iss.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != session.StatusPending {
		t.Fatalf("stored=%q want pending", row.Status)
	}
}

func TestCheck_UnknownAndInvalid(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), nil)
	if got := f.check(t, uuid.NewString()); got.Status != v1.CheckExpired {
		t.Fatalf("unknown id status=%q want expired", got.Status)
	}

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/qr/check", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty id status=%d want 400", rr.Code)
	}
	var out v1.CheckResponse
	decodeBody(t, rr, &out)
	if out.Status != v1.CheckError || out.Code != "invalid_request" {
		t.Fatalf("unexpected body: %+v", out)
	}
}

func TestClaim_SuccessThenCheckThenReplay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), nil)
	iss := f.issue(t)
	f.clock.Advance(5 * time.Second)

	rr := f.do(t, claimJSON(iss.SessionID, testToken))
	var cl v1.ClaimResponse
	decodeBody(t, rr, &cl)
	if rr.Code != http.StatusOK || !cl.Success {
		t.Fatalf("claim status=%d body=%+v", rr.Code, cl)
	}
	if cl.ValidatedAt != "2026-05-01T09:00:05Z" {
		t.Fatalf("validatedAt=%q", cl.ValidatedAt)
	}

	chk := f.check(t, iss.SessionID)
	if chk.Status != v1.CheckSuccess || chk.ClaimantName != "Ada Lovelace" || chk.ClaimantID != "01HZADA" {
		t.Fatalf("unexpected check: %+v", chk)
	}

	rr = f.do(t, claimJSON(iss.SessionID, testToken))
	decodeBody(t, rr, &cl)
	if rr.Code != http.StatusNotFound || cl.Success || cl.Code != "session_unavailable" {
		t.Fatalf("replay status=%d body=%+v", rr.Code, cl)
	}
	if cl.Message != "session not found or expired" {
		t.Fatalf("message=%q", cl.Message)
	}

	want := []string{auditSessionIssued, auditClaimSucceeded, auditClaimFailed}
	got := f.audit.actions()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("audit=%v want %v", got, want)
	}
}

func TestClaim_Failures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), nil)
	iss := f.issue(t)

	tests := []struct {
		name string
		req  *http.Request
		want int
		code string
	}{
		{"bad token", claimJSON(iss.SessionID, "wrong"), http.StatusUnauthorized, "invalid_credentials"},
		{"unknown session", claimJSON(uuid.NewString(), testToken), http.StatusNotFound, "session_unavailable"},
		{"missing token", claimJSON(iss.SessionID, ""), http.StatusBadRequest, "invalid_request"},
		{"missing session", claimJSON("", testToken), http.StatusBadRequest, "invalid_request"},
		{"malformed json", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/qr/claim", strings.NewReader(`{"sessionId":`))
			r.Header.Set("Content-Type", "application/json")
			return r
		}(), http.StatusBadRequest, "invalid_json"},
		{"trailing data", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/qr/claim", strings.NewReader(`{"sessionId":"a"} {}`))
			r.Header.Set("Content-Type", "application/json")
			return r
		}(), http.StatusBadRequest, "invalid_json"},
		{"plain text that is not json", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/qr/claim", strings.NewReader(`hello`))
			r.Header.Set("Content-Type", "text/plain")
			return r
		}(), http.StatusBadRequest, "invalid_json"},
		{"wrong media type", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/qr/claim", strings.NewReader(`<claim/>`))
			r.Header.Set("Content-Type", "application/xml")
			return r
		}(), http.StatusUnsupportedMediaType, "unsupported_media_type"},
	}
	for _, tc := range tests {
		rr := f.do(t, tc.req)
		if rr.Code != tc.want {
			t.Fatalf("%s: status=%d want %d body=%s", tc.name, rr.Code, tc.want, rr.Body.String())
		}
		var out v1.ClaimResponse
		decodeBody(t, rr, &out)
		if out.Success || out.Code != tc.code {
			t.Fatalf("%s: body=%+v want code %q", tc.name, out, tc.code)
		}
	}

	// None of the failures touched the session.
	if got := f.check(t, iss.SessionID); got.Status != v1.CheckPending {
		t.Fatalf("status=%q want pending", got.Status)
	}
}

func TestClaim_LenientJSONBodies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, contentType, body string
	}{
		{"extra fields ignored", "application/json", `{"sessionId":%q,"mobileAuthToken":%q,"deviceName":"Pixel 9"}`},
		{"text/plain read as json", "text/plain;charset=UTF-8", `{"sessionId":%q,"mobileAuthToken":%q}`},
	}
	for _, tc := range tests {
		f := newFixture(t, DefaultConfig(), nil)
		iss := f.issue(t)

		r := httptest.NewRequest(http.MethodPost, "/api?action=validate", strings.NewReader(fmt.Sprintf(tc.body, iss.SessionID, testToken)))
		r.Header.Set("Content-Type", tc.contentType)
		rr := f.do(t, r)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status=%d body=%s", tc.name, rr.Code, rr.Body.String())
		}
		var out v1.ClaimResponse
		decodeBody(t, rr, &out)
		if !out.Success || out.ClaimantName != "Ada Lovelace" {
			t.Fatalf("%s: body=%+v", tc.name, out)
		}
		if got := f.check(t, iss.SessionID); got.Status != v1.CheckSuccess {
			t.Fatalf("%s: status=%q want success", tc.name, got.Status)
		}
	}
}

func TestClaim_AfterExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), nil)
	iss := f.issue(t)
	f.clock.Advance(90 * time.Second)

	rr := f.do(t, claimJSON(iss.SessionID, testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rr.Code)
	}
}

func TestClaim_RateLimitedPerClient(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ClaimRateEvents = 2
	cfg.ClaimRateWindow = time.Minute
	f := newFixture(t, cfg, nil)

	for i := 0; i < 2; i++ {
		rr := f.do(t, claimJSON(uuid.NewString(), "wrong"))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status=%d", i, rr.Code)
		}
	}

	rr := f.do(t, claimJSON(uuid.NewString(), testToken))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After=%q want 60", got)
	}

	// A different client is unaffected.
	other := claimJSON(uuid.NewString(), testToken)
	other.RemoteAddr = "198.51.100.7:4000"
	if rr := f.do(t, other); rr.Code != http.StatusNotFound {
		t.Fatalf("other client status=%d want 404", rr.Code)
	}

	f.clock.Advance(time.Minute)
	if rr := f.do(t, claimJSON(uuid.NewString(), testToken)); rr.Code != http.StatusNotFound {
		t.Fatalf("after window status=%d want 404", rr.Code)
	}
}

func TestIssue_RenderFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), nil, WithRenderer(failingRenderer{}))
	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/qr/issue", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", rr.Code)
	}
	var out v1.ErrorResponse
	decodeBody(t, rr, &out)
	if out.Code != "render_failed" {
		t.Fatalf("code=%q", out.Code)
	}

	srv := httptest.NewServer(f.m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "qrlogin_render_failures_total 1") {
		t.Fatalf("render failure not counted")
	}
}

func TestStoreUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig(), downStore{})

	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/qr/issue", nil))
	var e v1.ErrorResponse
	decodeBody(t, rr, &e)
	if rr.Code != http.StatusServiceUnavailable || e.Code != "store_unavailable" {
		t.Fatalf("issue status=%d body=%+v", rr.Code, e)
	}

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/qr/check?id=abc", nil))
	var c v1.CheckResponse
	decodeBody(t, rr, &c)
	if rr.Code != http.StatusServiceUnavailable || c.Status != v1.CheckError || c.Code != "store_unavailable" {
		t.Fatalf("check status=%d body=%+v", rr.Code, c)
	}

	rr = f.do(t, claimJSON("abc", testToken))
	var cl v1.ClaimResponse
	decodeBody(t, rr, &cl)
	if rr.Code != http.StatusServiceUnavailable || cl.Code != "store_unavailable" {
		t.Fatalf("claim status=%d body=%+v", rr.Code, cl)
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ClaimRateEvents = 1000
	f := newFixture(t, cfg, nil)
	iss := f.issue(t)

	const n = 32
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := httptest.NewRecorder()
			f.mux.ServeHTTP(rr, claimJSON(iss.SessionID, testToken))
			codes <- rr.Code
		}()
	}
	wg.Wait()
	close(codes)

	wins := 0
	for c := range codes {
		switch c {
		case http.StatusOK:
			wins++
		case http.StatusNotFound:
		default:
			t.Fatalf("unexpected status %d", c)
		}
	}
	if wins != 1 {
		t.Fatalf("wins=%d want 1", wins)
	}
}

func TestIssue_RateLimitedPerClient(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.IssueRateEvents = 2
	cfg.IssueRateWindow = time.Hour
	f := newFixture(t, cfg, nil)

	f.issue(t)
	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/api?action=pair", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("second issue status=%d", rr.Code)
	}

	rr = f.do(t, httptest.NewRequest(http.MethodGet, "/qr/issue", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d want 429", rr.Code)
	}
	var body v1.ErrorResponse
	decodeBody(t, rr, &body)
	if body.Code != "rate_limited" {
		t.Fatalf("code=%q want rate_limited", body.Code)
	}

	other := httptest.NewRequest(http.MethodGet, "/qr/issue", nil)
	other.RemoteAddr = "198.51.100.7:4000"
	if rr := f.do(t, other); rr.Code != http.StatusOK {
		t.Fatalf("other client status=%d want 200", rr.Code)
	}
}
