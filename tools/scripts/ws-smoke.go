// Package main provides a CI-friendly end-to-end smoke test for a running qrlogin server.
//
// It validates:
//   - issue returns a session id and QR payload
//   - the watch stream negotiates its subprotocol and reports pending
//   - claim with a known mobile token succeeds
//   - the watch stream pushes success and closes normally
//   - a second claim on the same session is refused
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "qrlogin/shared/contracts/qrlogin/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 16

type watchClient struct {
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "qrlogin base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tok     = flag.String("token", os.Getenv("QRLOGIN_DEV_USER_TOKEN"), "Mobile token of an existing user")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*tok) == "" {
		fatalf("-token (or QRLOGIN_DEV_USER_TOKEN) is required")
	}

	root := context.Background()
	httpc := &http.Client{Timeout: *timeout}

	var iss v1.IssueResponse
	mustGetJSON(httpc, base.JoinPath("/qr/issue").String(), http.StatusOK, &iss)
	if !iss.Success || iss.SessionID == "" || iss.Payload != iss.SessionID {
		fatalf("issue: unexpected response: %+v", iss)
	}
	if *verbose {
		fmt.Printf("issued: id=%s expires_in=%d\n", iss.SessionID, iss.ExpiresIn)
	}

	w := mustWatch(root, wsURL(base, iss.SessionID), *origin, *timeout)
	defer closeWS(w.conn)

	first := w.mustReadStatus(root, *timeout)
	if first.Status != v1.CheckPending {
		fatalf("watch: expected pending first, got %+v", first)
	}

	claim := mustClaim(httpc, base, iss.SessionID, *tok, http.StatusOK)
	if !claim.Success || claim.ClaimantName == "" {
		fatalf("claim: unexpected response: %+v", claim)
	}

	done := w.mustReadStatus(root, *timeout)
	if done.Status != v1.CheckSuccess || done.ClaimantName != claim.ClaimantName {
		fatalf("watch: expected success for %q, got %+v", claim.ClaimantName, done)
	}
	w.mustClose(root, *timeout)

	again := mustClaim(httpc, base, iss.SessionID, *tok, http.StatusNotFound)
	if again.Success || again.Code != "session_unavailable" {
		fatalf("second claim: expected session_unavailable, got %+v", again)
	}

	fmt.Printf("OK: session=%s claimant=%q validated_at=%s\n", iss.SessionID, claim.ClaimantName, claim.ValidatedAt)
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsURL(base *url.URL, sessionID string) string {
	u := base.JoinPath("/qr/watch")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"id": {sessionID}}.Encode()
	return u.String()
}

func mustGetJSON(c *http.Client, target string, wantStatus int, dst any) {
	resp, err := c.Get(target)
	if err != nil {
		fatalf("GET %s: %v", target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	mustDecode(resp, wantStatus, dst)
}

func mustClaim(c *http.Client, base *url.URL, sessionID, tok string, wantStatus int) v1.ClaimResponse {
	body, err := json.Marshal(v1.ClaimRequest{SessionID: sessionID, MobileAuthToken: tok})
	if err != nil {
		fatalf("marshal claim: %v", err)
	}
	resp, err := c.Post(base.JoinPath("/qr/claim").String(), "application/json", strings.NewReader(string(body)))
	if err != nil {
		fatalf("POST /qr/claim: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out v1.ClaimResponse
	mustDecode(resp, wantStatus, &out)
	return out
}

func mustDecode(resp *http.Response, wantStatus int, dst any) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read %s: %v", resp.Request.URL.Path, err)
	}
	if resp.StatusCode != wantStatus {
		fatalf("%s: status=%d want=%d body=%s", resp.Request.URL.Path, resp.StatusCode, wantStatus, raw)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		fatalf("%s: bad json: %v", resp.Request.URL.Path, err)
	}
}

func mustWatch(parent context.Context, target, origin string, stepTimeout time.Duration) *watchClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("watch connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	w := &watchClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 16),
		errCh: make(chan error, 1),
	}
	w.startReadLoop()
	return w
}

func (w *watchClient) startReadLoop() {
	go func() {
		defer close(w.inbox)

		for {
			_, data, err := w.conn.Read(context.Background())
			if err != nil {
				select {
				case w.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case w.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case w.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}
			w.inbox <- env
		}
	}()
}

func (w *watchClient) mustReadStatus(parent context.Context, stepTimeout time.Duration) v1.CheckResponse {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for status: %v", ctx.Err())
	case env, ok := <-w.inbox:
		if !ok {
			fatalf("watch closed while waiting for status: %v", <-w.errCh)
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
		}
		var st v1.CheckResponse
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			fatalf("unmarshal status payload: %v", err)
		}
		return st
	}
	return v1.CheckResponse{}
}

// mustClose waits for the server to end the stream with a normal closure.
func (w *watchClient) mustClose(parent context.Context, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for close: %v", ctx.Err())
		case env, ok := <-w.inbox:
			if ok {
				fatalf("unexpected envelope after terminal status: type=%q", env.Type)
			}
			err := <-w.errCh
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				fatalf("expected normal closure, got %v", err)
			}
			return
		}
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
