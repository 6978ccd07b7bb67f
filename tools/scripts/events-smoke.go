// Package main provides a CI-friendly smoke test for sessiond eviction.
//
// It validates:
//   - internal admit creates a session
//   - events socket handshake, subprotocol selection and session.ready
//   - admitting past the cap evicts the least recently active device
//   - the evicted socket receives session.revoked and close code 4001
//   - the evicted device no longer validates
package main

import (
	"bytes"
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

	"github.com/coder/websocket"
)

const (
	subprotocol    = "sessiond.events.v1"
	statusRevoked  = websocket.StatusCode(4001)
	maxReadBytes   = 1 << 16
	typeReady      = "session.ready"
	typeRevoked    = "session.revoked"
	reasonEvicted  = "evicted"
	internalHeader = "X-Internal-Token"
)

type envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

type revokedPayload struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	Reason    string `json:"reason"`
}

type admitResult struct {
	Session struct {
		ID       string `json:"id"`
		DeviceID string `json:"device_id"`
	} `json:"session"`
	Outcome string `json:"outcome"`
	Evicted []struct {
		ID       string `json:"id"`
		DeviceID string `json:"device_id"`
	} `json:"evicted"`
}

type smoke struct {
	base       *url.URL
	token      string
	userHeader string
	userID     string
	origin     string
	timeout    time.Duration
	verbose    bool
	http       *http.Client
}

func main() {
	var (
		baseURL    = flag.String("url", "http://127.0.0.1:8080", "sessiond base URL")
		token      = flag.String("token", os.Getenv("SESSIOND_INTERNAL_TOKEN"), "Internal API token")
		userHeader = flag.String("user-header", "X-User-ID", "Header carrying the user id for the events socket")
		userID     = flag.String("user", "", "User id (default: generated)")
		origin     = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		maxPerUser = flag.Int("cap", 5, "Server MAX_SESSIONS_PER_USER")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*token) == "" {
		fatalf("-token or SESSIOND_INTERNAL_TOKEN is required")
	}
	if *maxPerUser < 1 {
		fatalf("-cap must be >= 1")
	}
	if *userID == "" {
		*userID = fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	}

	s := &smoke{
		base:       base,
		token:      *token,
		userHeader: *userHeader,
		userID:     *userID,
		origin:     *origin,
		timeout:    *timeout,
		verbose:    *verbose,
		http:       &http.Client{Timeout: *timeout},
	}
	root := context.Background()
	defer s.cleanup(root)

	first := s.mustAdmit(root, "device-0")
	if first.Outcome != "created" {
		fatalf("first admit: outcome=%q want=created", first.Outcome)
	}

	conn := s.mustConnect(root, "device-0")
	defer func() { _ = conn.CloseNow() }()

	// Fill the cap; the next admit must evict device-0, the least recently active.
	var last admitResult
	for i := 1; i <= *maxPerUser; i++ {
		time.Sleep(10 * time.Millisecond)
		last = s.mustAdmit(root, fmt.Sprintf("device-%d", i))
	}
	if last.Outcome != "replaced" {
		fatalf("admit past cap: outcome=%q want=replaced", last.Outcome)
	}
	if len(last.Evicted) != 1 || last.Evicted[0].ID != first.Session.ID {
		fatalf("admit past cap: evicted=%+v want=[%s]", last.Evicted, first.Session.ID)
	}

	env := mustRead(root, conn, s.timeout)
	if env.Type != typeRevoked {
		fatalf("expected %s, got %s", typeRevoked, env.Type)
	}
	var p revokedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal %s payload: %v", typeRevoked, err)
	}
	if p.SessionID != first.Session.ID || p.DeviceID != "device-0" || p.Reason != reasonEvicted {
		fatalf("unexpected revoked payload: %+v", p)
	}
	mustClosedWith(root, conn, statusRevoked, s.timeout)

	if s.mustValidate(root, "device-0") {
		fatalf("evicted device still validates")
	}
	if !s.mustValidate(root, fmt.Sprintf("device-%d", *maxPerUser)) {
		fatalf("newest device does not validate")
	}

	fmt.Println("OK")
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

func (s *smoke) mustAdmit(parent context.Context, deviceID string) admitResult {
	var out admitResult
	s.mustInternal(parent, "/internal/v1/sessions/admit", map[string]any{
		"user_id":     s.userID,
		"device_id":   deviceID,
		"device_name": "smoke " + deviceID,
		"platform":    "smoke",
	}, &out)
	if s.verbose {
		fmt.Printf("admit %s: outcome=%s id=%s evicted=%d\n", deviceID, out.Outcome, out.Session.ID, len(out.Evicted))
	}
	return out
}

func (s *smoke) mustValidate(parent context.Context, deviceID string) bool {
	var out struct {
		Valid bool `json:"valid"`
	}
	s.mustInternal(parent, "/internal/v1/sessions/validate", map[string]any{
		"user_id":   s.userID,
		"device_id": deviceID,
	}, &out)
	return out.Valid
}

func (s *smoke) cleanup(parent context.Context) {
	path := "/internal/v1/users/" + url.PathEscape(s.userID) + "/sessions/revoke_all"
	if _, err := s.postInternal(parent, path, map[string]any{}); err != nil && s.verbose {
		fmt.Printf("cleanup: %v\n", err)
	}
}

func (s *smoke) mustInternal(parent context.Context, path string, body, out any) {
	b, err := s.postInternal(parent, path, body)
	if err != nil {
		fatalf("%s: %v", path, err)
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal(b, out); err != nil {
		fatalf("%s: decode response: %v", path, err)
	}
}

func (s *smoke) postInternal(parent context.Context, path string, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base.JoinPath(path).String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(internalHeader, s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return b, nil
}

func (s *smoke) mustConnect(parent context.Context, deviceID string) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	u := *s.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/v1/sessions/events"
	u.RawQuery = url.Values{"device_id": {deviceID}}.Encode()

	h := http.Header{}
	h.Set(s.userHeader, s.userID)
	if strings.TrimSpace(s.origin) != "" {
		h.Set("Origin", s.origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", deviceID, err)
	}
	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	if env := mustRead(parent, conn, s.timeout); env.Type != typeReady {
		fatalf("expected %s first, got %s", typeReady, env.Type)
	}
	if s.verbose {
		fmt.Printf("connected %s\n", deviceID)
	}
	return conn
}

func mustRead(parent context.Context, conn *websocket.Conn, stepTimeout time.Duration) envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	_, b, err := conn.Read(ctx)
	if err != nil {
		fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func mustClosedWith(parent context.Context, conn *websocket.Conn, want websocket.StatusCode, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != want {
		fatalf("close status mismatch: got=%d want=%d (err=%v)", got, want, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
