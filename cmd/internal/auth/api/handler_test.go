package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sessiond/cmd/internal/auth/session"

	"github.com/go-chi/chi/v5"
)

const testToken = "internal-test-token"

// stepClock advances one second per reading so admission order is deterministic.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestServer(t *testing.T, store session.Store, cfg Config) *httptest.Server {
	t.Helper()

	if store == nil {
		store = session.NewMemoryStore()
	}
	scfg := session.DefaultConfig()
	scfg.MaxSessionsPerUser = 2

	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := session.NewService(scfg, store, session.WithClock(clock))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	h, err := NewHandler(nil, svc, cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	r := chi.NewRouter()
	h.Register(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func defaultTestConfig() Config {
	cfg := DefaultConfig()
	cfg.InternalToken = testToken
	return cfg
}

type call struct {
	method string
	path   string
	body   any
	token  string
	userID string
}

func do(t *testing.T, ts *httptest.Server, c call) (*http.Response, []byte) {
	t.Helper()

	var body bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&body).Encode(c.body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequest(c.method, ts.URL+c.path, &body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(internalTokenHeader, c.token)
	}
	if c.userID != "" {
		req.Header.Set(defaultUserHeader, c.userID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", c.method, c.path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out.Bytes()
}

func mustStatus(t *testing.T, resp *http.Response, body []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("unmarshal error body: %v (%s)", err, body)
	}
	return string(e.Error.Code)
}

func admit(t *testing.T, ts *httptest.Server, userID, deviceID string) admitResponse {
	t.Helper()

	resp, body := do(t, ts, call{
		method: http.MethodPost,
		path:   "/internal/v1/sessions/admit",
		token:  testToken,
		body:   admitRequest{UserID: userID, DeviceID: deviceID},
	})
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		t.Fatalf("admit %s/%s: status %d: %s", userID, deviceID, resp.StatusCode, body)
	}
	var out admitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal admit: %v", err)
	}
	return out
}

func TestInternalSurface_RequiresToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, defaultTestConfig())

	for _, token := range []string{"", "wrong-token"} {
		resp, body := do(t, ts, call{
			method: http.MethodPost,
			path:   "/internal/v1/sessions/validate",
			token:  token,
			body:   keyRequest{UserID: "u", DeviceID: "A"},
		})
		mustStatus(t, resp, body, http.StatusUnauthorized)
		if got := errorCode(t, body); got != "unauthorized" {
			t.Fatalf("expected unauthorized, got %q", got)
		}
	}
}

func TestInternalSurface_UnmountedWithoutToken(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, DefaultConfig())

	resp, body := do(t, ts, call{
		method: http.MethodPost,
		path:   "/internal/v1/sessions/admit",
		body:   admitRequest{UserID: "u", DeviceID: "A"},
	})
	mustStatus(t, resp, body, http.StatusNotFound)
}

func TestAdmit_CreatesRenewsAndEvicts(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, defaultTestConfig())

	a := admit(t, ts, "u", "A")
	if a.Outcome != string(session.OutcomeCreated) || a.Session.DeviceID != "A" {
		t.Fatalf("unexpected first admit: %+v", a)
	}

	again := admit(t, ts, "u", "A")
	if again.Outcome != string(session.OutcomeRenewed) || again.Session.ID != a.Session.ID {
		t.Fatalf("expected renewal of %s, got %+v", a.Session.ID, again)
	}

	admit(t, ts, "u", "B")
	c := admit(t, ts, "u", "C")
	if len(c.Evicted) != 1 || c.Evicted[0].ID != a.Session.ID || c.Evicted[0].DeviceID != "A" {
		t.Fatalf("expected A evicted, got %+v", c.Evicted)
	}
}

func TestAdmit_StatusCodes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, defaultTestConfig())

	resp, body := do(t, ts, call{
		method: http.MethodPost,
		path:   "/internal/v1/sessions/admit",
		token:  testToken,
		body:   admitRequest{UserID: "u", DeviceID: "A", DeviceName: strp("Laptop")},
	})
	mustStatus(t, resp, body, http.StatusCreated)

	resp, body = do(t, ts, call{
		method: http.MethodPost,
		path:   "/internal/v1/sessions/admit",
		token:  testToken,
		body:   admitRequest{UserID: "u", DeviceID: "A"},
	})
	mustStatus(t, resp, body, http.StatusOK)

	var out admitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Session.DeviceName == nil || *out.Session.DeviceName != "Laptop" {
		t.Fatalf("expected device name kept on renewal, got %v", out.Session.DeviceName)
	}

	resp, body = do(t, ts, call{
		method: http.MethodPost,
		path:   "/internal/v1/sessions/admit",
		token:  testToken,
		body:   admitRequest{UserID: "u", DeviceID: "  "},
	})
	mustStatus(t, resp, body, http.StatusBadRequest)

	resp, body = do(t, ts, call{
		method: http.MethodPost,
		path:   "/internal/v1/sessions/admit",
		token:  testToken,
		body:   map[string]any{"user_id": "u", "device_id": "A", "surprise": true},
	})
	mustStatus(t, resp, body, http.StatusBadRequest)
	if got := errorCode(t, body); got != "invalid_json" {
		t.Fatalf("expected invalid_json, got %q", got)
	}
}

func TestAdmit_ForwardedIPWhenTrusted(t *testing.T) {
	t.Parallel()
	cfg := defaultTestConfig()
	cfg.TrustProxy = true
	ts := newTestServer(t, nil, cfg)

	raw, _ := json.Marshal(admitRequest{UserID: "u", DeviceID: "A"})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/internal/v1/sessions/admit", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set(internalTokenHeader, testToken)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out admitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Session.IPAddress == nil || *out.Session.IPAddress != "203.0.113.7" {
		t.Fatalf("expected forwarded ip, got %v", out.Session.IPAddress)
	}
}

func TestValidateAndTouch(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, defaultTestConfig())

	admit(t, ts, "u", "A")

	tests := []struct {
		name     string
		req      keyRequest
		want     bool
		wantCode int
	}{
		{name: "active", req: keyRequest{UserID: "u", DeviceID: "A"}, want: true, wantCode: http.StatusOK},
		{name: "unknown device", req: keyRequest{UserID: "u", DeviceID: "Z"}, want: false, wantCode: http.StatusOK},
		{name: "missing user", req: keyRequest{DeviceID: "A"}, wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, body := do(t, ts, call{
			method: http.MethodPost,
			path:   "/internal/v1/sessions/validate",
			token:  testToken,
			body:   tt.req,
		})
		mustStatus(t, resp, body, tt.wantCode)
		if tt.wantCode != http.StatusOK {
			continue
		}
		var out validateResponse
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("%s: unmarshal: %v", tt.name, err)
		}
		if out.Valid != tt.want {
			t.Fatalf("%s: expected valid=%v, got %v", tt.name, tt.want, out.Valid)
		}
	}

	resp, body := do(t, ts, call{
		method: http.MethodPost,
		path:   "/internal/v1/sessions/touch",
		token:  testToken,
		body:   keyRequest{UserID: "u", DeviceID: "A"},
	})
	mustStatus(t, resp, body, http.StatusNoContent)
}

type downStore struct {
	session.Store
}

func (downStore) Get(context.Context, string, string) (session.Session, error) {
	return session.Session{}, fmt.Errorf("%w: connection refused", session.ErrStoreUnavailable)
}

func TestValidate_StoreFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, downStore{}, defaultTestConfig())

	resp, body := do(t, ts, call{
		method: http.MethodPost,
		path:   "/internal/v1/sessions/validate",
		token:  testToken,
		body:   keyRequest{UserID: "u", DeviceID: "A"},
	})
	mustStatus(t, resp, body, http.StatusServiceUnavailable)
	if got := errorCode(t, body); got != "store_unavailable" {
		t.Fatalf("expected store_unavailable, got %q", got)
	}
}

func TestAccountSurface_RequiresUser(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, defaultTestConfig())

	resp, body := do(t, ts, call{method: http.MethodGet, path: "/v1/sessions"})
	mustStatus(t, resp, body, http.StatusUnauthorized)
}

func TestList_MarksCurrentDevice(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, defaultTestConfig())

	admit(t, ts, "u", "A")
	admit(t, ts, "u", "B")
	admit(t, ts, "v", "A")

	resp, body := do(t, ts, call{method: http.MethodGet, path: "/v1/sessions?current_device_id=A", userID: "u"})
	mustStatus(t, resp, body, http.StatusOK)

	var out listResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(out.Sessions))
	}
	// Most recently active first.
	if out.Sessions[0].DeviceID != "B" || out.Sessions[1].DeviceID != "A" {
		t.Fatalf("unexpected order: %+v", out.Sessions)
	}
	for _, s := range out.Sessions {
		if s.IsCurrent == nil || *s.IsCurrent != (s.DeviceID == "A") {
			t.Fatalf("unexpected is_current for %s: %v", s.DeviceID, s.IsCurrent)
		}
	}

	resp, body = do(t, ts, call{method: http.MethodGet, path: "/v1/sessions", userID: "u"})
	mustStatus(t, resp, body, http.StatusOK)
	var raw map[string][]map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["sessions"][0]["is_current"]; ok {
		t.Fatalf("expected is_current omitted without current_device_id")
	}
}

func TestRevoke_ErrorMapping(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, defaultTestConfig())

	a := admit(t, ts, "u", "A")
	path := "/v1/sessions/" + a.Session.ID

	resp, body := do(t, ts, call{method: http.MethodDelete, path: path, userID: "intruder"})
	mustStatus(t, resp, body, http.StatusForbidden)

	resp, body = do(t, ts, call{method: http.MethodDelete, path: "/v1/sessions/does-not-exist", userID: "u"})
	mustStatus(t, resp, body, http.StatusNotFound)

	resp, body = do(t, ts, call{method: http.MethodDelete, path: path, userID: "u"})
	mustStatus(t, resp, body, http.StatusNoContent)

	resp, body = do(t, ts, call{method: http.MethodDelete, path: path, userID: "u"})
	mustStatus(t, resp, body, http.StatusConflict)
	if got := errorCode(t, body); got != "already_revoked" {
		t.Fatalf("expected already_revoked, got %q", got)
	}
}

func TestRevokeAll_KeepsExceptedDevice(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, defaultTestConfig())

	admit(t, ts, "u", "A")
	admit(t, ts, "u", "B")

	resp, body := do(t, ts, call{
		method: http.MethodPost,
		path:   "/v1/sessions/revoke_all",
		userID: "u",
		body:   revokeAllRequest{ExceptDeviceID: "A"},
	})
	mustStatus(t, resp, body, http.StatusOK)

	var out revokeAllResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Revoked != 1 {
		t.Fatalf("expected 1 revoked, got %d", out.Revoked)
	}

	resp, body = do(t, ts, call{
		method: http.MethodPost,
		path:   "/internal/v1/users/u/sessions/revoke_all",
		token:  testToken,
	})
	mustStatus(t, resp, body, http.StatusOK)
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Revoked != 1 {
		t.Fatalf("expected admin revoke_all to revoke A, got %d", out.Revoked)
	}
}

func TestSweep(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, defaultTestConfig())

	a := admit(t, ts, "u", "A")
	resp, body := do(t, ts, call{method: http.MethodDelete, path: "/v1/sessions/" + a.Session.ID, userID: "u"})
	mustStatus(t, resp, body, http.StatusNoContent)

	sweep := func(req any) sweepResponse {
		t.Helper()
		resp, body := do(t, ts, call{method: http.MethodPost, path: "/internal/v1/sweep", token: testToken, body: req})
		mustStatus(t, resp, body, http.StatusOK)
		var out sweepResponse
		if err := json.Unmarshal(body, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	}

	// No body and an absent field both keep the configured retention.
	if out := sweep(nil); out.Deleted != 0 {
		t.Fatalf("expected fresh revocation kept, got %d deleted", out.Deleted)
	}
	if out := sweep(map[string]any{}); out.Deleted != 0 {
		t.Fatalf("expected fresh revocation kept, got %d deleted", out.Deleted)
	}
	if out := sweep(sweepRequest{RetentionDays: intp(0)}); out.Deleted != 1 {
		t.Fatalf("expected zero retention to purge the revoked row, got %d", out.Deleted)
	}

	for _, days := range []int{-1, 36501, 213504} {
		resp, body := do(t, ts, call{
			method: http.MethodPost,
			path:   "/internal/v1/sweep",
			token:  testToken,
			body:   sweepRequest{RetentionDays: intp(days)},
		})
		mustStatus(t, resp, body, http.StatusBadRequest)
		if got := errorCode(t, body); got != "invalid_request" {
			t.Fatalf("retention_days=%d: expected invalid_request, got %q", days, got)
		}
	}
}

func TestAdmit_DurationDaysBounds(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, defaultTestConfig())

	tests := []struct {
		days int
		want int
	}{
		{days: -1, want: http.StatusBadRequest},
		{days: 213504, want: http.StatusBadRequest},
		{days: 36501, want: http.StatusBadRequest},
		{days: 36500, want: http.StatusCreated},
	}

	for _, tt := range tests {
		resp, body := do(t, ts, call{
			method: http.MethodPost,
			path:   "/internal/v1/sessions/admit",
			token:  testToken,
			body:   admitRequest{UserID: "u", DeviceID: fmt.Sprintf("d%d", tt.days), DurationDays: tt.days},
		})
		mustStatus(t, resp, body, tt.want)
		if tt.want == http.StatusBadRequest {
			if got := errorCode(t, body); got != "invalid_request" {
				t.Fatalf("duration_days=%d: expected invalid_request, got %q", tt.days, got)
			}
		}
	}
}

func TestRequestBodyErrors(t *testing.T) {
	t.Parallel()
	cfg := defaultTestConfig()
	cfg.MaxBodyBytes = 64
	ts := newTestServer(t, nil, cfg)

	resp, body := do(t, ts, call{method: http.MethodPost, path: "/internal/v1/sessions/admit", token: testToken})
	mustStatus(t, resp, body, http.StatusBadRequest)
	if got := errorCode(t, body); got != "invalid_json" {
		t.Fatalf("expected invalid_json for missing body, got %q", got)
	}

	resp, body = do(t, ts, call{
		method: http.MethodPost,
		path:   "/internal/v1/sessions/admit",
		token:  testToken,
		body:   admitRequest{UserID: "u", DeviceID: "A", UserAgent: strp(strings.Repeat("x", 128))},
	})
	mustStatus(t, resp, body, http.StatusRequestEntityTooLarge)
	if got := errorCode(t, body); got != "body_too_large" {
		t.Fatalf("expected body_too_large, got %q", got)
	}
}

func TestEventsRouteMountedWhenConfigured(t *testing.T) {
	t.Parallel()

	svc, err := session.NewService(session.DefaultConfig(), session.NewMemoryStore())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	hit := false
	events := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit = true
		w.WriteHeader(http.StatusTeapot)
	})
	h, err := NewHandler(nil, svc, defaultTestConfig(), WithEvents(events))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	r := chi.NewRouter()
	h.Register(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/events", nil))
	if !hit || rec.Code != http.StatusTeapot {
		t.Fatalf("expected events handler, got %d", rec.Code)
	}
}

func TestHeaderAuthenticator(t *testing.T) {
	t.Parallel()

	a := HeaderAuthenticator{Header: "X-Gateway-User"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := a.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	req.Header.Set("X-Gateway-User", " user-1 ")
	got, err := a.Authenticate(req)
	if err != nil || got != "user-1" {
		t.Fatalf("expected user-1, got %q err=%v", got, err)
	}
}

func TestNewHandler_RequiresService(t *testing.T) {
	t.Parallel()
	if _, err := NewHandler(nil, nil, DefaultConfig()); err == nil {
		t.Fatalf("expected error for nil service")
	}
}

func strp(s string) *string { return &s }

func intp(n int) *int { return &n }
