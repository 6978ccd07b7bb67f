package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// StatusSessionRevoked is the close code sent after a revocation notice.
const StatusSessionRevoked websocket.StatusCode = 4001

const (
	wsDefaultSendQueueSize = 16
	wsDefaultWriteTimeout  = 5 * time.Second
	wsCloseGrace           = 1 * time.Second
	wsMaxPingFailures      = 3
)

// Identify resolves the authenticated user behind an upgrade request.
type Identify func(r *http.Request) (userID string, err error)

// Validator reports whether a (user, device) pair currently holds an active session.
type Validator interface {
	IsValid(ctx context.Context, userID, deviceID string) (bool, error)
}

// GatewayConfig holds websocket policy.
type GatewayConfig struct {
	// AllowedOrigins is the browser origin allowlist. "*" allows any origin.
	AllowedOrigins []string
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// InsecureSkipVerify disables the websocket library's own origin check. Dev only.
	InsecureSkipVerify bool

	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendQueueSize     int
}

// DefaultGatewayConfig only admits localhost origins.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:    false,
		WriteTimeout:      wsDefaultWriteTimeout,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		SendQueueSize:     wsDefaultSendQueueSize,
	}
}

// WSGateway is the websocket entrypoint for session events.
//
// A device subscribes with its device id; when its session is revoked or
// evicted it receives one session.revoked envelope and the socket is closed
// with StatusSessionRevoked. Inbound data frames are not part of the protocol.
type WSGateway struct {
	log       *slog.Logger
	hub       *Hub
	identify  Identify
	validator Validator
	cfg       GatewayConfig

	// Derived for websocket.Accept origin checks.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, identify Identify, validator Validator, cfg GatewayConfig) (*WSGateway, error) {
	if hub == nil || identify == nil || validator == nil {
		return nil, errors.New("realtime: hub, identify and validator are required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	def := DefaultGatewayConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	return &WSGateway{
		log:            log,
		hub:            hub,
		identify:       identify,
		validator:      validator,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the caller, checks the device session and upgrades.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := g.identify(r)
	if err != nil || strings.TrimSpace(userID) == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	if !g.hub.AllowConnect(userID, now) {
		w.Header().Set("Retry-After", "60")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ok, err := g.validator.IsValid(r.Context(), userID, deviceID)
	if err != nil {
		g.log.Error("ws.reject.validate", "user_id", userID, "device_id", deviceID, "err", err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "session not active", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	connID, err := NewConnID(now)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	client := NewClient(userID, deviceID, connID, g.cfg.SendQueueSize)
	if err := g.hub.Register(client); err != nil {
		g.log.Info("ws.reject.register", "user_id", userID, "err", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "too many connections")
		return
	}
	defer g.hub.Unregister(client)

	// Push-only protocol: CloseRead services control frames and ends ctx when the peer goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// A revocation may have committed between the validity check and Register.
	if ok, err := g.validator.IsValid(ctx, userID, deviceID); err != nil || !ok {
		shutdown(StatusSessionRevoked, "session revoked")
		return
	}

	ready, err := newEnvelope(TypeReady, ReadyPayload{ConnID: connID, UserID: userID, DeviceID: deviceID}, now)
	if err == nil {
		client.offer(ready)
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, shutdown)
	}()

writeLoop:
	for {
		select {
		case <-ctx.Done():
			break writeLoop
		case <-client.Done():
			// Closed without a queued notice (backpressure or heartbeat).
			shutdown(StatusSessionRevoked, "session revoked")
			break writeLoop
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				break writeLoop
			}
			if env.Terminal() {
				shutdown(StatusSessionRevoked, "session revoked")
				break writeLoop
			}
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "conn_id", client.ConnID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

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

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns
// so the library check and enforceOrigin agree.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			seen["*"] = struct{}{}
			continue
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
