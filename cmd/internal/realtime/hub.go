package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sessiond/cmd/internal/auth/session"
)

// ErrTooManyConns is returned by Register when a user is at the connection limit.
var ErrTooManyConns = errors.New("too many connections for user")

// limiterSweepThreshold is the limiter map size above which idle entries are dropped.
const limiterSweepThreshold = 10_000

// Hub tracks live device connections per user and pushes revocation events to them.
//
// It implements session.Observer, so wiring it into session.Service is enough for
// revoked and evicted devices to be told and disconnected.
type Hub struct {
	session.NopObserver

	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]*Client // user id -> conn id -> client

	limMu      sync.Mutex
	limiters   map[string]*RateLimiter
	rateEvents int
	rateWindow time.Duration
	maxPerUser int
}

var _ session.Observer = (*Hub)(nil)

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		log:        log,
		users:      make(map[string]map[string]*Client),
		limiters:   make(map[string]*RateLimiter),
		rateEvents: connectRateEvents,
		rateWindow: connectRateWindow,
		maxPerUser: maxConnsPerUser,
	}
}

// AllowConnect applies the per-user connection attempt limit.
func (h *Hub) AllowConnect(userID string, now time.Time) bool {
	h.limMu.Lock()
	if len(h.limiters) > limiterSweepThreshold {
		for id, l := range h.limiters {
			if l.Idle(now) {
				delete(h.limiters, id)
			}
		}
	}
	l, ok := h.limiters[userID]
	if !ok {
		l = NewRateLimiter(h.rateEvents, h.rateWindow)
		h.limiters[userID] = l
	}
	h.limMu.Unlock()

	return l.Allow(now)
}

// Register adds a client. It fails when the user is at the connection limit.
func (h *Hub) Register(c *Client) error {
	if c == nil || c.UserID == "" || c.ConnID == "" {
		return errors.New("invalid client")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.users[c.UserID]
	if conns == nil {
		conns = make(map[string]*Client)
		h.users[c.UserID] = conns
	}
	if len(conns) >= h.maxPerUser {
		return ErrTooManyConns
	}
	conns[c.ConnID] = c

	h.log.Info("realtime.client.register", "user_id", c.UserID, "device_id", c.DeviceID, "conn_id", c.ConnID)
	return nil
}

// Unregister removes a client and signals it to stop.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}

	h.mu.Lock()
	if conns := h.users[c.UserID]; conns != nil {
		delete(conns, c.ConnID)
		if len(conns) == 0 {
			delete(h.users, c.UserID)
		}
	}
	h.mu.Unlock()

	c.Close()
}

// Count returns the number of live connections for the user.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Revoked pushes a revocation to every connection of the session's device.
func (h *Hub) Revoked(_ context.Context, s session.Session, reason session.RevokeReason) {
	n := h.push(s.UserID, func(c *Client) bool { return c.DeviceID == s.DeviceID }, SessionRevokedPayload{
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		Reason:    string(reason),
	})
	if n > 0 {
		h.log.Info("realtime.session.revoked", "user_id", s.UserID, "device_id", s.DeviceID, "reason", reason, "conns", n)
	}
}

// RevokedAll pushes a revocation to every connection of the user except exceptDeviceID.
func (h *Hub) RevokedAll(_ context.Context, userID, exceptDeviceID string, count int64) {
	if count == 0 {
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		if exceptDeviceID == "" || c.DeviceID != exceptDeviceID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, SessionRevokedPayload{DeviceID: c.DeviceID, Reason: string(session.ReasonRevoked)})
	}
	if len(targets) > 0 {
		h.log.Info("realtime.session.revoked_all", "user_id", userID, "except_device_id", exceptDeviceID, "conns", len(targets))
	}
}

func (h *Hub) push(userID string, match func(*Client) bool, payload SessionRevokedPayload) int {
	h.mu.RLock()
	targets := make([]*Client, 0, 2)
	for _, c := range h.users[userID] {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, payload)
	}
	return len(targets)
}

// deliver queues a terminal revocation. A client whose queue is full is closed
// directly so it cannot outlive its session.
func (h *Hub) deliver(c *Client, payload SessionRevokedPayload) {
	env, err := newEnvelope(TypeSessionRevoked, payload, time.Now().UTC())
	if err != nil {
		h.log.Error("realtime.envelope.fail", "err", err)
		c.Close()
		return
	}
	if !c.offer(env) {
		h.log.Info("realtime.send.drop", "user_id", c.UserID, "conn_id", c.ConnID)
		c.Close()
	}
}
