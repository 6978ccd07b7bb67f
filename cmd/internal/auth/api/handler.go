package sessionapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"sessiond/cmd/internal/auth/session"

	"github.com/go-chi/chi/v5"
)

// Handler wires the session HTTP endpoints to session.Service.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Service
	auth     Authenticator

	// events serves GET /v1/sessions/events; nil leaves the route unmounted.
	events http.Handler
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithAuthenticator overrides the default gateway-header authenticator.
func WithAuthenticator(a Authenticator) HandlerOption {
	return func(h *Handler) {
		if h == nil || a == nil {
			return
		}
		h.auth = a
	}
}

// WithEvents mounts the session events websocket handler.
func WithEvents(events http.Handler) HandlerOption {
	return func(h *Handler) {
		if h == nil || events == nil {
			return
		}
		h.events = events
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, sessions *session.Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("sessionapi: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}

	cfg = cfg.withDefaults()
	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		auth:     HeaderAuthenticator{Header: cfg.UserHeader},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires session routes onto r.
func (h *Handler) Register(r chi.Router) {
	if h == nil || r == nil {
		return
	}

	if h.cfg.InternalToken != "" {
		r.Route("/internal/v1", func(r chi.Router) {
			r.Use(h.requireInternalToken)
			r.Post("/sessions/admit", h.handleAdmit)
			r.Post("/sessions/validate", h.handleValidate)
			r.Post("/sessions/touch", h.handleTouch)
			r.Post("/sweep", h.handleSweep)
			r.Post("/users/{userID}/sessions/revoke_all", h.handleAdminRevokeAll)
		})
	} else {
		h.log.Warn("sessionapi.internal.disabled", "reason", "no internal token configured")
	}

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Delete("/{sessionID}", h.handleRevoke)
		r.Post("/revoke_all", h.handleRevokeAll)
		if h.events != nil {
			r.Method(http.MethodGet, "/events", h.events)
		}
	})
}

// ---- internal surface ----

func (h *Handler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if !h.readBody(w, r, &req, bodyRequired) {
		return
	}

	duration, err := session.ParseDays(req.DurationDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "duration_days "+err.Error())
		return
	}

	meta := session.Metadata{
		DeviceName: req.DeviceName,
		Platform:   req.Platform,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
	}
	if meta.IPAddress == nil && h.cfg.TrustProxy {
		if ip := forwardedIP(r); ip != nil {
			s := ip.String()
			meta.IPAddress = &s
		}
	}

	res, err := h.sessions.Admit(r.Context(), session.AdmitRequest{
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		Metadata: meta,
		Duration: duration,
	})
	if err != nil {
		h.writeServiceError(w, "admit", err)
		return
	}

	status := http.StatusOK
	if res.Outcome != session.OutcomeRenewed {
		status = http.StatusCreated
	}
	writeJSON(w, status, toAdmitResponse(res))
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !h.readBody(w, r, &req, bodyRequired) {
		return
	}

	ok, err := h.sessions.IsValid(r.Context(), req.UserID, req.DeviceID)
	if err != nil {
		h.writeServiceError(w, "validate", err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: ok})
}

func (h *Handler) handleTouch(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !h.readBody(w, r, &req, bodyRequired) {
		return
	}

	if err := h.sessions.Touch(r.Context(), req.UserID, req.DeviceID); err != nil {
		h.writeServiceError(w, "touch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if !h.readBody(w, r, &req, bodyOptional) {
		return
	}

	// Absent retention_days uses the configured policy; 0 purges every revoked row.
	retention := h.sessions.Config().StaleRevokedRetention
	if req.RetentionDays != nil {
		d, err := session.ParseDays(*req.RetentionDays)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "retention_days "+err.Error())
			return
		}
		retention = d
	}

	n, err := h.sessions.Sweep(r.Context(), retention)
	if err != nil {
		h.writeServiceError(w, "sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Deleted: n})
}

func (h *Handler) handleAdminRevokeAll(w http.ResponseWriter, r *http.Request) {
	var req revokeAllRequest
	if !h.readBody(w, r, &req, bodyOptional) {
		return
	}

	n, err := h.sessions.RevokeAll(r.Context(), chi.URLParam(r, "userID"), req.ExceptDeviceID)
	if err != nil {
		h.writeServiceError(w, "admin_revoke_all", err)
		return
	}
	writeJSON(w, http.StatusOK, revokeAllResponse{Revoked: n})
}

// ---- account surface ----

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	list, err := h.sessions.ListActive(r.Context(), userID, r.URL.Query().Get("current_device_id"))
	if err != nil {
		h.writeServiceError(w, "list", err)
		return
	}

	out := listResponse{Sessions: make([]deviceSessionResponse, 0, len(list))}
	for _, ds := range list {
		out.Sessions = append(out.Sessions, toDeviceSessionResponse(ds))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	if err := h.sessions.RevokeOne(r.Context(), userID, chi.URLParam(r, "sessionID")); err != nil {
		h.writeServiceError(w, "revoke", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req revokeAllRequest
	if !h.readBody(w, r, &req, bodyOptional) {
		return
	}

	n, err := h.sessions.RevokeAll(r.Context(), userID, req.ExceptDeviceID)
	if err != nil {
		h.writeServiceError(w, "revoke_all", err)
		return
	}
	writeJSON(w, http.StatusOK, revokeAllResponse{Revoked: n})
}

// ---- helpers ----

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "session not found")
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, codeForbidden, "session belongs to another user")
	case errors.Is(err, session.ErrAlreadyRevoked):
		writeError(w, http.StatusConflict, codeAlreadyRevoked, "session already revoked")
	case errors.Is(err, session.ErrStoreUnavailable):
		h.log.Error("sessionapi."+op+".fail", "err", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, codeStoreUnavailable, "please retry later")
	default:
		h.log.Error("sessionapi."+op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, codeServerError, "internal error")
	}
}

func forwardedIP(r *http.Request) net.IP {
	if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
		return ip
	}
	return net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP")))
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

