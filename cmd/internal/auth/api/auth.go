package sessionapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned by an Authenticator that cannot identify the caller.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the user behind an account-surface request.
// Credential verification happens upstream; implementations only read its result.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// HeaderAuthenticator trusts a user id header set by the fronting gateway.
type HeaderAuthenticator struct {
	Header string
}

// Authenticate implements Authenticator.
func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	name := a.Header
	if name == "" {
		name = defaultUserHeader
	}
	id := strings.TrimSpace(r.Header.Get(name))
	if id == "" {
		return "", ErrUnauthenticated
	}
	return id, nil
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (string, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

func (h *Handler) requireInternalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(r.Header.Get(internalTokenHeader))
		if !secureStringEqual(got, h.cfg.InternalToken) {
			h.log.Warn("sessionapi.internal.unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid internal token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.auth.Authenticate(r)
	userID = strings.TrimSpace(userID)
	if err != nil || userID == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return "", false
	}
	return userID, true
}

func secureStringEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
