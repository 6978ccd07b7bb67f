package sessionapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// errCode is the machine-readable code in the {"error":{...}} envelope.
type errCode string

const (
	codeInvalidJSON      errCode = "invalid_json"
	codeBodyTooLarge     errCode = "body_too_large"
	codeInvalidRequest   errCode = "invalid_request"
	codeUnauthorized     errCode = "unauthorized"
	codeForbidden        errCode = "forbidden"
	codeNotFound         errCode = "not_found"
	codeAlreadyRevoked   errCode = "already_revoked"
	codeStoreUnavailable errCode = "store_unavailable"
	codeServerError      errCode = "server_error"
)

type apiError struct {
	Code    errCode `json:"code"`
	Message string  `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code errCode, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// bodyMode says whether an endpoint accepts an empty request body.
type bodyMode int

const (
	bodyRequired bodyMode = iota
	bodyOptional
)

var errEmptyBody = errors.New("empty body")

// readBody decodes exactly one JSON object into dst and writes the error
// response itself. It reports whether the handler should continue.
// In bodyOptional mode an empty body leaves dst at its zero value.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request, dst any, mode bodyMode) bool {
	err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst)

	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return true
	case errors.Is(err, errEmptyBody) && mode == bodyOptional:
		return true
	case errors.Is(err, errEmptyBody):
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "request body is required")
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, codeBodyTooLarge, "request body too large")
	default:
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid request body")
	}
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("extra data after JSON object")
	}
	return nil
}
