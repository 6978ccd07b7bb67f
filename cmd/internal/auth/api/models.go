package sessionapi

import (
	"time"

	"sessiond/cmd/internal/auth/session"
)

type admitRequest struct {
	UserID       string  `json:"user_id"`
	DeviceID     string  `json:"device_id"`
	DeviceName   *string `json:"device_name"`
	Platform     *string `json:"platform"`
	IPAddress    *string `json:"ip_address"`
	UserAgent    *string `json:"user_agent"`
	DurationDays int     `json:"duration_days"`
}

type keyRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type sweepRequest struct {
	RetentionDays *int `json:"retention_days"`
}

type revokeAllRequest struct {
	ExceptDeviceID string `json:"except_device_id"`
}

type sessionResponse struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	DeviceID     string     `json:"device_id"`
	DeviceName   *string    `json:"device_name"`
	Platform     *string    `json:"platform"`
	IPAddress    *string    `json:"ip_address"`
	UserAgent    *string    `json:"user_agent"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	IsRevoked    bool       `json:"is_revoked"`
	RevokedAt    *time.Time `json:"revoked_at"`
}

type evictedResponse struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
}

type admitResponse struct {
	Session sessionResponse   `json:"session"`
	Outcome string            `json:"outcome"`
	Evicted []evictedResponse `json:"evicted"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

type sweepResponse struct {
	Deleted int64 `json:"deleted"`
}

type revokeAllResponse struct {
	Revoked int64 `json:"revoked"`
}

type deviceSessionResponse struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	DeviceName   *string   `json:"device_name"`
	Platform     *string   `json:"platform"`
	IPAddress    *string   `json:"ip_address"`
	LastActiveAt time.Time `json:"last_active_at"`
	CreatedAt    time.Time `json:"created_at"`
	IsCurrent    *bool     `json:"is_current,omitempty"`
}

type listResponse struct {
	Sessions []deviceSessionResponse `json:"sessions"`
}

func toSessionResponse(s session.Session) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		UserID:       s.UserID,
		DeviceID:     s.DeviceID,
		DeviceName:   s.DeviceName,
		Platform:     s.Platform,
		IPAddress:    s.IPAddress,
		UserAgent:    s.UserAgent,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		ExpiresAt:    s.ExpiresAt,
		IsRevoked:    s.IsRevoked,
		RevokedAt:    s.RevokedAt,
	}
}

func toAdmitResponse(res session.AdmitResult) admitResponse {
	out := admitResponse{
		Session: toSessionResponse(res.Session),
		Outcome: string(res.Outcome),
		Evicted: make([]evictedResponse, 0, len(res.Evicted)),
	}
	for _, e := range res.Evicted {
		out.Evicted = append(out.Evicted, evictedResponse{ID: e.ID, DeviceID: e.DeviceID})
	}
	return out
}

func toDeviceSessionResponse(ds session.DeviceSession) deviceSessionResponse {
	return deviceSessionResponse{
		ID:           ds.ID,
		DeviceID:     ds.DeviceID,
		DeviceName:   ds.DeviceName,
		Platform:     ds.Platform,
		IPAddress:    ds.IPAddress,
		LastActiveAt: ds.LastActiveAt,
		CreatedAt:    ds.CreatedAt,
		IsCurrent:    ds.IsCurrent,
	}
}
