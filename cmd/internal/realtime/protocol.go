package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire protocol for the session events socket.
const (
	Subprotocol = "sessiond.events.v1"
	Version     = 1

	TypeReady          = "session.ready"
	TypeSessionRevoked = "session.revoked"
	TypeError          = "error"
)

// Envelope is the frame written to clients.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks the envelope header.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	switch e.Type {
	case TypeReady, TypeSessionRevoked, TypeError:
	case "":
		return errors.New("missing type")
	default:
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// Terminal reports whether the connection is closed after this envelope is written.
func (e Envelope) Terminal() bool {
	return e.Type == TypeSessionRevoked
}

// ReadyPayload confirms the subscription.
type ReadyPayload struct {
	ConnID   string `json:"conn_id"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// SessionRevokedPayload tells a device its session ended.
type SessionRevokedPayload struct {
	SessionID string `json:"session_id,omitempty"`
	DeviceID  string `json:"device_id"`
	Reason    string `json:"reason"`
}

// ErrorPayload reports a protocol error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(typ string, payload any, ts time.Time) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	id, err := NewEnvelopeID(ts)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: b,
	}, nil
}
