package realtime

import (
	"time"

	"sessiond/cmd/internal/ids"
)

// NewConnID returns a ULID identifying one websocket connection.
func NewConnID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
