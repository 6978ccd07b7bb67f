package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrForbidden is returned when a session belongs to a different user than the caller.
	ErrForbidden = errors.New("session belongs to another user")

	// ErrAlreadyRevoked is returned when revoking a session that is already revoked.
	ErrAlreadyRevoked = errors.New("session already revoked")

	// ErrStoreUnavailable is returned when the underlying persistence failed.
	// The driver error is kept in the chain.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrInvalidInput is returned for empty ids or out-of-range arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("session: %s: %w: %w", op, ErrStoreUnavailable, err)
}
