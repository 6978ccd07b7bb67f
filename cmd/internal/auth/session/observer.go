package session

import (
	"context"
	"time"
)

// RevokeReason says why a session left the active state.
type RevokeReason string

const (
	ReasonRevoked RevokeReason = "revoked"
	ReasonEvicted RevokeReason = "evicted"
)

// Observer receives lifecycle events after the corresponding write committed.
//
// Implementations must not block; the caller's request is still in flight.
type Observer interface {
	Admitted(ctx context.Context, res AdmitResult)
	Revoked(ctx context.Context, s Session, reason RevokeReason)
	RevokedAll(ctx context.Context, userID, exceptDeviceID string, count int64)
	Swept(ctx context.Context, deleted int64, elapsed time.Duration, err error)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) Admitted(context.Context, AdmitResult)              {}
func (NopObserver) Revoked(context.Context, Session, RevokeReason)     {}
func (NopObserver) RevokedAll(context.Context, string, string, int64)  {}
func (NopObserver) Swept(context.Context, int64, time.Duration, error) {}

// Observers fans every event out to each element in order.
type Observers []Observer

func (o Observers) Admitted(ctx context.Context, res AdmitResult) {
	for _, x := range o {
		x.Admitted(ctx, res)
	}
}

func (o Observers) Revoked(ctx context.Context, s Session, reason RevokeReason) {
	for _, x := range o {
		x.Revoked(ctx, s, reason)
	}
}

func (o Observers) RevokedAll(ctx context.Context, userID, exceptDeviceID string, count int64) {
	for _, x := range o {
		x.RevokedAll(ctx, userID, exceptDeviceID, count)
	}
}

func (o Observers) Swept(ctx context.Context, deleted int64, elapsed time.Duration, err error) {
	for _, x := range o {
		x.Swept(ctx, deleted, elapsed, err)
	}
}
