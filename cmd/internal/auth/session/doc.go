// Package session implements sessiond's device session registry.
//
// It tracks which devices hold a live session for each user, caps the number
// of concurrently active sessions per user (evicting the least recently active
// one when a new device is admitted at the cap), and supports per-session and
// per-user revocation plus garbage collection of terminal rows.
//
// Token issuance and caller authentication are out of scope here: callers hand
// in an already-established user id and a client-supplied device id.
package session
