// Package session manages the lifecycle of gateway sessions.
//
// A Manager owns the Registry of sessions and one supervisor per session.
// Each supervisor drives its protocol client through the states Pending,
// AwaitingScan, Connected and Disconnected, persists credential changes,
// and reconnects after a fixed delay when the connection drops for any
// reason other than a logout. The Reaper evicts sessions that have been
// idle longer than the inactivity timeout.
package session
