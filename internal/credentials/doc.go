// Package credentials persists per-session authentication material.
//
// The gateway never interprets the material: it is an opaque blob produced by
// the protocol client and handed back to it on reconnect. Backends:
//
//   - FileStore: <root>/<session id>/credentials.bin (default)
//   - SQLiteStore: a session_credentials table (modernc.org/sqlite, no cgo)
//   - RedisStore: one key per session
//   - MemoryStore: tests and throwaway deployments
//
// Any backend can be wrapped in Sealed to encrypt material at rest.
//
// Delete is idempotent in every backend. Session ids are validated before
// they are used as paths or keys, see ValidID.
package credentials
