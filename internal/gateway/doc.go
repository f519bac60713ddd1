// Package gateway orchestrates the courier-gateway server components.
//
// # Overview
//
// The gateway package wires the session manager to the outside world. It
// owns the credential store, the session manager and its inactivity reaper,
// the send idempotency cache, the HTTP API and an optional gRPC health
// endpoint.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/sessions - Create a session or resume one by api_key
//   - GET /api/sessions - List sessions (operator token required)
//   - GET /api/sessions/{key} - Session state and pairing challenge
//   - POST /api/sessions/{key}/messages - Send a text message
//   - POST /api/sessions/{key}/documents - Send a document by URL
//   - GET /api/sessions/{key}/pair - Pairing completion callback
//   - DELETE /api/sessions/{key} - Close a session
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// Every response carries "success". Failures add a stable "code" and an
// "error" message:
//
//	{"success": false, "code": "not_connected", "error": "session not connected: state is pending"}
//
// Sends accept an Idempotency-Key header. A repeated key replays the first
// response with Idempotent-Replayed: true.
//
// # Storage Drivers
//
// storage.driver selects file, sqlite, redis or memory. Setting
// storage.encryption_key wraps the chosen driver in credentials.Sealed.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run resumes stored sessions, starts the reaper and serves until ctx is
// canceled, then shuts everything down. Stored credentials survive a
// shutdown.
package gateway
