// Package dedupe provides an idempotency cache for send requests. A client
// that retries a send with the same Idempotency-Key inside the TTL window
// gets the first response replayed instead of a second delivery.
package dedupe
