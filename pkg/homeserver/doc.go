// Package homeserver implements a deterministic homeserver that enforces
// User-Interactive Authentication on a handful of client endpoints:
// registration, password change and device deletion.
//
// It is not a Matrix implementation. It exists so the negotiation engine
// and the CLI can be exercised end to end without a real server: flows are
// configurable, sessions are tracked in memory, and each stage kind is
// verified the way a real homeserver would (passwords, registration
// tokens, HS256 JWTs, terms acceptance, fallback pages).
package homeserver
