// Package transport defines the round-trip contract between the
// negotiation engine and a homeserver, and the middleware chain that wraps
// it.
//
// # Transport
//
// A Transport sends one request and returns the status, headers and body of
// the response. It owns per-request deadlines and any retry or backoff
// policy; the negotiation engine never retries a failed round trip.
//
// The HTTP implementation lives in pkg/transport/http. Tests use
// TransportFunc to script homeserver responses.
//
// # Middleware
//
// The middleware chain wraps a Transport with cross-cutting concerns.
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID) and structured logging via log/slog. Request and response
// bodies are redacted before they reach a log line.
package transport
