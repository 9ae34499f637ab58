// Package api defines the core protocol types for User-Interactive
// Authentication (UIA) negotiation.
//
// This package provides the data model shared by the flow catalog, the
// stage providers and the negotiation engine: stage kinds, flows, the
// challenge a homeserver returns with a 401, the proof material submitted
// for a stage, the action being authorised, and the error taxonomy.
//
// The package has zero external dependencies (Go standard library only) and
// performs no I/O. All types produce JSON compatible with the homeserver's
// client-server wire format.
//
// Core types:
//   - [StageKind]: Open identifier of a single proof requirement
//   - [AuthFlow]: Ordered AND-chain of stages
//   - [UiaaInfo]: Challenge body of a 401 response
//   - [AuthData]: Proof for one stage, merged into the resubmitted action
//   - [Action]: The sensitive request being authorised
//   - [NegotiationError]: Typed failure returned to callers
//
// Extension support:
//
// Stage kinds are plain strings. Kinds introduced by newer homeservers
// (including unstable "org.matrix.*" identifiers) are carried verbatim
// through parsing and serialization and never cause a decode failure.
package api
