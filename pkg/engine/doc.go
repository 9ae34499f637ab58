// Package engine implements the User-Interactive Authentication
// negotiation loop.
//
// The Engine sends an action to the homeserver and, when the homeserver
// answers with a 401 challenge, drives the ceremony to completion: it picks
// the first offered flow the caller's stage providers can finish, obtains
// proof for the next pending stage, resubmits the action with that proof and
// repeats until the homeserver accepts the action or the negotiation fails
// with a typed [api.NegotiationError].
//
// Each call to Complete owns its own session state; an Engine is safe for
// concurrent use.
package engine
