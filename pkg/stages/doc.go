// Package stages defines the StageProvider contract and the registry the
// negotiation engine consults to satisfy authentication stages.
//
// A Provider produces proof material ([api.AuthData]) for one or more stage
// kinds. Providers are supplied by the caller, never by the engine: the
// engine only asks the [Producer] whether a kind is supported and, if so,
// for the proof. Produce may block on out-of-band input (a human typing a
// registration token, a browser completing SSO) and must honour context
// cancellation while it waits.
//
// Built-in providers cover the stage kinds homeservers commonly offer:
// dummy and terms acknowledgments, password, registration token, JWT,
// third-party identifiers, reCAPTCHA, and a generic fallback for stages
// completed in a browser.
package stages
