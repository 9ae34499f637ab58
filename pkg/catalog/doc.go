// Package catalog turns the body of a homeserver's 401 response into a
// structured [api.UiaaInfo] describing the offered flows, the stages
// already completed, the session id and the per-stage parameters.
//
// Parsing is pure: no I/O, no state. Unknown stage kinds are accepted and
// preserved so older clients keep working against newer homeservers.
package catalog
