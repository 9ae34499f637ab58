package api

import (
	"errors"
	"fmt"
	"strings"
)

// ParseErrorKind represents the category of a challenge parse failure.
type ParseErrorKind string

const (
	ParseErrorMalformedBody  ParseErrorKind = "malformed_body"
	ParseErrorNoFlowsOffered ParseErrorKind = "no_flows_offered"
	ParseErrorMissingSession ParseErrorKind = "missing_session"
)

// ParseError reports a 401 body that cannot be used as a challenge.
type ParseError struct {
	Kind    ParseErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying decode error, if any.
func (e *ParseError) Unwrap() error { return e.Err }

// Is matches another *ParseError of the same kind.
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind
}

// NewMalformedBodyError creates a ParseError for a body that does not decode.
func NewMalformedBodyError(message string, err error) *ParseError {
	return &ParseError{Kind: ParseErrorMalformedBody, Message: message, Err: err}
}

// NewNoFlowsOfferedError creates a ParseError for an empty flows list.
func NewNoFlowsOfferedError() *ParseError {
	return &ParseError{Kind: ParseErrorNoFlowsOffered, Message: "challenge offers no flows"}
}

// NewMissingSessionError creates a ParseError for a multi-round challenge
// without a session id.
func NewMissingSessionError() *ParseError {
	return &ParseError{Kind: ParseErrorMissingSession, Message: "challenge has pending stages but no session"}
}

// ErrorKind represents the category of a negotiation failure.
type ErrorKind string

const (
	ErrorKindInvalidChallenge  ErrorKind = "invalid_challenge"
	ErrorKindNoSatisfiableFlow ErrorKind = "no_satisfiable_flow"
	ErrorKindStageFailed       ErrorKind = "stage_failed"
	ErrorKindSessionMismatch   ErrorKind = "session_mismatch"
	ErrorKindExhausted         ErrorKind = "exhausted"
	ErrorKindActionRejected    ErrorKind = "action_rejected"
	ErrorKindCancelled         ErrorKind = "cancelled"
	ErrorKindTransport         ErrorKind = "transport"
)

// NegotiationError is the typed failure returned by the negotiation engine.
// Only the fields relevant to Kind are set.
type NegotiationError struct {
	Kind    ErrorKind
	Message string

	// Missing lists stage kinds without a provider (no_satisfiable_flow).
	Missing []StageKind
	// Stage is the stage whose provider failed (stage_failed).
	Stage StageKind
	// Expected and Got are the session ids involved in a session_mismatch.
	Expected string
	Got      string
	// Attempts is the number of resubmissions made (exhausted).
	Attempts int
	// Status, Body and ErrCode describe a rejected action (action_rejected).
	Status  int
	Body    []byte
	ErrCode string

	Err error
}

// Error implements the error interface.
func (e *NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *NegotiationError) Unwrap() error { return e.Err }

// Is matches another *NegotiationError of the same kind, so the sentinel
// values below work with errors.Is.
func (e *NegotiationError) Is(target error) bool {
	t, ok := target.(*NegotiationError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidChallenge  = &NegotiationError{Kind: ErrorKindInvalidChallenge}
	ErrNoSatisfiableFlow = &NegotiationError{Kind: ErrorKindNoSatisfiableFlow}
	ErrStageFailed       = &NegotiationError{Kind: ErrorKindStageFailed}
	ErrSessionMismatch   = &NegotiationError{Kind: ErrorKindSessionMismatch}
	ErrExhausted         = &NegotiationError{Kind: ErrorKindExhausted}
	ErrActionRejected    = &NegotiationError{Kind: ErrorKindActionRejected}
	ErrCancelled         = &NegotiationError{Kind: ErrorKindCancelled}
	ErrTransport         = &NegotiationError{Kind: ErrorKindTransport}
)

// NewInvalidChallengeError wraps a ParseError raised while reading a challenge.
func NewInvalidChallengeError(err error) *NegotiationError {
	return &NegotiationError{
		Kind:    ErrorKindInvalidChallenge,
		Message: "homeserver sent an unusable challenge",
		Err:     err,
	}
}

// NewNoSatisfiableFlowError creates an error listing the stage kinds for
// which no provider is registered.
func NewNoSatisfiableFlowError(missing []StageKind) *NegotiationError {
	names := make([]string, len(missing))
	for i, k := range missing {
		names[i] = string(k)
	}
	msg := "no offered flow can be completed"
	if len(names) > 0 {
		msg += "; missing providers for " + strings.Join(names, ", ")
	}
	return &NegotiationError{
		Kind:    ErrorKindNoSatisfiableFlow,
		Message: msg,
		Missing: missing,
	}
}

// NewStageFailedError creates an error for a provider that failed to
// produce proof for stage.
func NewStageFailedError(stage StageKind, err error) *NegotiationError {
	return &NegotiationError{
		Kind:    ErrorKindStageFailed,
		Message: fmt.Sprintf("stage %s failed", stage),
		Stage:   stage,
		Err:     err,
	}
}

// NewSessionMismatchError creates an error for a challenge whose session
// id differs from the one captured at the start of the negotiation.
func NewSessionMismatchError(expected, got string) *NegotiationError {
	return &NegotiationError{
		Kind:     ErrorKindSessionMismatch,
		Message:  fmt.Sprintf("session changed from %q to %q", expected, got),
		Expected: expected,
		Got:      got,
	}
}

// NewExhaustedError creates an error for a ceremony that did not finish
// within the attempt bound.
func NewExhaustedError(attempts, limit int) *NegotiationError {
	return &NegotiationError{
		Kind:     ErrorKindExhausted,
		Message:  fmt.Sprintf("%d submissions exceed the limit of %d", attempts, limit),
		Attempts: attempts,
	}
}

// NewActionRejectedError creates an error for a non-UIA refusal of the
// underlying action. The body is kept verbatim.
func NewActionRejectedError(status int, body []byte, errCode string) *NegotiationError {
	msg := fmt.Sprintf("homeserver rejected the action (HTTP %d)", status)
	if errCode != "" {
		msg += ": " + errCode
	}
	return &NegotiationError{
		Kind:    ErrorKindActionRejected,
		Message: msg,
		Status:  status,
		Body:    body,
		ErrCode: errCode,
	}
}

// NewCancelledError wraps the context error that stopped a negotiation.
func NewCancelledError(err error) *NegotiationError {
	return &NegotiationError{
		Kind:    ErrorKindCancelled,
		Message: "negotiation cancelled",
		Err:     err,
	}
}

// NewTransportError wraps a failed round trip.
func NewTransportError(err error) *NegotiationError {
	return &NegotiationError{
		Kind:    ErrorKindTransport,
		Message: "round trip failed",
		Err:     err,
	}
}

// KindOf returns the ErrorKind of err, or "" when err is not a
// NegotiationError.
func KindOf(err error) ErrorKind {
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return ""
}
