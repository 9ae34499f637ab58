package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNegotiationErrorInterface(t *testing.T) {
	var _ error = &NegotiationError{}
	var _ error = &ParseError{}
}

func TestNegotiationErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *NegotiationError
		want string
	}{
		{
			"no satisfiable flow",
			NewNoSatisfiableFlowError([]StageKind{StageRegistrationToken}),
			"no_satisfiable_flow: no offered flow can be completed; missing providers for m.login.registration_token",
		},
		{
			"session mismatch",
			NewSessionMismatchError("a", "b"),
			`session_mismatch: session changed from "a" to "b"`,
		},
		{
			"action rejected",
			NewActionRejectedError(400, []byte(`{"errcode":"M_USER_IN_USE"}`), "M_USER_IN_USE"),
			"action_rejected: homeserver rejected the action (HTTP 400): M_USER_IN_USE",
		},
		{
			"stage failed with cause",
			NewStageFailedError(StagePassword, errors.New("prompt closed")),
			"stage_failed: stage m.login.password failed: prompt closed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNegotiationErrorIs(t *testing.T) {
	err := fmt.Errorf("register: %w", NewExhaustedError(5, 4))
	if !errors.Is(err, ErrExhausted) {
		t.Error("expected errors.Is to match ErrExhausted")
	}
	if errors.Is(err, ErrCancelled) {
		t.Error("exhausted must not match cancelled")
	}
	if KindOf(err) != ErrorKindExhausted {
		t.Errorf("KindOf = %q", KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf plain error should be empty")
	}
}

func TestCancelledUnwrapsContextError(t *testing.T) {
	err := NewCancelledError(context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Error("expected context.Canceled in chain")
	}
}

func TestInvalidChallengeWrapsParseError(t *testing.T) {
	err := NewInvalidChallengeError(NewNoFlowsOfferedError())
	if !errors.Is(err, &ParseError{Kind: ParseErrorNoFlowsOffered}) {
		t.Error("expected parse error kind to match through the chain")
	}
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Kind != ParseErrorNoFlowsOffered {
		t.Errorf("errors.As = %v", pe)
	}
}
