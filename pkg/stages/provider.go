package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rhuss/uiaa/pkg/api"
)

// ErrUnsupported reports that no provider can produce proof for a stage
// kind. It is distinct from a provider that tried and failed: the engine
// treats an unsupported kind as unavailable and picks another flow, while
// any other error ends the negotiation.
var ErrUnsupported = errors.New("stage kind not supported")

// Provider produces proof material for the stage kinds it declares.
type Provider interface {
	// Name returns a unique identifier for this provider (e.g., "password").
	Name() string

	// Kinds returns the stage kinds this provider can satisfy.
	Kinds() []api.StageKind

	// Produce returns proof for req.Kind. It may block waiting for
	// out-of-band input and must return when ctx is done.
	Produce(ctx context.Context, req *Request) (*api.AuthData, error)
}

// Producer is what the negotiation engine needs from a set of providers.
type Producer interface {
	// Supports reports whether some provider is registered for kind.
	Supports(kind api.StageKind) bool

	// Produce returns proof for req.Kind, or ErrUnsupported.
	Produce(ctx context.Context, req *Request) (*api.AuthData, error)
}

// Request carries the negotiation context handed to a provider.
type Request struct {
	// Kind is the stage to satisfy.
	Kind api.StageKind

	// Session is the homeserver's session id for this negotiation.
	Session string

	// Params is the homeserver's configuration for Kind, if any.
	Params json.RawMessage

	// Completed lists the stages the homeserver reports as done.
	Completed []api.StageKind

	// Attempt counts how many times proof for Kind has been requested in
	// this negotiation, starting at 1.
	Attempt int

	// Action is the request being authorised.
	Action *api.Action

	// LastError is the homeserver's complaint about the previous proof
	// submitted for Kind (for example a wrong password). Nil on the first
	// attempt or when the previous proof was not rejected.
	LastError *api.AuthError
}

// Secret supplies a credential string on demand. Interactive
// implementations prompt a human; static ones return a fixed value.
type Secret func(ctx context.Context, req *Request) (string, error)

// StaticSecret returns a Secret with a fixed value. Once the homeserver
// rejects the value it fails instead of resubmitting the same credential.
func StaticSecret(value string) Secret {
	return func(_ context.Context, req *Request) (string, error) {
		if req.LastError != nil {
			return "", fmt.Errorf("configured credential rejected: %w", req.LastError)
		}
		if value == "" {
			return "", errors.New("no credential configured")
		}
		return value, nil
	}
}

// funcProvider adapts a function to the Provider interface.
type funcProvider struct {
	name  string
	kinds []api.StageKind
	fn    func(ctx context.Context, req *Request) (*api.AuthData, error)
}

// Func returns a Provider named name that satisfies kinds with fn.
func Func(name string, fn func(ctx context.Context, req *Request) (*api.AuthData, error), kinds ...api.StageKind) Provider {
	return &funcProvider{name: name, kinds: kinds, fn: fn}
}

func (p *funcProvider) Name() string           { return p.name }
func (p *funcProvider) Kinds() []api.StageKind { return p.kinds }
func (p *funcProvider) Produce(ctx context.Context, req *Request) (*api.AuthData, error) {
	return p.fn(ctx, req)
}
