package stages

import (
	"context"
	"fmt"

	"github.com/rhuss/uiaa/pkg/api"
	"github.com/rhuss/uiaa/pkg/catalog"
)

type dummyProvider struct{}

// Dummy returns the provider for m.login.dummy. It always succeeds with an
// empty payload; flows use it when they only need explicit acknowledgment.
func Dummy() Provider { return dummyProvider{} }

func (dummyProvider) Name() string           { return "dummy" }
func (dummyProvider) Kinds() []api.StageKind { return []api.StageKind{api.StageDummy} }
func (dummyProvider) Produce(_ context.Context, _ *Request) (*api.AuthData, error) {
	return api.NewAuthData(api.StageDummy, nil), nil
}

// TermsAcceptor decides whether the user agrees to the offered policies.
// Returning an error declines them.
type TermsAcceptor func(ctx context.Context, params catalog.TermsParams) error

type termsProvider struct {
	accept TermsAcceptor
}

// Terms returns the provider for m.login.terms. A nil acceptor accepts
// every policy without asking.
func Terms(accept TermsAcceptor) Provider {
	return &termsProvider{accept: accept}
}

func (p *termsProvider) Name() string           { return "terms" }
func (p *termsProvider) Kinds() []api.StageKind { return []api.StageKind{api.StageTerms} }

func (p *termsProvider) Produce(ctx context.Context, req *Request) (*api.AuthData, error) {
	if p.accept != nil {
		var params catalog.TermsParams
		if _, err := catalog.DecodeParams(req.Kind, req.Params, &params); err != nil {
			return nil, err
		}
		if err := p.accept(ctx, params); err != nil {
			return nil, fmt.Errorf("terms not accepted: %w", err)
		}
	}
	return api.NewAuthData(api.StageTerms, nil), nil
}
