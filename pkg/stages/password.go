package stages

import (
	"context"
	"fmt"

	"github.com/rhuss/uiaa/pkg/api"
)

// Identifier is a user identifier object as sent with m.login.password.
type Identifier map[string]any

// UserIdentifier identifies a user by localpart or full user id.
func UserIdentifier(user string) Identifier {
	return Identifier{"type": "m.id.user", "user": user}
}

// ThirdPartyIdentifier identifies a user by a bound email or phone number.
func ThirdPartyIdentifier(medium, address string) Identifier {
	return Identifier{"type": "m.id.thirdparty", "medium": medium, "address": address}
}

// PhoneIdentifier identifies a user by a phone number and country code.
func PhoneIdentifier(country, phone string) Identifier {
	return Identifier{"type": "m.id.phone", "country": country, "phone": phone}
}

type passwordProvider struct {
	identifier Identifier
	password   Secret
}

// Password returns the provider for m.login.password.
func Password(identifier Identifier, password Secret) Provider {
	return &passwordProvider{identifier: identifier, password: password}
}

func (p *passwordProvider) Name() string           { return "password" }
func (p *passwordProvider) Kinds() []api.StageKind { return []api.StageKind{api.StagePassword} }

func (p *passwordProvider) Produce(ctx context.Context, req *Request) (*api.AuthData, error) {
	if p.password == nil {
		return nil, fmt.Errorf("no password source configured")
	}
	pw, err := p.password(ctx, req)
	if err != nil {
		return nil, err
	}
	return api.NewAuthData(api.StagePassword, map[string]any{
		"identifier": map[string]any(p.identifier),
		"password":   pw,
	}), nil
}

type tokenProvider struct {
	token Secret
}

// RegistrationToken returns the provider for m.login.registration_token
// and its unstable alias.
func RegistrationToken(token Secret) Provider {
	return &tokenProvider{token: token}
}

func (p *tokenProvider) Name() string { return "registration_token" }
func (p *tokenProvider) Kinds() []api.StageKind {
	return []api.StageKind{api.StageRegistrationToken, api.StageRegistrationTokenUnstable}
}

func (p *tokenProvider) Produce(ctx context.Context, req *Request) (*api.AuthData, error) {
	if p.token == nil {
		return nil, fmt.Errorf("no registration token source configured")
	}
	tok, err := p.token(ctx, req)
	if err != nil {
		return nil, err
	}
	return api.NewAuthData(req.Kind, map[string]any{"token": tok}), nil
}
