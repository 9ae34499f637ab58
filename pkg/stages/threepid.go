package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/rhuss/uiaa/pkg/api"
	"github.com/rhuss/uiaa/pkg/catalog"
)

// ThreepidCreds identify a validated email or phone number session.
type ThreepidCreds struct {
	SID           string `json:"sid"`
	ClientSecret  string `json:"client_secret"`
	IDServer      string `json:"id_server,omitempty"`
	IDAccessToken string `json:"id_access_token,omitempty"`
}

// ThreepidSource returns credentials once the user has confirmed the
// address (clicked the link, entered the SMS code). It may block.
type ThreepidSource func(ctx context.Context, req *Request) (*ThreepidCreds, error)

type threepidProvider struct {
	kind   api.StageKind
	source ThreepidSource
}

// Threepid returns a provider for m.login.email.identity or m.login.msisdn.
func Threepid(kind api.StageKind, source ThreepidSource) (Provider, error) {
	if kind != api.StageEmailIdentity && kind != api.StageMSISDN {
		return nil, fmt.Errorf("threepid: unsupported stage kind %s", kind)
	}
	if source == nil {
		return nil, errors.New("threepid: source must not be nil")
	}
	return &threepidProvider{kind: kind, source: source}, nil
}

func (p *threepidProvider) Name() string           { return "threepid:" + string(p.kind) }
func (p *threepidProvider) Kinds() []api.StageKind { return []api.StageKind{p.kind} }

func (p *threepidProvider) Produce(ctx context.Context, req *Request) (*api.AuthData, error) {
	creds, err := p.source(ctx, req)
	if err != nil {
		return nil, err
	}
	if creds == nil || creds.SID == "" || creds.ClientSecret == "" {
		return nil, errors.New("threepid: sid and client_secret are required")
	}
	return api.NewAuthData(p.kind, map[string]any{"threepid_creds": creds}), nil
}

// CaptchaSolver returns the response token for the given site key.
type CaptchaSolver func(ctx context.Context, publicKey string) (string, error)

type recaptchaProvider struct {
	solve CaptchaSolver
}

// ReCaptcha returns the provider for m.login.recaptcha.
func ReCaptcha(solve CaptchaSolver) Provider {
	return &recaptchaProvider{solve: solve}
}

func (p *recaptchaProvider) Name() string           { return "recaptcha" }
func (p *recaptchaProvider) Kinds() []api.StageKind { return []api.StageKind{api.StageReCaptcha} }

func (p *recaptchaProvider) Produce(ctx context.Context, req *Request) (*api.AuthData, error) {
	if p.solve == nil {
		return nil, fmt.Errorf("%w: no captcha solver", ErrUnsupported)
	}
	var params catalog.ReCaptchaParams
	if _, err := catalog.DecodeParams(req.Kind, req.Params, &params); err != nil {
		return nil, err
	}
	resp, err := p.solve(ctx, params.PublicKey)
	if err != nil {
		return nil, err
	}
	return api.NewAuthData(api.StageReCaptcha, map[string]any{"response": resp}), nil
}
