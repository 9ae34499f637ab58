package stages

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rhuss/uiaa/pkg/api"
)

// Opener shows the fallback page at pageURL to the user (prints it, opens
// a browser) and returns once the user reports the stage done.
type Opener func(ctx context.Context, pageURL string) error

type fallbackProvider struct {
	baseURL string
	kinds   []api.StageKind
	open    Opener
}

// Fallback returns a provider that completes kinds through the homeserver's
// fallback web page. After the page is done it submits a session-only auth
// object, asking the homeserver to re-check the session.
func Fallback(baseURL string, open Opener, kinds ...api.StageKind) (Provider, error) {
	if baseURL == "" {
		return nil, errors.New("fallback: base URL must not be empty")
	}
	if open == nil {
		return nil, errors.New("fallback: opener must not be nil")
	}
	if len(kinds) == 0 {
		kinds = []api.StageKind{api.StageSSO}
	}
	return &fallbackProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		kinds:   kinds,
		open:    open,
	}, nil
}

func (p *fallbackProvider) Name() string           { return "fallback" }
func (p *fallbackProvider) Kinds() []api.StageKind { return p.kinds }

func (p *fallbackProvider) Produce(ctx context.Context, req *Request) (*api.AuthData, error) {
	if req.Session == "" {
		return nil, errors.New("fallback: a session is required")
	}
	if err := p.open(ctx, FallbackURL(p.baseURL, req.Kind, req.Session)); err != nil {
		return nil, fmt.Errorf("fallback page for %s: %w", req.Kind, err)
	}
	return &api.AuthData{Type: req.Kind, SessionOnly: true}, nil
}

// FallbackURL builds the fallback page URL for kind within session.
func FallbackURL(baseURL string, kind api.StageKind, session string) string {
	return fmt.Sprintf("%s/_matrix/client/v3/auth/%s/fallback/web?session=%s",
		strings.TrimRight(baseURL, "/"),
		url.PathEscape(string(kind)),
		url.QueryEscape(session),
	)
}
