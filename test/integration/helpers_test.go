// Package integration runs the negotiation engine over real HTTP against
// the in-process mock homeserver.
package integration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rhuss/uiaa/pkg/api"
	"github.com/rhuss/uiaa/pkg/engine"
	"github.com/rhuss/uiaa/pkg/homeserver"
	"github.com/rhuss/uiaa/pkg/observability"
	"github.com/rhuss/uiaa/pkg/transport"
	transporthttp "github.com/rhuss/uiaa/pkg/transport/http"
)

const (
	aliceToken    = "syt_alice"
	alicePassword = "correct horse"
	jwtSecret     = "integration-secret"
	regToken      = "let-me-in"
)

// testEnv is a mock homeserver plus an engine talking to it.
type testEnv struct {
	Homeserver *homeserver.Server
	Server     *httptest.Server
}

// newTestEnv starts a homeserver with one user (alice). configure may
// adjust the config before the server starts.
func newTestEnv(t *testing.T, configure func(*homeserver.Config)) *testEnv {
	t.Helper()

	cfg := homeserver.DefaultConfig()
	cfg.Users = []homeserver.UserConfig{{
		User:        "alice",
		Password:    alicePassword,
		AccessToken: aliceToken,
		Devices:     []string{"PHONE", "LAPTOP"},
	}}
	cfg.RegistrationTokens = []string{regToken}
	cfg.JWT.Secret = jwtSecret
	if configure != nil {
		configure(&cfg)
	}

	hs, err := homeserver.New(cfg)
	if err != nil {
		t.Fatalf("creating homeserver: %v", err)
	}
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)

	return &testEnv{Homeserver: hs, Server: srv}
}

// engine returns an engine using the production middleware chain. An
// empty token sends no Authorization header.
func (e *testEnv) engine(t *testing.T, token string, cfg engine.Config) *engine.Engine {
	t.Helper()

	client, err := transporthttp.New(transporthttp.Config{
		BaseURL:     e.Server.URL,
		AccessToken: token,
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("creating transport: %v", err)
	}
	chain := transport.Chain(transport.Recovery(), transport.RequestID(), observability.Metrics())

	eng, err := engine.New(chain(client), cfg)
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	return eng
}

func newAction(t *testing.T, method, path string, payload any) *api.Action {
	t.Helper()
	a, err := api.NewAction(method, path, payload)
	if err != nil {
		t.Fatalf("creating action: %v", err)
	}
	return a
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// submitFallback completes a fallback page the way a browser would.
func submitFallback(ctx context.Context, pageURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pageURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &api.AuthError{ErrCode: "M_UNKNOWN", Message: resp.Status}
	}
	return nil
}

func wantKind(t *testing.T, err error, kind api.ErrorKind) *api.NegotiationError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := api.KindOf(err); got != kind {
		t.Fatalf("error kind = %q, want %q (err: %v)", got, kind, err)
	}
	var ne *api.NegotiationError
	errors.As(err, &ne)
	return ne
}
