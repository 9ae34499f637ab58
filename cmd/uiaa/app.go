package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rhuss/uiaa/pkg/api"
	"github.com/rhuss/uiaa/pkg/config"
	"github.com/rhuss/uiaa/pkg/engine"
	"github.com/rhuss/uiaa/pkg/observability"
	"github.com/rhuss/uiaa/pkg/stages"
	"github.com/rhuss/uiaa/pkg/transport"
	transporthttp "github.com/rhuss/uiaa/pkg/transport/http"
)

// application wires configuration, transport, engine and prompts for one
// CLI invocation.
type application struct {
	cfg     *config.Config
	engine  *engine.Engine
	prompt  *prompter
	out     io.Writer
	metrics *http.Server
}

// newApplication builds the transport chain and engine from cfg.
func newApplication(cfg *config.Config, prompt *prompter, out io.Writer) (*application, error) {
	client, err := transporthttp.New(transporthttp.Config{
		BaseURL:     cfg.Homeserver.BaseURL,
		AccessToken: cfg.Homeserver.AccessToken,
		Timeout:     cfg.Homeserver.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	chain := transport.Chain(
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(slog.Default()),
		observability.Metrics(),
	)

	eng, err := engine.New(chain(client), engine.Config{
		MaxAttempts: cfg.Negotiation.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	return &application{
		cfg:    cfg,
		engine: eng,
		prompt: prompt,
		out:    out,
	}, nil
}

// registry returns the stage providers available to this invocation.
// Providers for credentials that are neither configured nor promptable are
// left out, so the engine picks a flow it can actually finish.
func (a *application) registry() (*stages.Registry, error) {
	cfg := a.cfg.Stages
	reg := stages.NewRegistry(stages.Dummy())

	if pw := a.secretSource(cfg.Password.Password, "Password"); pw != nil && cfg.Password.User != "" {
		reg.Register(stages.Password(stages.UserIdentifier(cfg.Password.User), pw))
	}

	if tok := a.secretSource(cfg.RegistrationToken.Token, "Registration token"); tok != nil {
		reg.Register(stages.RegistrationToken(tok))
	}

	if cfg.JWT.Secret != "" {
		p, err := stages.JWT(stages.JWTConfig{
			Secret:   []byte(cfg.JWT.Secret),
			Subject:  cfg.JWT.Subject,
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
			TTL:      cfg.JWT.TTL,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(p)
	}

	switch {
	case cfg.Terms.AutoAccept:
		reg.Register(stages.Terms(nil))
	case a.prompt.interactive:
		reg.Register(stages.Terms(a.prompt.acceptTerms))
	}

	// Fallback pages go last so a dedicated provider wins for any kind
	// both can handle.
	if len(cfg.Fallback.Kinds) > 0 && a.prompt.interactive {
		kinds := make([]api.StageKind, len(cfg.Fallback.Kinds))
		for i, k := range cfg.Fallback.Kinds {
			kinds[i] = api.StageKind(k)
		}
		p, err := stages.Fallback(a.cfg.Homeserver.BaseURL, a.prompt.openFallback, kinds...)
		if err != nil {
			return nil, err
		}
		reg.Register(p)
	}

	return reg, nil
}

// secretSource returns a static secret when configured, a prompt when a
// terminal is available, and nil otherwise.
func (a *application) secretSource(configured, label string) stages.Secret {
	if configured != "" {
		return stages.StaticSecret(configured)
	}
	if a.prompt.interactive {
		return a.prompt.secret(label)
	}
	return nil
}

// run completes action and writes the homeserver's response body.
func (a *application) run(ctx context.Context, action *api.Action) error {
	reg, err := a.registry()
	if err != nil {
		return fmt.Errorf("setting up stage providers: %w", err)
	}

	resp, err := a.engine.Complete(ctx, action, reg)
	if err != nil {
		return describe(err)
	}

	return writeBody(a.out, resp.Body)
}

// startMetrics serves Prometheus metrics when enabled.
func (a *application) startMetrics() {
	m := a.cfg.Observability.Metrics
	if !m.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(m.Path, observability.Handler())
	a.metrics = &http.Server{Addr: m.Addr, Handler: mux}

	go func() {
		slog.Info("metrics endpoint listening", "addr", m.Addr, "path", m.Path)
		if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics endpoint failed", "error", err)
		}
	}()
}

// close releases resources held by the application.
func (a *application) close() {
	if a.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.metrics.Shutdown(ctx)
}

// describe turns a negotiation failure into a message for the user.
func describe(err error) error {
	var ne *api.NegotiationError
	if !errors.As(err, &ne) {
		return err
	}
	switch ne.Kind {
	case api.ErrorKindNoSatisfiableFlow:
		return fmt.Errorf("the homeserver requires stages this client cannot complete: %w", err)
	case api.ErrorKindActionRejected:
		if len(ne.Body) > 0 {
			return fmt.Errorf("%w\n%s", err, bytes.TrimSpace(ne.Body))
		}
	}
	return err
}

// writeBody prints a JSON body indented, or verbatim when it is not JSON.
func writeBody(w io.Writer, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
