package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rhuss/uiaa/pkg/api"
)

// JWTConfig configures the org.matrix.login.jwt provider.
type JWTConfig struct {
	// Secret is the HMAC key shared with the homeserver.
	Secret []byte

	// Subject is the user the token asserts (sub claim). Required.
	Subject string

	// Issuer and Audience are optional iss/aud claims.
	Issuer   string
	Audience string

	// TTL bounds token validity. Default: 2 minutes.
	TTL time.Duration

	// now is overridable in tests.
	now func() time.Time
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *JWTConfig) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 2 * time.Minute
	}
	if c.now == nil {
		c.now = time.Now
	}
}

type jwtProvider struct {
	cfg JWTConfig
}

// JWT returns a provider that mints a short-lived HS256 token for
// org.matrix.login.jwt.
func JWT(cfg JWTConfig) (Provider, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt: secret must not be empty")
	}
	if cfg.Subject == "" {
		return nil, errors.New("jwt: subject must not be empty")
	}
	cfg.applyDefaults()
	return &jwtProvider{cfg: cfg}, nil
}

func (p *jwtProvider) Name() string           { return "jwt" }
func (p *jwtProvider) Kinds() []api.StageKind { return []api.StageKind{api.StageJWT} }

func (p *jwtProvider) Produce(_ context.Context, req *Request) (*api.AuthData, error) {
	if req.LastError != nil {
		return nil, fmt.Errorf("jwt rejected: %w", req.LastError)
	}
	now := p.cfg.now()
	claims := jwtlib.RegisteredClaims{
		Subject:   p.cfg.Subject,
		Issuer:    p.cfg.Issuer,
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(p.cfg.TTL)),
	}
	if p.cfg.Audience != "" {
		claims.Audience = jwtlib.ClaimStrings{p.cfg.Audience}
	}

	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(p.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("jwt: signing token: %w", err)
	}
	return api.NewAuthData(api.StageJWT, map[string]any{"token": signed}), nil
}
