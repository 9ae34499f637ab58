package homeserver

import (
	"fmt"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rhuss/uiaa/pkg/api"
	"github.com/rhuss/uiaa/pkg/debug"
)

// Matrix error codes used by the server.
const (
	codeForbidden    = "M_FORBIDDEN"
	codeUnrecognized = "M_UNRECOGNIZED"
	codeUnknown      = "M_UNKNOWN"
	codeNotJSON      = "M_NOT_JSON"
	codeMissingParam = "M_MISSING_PARAM"
	codeMissingToken = "M_MISSING_TOKEN"
	codeUnknownToken = "M_UNKNOWN_TOKEN"
	codeUserInUse    = "M_USER_IN_USE"
	codeNotFound     = "M_NOT_FOUND"
)

// verifyStage checks the proof in auth for kind. It returns nil when the
// stage is satisfied and the rejection to report otherwise.
func (s *Server) verifyStage(op operation, kind api.StageKind, auth map[string]any) *api.AuthError {
	switch kind {
	case api.StageDummy, api.StageTerms:
		return nil
	case api.StagePassword:
		return s.verifyPassword(op, auth)
	case api.StageRegistrationToken, api.StageRegistrationTokenUnstable:
		return s.verifyRegistrationToken(auth)
	case api.StageJWT:
		return s.verifyJWT(op, auth)
	case api.StageReCaptcha:
		if resp, _ := auth["response"].(string); resp == "" {
			return &api.AuthError{ErrCode: codeForbidden, Message: "Captcha response is required"}
		}
		return nil
	case api.StageEmailIdentity, api.StageMSISDN:
		creds, _ := auth["threepid_creds"].(map[string]any)
		sid, _ := creds["sid"].(string)
		secret, _ := creds["client_secret"].(string)
		if sid == "" || secret == "" {
			return &api.AuthError{ErrCode: codeForbidden, Message: "Missing threepid credentials"}
		}
		return nil
	default:
		return &api.AuthError{
			ErrCode: codeForbidden,
			Message: fmt.Sprintf("%s must be completed through the fallback page", kind),
		}
	}
}

func (s *Server) verifyPassword(op operation, auth map[string]any) *api.AuthError {
	user := ""
	if ident, ok := auth["identifier"].(map[string]any); ok {
		if t, _ := ident["type"].(string); t == "m.id.user" {
			user, _ = ident["user"].(string)
		}
	} else {
		// Deprecated top-level "user" member.
		user, _ = auth["user"].(string)
	}
	password, _ := auth["password"].(string)
	user = s.localpart(user)

	if op.user != "" && user != op.user {
		return &api.AuthError{ErrCode: codeForbidden, Message: "Requested user does not match the authenticated user"}
	}

	s.mu.Lock()
	acct, ok := s.accounts[user]
	valid := ok && password != "" && acct.password == password
	s.mu.Unlock()

	if !valid {
		debug.Log("homeserver", "password rejected", "user", user)
		return &api.AuthError{ErrCode: codeForbidden, Message: "Invalid username or password"}
	}
	return nil
}

func (s *Server) verifyRegistrationToken(auth map[string]any) *api.AuthError {
	token, _ := auth["token"].(string)
	for _, t := range s.cfg.RegistrationTokens {
		if token != "" && token == t {
			return nil
		}
	}
	return &api.AuthError{ErrCode: codeForbidden, Message: "Invalid registration token"}
}

// verifyJWT validates an HS256 token signed with the configured secret.
func (s *Server) verifyJWT(op operation, auth map[string]any) *api.AuthError {
	tokenStr, _ := auth["token"].(string)
	if tokenStr == "" {
		return &api.AuthError{ErrCode: codeForbidden, Message: "Token field for JWT is missing"}
	}

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		return []byte(s.cfg.JWT.Secret), nil
	}, s.jwtParserOptions()...)
	if err != nil {
		debug.Log("homeserver", "JWT validation failed", "error", err)
		return &api.AuthError{ErrCode: codeForbidden, Message: "JWT validation failed"}
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return &api.AuthError{ErrCode: codeForbidden, Message: "Invalid JWT claims"}
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return &api.AuthError{ErrCode: codeForbidden, Message: "Invalid JWT: missing sub claim"}
	}
	if op.user != "" && s.localpart(sub) != op.user {
		return &api.AuthError{ErrCode: codeForbidden, Message: "Requested user does not match the authenticated user"}
	}
	return nil
}

// jwtParserOptions builds JWT parser options based on the configuration.
func (s *Server) jwtParserOptions() []jwtlib.ParserOption {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithExpirationRequired(),
	}
	if s.cfg.JWT.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(s.cfg.JWT.Issuer))
	}
	if s.cfg.JWT.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(s.cfg.JWT.Audience))
	}
	return opts
}

// localpart strips the sigil and server name from a user id. Plain
// localparts are returned unchanged.
func (s *Server) localpart(user string) string {
	user = strings.TrimPrefix(user, "@")
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

// userID builds a full user id for localpart.
func (s *Server) userID(localpart string) string {
	return "@" + localpart + ":" + s.cfg.ServerName
}
