package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// ---------------------------------------------------------------------------
// Stage kinds
// ---------------------------------------------------------------------------

// StageKind identifies a single authentication stage. The set is open:
// any string a homeserver sends is a valid StageKind.
type StageKind string

const (
	StagePassword                  StageKind = "m.login.password"
	StageRegistrationToken         StageKind = "m.login.registration_token"
	StageRegistrationTokenUnstable StageKind = "org.matrix.msc3231.login.registration_token"
	StageDummy                     StageKind = "m.login.dummy"
	StageEmailIdentity             StageKind = "m.login.email.identity"
	StageMSISDN                    StageKind = "m.login.msisdn"
	StageSSO                       StageKind = "m.login.sso"
	StageReCaptcha                 StageKind = "m.login.recaptcha"
	StageTerms                     StageKind = "m.login.terms"
	StageJWT                       StageKind = "org.matrix.login.jwt"
)

var knownStages = []StageKind{
	StagePassword,
	StageRegistrationToken,
	StageRegistrationTokenUnstable,
	StageDummy,
	StageEmailIdentity,
	StageMSISDN,
	StageSSO,
	StageReCaptcha,
	StageTerms,
	StageJWT,
}

// Known reports whether k is one of the stage kinds this package names.
// Unknown kinds are still valid; they are carried as opaque values.
func (k StageKind) Known() bool {
	return slices.Contains(knownStages, k)
}

// String implements fmt.Stringer.
func (k StageKind) String() string { return string(k) }

// ---------------------------------------------------------------------------
// Flows and challenges
// ---------------------------------------------------------------------------

// AuthFlow is an ordered list of stages that must all be completed.
type AuthFlow struct {
	Stages []StageKind `json:"stages"`
}

// Contains reports whether the flow lists the given stage.
func (f AuthFlow) Contains(kind StageKind) bool {
	return slices.Contains(f.Stages, kind)
}

// Remaining returns the stages of the flow not in completed, preserving
// the server's order.
func (f AuthFlow) Remaining(completed StageSet) []StageKind {
	var out []StageKind
	for _, s := range f.Stages {
		if !completed.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// String renders the flow as "a -> b -> c".
func (f AuthFlow) String() string {
	parts := make([]string, len(f.Stages))
	for i, s := range f.Stages {
		parts[i] = string(s)
	}
	return strings.Join(parts, " -> ")
}

// StageSet is a set of stage kinds.
type StageSet map[StageKind]struct{}

// NewStageSet builds a set from the given kinds.
func NewStageSet(kinds ...StageKind) StageSet {
	s := make(StageSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s StageSet) Has(kind StageKind) bool {
	_, ok := s[kind]
	return ok
}

// SubsetOf reports whether every member of s is a stage of flow.
func (s StageSet) SubsetOf(flow AuthFlow) bool {
	for k := range s {
		if !flow.Contains(k) {
			return false
		}
	}
	return true
}

// Sorted returns the members in lexical order.
func (s StageSet) Sorted() []StageKind {
	out := make([]StageKind, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// UiaaInfo is the challenge a homeserver returns with a 401 when an
// action requires interactive authentication.
type UiaaInfo struct {
	Flows     []AuthFlow                    `json:"flows"`
	Completed []StageKind                   `json:"completed,omitempty"`
	Session   string                        `json:"session,omitempty"`
	Params    map[StageKind]json.RawMessage `json:"params,omitempty"`

	// ErrCode and Error are set when the homeserver rejected the stage
	// submitted in the previous round (for example M_FORBIDDEN after a
	// wrong password).
	ErrCode string `json:"errcode,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CompletedSet returns the completed stages as a set.
func (u *UiaaInfo) CompletedSet() StageSet {
	return NewStageSet(u.Completed...)
}

// TotalStages returns the number of stages across all offered flows.
func (u *UiaaInfo) TotalStages() int {
	n := 0
	for _, f := range u.Flows {
		n += len(f.Stages)
	}
	return n
}

// StageError returns the server-reported error for the last submission,
// or nil when the challenge carries none.
func (u *UiaaInfo) StageError() *AuthError {
	if u.ErrCode == "" && u.Error == "" {
		return nil
	}
	return &AuthError{ErrCode: u.ErrCode, Message: u.Error}
}

// AuthError is a homeserver error object ({"errcode", "error"}).
type AuthError struct {
	ErrCode string `json:"errcode"`
	Message string `json:"error"`
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Message == "" {
		return e.ErrCode
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

// ---------------------------------------------------------------------------
// Proof material
// ---------------------------------------------------------------------------

// AuthData is the proof for exactly one stage. It serializes to the
// "auth" object of a resubmitted action:
//
//	{"type": "<kind>", "session": "<id>", ...fields}
type AuthData struct {
	Type    StageKind
	Session string

	// SessionOnly omits "type" from the wire form. It is used once a stage
	// was completed out of band (fallback page, SSO) and the client only
	// needs to tell the homeserver to re-check the session.
	SessionOnly bool

	// Fields holds the stage-specific members.
	Fields map[string]any
}

// NewAuthData creates proof material for kind with the given fields.
func NewAuthData(kind StageKind, fields map[string]any) *AuthData {
	return &AuthData{Type: kind, Fields: fields}
}

// MarshalJSON flattens Fields next to type and session.
func (a AuthData) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(a.Fields)+2)
	for k, v := range a.Fields {
		m[k] = v
	}
	if !a.SessionOnly && a.Type != "" {
		m["type"] = a.Type
	}
	if a.Session != "" {
		m["session"] = a.Session
	}
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (a *AuthData) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*a = AuthData{}
	if t, ok := m["type"].(string); ok {
		a.Type = StageKind(t)
	} else {
		a.SessionOnly = true
	}
	if s, ok := m["session"].(string); ok {
		a.Session = s
	}
	delete(m, "type")
	delete(m, "session")
	if len(m) > 0 {
		a.Fields = m
	}
	return nil
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

// Action is a request that may require interactive authentication.
// Body must be a JSON object (or empty) so the "auth" member can be merged
// into it on resubmission.
type Action struct {
	Method string
	Path   string
	Body   json.RawMessage
	Header http.Header
}

// NewAction creates an Action whose body is the JSON encoding of payload.
// A nil payload produces an empty object.
func NewAction(method, path string, payload any) (*Action, error) {
	body := json.RawMessage("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding action payload: %w", err)
		}
		body = b
	}
	return &Action{Method: method, Path: path, Body: body}, nil
}

// WithAuth returns the action body with "auth" set to data. Any "auth"
// member already present in the payload is replaced.
func (a *Action) WithAuth(data *AuthData) ([]byte, error) {
	obj := map[string]json.RawMessage{}
	if len(a.Body) > 0 {
		if err := json.Unmarshal(a.Body, &obj); err != nil {
			return nil, fmt.Errorf("action body is not a JSON object: %w", err)
		}
		if obj == nil {
			obj = map[string]json.RawMessage{}
		}
	}
	if data == nil {
		delete(obj, "auth")
	} else {
		auth, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding auth: %w", err)
		}
		obj["auth"] = auth
	}
	return json.Marshal(obj)
}

// ActionResponse is the homeserver's final 2xx response to an action,
// passed to the caller untouched.
type ActionResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v.
func (r *ActionResponse) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}
