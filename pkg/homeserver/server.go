package homeserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rhuss/uiaa/pkg/api"
	"github.com/rhuss/uiaa/pkg/debug"
)

// maxBodySize limits request bodies read by the server.
const maxBodySize = 1 << 20

// account is a registered user.
type account struct {
	password string
	devices  map[string]bool
}

// operation describes the endpoint a UIA session protects.
type operation struct {
	name  string
	flows [][]api.StageKind
	// user is the authenticated localpart, empty for anonymous endpoints.
	user string
}

// Server is the mock homeserver. It implements http.Handler.
type Server struct {
	cfg      Config
	sessions *sessionStore
	mux      *http.ServeMux

	mu       sync.Mutex
	accounts map[string]*account // localpart -> account
	tokens   map[string]string   // access token -> localpart
}

// Ensure Server implements http.Handler at compile time.
var _ http.Handler = (*Server)(nil)

// New creates a homeserver from cfg.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("homeserver config: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		sessions: newSessionStore(cfg.MaxSessions),
		mux:      http.NewServeMux(),
		accounts: make(map[string]*account),
		tokens:   make(map[string]string),
	}

	for _, u := range cfg.Users {
		acct := &account{password: u.Password, devices: make(map[string]bool)}
		for _, d := range u.Devices {
			acct.devices[d] = true
		}
		s.accounts[u.User] = acct
		if u.AccessToken != "" {
			s.tokens[u.AccessToken] = u.User
		}
	}

	s.mux.HandleFunc("POST /_matrix/client/v3/register", s.handleRegister)
	s.mux.HandleFunc("POST /_matrix/client/v3/account/password", s.handlePassword)
	s.mux.HandleFunc("DELETE /_matrix/client/v3/devices/{deviceId}", s.handleDeleteDevice)
	s.mux.HandleFunc("GET /_matrix/client/v3/auth/{kind}/fallback/web", s.handleFallbackPage)
	s.mux.HandleFunc("POST /_matrix/client/v3/auth/{kind}/fallback/web", s.handleFallbackSubmit)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// OpenSessions returns the number of UIA sessions in progress.
func (s *Server) OpenSessions() int {
	return s.sessions.len()
}

// HasUser reports whether an account exists for localpart.
func (s *Server) HasUser(localpart string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[localpart]
	return ok
}

// CheckPassword reports whether password is the current password of localpart.
func (s *Server) CheckPassword(localpart, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[localpart]
	return ok && acct.password == password
}

// HasDevice reports whether localpart owns deviceID.
func (s *Server) HasDevice(localpart, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[localpart]
	return ok && acct.devices[deviceID]
}

// --- Endpoints ---

type registerRequest struct {
	Username     string          `json:"username"`
	Password     string          `json:"password"`
	DeviceID     string          `json:"device_id"`
	InhibitLogin bool            `json:"inhibit_login"`
	Auth         json.RawMessage `json:"auth"`
}

type registerResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Username != "" && s.HasUser(req.Username) {
		writeError(w, http.StatusBadRequest, codeUserInUse, "User ID already taken.")
		return
	}

	op := operation{name: "POST /register", flows: s.cfg.Flows.Register}
	if !s.authenticate(w, op, req.Auth) {
		return
	}

	username := req.Username
	if username == "" {
		username = "user-" + uuid.NewString()[:8]
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = strings.ToUpper(uuid.NewString()[:10])
	}

	s.mu.Lock()
	if _, taken := s.accounts[username]; taken {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, codeUserInUse, "User ID already taken.")
		return
	}
	s.accounts[username] = &account{
		password: req.Password,
		devices:  map[string]bool{deviceID: true},
	}
	resp := registerResponse{UserID: s.userID(username)}
	if !req.InhibitLogin {
		resp.AccessToken = "syt_" + uuid.NewString()
		resp.DeviceID = deviceID
		s.tokens[resp.AccessToken] = username
	}
	s.mu.Unlock()

	slog.Info("user registered", "user_id", resp.UserID)
	writeJSON(w, http.StatusOK, resp)
}

type passwordRequest struct {
	NewPassword   string          `json:"new_password"`
	LogoutDevices bool            `json:"logout_devices"`
	Auth          json.RawMessage `json:"auth"`
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	var req passwordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "Missing new_password")
		return
	}

	op := operation{name: "POST /account/password", flows: s.cfg.Flows.Password, user: user}
	if !s.authenticate(w, op, req.Auth) {
		return
	}

	s.mu.Lock()
	s.accounts[user].password = req.NewPassword
	s.mu.Unlock()

	slog.Info("password changed", "user_id", s.userID(user))
	writeJSON(w, http.StatusOK, struct{}{})
}

type deleteDeviceRequest struct {
	Auth json.RawMessage `json:"auth"`
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	deviceID := r.PathValue("deviceId")
	if !s.HasDevice(user, deviceID) {
		writeError(w, http.StatusNotFound, codeNotFound, "Device not found")
		return
	}

	var req deleteDeviceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	op := operation{name: "DELETE /devices/" + deviceID, flows: s.cfg.Flows.DeleteDevice, user: user}
	if !s.authenticate(w, op, req.Auth) {
		return
	}

	s.mu.Lock()
	delete(s.accounts[user].devices, deviceID)
	s.mu.Unlock()

	slog.Info("device deleted", "user_id", s.userID(user), "device_id", deviceID)
	writeJSON(w, http.StatusOK, struct{}{})
}

const fallbackPage = `<!DOCTYPE html>
<html>
<head><title>Authentication</title></head>
<body>
<form method="post" action="">
<input type="hidden" name="session" value="%s">
<p>Complete %s to continue.</p>
<input type="submit" value="Continue">
</form>
</body>
</html>
`

const fallbackDone = `<!DOCTYPE html>
<html>
<head><title>Authentication</title></head>
<body><p>Thank you. You may now close this window and return to the application.</p></body>
</html>
`

func (s *Server) handleFallbackPage(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	if session == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "Missing session")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, fallbackPage, html.EscapeString(session), html.EscapeString(r.PathValue("kind")))
}

// handleFallbackSubmit marks the stage as completed for the session, as a
// real homeserver does once the user finishes the page.
func (s *Server) handleFallbackSubmit(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	if session == "" {
		session = r.FormValue("session")
	}
	if session == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "Missing session")
		return
	}

	kind := api.StageKind(r.PathValue("kind"))
	if err := s.sessions.markCompleted(session, kind); err != nil {
		writeError(w, http.StatusBadRequest, codeUnknown, "Unknown session ID")
		return
	}

	debug.Log("homeserver", "fallback stage completed", "session", session, "stage", kind)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, fallbackDone)
}

// --- User-Interactive Authentication ---

// authenticate runs the UIA check for op. It returns true once a flow is
// complete; otherwise it has already written the response.
func (s *Server) authenticate(w http.ResponseWriter, op operation, raw json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		id := s.sessions.create(op.name)
		debug.Log("homeserver", "session created", "session", id, "operation", op.name)
		s.writeChallenge(w, op, id, nil, nil)
		return false
	}

	var auth map[string]any
	if err := json.Unmarshal(raw, &auth); err != nil {
		writeError(w, http.StatusBadRequest, codeNotJSON, "auth must be a JSON object")
		return false
	}

	id, _ := auth["session"].(string)
	if id == "" {
		id = s.sessions.create(op.name)
	}

	err := s.sessions.update(id, func(sess *uiaSession) error {
		if sess.operation != op.name {
			return errOperationChanged
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusBadRequest, codeUnknown, "Unknown session ID: "+id)
		return false
	case errors.Is(err, errOperationChanged):
		writeError(w, http.StatusForbidden, codeForbidden, "Requested operation has changed during the UI authentication session.")
		return false
	}

	var rejection *api.AuthError
	if t, ok := auth["type"].(string); ok {
		kind := api.StageKind(t)
		if !offered(op.flows, kind) {
			writeError(w, http.StatusBadRequest, codeUnrecognized, fmt.Sprintf("Stage %s is not offered", kind))
			return false
		}
		rejection = s.verifyStage(op, kind, auth)
		if rejection == nil {
			if err := s.sessions.markCompleted(id, kind); err != nil {
				writeError(w, http.StatusBadRequest, codeUnknown, "Unknown session ID: "+id)
				return false
			}
		}
		debug.Log("homeserver", "stage submitted",
			"session", id,
			"stage", kind,
			"accepted", rejection == nil,
		)
	}

	completed, err := s.sessions.completed(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeUnknown, "Unknown session ID: "+id)
		return false
	}

	if flowComplete(op.flows, api.NewStageSet(completed...)) {
		s.sessions.delete(id)
		debug.Log("homeserver", "session authenticated", "session", id, "operation", op.name)
		return true
	}

	s.writeChallenge(w, op, id, completed, rejection)
	return false
}

var errOperationChanged = errors.New("operation changed")

type challengeBody struct {
	Flows     []api.AuthFlow                    `json:"flows"`
	Completed []api.StageKind                   `json:"completed"`
	Session   string                            `json:"session"`
	Params    map[api.StageKind]json.RawMessage `json:"params"`
	ErrCode   string                            `json:"errcode,omitempty"`
	Error     string                            `json:"error,omitempty"`
}

func (s *Server) writeChallenge(w http.ResponseWriter, op operation, session string, completed []api.StageKind, rejection *api.AuthError) {
	body := challengeBody{
		Flows:     make([]api.AuthFlow, len(op.flows)),
		Completed: completed,
		Session:   session,
		Params:    s.params(op.flows),
	}
	if body.Completed == nil {
		body.Completed = []api.StageKind{}
	}
	for i, f := range op.flows {
		body.Flows[i] = api.AuthFlow{Stages: f}
	}
	if rejection != nil {
		body.ErrCode = rejection.ErrCode
		body.Error = rejection.Message
	}
	writeJSON(w, http.StatusUnauthorized, body)
}

// params returns stage parameters for the kinds offered in flows.
func (s *Server) params(flows [][]api.StageKind) map[api.StageKind]json.RawMessage {
	out := make(map[api.StageKind]json.RawMessage)
	if offered(flows, api.StageTerms) {
		p, _ := json.Marshal(map[string]any{
			"policies": map[string]any{
				s.cfg.Terms.Name: map[string]any{
					"version": s.cfg.Terms.Version,
					"en": map[string]string{
						"name": s.cfg.Terms.Name,
						"url":  s.cfg.Terms.URL,
					},
				},
			},
		})
		out[api.StageTerms] = p
	}
	if offered(flows, api.StageReCaptcha) && s.cfg.ReCaptchaPublicKey != "" {
		p, _ := json.Marshal(map[string]string{"public_key": s.cfg.ReCaptchaPublicKey})
		out[api.StageReCaptcha] = p
	}
	return out
}

func offered(flows [][]api.StageKind, kind api.StageKind) bool {
	for _, f := range flows {
		for _, s := range f {
			if s == kind {
				return true
			}
		}
	}
	return false
}

func flowComplete(flows [][]api.StageKind, completed api.StageSet) bool {
	for _, f := range flows {
		done := true
		for _, s := range f {
			if !completed.Has(s) {
				done = false
				break
			}
		}
		if done {
			return true
		}
	}
	return false
}

// --- Helpers ---

// requireToken resolves the bearer token to a localpart.
func (s *Server) requireToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		writeError(w, http.StatusUnauthorized, codeMissingToken, "Missing access token")
		return "", false
	}

	s.mu.Lock()
	user, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnknownToken, "Unrecognised access token")
		return "", false
	}
	return user, true
}

// decodeBody decodes a JSON request body into v. An empty body decodes as
// an empty object.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeNotJSON, "Could not read request body")
		return false
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, codeNotJSON, "Content not JSON.")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, errcode, message string) {
	writeJSON(w, status, api.AuthError{ErrCode: errcode, Message: message})
}
