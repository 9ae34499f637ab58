package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/rhuss/uiaa/pkg/api"
	"github.com/rhuss/uiaa/pkg/observability"
	"github.com/rhuss/uiaa/pkg/stages"
	"github.com/rhuss/uiaa/pkg/transport"
)

// --- Test helpers ---

// step answers one scripted round trip.
type step func(req *transport.Request) (*transport.Response, error)

// scripted is a fake transport that replays steps in order and records
// every request it sees.
type scripted struct {
	mu       sync.Mutex
	steps    []step
	requests []*transport.Request
}

func script(steps ...step) *scripted {
	return &scripted{steps: steps}
}

func (s *scripted) Send(_ context.Context, req *transport.Request) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.steps) {
		return nil, fmt.Errorf("unexpected round trip %d", i+1)
	}
	return s.steps[i](req)
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// challenge answers with a 401 carrying the given flows.
func challenge(session string, completed []api.StageKind, flows ...[]api.StageKind) step {
	return challengeWithError(session, completed, "", flows...)
}

func challengeWithError(session string, completed []api.StageKind, errcode string, flows ...[]api.StageKind) step {
	return func(_ *transport.Request) (*transport.Response, error) {
		info := api.UiaaInfo{Session: session, Completed: completed, ErrCode: errcode}
		for _, f := range flows {
			info.Flows = append(info.Flows, api.AuthFlow{Stages: f})
		}
		body, _ := json.Marshal(info)
		return &transport.Response{StatusCode: http.StatusUnauthorized, Body: body}, nil
	}
}

func respond(status int, body string) step {
	return func(_ *transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: status, Body: []byte(body)}, nil
	}
}

// authOf returns the "auth" member of a recorded request body, or nil.
func authOf(t *testing.T, req *transport.Request) map[string]any {
	t.Helper()
	if len(req.Body) == 0 {
		return nil
	}
	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	auth, _ := body["auth"].(map[string]any)
	return auth
}

// recorder is a provider that records the requests it receives.
type recorder struct {
	mu    sync.Mutex
	calls []stages.Request
	fn    func(ctx context.Context, req *stages.Request) (*api.AuthData, error)
}

func (r *recorder) provider(name string, kinds ...api.StageKind) stages.Provider {
	return stages.Func(name, func(ctx context.Context, req *stages.Request) (*api.AuthData, error) {
		r.mu.Lock()
		r.calls = append(r.calls, *req)
		r.mu.Unlock()
		if r.fn != nil {
			return r.fn(ctx, req)
		}
		return api.NewAuthData(req.Kind, nil), nil
	}, kinds...)
}

func (r *recorder) kinds() []api.StageKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.StageKind, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Kind
	}
	return out
}

func newEngine(t *testing.T, tr transport.Transport, cfg Config) *Engine {
	t.Helper()
	e, err := New(tr, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func postAction(t *testing.T, payload any) *api.Action {
	t.Helper()
	a, err := api.NewAction(http.MethodPost, "/_matrix/client/v3/register", payload)
	if err != nil {
		t.Fatalf("NewAction: %v", err)
	}
	return a
}

func wantKind(t *testing.T, err error, kind api.ErrorKind) *api.NegotiationError {
	t.Helper()
	var ne *api.NegotiationError
	if !errors.As(err, &ne) {
		t.Fatalf("expected *api.NegotiationError of kind %s, got %T: %v", kind, err, err)
	}
	if ne.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, ne.Kind, err)
	}
	return ne
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := observability.NegotiationsTotal.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

const (
	stageA api.StageKind = "org.example.a"
	stageB api.StageKind = "org.example.b"
	stageC api.StageKind = "org.example.c"
)

// --- Construction ---

func TestNew_RequiresTransport(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error for nil transport")
	}
}

func TestComplete_RejectsInvalidAction(t *testing.T) {
	tr := script()
	e := newEngine(t, tr, Config{})

	if _, err := e.Complete(context.Background(), nil, nil); err == nil {
		t.Error("expected error for nil action")
	}

	bad := &api.Action{Method: http.MethodPost, Path: "/x", Body: json.RawMessage(`[1,2]`)}
	if _, err := e.Complete(context.Background(), bad, nil); err == nil {
		t.Error("expected error for non-object body")
	}
	if tr.count() != 0 {
		t.Errorf("expected no round trips, got %d", tr.count())
	}
}

// --- Happy paths ---

func TestComplete_NoChallenge(t *testing.T) {
	tr := script(respond(http.StatusOK, `{"user_id":"@alice:example.org"}`))
	rec := &recorder{}
	e := newEngine(t, tr, Config{})

	resp, err := e.Complete(context.Background(), postAction(t, map[string]any{"username": "alice"}),
		stages.NewRegistry(rec.provider("dummy", api.StageDummy)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != `{"user_id":"@alice:example.org"}` {
		t.Errorf("body = %s", resp.Body)
	}
	if tr.count() != 1 {
		t.Errorf("round trips = %d, want 1", tr.count())
	}
	if auth := authOf(t, tr.requests[0]); auth != nil {
		t.Errorf("first request carried auth: %v", auth)
	}
	if len(rec.calls) != 0 {
		t.Errorf("provider called %d times", len(rec.calls))
	}
}

func TestComplete_SingleDummyStage(t *testing.T) {
	tr := script(
		challenge("s1", nil, []api.StageKind{api.StageDummy}),
		respond(http.StatusOK, `{"user_id":"@bob:example.org"}`),
	)
	e := newEngine(t, tr, Config{})

	resp, err := e.Complete(context.Background(), postAction(t, map[string]any{"username": "bob"}),
		stages.NewRegistry(stages.Dummy()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if tr.count() != 2 {
		t.Fatalf("round trips = %d, want 2", tr.count())
	}
	if auth := authOf(t, tr.requests[0]); auth != nil {
		t.Errorf("first request carried auth: %v", auth)
	}
	auth := authOf(t, tr.requests[1])
	if auth["type"] != string(api.StageDummy) || auth["session"] != "s1" {
		t.Errorf("auth = %v", auth)
	}
	if len(auth) != 2 {
		t.Errorf("dummy proof has extra members: %v", auth)
	}
}

func TestComplete_SinglePasswordStage(t *testing.T) {
	tr := script(
		challenge("s1", nil, []api.StageKind{api.StagePassword}),
		respond(http.StatusOK, `{}`),
	)
	e := newEngine(t, tr, Config{})
	reg := stages.NewRegistry(stages.Password(stages.UserIdentifier("alice"), stages.StaticSecret("hunter2")))

	action := &api.Action{
		Method: http.MethodDelete,
		Path:   "/_matrix/client/v3/devices/ABCDEF",
		Body:   json.RawMessage(`{}`),
		Header: http.Header{"X-Trace": []string{"t-1"}},
	}
	if _, err := e.Complete(context.Background(), action, reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tr.count() != 2 {
		t.Fatalf("round trips = %d, want 2", tr.count())
	}
	auth := authOf(t, tr.requests[1])
	if auth["type"] != string(api.StagePassword) {
		t.Errorf("type = %v", auth["type"])
	}
	if auth["session"] != "s1" {
		t.Errorf("session = %v", auth["session"])
	}
	if auth["password"] != "hunter2" {
		t.Errorf("password = %v", auth["password"])
	}
	ident, _ := auth["identifier"].(map[string]any)
	if ident["user"] != "alice" {
		t.Errorf("identifier = %v", auth["identifier"])
	}
	for i, req := range tr.requests {
		if req.Method != http.MethodDelete || req.Path != action.Path {
			t.Errorf("request %d = %s %s", i, req.Method, req.Path)
		}
		if req.Header.Get("X-Trace") != "t-1" {
			t.Errorf("request %d lost header", i)
		}
	}
}

func TestComplete_TwoStageFlow(t *testing.T) {
	tr := script(
		challenge("s1", nil, []api.StageKind{api.StageRegistrationToken, api.StageDummy}),
		challenge("s1", []api.StageKind{api.StageRegistrationToken}, []api.StageKind{api.StageRegistrationToken, api.StageDummy}),
		respond(http.StatusOK, `{"user_id":"@bob:example.org"}`),
	)
	e := newEngine(t, tr, Config{})
	reg := stages.NewRegistry(stages.RegistrationToken(stages.StaticSecret("tok")), stages.Dummy())

	resp, err := e.Complete(context.Background(), postAction(t, map[string]any{"username": "bob"}), reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if tr.count() != 3 {
		t.Fatalf("round trips = %d, want 3", tr.count())
	}

	first := authOf(t, tr.requests[1])
	if first["type"] != string(api.StageRegistrationToken) || first["token"] != "tok" {
		t.Errorf("first submission = %v", first)
	}
	second := authOf(t, tr.requests[2])
	if second["type"] != string(api.StageDummy) || second["session"] != "s1" {
		t.Errorf("second submission = %v", second)
	}

	// The action payload survives every resubmission.
	var body map[string]any
	_ = json.Unmarshal(tr.requests[2].Body, &body)
	if body["username"] != "bob" {
		t.Errorf("payload lost: %s", tr.requests[2].Body)
	}
}

func TestComplete_PrefersServerOrder(t *testing.T) {
	tr := script(
		challenge("s1", nil,
			[]api.StageKind{api.StageDummy},
			[]api.StageKind{api.StageRegistrationToken, api.StageDummy},
		),
		respond(http.StatusOK, `{}`),
	)
	e := newEngine(t, tr, Config{})
	reg := stages.NewRegistry(stages.RegistrationToken(stages.StaticSecret("tok")), stages.Dummy())

	if _, err := e.Complete(context.Background(), postAction(t, nil), reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.count() != 2 {
		t.Fatalf("round trips = %d, want 2", tr.count())
	}
	if got := authOf(t, tr.requests[1])["type"]; got != string(api.StageDummy) {
		t.Errorf("submitted %v, want dummy", got)
	}
}

func TestComplete_SkipsFlowWithUncoveredLaterStage(t *testing.T) {
	// The first flow starts with a supported stage but needs one without
	// a provider, so the second flow is chosen.
	tr := script(
		challenge("s1", nil,
			[]api.StageKind{api.StageDummy, api.StageSSO},
			[]api.StageKind{api.StageRegistrationToken},
		),
		respond(http.StatusOK, `{}`),
	)
	e := newEngine(t, tr, Config{})
	reg := stages.NewRegistry(stages.RegistrationToken(stages.StaticSecret("tok")), stages.Dummy())

	if _, err := e.Complete(context.Background(), postAction(t, nil), reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := authOf(t, tr.requests[1])["type"]; got != string(api.StageRegistrationToken) {
		t.Errorf("submitted %v, want registration token", got)
	}
}

func TestComplete_SessionOnlyFallback(t *testing.T) {
	tr := script(
		challenge("s9", nil, []api.StageKind{api.StageSSO}),
		respond(http.StatusOK, `{}`),
	)
	var opened string
	fb, err := stages.Fallback("https://hs.example.org", func(_ context.Context, u string) error {
		opened = u
		return nil
	})
	if err != nil {
		t.Fatalf("Fallback: %v", err)
	}
	e := newEngine(t, tr, Config{})

	if _, err := e.Complete(context.Background(), postAction(t, nil), stages.NewRegistry(fb)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opened != "https://hs.example.org/_matrix/client/v3/auth/m.login.sso/fallback/web?session=s9" {
		t.Errorf("opened %q", opened)
	}
	auth := authOf(t, tr.requests[1])
	if _, ok := auth["type"]; ok {
		t.Errorf("session-only auth carried type: %v", auth)
	}
	if auth["session"] != "s9" {
		t.Errorf("session = %v", auth["session"])
	}
}

// --- Completed-set handling ---

func TestComplete_ServerShrinksCompleted(t *testing.T) {
	flow := []api.StageKind{stageA, stageB, stageC}
	tr := script(
		challenge("s1", nil, flow),
		challenge("s1", []api.StageKind{stageA}, flow),
		challenge("s1", nil, flow), // the server forgot stage a
		respond(http.StatusOK, `{}`),
	)
	rec := &recorder{}
	e := newEngine(t, tr, Config{})

	if _, err := e.Complete(context.Background(), postAction(t, nil),
		stages.NewRegistry(rec.provider("abc", stageA, stageB, stageC))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []api.StageKind{stageA, stageB, stageA}
	if got := rec.kinds(); !slices.Equal(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	if len(rec.calls[2].Completed) != 0 {
		t.Errorf("third request saw completed %v, want none", rec.calls[2].Completed)
	}
	if rec.calls[2].Attempt != 2 {
		t.Errorf("attempt = %d, want 2", rec.calls[2].Attempt)
	}
}

func TestComplete_AdvancesOneStagePerRound(t *testing.T) {
	flow := []api.StageKind{stageA, stageB, stageC}
	tr := script(
		challenge("s1", nil, flow),
		challenge("s1", []api.StageKind{stageA}, flow),
		challenge("s1", []api.StageKind{stageA}, flow), // b not yet recorded
		challenge("s1", []api.StageKind{stageA, stageB}, flow),
		respond(http.StatusOK, `{}`),
	)
	rec := &recorder{}
	e := newEngine(t, tr, Config{})

	if _, err := e.Complete(context.Background(), postAction(t, nil),
		stages.NewRegistry(rec.provider("abc", stageA, stageB, stageC))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []api.StageKind{stageA, stageB, stageB, stageC}
	if got := rec.kinds(); !slices.Equal(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
}

// --- Failures ---

func TestComplete_NoSatisfiableFlow(t *testing.T) {
	tr := script(challenge("s1", nil,
		[]api.StageKind{api.StageSSO},
		[]api.StageKind{api.StageEmailIdentity, api.StageSSO},
	))
	rec := &recorder{}
	e := newEngine(t, tr, Config{})

	_, err := e.Complete(context.Background(), postAction(t, nil),
		stages.NewRegistry(rec.provider("dummy", api.StageDummy)))
	ne := wantKind(t, err, api.ErrorKindNoSatisfiableFlow)

	want := []api.StageKind{api.StageSSO, api.StageEmailIdentity}
	if !slices.Equal(ne.Missing, want) {
		t.Errorf("missing = %v, want %v", ne.Missing, want)
	}
	if len(rec.calls) != 0 {
		t.Errorf("provider called %d times", len(rec.calls))
	}
	if tr.count() != 1 {
		t.Errorf("round trips = %d, want 1", tr.count())
	}
	if !errors.Is(err, api.ErrNoSatisfiableFlow) {
		t.Error("errors.Is(err, ErrNoSatisfiableFlow) = false")
	}
}

func TestComplete_NilProvidersIsEmptyRegistry(t *testing.T) {
	tr := script(challenge("s1", nil, []api.StageKind{api.StageDummy}))
	e := newEngine(t, tr, Config{})

	_, err := e.Complete(context.Background(), postAction(t, nil), nil)
	wantKind(t, err, api.ErrorKindNoSatisfiableFlow)
}

func TestComplete_UnsupportedReselects(t *testing.T) {
	tr := script(
		challenge("s1", nil, []api.StageKind{stageA}, []api.StageKind{api.StageDummy}),
		respond(http.StatusOK, `{}`),
	)
	declining := &recorder{fn: func(context.Context, *stages.Request) (*api.AuthData, error) {
		return nil, stages.ErrUnsupported
	}}
	e := newEngine(t, tr, Config{})

	reg := stages.NewRegistry(declining.provider("a", stageA), stages.Dummy())
	if _, err := e.Complete(context.Background(), postAction(t, nil), reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(declining.calls) != 1 {
		t.Errorf("declining provider called %d times", len(declining.calls))
	}
	if tr.count() != 2 {
		t.Errorf("round trips = %d, want 2", tr.count())
	}
	if got := authOf(t, tr.requests[1])["type"]; got != string(api.StageDummy) {
		t.Errorf("submitted %v, want dummy", got)
	}
}

func TestComplete_StageFailedDoesNotHopFlows(t *testing.T) {
	tr := script(challenge("s1", nil, []api.StageKind{stageA}, []api.StageKind{api.StageDummy}))
	boom := errors.New("boom")
	failing := &recorder{fn: func(context.Context, *stages.Request) (*api.AuthData, error) {
		return nil, boom
	}}
	dummy := &recorder{}
	e := newEngine(t, tr, Config{})

	reg := stages.NewRegistry(failing.provider("a", stageA), dummy.provider("dummy", api.StageDummy))
	_, err := e.Complete(context.Background(), postAction(t, nil), reg)
	ne := wantKind(t, err, api.ErrorKindStageFailed)
	if ne.Stage != stageA {
		t.Errorf("stage = %s", ne.Stage)
	}
	if !errors.Is(err, boom) {
		t.Error("cause not wrapped")
	}
	if len(dummy.calls) != 0 {
		t.Error("engine fell back to another flow")
	}
	if tr.count() != 1 {
		t.Errorf("round trips = %d, want 1", tr.count())
	}
}

func TestComplete_NilProofIsStageFailed(t *testing.T) {
	tr := script(challenge("s1", nil, []api.StageKind{stageA}))
	rec := &recorder{fn: func(context.Context, *stages.Request) (*api.AuthData, error) { return nil, nil }}
	e := newEngine(t, tr, Config{})

	_, err := e.Complete(context.Background(), postAction(t, nil), stages.NewRegistry(rec.provider("a", stageA)))
	wantKind(t, err, api.ErrorKindStageFailed)
}

func TestComplete_Exhausted(t *testing.T) {
	flow := []api.StageKind{api.StagePassword}
	tr := script(
		challenge("s1", nil, flow),
		challengeWithError("s1", nil, "M_FORBIDDEN", flow),
		challengeWithError("s1", nil, "M_FORBIDDEN", flow),
	)
	rec := &recorder{}
	e := newEngine(t, tr, Config{})

	_, err := e.Complete(context.Background(), postAction(t, nil),
		stages.NewRegistry(rec.provider("password", api.StagePassword)))
	ne := wantKind(t, err, api.ErrorKindExhausted)
	if ne.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", ne.Attempts)
	}
	if tr.count() != 3 {
		t.Errorf("round trips = %d, want 3", tr.count())
	}

	if len(rec.calls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(rec.calls))
	}
	if rec.calls[0].LastError != nil {
		t.Errorf("first attempt saw LastError %v", rec.calls[0].LastError)
	}
	if rec.calls[1].LastError == nil || rec.calls[1].LastError.ErrCode != "M_FORBIDDEN" {
		t.Errorf("retry LastError = %v, want M_FORBIDDEN", rec.calls[1].LastError)
	}
	if rec.calls[1].Attempt != 2 {
		t.Errorf("retry attempt = %d, want 2", rec.calls[1].Attempt)
	}
}

func TestComplete_StaticPasswordGivesUpOnRejection(t *testing.T) {
	flow := []api.StageKind{api.StagePassword}
	tr := script(
		challenge("s1", nil, flow),
		challengeWithError("s1", nil, "M_FORBIDDEN", flow),
	)
	e := newEngine(t, tr, Config{})
	reg := stages.NewRegistry(stages.Password(stages.UserIdentifier("alice"), stages.StaticSecret("wrong")))

	_, err := e.Complete(context.Background(), postAction(t, nil), reg)
	ne := wantKind(t, err, api.ErrorKindStageFailed)
	if ne.Stage != api.StagePassword {
		t.Errorf("stage = %s", ne.Stage)
	}
	if tr.count() != 2 {
		t.Errorf("round trips = %d, want 2", tr.count())
	}
}

func TestComplete_MaxAttemptsLowersBound(t *testing.T) {
	flow := []api.StageKind{stageA, stageB, stageC}
	tr := script(
		challenge("s1", nil, flow),
		challenge("s1", nil, flow),
		challenge("s1", nil, flow),
	)
	rec := &recorder{}
	e := newEngine(t, tr, Config{MaxAttempts: 1})

	_, err := e.Complete(context.Background(), postAction(t, nil),
		stages.NewRegistry(rec.provider("abc", stageA, stageB, stageC)))
	wantKind(t, err, api.ErrorKindExhausted)
	if tr.count() != 3 {
		t.Errorf("round trips = %d, want 3", tr.count())
	}
}

func TestComplete_SessionMismatch(t *testing.T) {
	flow := []api.StageKind{stageA, stageB}
	tr := script(
		challenge("s1", nil, flow),
		challenge("s2", []api.StageKind{stageA}, flow),
	)
	rec := &recorder{}
	e := newEngine(t, tr, Config{})

	_, err := e.Complete(context.Background(), postAction(t, nil),
		stages.NewRegistry(rec.provider("ab", stageA, stageB)))
	ne := wantKind(t, err, api.ErrorKindSessionMismatch)
	if ne.Expected != "s1" || ne.Got != "s2" {
		t.Errorf("expected/got = %q/%q", ne.Expected, ne.Got)
	}
}

func TestComplete_ActionRejected(t *testing.T) {
	tests := []struct {
		name    string
		steps   []step
		status  int
		errcode string
	}{
		{
			name:    "first request forbidden",
			steps:   []step{respond(http.StatusForbidden, `{"errcode":"M_FORBIDDEN","error":"nope"}`)},
			status:  http.StatusForbidden,
			errcode: "M_FORBIDDEN",
		},
		{
			name:    "401 without flows",
			steps:   []step{respond(http.StatusUnauthorized, `{"errcode":"M_UNKNOWN_TOKEN","error":"expired"}`)},
			status:  http.StatusUnauthorized,
			errcode: "M_UNKNOWN_TOKEN",
		},
		{
			name: "rejected after a stage",
			steps: []step{
				challenge("s1", nil, []api.StageKind{api.StageDummy}),
				respond(http.StatusBadRequest, `{"errcode":"M_USER_IN_USE","error":"taken"}`),
			},
			status:  http.StatusBadRequest,
			errcode: "M_USER_IN_USE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := script(tt.steps...)
			e := newEngine(t, tr, Config{})

			_, err := e.Complete(context.Background(), postAction(t, nil), stages.NewRegistry(stages.Dummy()))
			ne := wantKind(t, err, api.ErrorKindActionRejected)
			if ne.Status != tt.status {
				t.Errorf("status = %d, want %d", ne.Status, tt.status)
			}
			if ne.ErrCode != tt.errcode {
				t.Errorf("errcode = %q, want %q", ne.ErrCode, tt.errcode)
			}
			if len(ne.Body) == 0 {
				t.Error("body not preserved")
			}
		})
	}
}

func TestComplete_InvalidChallenge(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind api.ParseErrorKind
	}{
		{"not json", `<html>`, api.ParseErrorMalformedBody},
		{"empty flows", `{"flows":[],"session":"s1"}`, api.ParseErrorNoFlowsOffered},
		{"missing session", `{"flows":[{"stages":["m.login.dummy"]}]}`, api.ParseErrorMissingSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := script(respond(http.StatusUnauthorized, tt.body))
			e := newEngine(t, tr, Config{})

			_, err := e.Complete(context.Background(), postAction(t, nil), stages.NewRegistry(stages.Dummy()))
			wantKind(t, err, api.ErrorKindInvalidChallenge)

			var pe *api.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected wrapped *api.ParseError, got %v", err)
			}
			if pe.Kind != tt.kind {
				t.Errorf("parse kind = %s, want %s", pe.Kind, tt.kind)
			}
		})
	}
}

func TestComplete_TransportError(t *testing.T) {
	refused := errors.New("connection refused")
	tr := script(func(*transport.Request) (*transport.Response, error) { return nil, refused })
	e := newEngine(t, tr, Config{})

	_, err := e.Complete(context.Background(), postAction(t, nil), nil)
	wantKind(t, err, api.ErrorKindTransport)
	if !errors.Is(err, refused) {
		t.Error("transport cause not wrapped")
	}
}

// --- Cancellation ---

func TestComplete_CancelledBeforeStart(t *testing.T) {
	tr := script()
	e := newEngine(t, tr, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Complete(ctx, postAction(t, nil), nil)
	wantKind(t, err, api.ErrorKindCancelled)
	if !errors.Is(err, context.Canceled) {
		t.Error("context error not wrapped")
	}
	if tr.count() != 0 {
		t.Errorf("round trips = %d, want 0", tr.count())
	}
}

func TestComplete_CancelledWhileProviderWaits(t *testing.T) {
	tr := script(challenge("s1", nil, []api.StageKind{api.StagePassword}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	waiting := &recorder{fn: func(ctx context.Context, _ *stages.Request) (*api.AuthData, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newEngine(t, tr, Config{})

	_, err := e.Complete(ctx, postAction(t, nil), stages.NewRegistry(waiting.provider("prompt", api.StagePassword)))
	wantKind(t, err, api.ErrorKindCancelled)
	if tr.count() != 1 {
		t.Errorf("round trips = %d, want 1", tr.count())
	}
}

func TestComplete_CancelledAfterProof(t *testing.T) {
	tr := script(challenge("s1", nil, []api.StageKind{api.StageDummy}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{fn: func(_ context.Context, req *stages.Request) (*api.AuthData, error) {
		cancel()
		return api.NewAuthData(req.Kind, nil), nil
	}}
	e := newEngine(t, tr, Config{})

	_, err := e.Complete(ctx, postAction(t, nil), stages.NewRegistry(rec.provider("dummy", api.StageDummy)))
	wantKind(t, err, api.ErrorKindCancelled)
	if tr.count() != 1 {
		t.Errorf("resubmitted after cancellation: %d round trips", tr.count())
	}
}

// --- Metrics ---

func TestComplete_RecordsOutcome(t *testing.T) {
	before := counterValue(t, http.MethodPut, "success")

	tr := script(respond(http.StatusOK, `{}`))
	e := newEngine(t, tr, Config{})
	action, _ := api.NewAction(http.MethodPut, "/x", nil)
	if _, err := e.Complete(context.Background(), action, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := counterValue(t, http.MethodPut, "success"); got != before+1 {
		t.Errorf("negotiations_total = %v, want %v", got, before+1)
	}

	failedBefore := counterValue(t, http.MethodPut, string(api.ErrorKindActionRejected))
	tr = script(respond(http.StatusForbidden, `{"errcode":"M_FORBIDDEN"}`))
	e = newEngine(t, tr, Config{})
	_, _ = e.Complete(context.Background(), action, nil)
	if got := counterValue(t, http.MethodPut, string(api.ErrorKindActionRejected)); got != failedBefore+1 {
		t.Errorf("negotiations_total{action_rejected} = %v, want %v", got, failedBefore+1)
	}
}

// --- Concurrency ---

// sessionServer challenges every unauthenticated request with one stage
// whose session is the request path, and accepts proof for that session
// only.
func sessionServer(rounds *atomic.Int64) transport.Transport {
	return transport.TransportFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		rounds.Add(1)
		var body struct {
			Auth *api.AuthData `json:"auth"`
		}
		_ = json.Unmarshal(req.Body, &body)
		if body.Auth == nil {
			info, _ := json.Marshal(api.UiaaInfo{
				Session: req.Path,
				Flows:   []api.AuthFlow{{Stages: []api.StageKind{api.StageDummy}}},
			})
			return &transport.Response{StatusCode: http.StatusUnauthorized, Body: info}, nil
		}
		if body.Auth.Session != req.Path {
			return &transport.Response{StatusCode: http.StatusForbidden, Body: []byte(`{"errcode":"M_FORBIDDEN"}`)}, nil
		}
		return &transport.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
	})
}

func TestComplete_ConcurrentNegotiations(t *testing.T) {
	var rounds atomic.Int64
	e := newEngine(t, sessionServer(&rounds), Config{})
	reg := stages.NewRegistry(stages.Dummy())

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action, _ := api.NewAction(http.MethodPost, fmt.Sprintf("/session-%d", i), nil)
			if _, err := e.Complete(context.Background(), action, reg); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("negotiation failed: %v", err)
	}
	if got := rounds.Load(); got != 2*n {
		t.Errorf("round trips = %d, want %d", got, 2*n)
	}
}
