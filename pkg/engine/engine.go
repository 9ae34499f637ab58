package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rhuss/uiaa/pkg/api"
	"github.com/rhuss/uiaa/pkg/catalog"
	"github.com/rhuss/uiaa/pkg/debug"
	"github.com/rhuss/uiaa/pkg/observability"
	"github.com/rhuss/uiaa/pkg/stages"
	"github.com/rhuss/uiaa/pkg/transport"
)

// Engine completes actions that may require interactive authentication.
type Engine struct {
	transport transport.Transport
	cfg       Config
}

// New creates an Engine sending round trips through t.
func New(t transport.Transport, cfg Config) (*Engine, error) {
	if t == nil {
		return nil, errors.New("engine: transport is required")
	}
	return &Engine{transport: t, cfg: cfg}, nil
}

// Complete sends action and negotiates any interactive authentication the
// homeserver demands, using providers for stage proofs. On success it
// returns the homeserver's final 2xx response. Failures are
// *api.NegotiationError values, except for an action whose body is not a
// JSON object, which is reported before anything is sent.
//
// A nil providers is treated as an empty registry.
func (e *Engine) Complete(ctx context.Context, action *api.Action, providers stages.Producer) (resp *api.ActionResponse, err error) {
	if action == nil {
		return nil, errors.New("engine: action is required")
	}
	if _, err := action.WithAuth(nil); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if providers == nil {
		providers = stages.NewRegistry()
	}

	n := &negotiation{
		engine:    e,
		action:    action,
		providers: providers,
		session:   newSession(),
	}

	start := time.Now()
	observability.ActiveNegotiations.Inc()
	defer func() {
		observability.ActiveNegotiations.Dec()
		outcome := "success"
		if err != nil {
			outcome = string(api.KindOf(err))
		}
		observability.NegotiationsTotal.WithLabelValues(action.Method, outcome).Inc()
		observability.NegotiationDuration.WithLabelValues(action.Method).Observe(time.Since(start).Seconds())
		observability.NegotiationRounds.Observe(float64(n.roundTrips))
	}()

	return n.run(ctx)
}

// negotiation carries the state of a single Complete call.
type negotiation struct {
	engine     *Engine
	action     *api.Action
	providers  stages.Producer
	session    *session
	roundTrips int
}

func (n *negotiation) run(ctx context.Context) (*api.ActionResponse, error) {
	resp, err := n.send(ctx, nil)
	if err != nil {
		return nil, n.fail(err)
	}

	done, info, err := n.interpret(resp)
	if err != nil {
		return nil, n.fail(err)
	}
	if done != nil {
		return n.succeed(done)
	}

	if err := n.session.begin(info); err != nil {
		return nil, n.fail(err)
	}
	n.session.raiseLimit(n.engine.cfg.attemptLimit(info.TotalStages()))

	debug.Log("engine", "challenge received",
		"method", n.action.Method,
		"path", n.action.Path,
		"session", n.session.id,
		"flows", len(info.Flows),
		"completed", info.Completed,
	)

	for {
		sel, ok := selectFlow(info.Flows, n.session.completed, n.available)
		if !ok {
			return nil, n.fail(api.NewNoSatisfiableFlowError(sel.missing))
		}
		if sel.flow != n.session.chosenFlow {
			debug.Log("engine", "flow selected",
				"flow", sel.flow,
				"stages", info.Flows[sel.flow].String(),
			)
		}
		n.session.chosenFlow = sel.flow

		proof, err := n.produce(ctx, info, sel.stage)
		if errors.Is(err, stages.ErrUnsupported) {
			debug.Log("engine", "provider declined stage, reselecting",
				"stage", sel.stage,
				"error", err,
			)
			n.session.unsupported[sel.stage] = struct{}{}
			continue
		}
		if err != nil {
			return nil, n.fail(err)
		}

		proof.Session = n.session.id
		resp, err := n.send(ctx, proof)
		if err != nil {
			return nil, n.fail(err)
		}
		n.session.attempts++
		n.session.lastSubmitted = sel.stage

		done, next, err := n.interpret(resp)
		if err != nil {
			return nil, n.fail(err)
		}
		if done != nil {
			observability.StageSubmissionsTotal.WithLabelValues(string(sel.stage), "completed").Inc()
			return n.succeed(done)
		}

		if n.session.attempts > n.session.limit {
			slog.Warn("negotiation exhausted",
				"session", n.session.id,
				"attempts", n.session.attempts,
				"limit", n.session.limit,
			)
			return nil, n.fail(api.NewExhaustedError(n.session.attempts, n.session.limit))
		}

		if next.Session != n.session.id {
			slog.Warn("homeserver changed session mid-negotiation",
				"expected", n.session.id,
				"got", next.Session,
			)
			return nil, n.fail(api.NewSessionMismatchError(n.session.id, next.Session))
		}

		n.recordSubmission(sel.stage, next)

		if err := n.session.transition(api.StateAwaitingStage); err != nil {
			return nil, n.fail(err)
		}
		n.session.replaceCompleted(next.Completed)
		n.session.raiseLimit(n.engine.cfg.attemptLimit(next.TotalStages()))
		info = next
	}
}

// available reports whether a stage can be attempted in this negotiation.
func (n *negotiation) available(kind api.StageKind) bool {
	return n.providers.Supports(kind) && !n.session.unsupported.Has(kind)
}

// produce asks the providers for proof of stage. ErrUnsupported is
// returned unwrapped so the caller can reselect; every other failure is a
// NegotiationError.
func (n *negotiation) produce(ctx context.Context, info *api.UiaaInfo, stage api.StageKind) (*api.AuthData, error) {
	if err := ctx.Err(); err != nil {
		return nil, api.NewCancelledError(err)
	}

	req := &stages.Request{
		Kind:      stage,
		Session:   n.session.id,
		Params:    info.Params[stage],
		Completed: n.session.completed.Sorted(),
		Attempt:   n.session.stageAttempts[stage] + 1,
		Action:    n.action,
	}
	if n.session.lastSubmitted == stage {
		req.LastError = info.StageError()
	}
	n.session.stageAttempts[stage]++

	debug.Log("engine", "requesting stage proof",
		"stage", stage,
		"attempt", req.Attempt,
		"retry", req.LastError != nil,
	)

	proof, err := n.providers.Produce(ctx, req)
	switch {
	case err == nil && proof == nil:
		return nil, api.NewStageFailedError(stage, errors.New("provider returned no proof"))
	case err == nil:
		if proof.Type == "" && !proof.SessionOnly {
			proof.Type = stage
		}
		return proof, nil
	case ctx.Err() != nil:
		return nil, api.NewCancelledError(ctx.Err())
	case errors.Is(err, stages.ErrUnsupported):
		return nil, err
	default:
		return nil, api.NewStageFailedError(stage, err)
	}
}

// send performs one round trip with auth merged into the action body.
func (n *negotiation) send(ctx context.Context, auth *api.AuthData) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, api.NewCancelledError(err)
	}

	var body []byte
	if auth != nil || len(n.action.Body) > 0 {
		b, err := n.action.WithAuth(auth)
		if err != nil {
			var stage api.StageKind
			if auth != nil {
				stage = auth.Type
			}
			return nil, api.NewStageFailedError(stage, err)
		}
		body = b
	}

	n.roundTrips++
	resp, err := n.engine.transport.Send(ctx, &transport.Request{
		Method: n.action.Method,
		Path:   n.action.Path,
		Body:   body,
		Header: n.action.Header.Clone(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, api.NewCancelledError(ctx.Err())
		}
		return nil, api.NewTransportError(err)
	}
	return resp, nil
}

// interpret classifies a response: a 2xx finishes the negotiation, a
// challenge continues it, anything else rejects the action.
func (n *negotiation) interpret(resp *transport.Response) (*api.ActionResponse, *api.UiaaInfo, error) {
	if transport.IsSuccess(resp.StatusCode) {
		return &api.ActionResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
		}, nil, nil
	}

	if !catalog.IsChallenge(resp.StatusCode, resp.Body) {
		code, _ := transport.ExtractErrorCode(resp.Body)
		return nil, nil, api.NewActionRejectedError(resp.StatusCode, resp.Body, code)
	}

	info, err := catalog.Parse(resp.Body)
	if err != nil {
		return nil, nil, api.NewInvalidChallengeError(err)
	}
	return nil, info, nil
}

// recordSubmission counts what the homeserver made of a submitted stage.
func (n *negotiation) recordSubmission(stage api.StageKind, next *api.UiaaInfo) {
	result := "pending"
	switch {
	case next.CompletedSet().Has(stage):
		result = "completed"
	case next.StageError() != nil:
		result = "rejected"
	}
	observability.StageSubmissionsTotal.WithLabelValues(string(stage), result).Inc()

	debug.Log("engine", "stage submitted",
		"stage", stage,
		"result", result,
		"completed", next.Completed,
		"errcode", next.ErrCode,
	)
}

func (n *negotiation) succeed(resp *api.ActionResponse) (*api.ActionResponse, error) {
	if err := n.session.transition(api.StateCompleted); err != nil {
		return nil, err
	}
	debug.Log("engine", "action completed",
		"method", n.action.Method,
		"path", n.action.Path,
		"status", resp.StatusCode,
		"round_trips", n.roundTrips,
	)
	return resp, nil
}

func (n *negotiation) fail(err error) error {
	_ = n.session.transition(api.StateFailed)
	debug.Log("engine", "negotiation failed",
		"method", n.action.Method,
		"path", n.action.Path,
		"session", n.session.id,
		"error", err,
	)
	return err
}
