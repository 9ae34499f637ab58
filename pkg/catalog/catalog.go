package catalog

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/rhuss/uiaa/pkg/api"
)

// wireChallenge mirrors the 401 body. Flows is a pointer so an absent
// member can be told apart from an empty list.
type wireChallenge struct {
	Flows     *[]api.AuthFlow                   `json:"flows"`
	Completed []api.StageKind                   `json:"completed"`
	Session   string                            `json:"session"`
	Params    map[api.StageKind]json.RawMessage `json:"params"`
	ErrCode   string                            `json:"errcode"`
	Error     string                            `json:"error"`
}

// IsChallenge reports whether a response should be treated as a UIA
// challenge. A 401 whose body is a JSON object without "flows" is an
// ordinary authentication failure (for example an expired access token)
// and is not a challenge. Any other 401 is handed to Parse, which reports
// undecodable bodies as malformed.
func IsChallenge(status int, body []byte) bool {
	if status != http.StatusUnauthorized {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return true
	}
	_, ok := fields["flows"]
	return ok
}

// Parse decodes a challenge body.
func Parse(body []byte) (*api.UiaaInfo, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, api.NewMalformedBodyError("challenge body is not a JSON object", nil)
	}

	var w wireChallenge
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, api.NewMalformedBodyError("decoding challenge", err)
	}

	if w.Flows == nil || len(*w.Flows) == 0 {
		return nil, api.NewNoFlowsOfferedError()
	}

	for _, f := range *w.Flows {
		if len(f.Stages) == 0 {
			return nil, api.NewMalformedBodyError("flow without stages", nil)
		}
		for _, s := range f.Stages {
			if s == "" {
				return nil, api.NewMalformedBodyError("flow with an empty stage kind", nil)
			}
		}
	}

	info := &api.UiaaInfo{
		Flows:     *w.Flows,
		Completed: w.Completed,
		Session:   w.Session,
		Params:    w.Params,
		ErrCode:   w.ErrCode,
		Error:     w.Error,
	}

	if info.Session == "" && hasPendingStages(info) {
		return nil, api.NewMissingSessionError()
	}

	return info, nil
}

// hasPendingStages reports whether any flow has a stage not yet completed.
func hasPendingStages(info *api.UiaaInfo) bool {
	completed := info.CompletedSet()
	for _, f := range info.Flows {
		if len(f.Remaining(completed)) > 0 {
			return true
		}
	}
	return false
}
