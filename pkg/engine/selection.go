package engine

import (
	"github.com/rhuss/uiaa/pkg/api"
)

// selection is the outcome of choosing a flow.
type selection struct {
	// flow is the index of the chosen flow in server order.
	flow int
	// stage is the first pending stage of the chosen flow.
	stage api.StageKind
	// missing lists pending stages without a provider, across all flows
	// consistent with the completed set, in first-seen order.
	missing []api.StageKind
}

// selectFlow picks the first flow, in server order, that can still be
// finished: every stage already completed belongs to it, and every stage
// it still needs has a provider. Server order expresses preference, so the
// first such flow wins even when a later one looks cheaper.
func selectFlow(flows []api.AuthFlow, completed api.StageSet, available func(api.StageKind) bool) (selection, bool) {
	var missing []api.StageKind
	seen := api.NewStageSet()

	for i, flow := range flows {
		if !completed.SubsetOf(flow) {
			continue
		}
		remaining := flow.Remaining(completed)
		if len(remaining) == 0 {
			continue
		}

		ok := true
		for _, stage := range remaining {
			if available(stage) {
				continue
			}
			ok = false
			if !seen.Has(stage) {
				seen[stage] = struct{}{}
				missing = append(missing, stage)
			}
		}
		if ok {
			return selection{flow: i, stage: remaining[0]}, true
		}
	}

	return selection{flow: -1, missing: missing}, false
}
