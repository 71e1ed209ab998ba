package oracle

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/metalagman/sonda/internal/plan"
	"github.com/metalagman/sonda/internal/state"
)

//go:embed prompts/plan.md
var planPrompt string

//go:embed prompts/verify.md
var verifyPrompt string

//go:embed prompts/patch.md
var patchPrompt string

type planInput struct {
	Goal  string              `json:"goal"`
	State *state.CompactState `json:"state"`
	Macro *plan.Plan          `json:"macroCandidate,omitempty"`
}

type verifyInput struct {
	Goal       string              `json:"goal"`
	RunLog     plan.RunLog         `json:"runLog"`
	Diff       state.StateDiff     `json:"stateDiff"`
	FinalState *state.CompactState `json:"finalState"`
}

type patchInput struct {
	Goal         string              `json:"goal"`
	PriorVerdict plan.Verdict        `json:"priorVerdict"`
	RunLog       plan.RunLog         `json:"runLog"`
	State        *state.CompactState `json:"state"`
}

// PlanRequest builds the initial planning call. A stored macro plan may
// be passed as a candidate for the oracle to adapt.
func PlanRequest(goal string, snap *state.CompactState, macro *plan.Plan) (Request, error) {
	return buildRequest(planPrompt, planInput{Goal: goal, State: snap, Macro: macro})
}

// VerifyRequest builds the verification call judging one executed pass.
func VerifyRequest(goal string, runLog plan.RunLog, diff state.StateDiff, final *state.CompactState) (Request, error) {
	return buildRequest(verifyPrompt, verifyInput{Goal: goal, RunLog: runLog, Diff: diff, FinalState: final})
}

// PatchRequest builds the corrective-plan call after a patch verdict.
func PatchRequest(goal string, verdict plan.Verdict, runLog plan.RunLog, snap *state.CompactState) (Request, error) {
	return buildRequest(patchPrompt, patchInput{Goal: goal, PriorVerdict: verdict, RunLog: runLog, State: snap})
}

func buildRequest(instructions string, input any) (Request, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return Request{}, fmt.Errorf("marshal oracle input: %w", err)
	}
	return Request{
		Instructions: instructions,
		Input:        string(payload),
	}, nil
}
