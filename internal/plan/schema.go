package plan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/metalagman/sonda/internal/errdefs"
)

const planSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "goal": { "type": "string", "minLength": 1 },
    "assumptions": { "type": "array", "items": { "type": "string" } },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "id": { "type": "string" },
          "op": {
            "type": "string",
            "enum": ["navigate", "click", "type", "select", "waitFor", "screenshot", "scroll", "extract"]
          },
          "url": { "type": "string" },
          "ref": { "type": "string" },
          "role": { "type": "string" },
          "label": { "type": "string" },
          "value": { "type": "string" },
          "option": { "type": "string" },
          "waitOn": { "type": "string" },
          "timeoutMs": { "type": "integer", "minimum": 0 },
          "amount": { "type": "integer" },
          "direction": { "type": "string", "enum": ["up", "down"] }
        },
        "required": ["id", "op"]
      }
    },
    "assertions": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "kind": {
            "type": "string",
            "enum": ["urlContains", "urlEquals", "titleContains", "textPresent", "elementVisible", "downloadExists"]
          },
          "value": { "type": "string" },
          "ref": { "type": "string" },
          "filePattern": { "type": "string" }
        },
        "required": ["kind"]
      }
    },
    "onFailure": { "type": "string" },
    "schemaVersion": { "type": "integer", "minimum": 1 }
  },
  "required": ["goal", "steps", "schemaVersion"]
}`

const verdictSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "status": { "type": "string", "enum": ["success", "patch", "escalate"] },
    "summary": { "type": "string", "minLength": 1 },
    "evidence": { "type": "array", "items": { "type": "string" } },
    "reason": { "type": "string" },
    "next": { "type": "string", "enum": ["stop", "runPatch", "enterStepMode"] }
  },
  "required": ["status", "summary", "next"]
}`

// Validator holds compiled schemas. Construct one per orchestrator; there
// is no package-level singleton.
type Validator struct {
	plan    *gojsonschema.Schema
	verdict *gojsonschema.Schema
}

// NewValidator compiles the plan and verdict schemas.
func NewValidator() (*Validator, error) {
	p, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(planSchema))
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	v, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(verdictSchema))
	if err != nil {
		return nil, fmt.Errorf("compile verdict schema: %w", err)
	}
	return &Validator{plan: p, verdict: v}, nil
}

// CheckPlan validates p against the plan schema.
func (vd *Validator) CheckPlan(p *Plan) error {
	return vd.check(vd.plan, p, "plan")
}

// CheckVerdict validates v against the verdict schema.
func (vd *Validator) CheckVerdict(v *Verdict) error {
	return vd.check(vd.verdict, v, "verdict")
}

func (vd *Validator) check(schema *gojsonschema.Schema, doc any, what string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errdefs.SchemaValidation(what, err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errdefs.SchemaValidation(what, err)
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return errdefs.SchemaValidation(fmt.Sprintf("%s: %s", what, strings.Join(problems, "; ")), nil)
}
