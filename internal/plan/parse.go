package plan

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/metalagman/sonda/internal/errdefs"
)

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON recovers a JSON document from raw oracle output. Markdown
// fences are stripped, trailing commas before a closing brace or bracket
// are removed, and as a last resort the outermost brace pair is sliced
// out of surrounding prose.
func ExtractJSON(raw []byte) []byte {
	text := strings.TrimSpace(string(raw))

	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	if !json.Valid([]byte(text)) {
		start := strings.IndexByte(text, '{')
		end := strings.LastIndexByte(text, '}')
		if start >= 0 && end > start {
			text = text[start : end+1]
		}
	}

	text = trailingCommaRe.ReplaceAllString(text, "$1")
	return []byte(text)
}

// ParsePlan decodes, repairs and validates an oracle plan document.
func (vd *Validator) ParsePlan(raw []byte) (*Plan, error) {
	doc := ExtractJSON(raw)
	var p Plan
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, errdefs.SchemaValidation("plan is not valid JSON", err)
	}
	repairPlan(&p)
	if err := vd.CheckPlan(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseVerdict decodes, repairs and validates an oracle verdict document.
func (vd *Validator) ParseVerdict(raw []byte) (*Verdict, error) {
	doc := ExtractJSON(raw)
	var v Verdict
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, errdefs.SchemaValidation("verdict is not valid JSON", err)
	}
	repairVerdict(&v)
	if err := vd.CheckVerdict(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// repairPlan applies the bounded local repair allowed before
// re-validation: defaulting optional fields only, never inventing steps.
func repairPlan(p *Plan) {
	if p.SchemaVersion == 0 {
		p.SchemaVersion = SchemaVersion
	}
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = stepID(i)
		}
	}
}

// repairVerdict defaults optional fields and infers next from status
// when the oracle omitted it.
func repairVerdict(v *Verdict) {
	if v.Next != "" {
		return
	}
	switch v.Status {
	case VerdictSuccess:
		v.Next = NextStop
	case VerdictPatch:
		v.Next = NextRunPatch
	case VerdictEscalate:
		v.Next = NextEnterStepMode
	}
}

func stepID(i int) string {
	return "s" + strconv.Itoa(i+1)
}
