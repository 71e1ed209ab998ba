// Package macro stores reusable plans keyed by site and form signature
// and applies parameters to them before execution.
package macro

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/metalagman/sonda/internal/plan"
)

// Macro is a stored, parameterized plan.
type Macro struct {
	ID            int64     `json:"id"`
	Hostname      string    `json:"hostname"`
	PathPattern   string    `json:"pathPattern"`
	FormSignature string    `json:"formSignature,omitempty"`
	Name          string    `json:"name,omitempty"`
	Params        []string  `json:"params,omitempty"`
	Plan          plan.Plan `json:"plan"`
	CreatedAt     string    `json:"createdAt"`
	UpdatedAt     string    `json:"updatedAt"`
	Uses          int       `json:"uses"`
}

// Key identifies one macro.
type Key struct {
	Hostname      string
	PathPattern   string
	FormSignature string
	Name          string
}

func (k Key) String() string {
	return k.Hostname + k.PathPattern + "#" + k.FormSignature + "#" + k.Name
}

// Apply substitutes {param} tokens anywhere in the plan's serialized form
// and re-parses the result. Substitution is textual by design: no
// escaping, no type coercion, and unsupplied placeholders stay verbatim.
func Apply(vd *plan.Validator, m Macro, params map[string]string) (*plan.Plan, error) {
	data, err := json.Marshal(m.Plan)
	if err != nil {
		return nil, fmt.Errorf("serialize macro plan: %w", err)
	}
	text := string(data)
	for name, value := range params {
		text = strings.ReplaceAll(text, "{"+name+"}", value)
	}
	applied, err := vd.ParsePlan([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("macro %s after substitution: %w", m.Name, err)
	}
	return applied, nil
}

// MissingParams lists declared parameters absent from the supplied set.
func MissingParams(m Macro, params map[string]string) []string {
	var missing []string
	for _, name := range m.Params {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
