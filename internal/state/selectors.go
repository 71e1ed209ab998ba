package state

import (
	"fmt"
	"strings"
)

// RawElement carries the attributes the capture script extracts for one
// node, before selector strategies are ranked.
type RawElement struct {
	Tag        string
	TestID     string
	Name       string
	AriaLabel  string
	LabelText  string
	ID         string
	Positional string
}

// BuildSelectorSet ranks locator strategies for one element. Precedence:
// test-id attribute > name+tag > accessible label > DOM id > positional.
// The strongest candidate becomes primary; the remaining candidates are
// kept as de-duplicated fallbacks in precedence order.
func BuildSelectorSet(raw RawElement) SelectorSet {
	var candidates []string

	if raw.TestID != "" {
		candidates = append(candidates, fmt.Sprintf(`[data-testid=%q]`, raw.TestID))
	}
	if raw.Name != "" && raw.Tag != "" {
		candidates = append(candidates, fmt.Sprintf(`%s[name=%q]`, strings.ToLower(raw.Tag), raw.Name))
	}
	if label := firstNonEmpty(raw.AriaLabel, raw.LabelText); label != "" {
		candidates = append(candidates, fmt.Sprintf(`[aria-label=%q]`, label))
	}
	if raw.ID != "" {
		candidates = append(candidates, "#"+cssEscape(raw.ID))
	}
	if raw.Positional != "" {
		candidates = append(candidates, raw.Positional)
	}

	if len(candidates) == 0 {
		return SelectorSet{}
	}

	set := SelectorSet{Primary: candidates[0]}
	seen := map[string]struct{}{candidates[0]: {}}
	for _, c := range candidates[1:] {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		set.Fallback = append(set.Fallback, c)
	}
	return set
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// cssEscape covers the characters that actually show up in real-world
// ids; full CSS.escape semantics are not needed for generated locators.
func cssEscape(id string) string {
	r := strings.NewReplacer(
		`:`, `\:`,
		`.`, `\.`,
		`[`, `\[`,
		`]`, `\]`,
		`/`, `\/`,
	)
	return r.Replace(id)
}
