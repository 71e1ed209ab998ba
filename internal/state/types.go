// Package state models the compact snapshot of a page's interactive
// surface and the structural diff between two snapshots.
package state

import "time"

// Role classifies an interactive element.
type Role string

const (
	RoleInput    Role = "input"
	RoleButton   Role = "button"
	RoleLink     Role = "link"
	RoleSelect   Role = "select"
	RoleTextarea Role = "textarea"
	RoleCheckbox Role = "checkbox"
	RoleRadio    Role = "radio"
	RoleOther    Role = "other"
)

// SelectorSet is one primary locator plus ordered fallbacks, strongest
// strategy first.
type SelectorSet struct {
	Primary  string   `json:"primary"`
	Fallback []string `json:"fallback,omitempty"`
}

// All returns primary followed by fallbacks, in resolution order.
func (s SelectorSet) All() []string {
	out := make([]string, 0, 1+len(s.Fallback))
	if s.Primary != "" {
		out = append(out, s.Primary)
	}
	out = append(out, s.Fallback...)
	return out
}

// InteractiveElement is one actionable node captured at snapshot time.
// Ref is assigned by capture order and is unique within one snapshot
// only; it is not stable across snapshots.
type InteractiveElement struct {
	Ref          string      `json:"ref"`
	Role         Role        `json:"role"`
	Label        string      `json:"label,omitempty"`
	Selectors    SelectorSet `json:"selectors"`
	Disabled     bool        `json:"disabled,omitempty"`
	Visible      bool        `json:"visible"`
	ValuePresent bool        `json:"valuePresent,omitempty"`
	Text         string      `json:"text,omitempty"`
	Href         string      `json:"href,omitempty"`
}

// Meta identifies when and where a snapshot was taken.
type Meta struct {
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
}

// FormSummary is a bounded sample of one form on the page.
type FormSummary struct {
	Name   string   `json:"name,omitempty"`
	Action string   `json:"action,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// PageSummary is a bounded sample of non-interactive page content used
// to build oracle prompts.
type PageSummary struct {
	Headings []string      `json:"headings,omitempty"`
	Forms    []FormSummary `json:"forms,omitempty"`
	Notices  []string      `json:"notices,omitempty"`
}

// CompactState is a full snapshot of the page's interactive surface.
// It is produced fresh at each observation point and immutable once
// produced.
type CompactState struct {
	Meta        Meta                 `json:"meta"`
	PageSummary PageSummary          `json:"pageSummary"`
	Interactive []InteractiveElement `json:"interactive"`
}

// ByRef indexes the interactive list. Refs are unique per snapshot, so
// the last writer wins only on malformed input.
func (s *CompactState) ByRef() map[string]InteractiveElement {
	m := make(map[string]InteractiveElement, len(s.Interactive))
	for _, el := range s.Interactive {
		m[el.Ref] = el
	}
	return m
}

// Lookup returns the element with the given ref.
func (s *CompactState) Lookup(ref string) (InteractiveElement, bool) {
	for _, el := range s.Interactive {
		if el.Ref == ref {
			return el, true
		}
	}
	return InteractiveElement{}, false
}
