// Package resolve turns fragile element references into live locators:
// priority-ordered probing over a SelectorSet, and fuzzy role+label
// matching against the current snapshot when a ref has gone stale.
package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/sonda/internal/errdefs"
	"github.com/metalagman/sonda/internal/state"
)

// Prober answers whether a single locator currently matches a live
// element. Implemented by the browser driver; faked in tests.
type Prober interface {
	Match(ctx context.Context, locator string) (bool, error)
}

// Resolver resolves one element via a priority-ordered locator set.
type Resolver struct {
	prober Prober
}

// New creates a Resolver over the given prober.
func New(p Prober) *Resolver {
	return &Resolver{prober: p}
}

// Resolve tries primary, then each fallback in order, and returns the
// first locator that matches a live element. Visibility is not re-ranked.
// It fails with an element_missing error carrying every attempted locator
// only after the entire list is exhausted. Per-locator probe errors are
// treated as non-matches so DOM drift on one strategy cannot poison the
// rest of the list.
func (r *Resolver) Resolve(ctx context.Context, set state.SelectorSet) (string, error) {
	locators := set.All()
	if len(locators) == 0 {
		return "", errdefs.ElementMissing("empty selector set", nil)
	}
	attempted := make([]string, 0, len(locators))
	for _, loc := range locators {
		attempted = append(attempted, loc)
		ok, err := r.prober.Match(ctx, loc)
		if err != nil {
			if ctx.Err() != nil {
				return "", errdefs.Timeout(fmt.Sprintf("resolve %s", loc), ctx.Err())
			}
			log.Debug().Str("locator", loc).Err(err).Msg("locator probe failed")
			continue
		}
		if ok {
			return loc, nil
		}
	}
	return "", errdefs.ElementMissing("no locator matched a live element", attempted)
}

// Fuzzy finds an element in the snapshot by role and label hint. With
// both hints it returns the first element whose role matches and whose
// label contains, or is contained by, the hint case-insensitively. With
// only a role hint it returns the first element of that role. With no
// match it returns false.
func Fuzzy(snapshot *state.CompactState, role state.Role, label string) (state.InteractiveElement, bool) {
	if snapshot == nil || role == "" {
		return state.InteractiveElement{}, false
	}
	needle := strings.ToLower(strings.TrimSpace(label))
	for _, el := range snapshot.Interactive {
		if el.Role != role {
			continue
		}
		if needle == "" {
			return el, true
		}
		have := strings.ToLower(el.Label)
		if have == "" {
			continue
		}
		if strings.Contains(have, needle) || strings.Contains(needle, have) {
			return el, true
		}
	}
	return state.InteractiveElement{}, false
}
