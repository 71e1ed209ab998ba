// Package verify evaluates a plan's declarative assertions against live
// page state. Assertions run independently; one failure never stops the
// rest from being checked.
package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/metalagman/sonda/internal/plan"
	"github.com/metalagman/sonda/internal/state"
)

// Probe is the live page surface assertions read from.
type Probe interface {
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	// TextVisible reports whether an element containing text is visible.
	TextVisible(ctx context.Context, text string) (bool, error)
	// VisibleMatch reports whether any visible element matches selector.
	VisibleMatch(ctx context.Context, selector string) (bool, error)
}

// Runner checks assertions against a page and the downloads directory.
type Runner struct {
	probe       Probe
	downloadDir string
	log         zerolog.Logger
}

func New(probe Probe, downloadDir string, log zerolog.Logger) *Runner {
	return &Runner{probe: probe, downloadDir: downloadDir, log: log}
}

// Run evaluates every assertion and aggregates the outcome. The snapshot
// supplies selector sets for ref-based visibility checks and may be nil.
func (r *Runner) Run(ctx context.Context, assertions []plan.Assertion, snap *state.CompactState) plan.AssertionResult {
	result := plan.AssertionResult{Passed: true}
	for _, a := range assertions {
		rec := r.evaluate(ctx, a, snap)
		if !rec.Passed {
			result.Passed = false
			r.log.Debug().
				Str("kind", string(rec.Kind)).
				Str("expected", rec.Expected).
				Str("actual", rec.Actual).
				Msg("assertion failed")
		}
		result.Records = append(result.Records, rec)
	}
	return result
}

func (r *Runner) evaluate(ctx context.Context, a plan.Assertion, snap *state.CompactState) plan.AssertionRecord {
	rec := plan.AssertionRecord{Kind: a.Kind, Expected: a.Value}

	switch a.Kind {
	case plan.AssertURLContains:
		url, err := r.probe.CurrentURL(ctx)
		if err != nil {
			rec.Error = err.Error()
			return rec
		}
		rec.Actual = url
		rec.Passed = strings.Contains(url, a.Value)

	case plan.AssertURLEquals:
		url, err := r.probe.CurrentURL(ctx)
		if err != nil {
			rec.Error = err.Error()
			return rec
		}
		rec.Actual = url
		rec.Passed = url == a.Value

	case plan.AssertTitleContains:
		title, err := r.probe.Title(ctx)
		if err != nil {
			rec.Error = err.Error()
			return rec
		}
		rec.Actual = title
		rec.Passed = strings.Contains(title, a.Value)

	case plan.AssertTextPresent:
		body, err := r.probe.BodyText(ctx)
		if err != nil {
			rec.Error = err.Error()
			return rec
		}
		rec.Passed = strings.Contains(body, a.Value)
		if !rec.Passed {
			rec.Actual = "text not found in page body"
		}

	case plan.AssertElementVisible:
		rec = r.elementVisible(ctx, a, snap)

	case plan.AssertDownloadExists:
		rec.Expected = a.FilePattern
		name, err := findDownload(r.downloadDir, a.FilePattern)
		if err != nil {
			rec.Error = err.Error()
			return rec
		}
		rec.Actual = name
		rec.Passed = name != ""

	default:
		rec.Error = fmt.Sprintf("unknown assertion kind %q", a.Kind)
	}
	return rec
}

// elementVisible prefers a text probe; when the text probe misses and the
// assertion names a ref, the snapshot's selectors are tried instead.
func (r *Runner) elementVisible(ctx context.Context, a plan.Assertion, snap *state.CompactState) plan.AssertionRecord {
	rec := plan.AssertionRecord{Kind: a.Kind, Expected: a.Value}

	if a.Value != "" {
		visible, err := r.probe.TextVisible(ctx, a.Value)
		if err == nil && visible {
			rec.Actual = "visible by text"
			rec.Passed = true
			return rec
		}
	}

	if a.Ref != "" {
		if rec.Expected == "" {
			rec.Expected = a.Ref
		}
		if snap == nil {
			rec.Error = "no snapshot to resolve ref against"
			return rec
		}
		el, ok := snap.Lookup(a.Ref)
		if !ok {
			rec.Error = fmt.Sprintf("ref %s not in snapshot", a.Ref)
			return rec
		}
		for _, sel := range el.Selectors.All() {
			visible, err := r.probe.VisibleMatch(ctx, sel)
			if err != nil {
				continue
			}
			if visible {
				rec.Actual = "visible by selector " + sel
				rec.Passed = true
				return rec
			}
		}
	}

	rec.Actual = "not visible"
	return rec
}

// findDownload returns the first file in dir whose name contains pattern
// or matches it as a regular expression. An empty name means no match.
func findDownload(dir, pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("empty file pattern")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read download dir: %w", err)
	}
	re, reErr := regexp.Compile(pattern)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.Contains(name, pattern) {
			return filepath.Join(dir, name), nil
		}
		if reErr == nil && re.MatchString(name) {
			return filepath.Join(dir, name), nil
		}
	}
	return "", nil
}
