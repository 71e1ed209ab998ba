// Package executor runs one plan pass against the browser: per-step
// challenge pre-checks, ref resolution against the live snapshot,
// dispatch, fail-fast error handling and exactly one assertion pass.
package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/metalagman/sonda/internal/browser"
	"github.com/metalagman/sonda/internal/errdefs"
	"github.com/metalagman/sonda/internal/plan"
	"github.com/metalagman/sonda/internal/resolve"
	"github.com/metalagman/sonda/internal/state"
)

// Recoverer is the obstacle detection surface consulted around steps.
type Recoverer interface {
	DismissCookieBanner(ctx context.Context) bool
	DismissModal(ctx context.Context) bool
	CaptchaPresent(ctx context.Context) bool
	TwoFAPresent(ctx context.Context) bool
}

// Asserter evaluates a plan's assertions against live state.
type Asserter interface {
	Run(ctx context.Context, assertions []plan.Assertion, snap *state.CompactState) plan.AssertionResult
}

// ScreenshotSink persists screenshot bytes taken by a step.
type ScreenshotSink func(stepID string, png []byte) error

// Executor runs plan passes. One executor serves one run.
type Executor struct {
	driver      browser.Driver
	rec         Recoverer
	asserter    Asserter
	shots       ScreenshotSink
	stepTimeout time.Duration
	runID       string
	log         zerolog.Logger
}

func New(driver browser.Driver, rec Recoverer, asserter Asserter, runID string, log zerolog.Logger) *Executor {
	return &Executor{
		driver:   driver,
		rec:      rec,
		asserter: asserter,
		runID:    runID,
		log:      log,
	}
}

// SetScreenshotSink wires screenshot persistence. Optional; without it
// screenshot steps still succeed but the bytes are dropped.
func (e *Executor) SetScreenshotSink(sink ScreenshotSink) { e.shots = sink }

// SetStepTimeout puts a deadline on each step dispatch. Zero means no
// per-step deadline beyond the run context's own.
func (e *Executor) SetStepTimeout(d time.Duration) { e.stepTimeout = d }

// Run executes the plan's steps in order against the snapshot, then runs
// the assertion pass. It returns the run log and the freshest snapshot.
// Steps stop at the first halting failure; assertions always run.
func (e *Executor) Run(ctx context.Context, p *plan.Plan, snap *state.CompactState) (plan.RunLog, *state.CompactState) {
	runLog := plan.RunLog{
		Goal:      p.Goal,
		StartedAt: time.Now().UTC(),
	}
	current := snap

	for _, step := range p.Steps {
		if reason, blocked := e.challengeBlocked(ctx); blocked {
			runLog.Escalate = true
			runLog.EscalateReason = reason
			e.log.Warn().Str("step", step.ID).Str("reason", reason).Msg("run blocked before dispatch")
			break
		}

		result, next := e.runStep(ctx, step, current)
		runLog.Steps = append(runLog.Steps, result)

		if result.Status == plan.StepSuccess {
			if fresh, err := e.driver.Capture(ctx, e.runID); err != nil {
				// The previous snapshot stands.
				e.log.Warn().Err(err).Str("step", step.ID).Msg("post-step capture failed")
			} else {
				current = fresh
			}
			continue
		}

		if next.escalate {
			runLog.Escalate = true
			runLog.EscalateReason = result.Error
		}
		if next.tryRecovery {
			if !e.rec.DismissCookieBanner(ctx) {
				e.rec.DismissModal(ctx)
			}
		}
		// Fail fast. Recovery only helps a later patch round.
		break
	}

	runLog.AssertionResult = e.asserter.Run(ctx, p.Assertions, current)
	if url, err := e.driver.CurrentURL(ctx); err == nil {
		runLog.FinalURL = url
	}
	runLog.EndedAt = time.Now().UTC()
	return runLog, current
}

type afterFailure struct {
	escalate    bool
	tryRecovery bool
}

func (e *Executor) challengeBlocked(ctx context.Context) (string, bool) {
	if e.rec.CaptchaPresent(ctx) {
		return "captcha challenge on page", true
	}
	if e.rec.TwoFAPresent(ctx) {
		return "second-factor prompt on page", true
	}
	return "", false
}

func (e *Executor) runStep(ctx context.Context, step plan.Step, snap *state.CompactState) (plan.StepResult, afterFailure) {
	started := time.Now()
	result := plan.StepResult{StepID: step.ID, Op: step.Op}

	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	selectorUsed, extracted, err := e.dispatch(stepCtx, step, snap)
	took := time.Since(started)
	result.DurationMs = took.Milliseconds()
	result.SelectorUsed = selectorUsed
	result.Extracted = extracted

	if err == nil {
		result.Status = plan.StepSuccess
		e.log.Info().
			Str("step", step.ID).
			Str("op", string(step.Op)).
			Str("selector", selectorUsed).
			Dur("took", took).
			Msg("step succeeded")
		return result, afterFailure{}
	}

	result.Status = plan.StepFailed
	result.Error = err.Error()
	result.ErrorKind = string(errdefs.KindOf(err))
	e.log.Warn().
		Str("step", step.ID).
		Str("op", string(step.Op)).
		Str("kind", result.ErrorKind).
		Err(err).
		Msg("step failed")

	next := afterFailure{}
	switch {
	case errdefs.IsEscalation(err):
		next.escalate = true
	case errdefs.KindOf(err) == errdefs.KindElementMissing && errdefs.IsRecoverable(err):
		next.tryRecovery = true
	}
	return result, next
}

func (e *Executor) dispatch(ctx context.Context, step plan.Step, snap *state.CompactState) (selectorUsed, extracted string, err error) {
	switch step.Op {
	case plan.OpNavigate:
		return "", "", e.driver.Navigate(ctx, step.URL)

	case plan.OpClick:
		set, err := e.locate(step, snap)
		if err != nil {
			return "", "", err
		}
		sel, err := e.driver.Click(ctx, set)
		return sel, "", err

	case plan.OpType:
		set, err := e.locate(step, snap)
		if err != nil {
			return "", "", err
		}
		sel, err := e.driver.Type(ctx, set, step.Value)
		return sel, "", err

	case plan.OpSelect:
		set, err := e.locate(step, snap)
		if err != nil {
			return "", "", err
		}
		sel, err := e.driver.Select(ctx, set, step.Option)
		return sel, "", err

	case plan.OpWaitFor:
		timeout := time.Duration(step.Timeout) * time.Millisecond
		return "", "", e.driver.WaitFor(ctx, step.WaitOn, timeout)

	case plan.OpScreenshot:
		png, err := e.driver.Screenshot(ctx)
		if err != nil {
			return "", "", err
		}
		if e.shots != nil {
			if err := e.shots(step.ID, png); err != nil {
				e.log.Warn().Err(err).Str("step", step.ID).Msg("screenshot not persisted")
			}
		}
		return "", "", nil

	case plan.OpScroll:
		return "", "", e.driver.Scroll(ctx, step.Dir, step.Amount)

	case plan.OpExtract:
		set, err := e.locate(step, snap)
		if err != nil {
			return "", "", err
		}
		text, sel, err := e.driver.Extract(ctx, set)
		return sel, text, err

	default:
		return "", "", errdefs.SchemaValidation("unknown op "+string(step.Op), nil)
	}
}

// locate maps the step's ref to a selector set: exact ref match first,
// then fuzzy role/label matching against the current snapshot.
func (e *Executor) locate(step plan.Step, snap *state.CompactState) (state.SelectorSet, error) {
	if snap != nil && step.Ref != "" {
		if el, ok := snap.Lookup(step.Ref); ok {
			return el.Selectors, nil
		}
	}
	if el, ok := resolve.Fuzzy(snap, state.Role(step.Role), step.Label); ok {
		e.log.Debug().
			Str("step", step.ID).
			Str("ref", step.Ref).
			Str("matched", el.Ref).
			Msg("ref resolved fuzzily")
		return el.Selectors, nil
	}
	return state.SelectorSet{}, errdefs.ElementMissing(
		"step "+step.ID+" references no known element", refHints(step))
}

func refHints(step plan.Step) []string {
	var hints []string
	if step.Ref != "" {
		hints = append(hints, "ref:"+step.Ref)
	}
	if step.Role != "" {
		hints = append(hints, "role:"+step.Role)
	}
	if step.Label != "" {
		hints = append(hints, "label:"+step.Label)
	}
	return hints
}
