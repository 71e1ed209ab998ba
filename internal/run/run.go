// Package run implements the orchestrator for a sonda task: observe,
// plan, execute, verify, then patch or escalate.
package run

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/sonda/internal/browser"
	"github.com/metalagman/sonda/internal/config"
	"github.com/metalagman/sonda/internal/db"
	"github.com/metalagman/sonda/internal/detect"
	"github.com/metalagman/sonda/internal/executor"
	"github.com/metalagman/sonda/internal/logging"
	"github.com/metalagman/sonda/internal/macro"
	"github.com/metalagman/sonda/internal/oracle"
	"github.com/metalagman/sonda/internal/plan"
	"github.com/metalagman/sonda/internal/redact"
	"github.com/metalagman/sonda/internal/state"
	"github.com/metalagman/sonda/internal/verify"
)

// Oracle is the reasoning endpoint the orchestrator consults for plan,
// verify and patch rounds.
type Oracle interface {
	Call(ctx context.Context, req oracle.Request) (oracle.Response, error)
	Usage() oracle.Usage
}

// Task is one natural-language web task to run.
type Task struct {
	Goal     string
	StartURL string
	// Plan, when set, is executed directly and no plan round is
	// requested from the oracle. Used by macro replay.
	Plan *plan.Plan
	// MacroID marks a stored macro to credit on success.
	MacroID int64
}

// Options wires a Runner. OpenBrowser defaults to browser.Open with the
// configured browser settings.
type Options struct {
	Root        string
	Config      config.Config
	Store       *db.Store
	Macros      *macro.Store
	Oracle      Oracle
	Validator   *plan.Validator
	OpenBrowser func(ctx context.Context) (browser.Driver, error)
}

// Result summarizes a completed run.
type Result struct {
	RunID   string
	Status  string
	Rounds  int
	Verdict *plan.Verdict
	RunDir  string
}

// Runner executes tasks one at a time against a fresh browser session.
type Runner struct {
	sondaDir    string
	cfg         config.Config
	store       *db.Store
	macros      *macro.Store
	oracle      Oracle
	vd          *plan.Validator
	openBrowser func(ctx context.Context) (browser.Driver, error)
	redactor    *redact.Redactor
}

// NewRunner constructs a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, errors.New("run store is required")
	}
	if opts.Oracle == nil {
		return nil, errors.New("oracle is required")
	}
	vd := opts.Validator
	if vd == nil {
		var err error
		if vd, err = plan.NewValidator(); err != nil {
			return nil, err
		}
	}
	redactor, err := newRedactor(opts.Config.Redaction)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		sondaDir:    filepath.Join(opts.Root, ".sonda"),
		cfg:         opts.Config,
		store:       opts.Store,
		macros:      opts.Macros,
		oracle:      opts.Oracle,
		vd:          vd,
		openBrowser: opts.OpenBrowser,
		redactor:    redactor,
	}
	if r.openBrowser == nil {
		r.openBrowser = func(ctx context.Context) (browser.Driver, error) {
			bcfg := browser.Config{
				RemoteURL:   opts.Config.Browser.RemoteURL,
				Headless:    opts.Config.Browser.Headless == nil || *opts.Config.Browser.Headless,
				NavTimeout:  opts.Config.Browser.NavTimeout(),
				OpTimeout:   opts.Config.Browser.OpTimeout(),
				DownloadDir: filepath.Join(r.sondaDir, "downloads"),
			}
			return browser.Open(ctx, bcfg, log.Logger)
		}
	}
	return r, nil
}

// Run executes one task end to end and records it.
func (r *Runner) Run(ctx context.Context, task Task) (res Result, err error) {
	if task.Goal == "" {
		return Result{}, errors.New("task goal is required")
	}

	lock, err := AcquireRunLock(r.sondaDir)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = lock.Release() }()

	if stale, err := r.store.FailStaleRuns(ctx); err != nil {
		return Result{}, err
	} else if stale > 0 {
		log.Warn().Int("runs", stale).Msg("failed stale runs from a previous process")
	}

	runID, err := newRunID()
	if err != nil {
		return Result{}, err
	}
	runDir := filepath.Join(r.sondaDir, "runs", runID)
	arts, err := NewArtifacts(runDir, r.redactor)
	if err != nil {
		return Result{RunID: runID}, err
	}
	res = Result{RunID: runID, RunDir: runDir}

	logger := logging.ForRun(runID)
	startedAt := time.Now().UTC()
	defer func() {
		status := res.Status
		if status == "" {
			status = db.StatusFailed
		}
		event := logger.Info().
			Str("status", status).
			Dur("duration", time.Since(startedAt))
		if err != nil {
			event = event.Err(err)
		}
		event.Msg("run finished")
	}()

	if err := r.store.CreateRun(ctx, runID, task.Goal, runDir); err != nil {
		return res, err
	}
	defer func() {
		r.finishRun(runID, &res, err)
	}()

	if r.cfg.Budgets.MaxWallTimeSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Budgets.WallTime())
		defer cancel()
	}

	driver, err := r.openBrowser(ctx)
	if err != nil {
		return res, fmt.Errorf("open browser: %w", err)
	}
	defer func() { _ = driver.Close() }()

	if task.StartURL != "" {
		if err := driver.Navigate(ctx, task.StartURL); err != nil {
			return res, err
		}
	}

	snap, err := driver.Capture(ctx, runID)
	if err != nil {
		return res, fmt.Errorf("initial capture: %w", err)
	}
	if err := arts.WriteJSON("state-initial.json", snap); err != nil {
		return res, err
	}

	p := task.Plan
	if p == nil {
		if p, err = r.planRound(ctx, task, snap); err != nil {
			return res, err
		}
	}
	if err := r.checkStepBudget(p); err != nil {
		return res, err
	}
	if err := arts.WriteJSON("plan.json", p); err != nil {
		return res, err
	}

	det := detect.New(driver, logger)
	asserter := verify.New(driver, driver.DownloadDir(), logger)
	exec := executor.New(driver, det, asserter, runID, logger)
	exec.SetScreenshotSink(arts.Screenshot)
	exec.SetStepTimeout(r.cfg.Budgets.StepTimeout())

	initial := snap
	var verdict *plan.Verdict
	round := 0
	for {
		round++
		kind := "initial"
		if round > 1 {
			kind = "patch"
		}
		roundStart := time.Now().UTC()
		res.Rounds = round

		runLog, finalSnap := exec.Run(ctx, p, snap)
		snap = finalSnap

		if err := arts.WriteJSON(fmt.Sprintf("run-log-%d.json", round), runLog); err != nil {
			return res, err
		}
		if err := arts.WriteJSON("state-final.json", finalSnap); err != nil {
			return res, err
		}
		diff := state.Diff(initial, finalSnap)
		if err := arts.WriteJSON("state-diff.json", diff); err != nil {
			return res, err
		}

		switch {
		case runLog.Escalate:
			verdict = &plan.Verdict{
				Status:  plan.VerdictEscalate,
				Summary: runLog.EscalateReason,
				Reason:  runLog.EscalateReason,
				Next:    plan.NextEnterStepMode,
			}
		case ctx.Err() != nil:
			verdict = &plan.Verdict{
				Status:  plan.VerdictEscalate,
				Summary: "run deadline exceeded",
				Reason:  "run deadline exceeded",
				Next:    plan.NextEnterStepMode,
			}
		default:
			if verdict, err = r.verifyRound(ctx, task.Goal, runLog, diff, finalSnap); err != nil {
				return res, err
			}
		}
		if werr := arts.WriteJSON(fmt.Sprintf("verdict-%d.json", round), verdict); werr != nil {
			return res, werr
		}

		if err := r.commitRound(ctx, runID, round, kind, roundStart, runLog, verdict); err != nil {
			return res, err
		}

		if verdict.Status != plan.VerdictPatch || round > r.cfg.Budgets.MaxPatchRounds {
			break
		}
		if p, err = r.patchRound(ctx, task.Goal, *verdict, runLog, finalSnap); err != nil {
			return res, err
		}
		if err := r.checkStepBudget(p); err != nil {
			return res, err
		}
		if err := arts.WriteJSON(fmt.Sprintf("patch-plan-%d.json", round+1), p); err != nil {
			return res, err
		}
	}

	res.Verdict = verdict
	switch verdict.Status {
	case plan.VerdictSuccess:
		res.Status = db.StatusSuccess
		if task.MacroID != 0 && r.macros != nil {
			if err := r.macros.MarkUsed(ctx, task.MacroID); err != nil {
				logger.Warn().Err(err).Msg("mark macro used")
			}
		}
	case plan.VerdictEscalate:
		res.Status = db.StatusEscalated
	default:
		// Patch verdict standing at bound exhaustion.
		res.Status = db.StatusFailed
	}
	return res, nil
}

func (r *Runner) checkStepBudget(p *plan.Plan) error {
	if max := r.cfg.Budgets.MaxSteps; max > 0 && len(p.Steps) > max {
		return fmt.Errorf("plan has %d steps, budget allows %d", len(p.Steps), max)
	}
	return nil
}

// MacroCandidate finds a stored macro matching the task's start URL, for
// inclusion in the plan prompt. Missing or unmatched is not an error.
func (r *Runner) MacroCandidate(ctx context.Context, startURL string) *plan.Plan {
	if r.macros == nil || startURL == "" {
		return nil
	}
	u, err := url.Parse(startURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	macros, err := r.macros.List(ctx, u.Hostname())
	if err != nil || len(macros) == 0 {
		return nil
	}
	return &macros[0].Plan
}

func (r *Runner) planRound(ctx context.Context, task Task, snap *state.CompactState) (*plan.Plan, error) {
	req, err := oracle.PlanRequest(task.Goal, snap, r.MacroCandidate(ctx, task.StartURL))
	if err != nil {
		return nil, err
	}
	resp, err := r.oracle.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	p, err := r.vd.ParsePlan([]byte(resp.Content))
	if err != nil {
		return nil, fmt.Errorf("plan round: %w", err)
	}
	return p, nil
}

func (r *Runner) verifyRound(ctx context.Context, goal string, runLog plan.RunLog, diff state.StateDiff, finalSnap *state.CompactState) (*plan.Verdict, error) {
	req, err := oracle.VerifyRequest(goal, runLog, diff, finalSnap)
	if err != nil {
		return nil, err
	}
	resp, err := r.oracle.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	v, err := r.vd.ParseVerdict([]byte(resp.Content))
	if err != nil {
		return nil, fmt.Errorf("verify round: %w", err)
	}
	return v, nil
}

func (r *Runner) patchRound(ctx context.Context, goal string, verdict plan.Verdict, runLog plan.RunLog, snap *state.CompactState) (*plan.Plan, error) {
	req, err := oracle.PatchRequest(goal, verdict, runLog, snap)
	if err != nil {
		return nil, err
	}
	resp, err := r.oracle.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	p, err := r.vd.ParsePlan([]byte(resp.Content))
	if err != nil {
		return nil, fmt.Errorf("patch round: %w", err)
	}
	return p, nil
}

func (r *Runner) commitRound(ctx context.Context, runID string, round int, kind string, startedAt time.Time, runLog plan.RunLog, verdict *plan.Verdict) error {
	failed := 0
	for _, step := range runLog.Steps {
		if step.Status == plan.StepFailed {
			failed++
		}
	}
	verdictStr := string(verdict.Status)
	usage := r.oracle.Usage()
	record := db.RoundRecord{
		RunID:            runID,
		Round:            round,
		Kind:             kind,
		Status:           verdictStr,
		StartedAt:        startedAt.Format(time.RFC3339),
		EndedAt:          time.Now().UTC().Format(time.RFC3339),
		StepsTotal:       len(runLog.Steps),
		StepsFailed:      failed,
		AssertionsPassed: runLog.AssertionResult.Passed,
	}
	update := db.RunUpdate{
		Rounds:       round,
		Status:       db.StatusRunning,
		Verdict:      &verdictStr,
		OracleCalls:  usage.TotalCalls,
		OracleTokens: usage.TotalTokensUsed,
	}
	events := []db.Event{{
		Type:    "round_finished",
		Message: fmt.Sprintf("round %d (%s): %s", round, kind, verdictStr),
	}}
	return r.store.CommitRound(ctx, record, events, update)
}

// finishRun seals the run row. It runs on every exit path, so it uses a
// fresh context in case the run context is already dead.
func (r *Runner) finishRun(runID string, res *Result, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := res.Status
	if status == "" {
		status = db.StatusFailed
	}
	usage := r.oracle.Usage()
	update := db.RunUpdate{
		Rounds:       res.Rounds,
		Status:       status,
		OracleCalls:  usage.TotalCalls,
		OracleTokens: usage.TotalTokensUsed,
	}
	message := status
	if res.Verdict != nil {
		verdictStr := string(res.Verdict.Status)
		update.Verdict = &verdictStr
		if res.Verdict.Status == plan.VerdictEscalate {
			reason := res.Verdict.Reason
			update.EscalateReason = &reason
		}
	}
	if runErr != nil {
		message = fmt.Sprintf("%s: %v", status, runErr)
	}
	event := db.Event{Type: "run_finished", Message: message}
	if err := r.store.UpdateRun(ctx, runID, update, &event); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("seal run record")
	}
}

func newRedactor(cfg config.RedactionConfig) (*redact.Redactor, error) {
	if len(cfg.ExtraPatterns) == 0 {
		return redact.New(nil, cfg.AllowFields), nil
	}
	parts := append([]string{redact.DefaultSecretPattern.String()}, cfg.ExtraPatterns...)
	pattern, err := regexp.Compile(strings.Join(parts, "|"))
	if err != nil {
		return nil, fmt.Errorf("compile redaction patterns: %w", err)
	}
	return redact.New(pattern, cfg.AllowFields), nil
}

func newRunID() (string, error) {
	suffix, err := randomHex(3)
	if err != nil {
		return "", err
	}
	ts := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s", ts, suffix), nil
}

func randomHex(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
