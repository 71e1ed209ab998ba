package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/sonda/internal/browser"
	"github.com/metalagman/sonda/internal/config"
	"github.com/metalagman/sonda/internal/db"
	"github.com/metalagman/sonda/internal/detect"
	"github.com/metalagman/sonda/internal/oracle"
	"github.com/metalagman/sonda/internal/state"
)

type fakeOracle struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeOracle) Call(_ context.Context, _ oracle.Request) (oracle.Response, error) {
	f.calls++
	if f.err != nil {
		return oracle.Response{}, f.err
	}
	if f.calls > len(f.responses) {
		return oracle.Response{}, errors.New("no scripted response left")
	}
	return oracle.Response{Content: f.responses[f.calls-1], Tokens: 10}, nil
}

func (f *fakeOracle) Usage() oracle.Usage {
	return oracle.Usage{TotalCalls: f.calls, TotalTokensUsed: int64(f.calls) * 10}
}

type stubDriver struct {
	navigated []string
	bodyText  string
	closed    int
}

func (d *stubDriver) Navigate(_ context.Context, url string) error {
	d.navigated = append(d.navigated, url)
	return nil
}

func (d *stubDriver) Click(context.Context, state.SelectorSet) (string, error) { return "", nil }
func (d *stubDriver) Type(context.Context, state.SelectorSet, string) (string, error) {
	return "", nil
}
func (d *stubDriver) Select(context.Context, state.SelectorSet, string) (string, error) {
	return "", nil
}
func (d *stubDriver) WaitFor(context.Context, string, time.Duration) error { return nil }
func (d *stubDriver) Scroll(context.Context, string, int) error { return nil }
func (d *stubDriver) Screenshot(context.Context) ([]byte, error) { return nil, nil }
func (d *stubDriver) Extract(context.Context, state.SelectorSet) (string, string, error) {
	return "", "", nil
}

func (d *stubDriver) Capture(context.Context, string) (*state.CompactState, error) {
	return &state.CompactState{Meta: state.Meta{URL: "https://example.com/", Title: "Example"}}, nil
}

func (d *stubDriver) CurrentURL(context.Context) (string, error) { return "https://example.com/", nil }
func (d *stubDriver) Title(context.Context) (string, error) { return "Example", nil }
func (d *stubDriver) BodyText(context.Context) (string, error) { return d.bodyText, nil }
func (d *stubDriver) TextVisible(context.Context, string) (bool, error) { return false, nil }
func (d *stubDriver) VisibleMatch(context.Context, string) (bool, error) { return false, nil }
func (d *stubDriver) Clickables(context.Context, string) ([]detect.Candidate, error) {
	return nil, nil
}
func (d *stubDriver) ClickSelector(context.Context, string) error { return nil }
func (d *stubDriver) FrameSources(context.Context) ([]string, error) { return nil, nil }
func (d *stubDriver) PressEscape(context.Context) error { return nil }
func (d *stubDriver) DownloadDir() string { return "" }
func (d *stubDriver) Downloads() []browser.DownloadEvent { return nil }

func (d *stubDriver) Close() error {
	d.closed++
	return nil
}

const planJSON = `{"goal":"open the example page","steps":[{"op":"navigate","url":"https://example.com/"}]}`

const successVerdictJSON = `{"status":"success","summary":"page opened"}`

const patchVerdictJSON = `{"status":"patch","summary":"try once more","next":"runPatch"}`

func newTestRunner(t *testing.T, driver *stubDriver, orc *fakeOracle, maxPatchRounds int) (*Runner, *db.Store, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".sonda"), 0o755))

	sqlDB, err := db.Open(filepath.Join(root, ".sonda", "sonda.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	store := db.NewStore(sqlDB)

	cfg := config.Default()
	cfg.Budgets.MaxPatchRounds = maxPatchRounds
	cfg.Budgets.MaxWallTimeSec = 60

	runner, err := NewRunner(Options{
		Root:   root,
		Config: cfg,
		Store:  store,
		Oracle: orc,
		OpenBrowser: func(context.Context) (browser.Driver, error) {
			return driver, nil
		},
	})
	require.NoError(t, err)
	return runner, store, root
}

func TestRun_SuccessFirstRound(t *testing.T) {
	driver := &stubDriver{}
	orc := &fakeOracle{responses: []string{planJSON, successVerdictJSON}}
	runner, store, _ := newTestRunner(t, driver, orc, 2)

	res, err := runner.Run(context.Background(), Task{Goal: "open the example page", StartURL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, db.StatusSuccess, res.Status)
	require.NotNil(t, res.Verdict)
	require.Equal(t, 1, driver.closed)
	require.Equal(t, []string{"https://example.com/", "https://example.com/"}, driver.navigated)

	for _, name := range []string{
		"state-initial.json", "plan.json", "run-log-1.json",
		"state-final.json", "state-diff.json", "verdict-1.json",
	} {
		_, err := os.Stat(filepath.Join(res.RunDir, name))
		require.NoError(t, err, name)
	}

	rec, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, db.StatusSuccess, rec.Status)
	require.Equal(t, 1, rec.Rounds)
	require.Equal(t, 2, rec.OracleCalls)
}

func TestRun_PatchThenSuccess(t *testing.T) {
	driver := &stubDriver{}
	orc := &fakeOracle{responses: []string{planJSON, patchVerdictJSON, planJSON, successVerdictJSON}}
	runner, store, _ := newTestRunner(t, driver, orc, 2)

	res, err := runner.Run(context.Background(), Task{Goal: "open the example page"})
	require.NoError(t, err)
	require.Equal(t, db.StatusSuccess, res.Status)

	_, err = os.Stat(filepath.Join(res.RunDir, "patch-plan-2.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(res.RunDir, "verdict-2.json"))
	require.NoError(t, err)

	rec, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Rounds)
	require.Equal(t, db.StatusSuccess, rec.Status)
}

func TestRun_PatchBoundExhaustionKeepsLastVerdict(t *testing.T) {
	driver := &stubDriver{}
	orc := &fakeOracle{responses: []string{planJSON, patchVerdictJSON, planJSON, patchVerdictJSON}}
	runner, store, _ := newTestRunner(t, driver, orc, 1)

	res, err := runner.Run(context.Background(), Task{Goal: "open the example page"})
	require.NoError(t, err)
	require.Equal(t, db.StatusFailed, res.Status)
	require.NotNil(t, res.Verdict)
	require.Equal(t, "patch", string(res.Verdict.Status))

	rec, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Rounds)
	require.NotNil(t, rec.Verdict)
	require.Equal(t, "patch", *rec.Verdict)
}

func TestRun_ChallengeEscalatesWithoutVerify(t *testing.T) {
	driver := &stubDriver{bodyText: "please verify you are human to continue"}
	orc := &fakeOracle{responses: []string{planJSON}}
	runner, store, _ := newTestRunner(t, driver, orc, 2)

	res, err := runner.Run(context.Background(), Task{Goal: "open the example page"})
	require.NoError(t, err)
	require.Equal(t, db.StatusEscalated, res.Status)
	require.Equal(t, 1, orc.calls)
	require.Equal(t, 1, driver.closed)

	rec, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, db.StatusEscalated, rec.Status)
	require.NotNil(t, rec.EscalateReason)
}

func TestRun_OracleFailureSealsRunAsFailed(t *testing.T) {
	driver := &stubDriver{}
	orc := &fakeOracle{err: errors.New("endpoint down")}
	runner, store, _ := newTestRunner(t, driver, orc, 2)

	res, err := runner.Run(context.Background(), Task{Goal: "open the example page"})
	require.Error(t, err)
	require.Equal(t, 1, driver.closed)

	rec, getErr := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, getErr)
	require.Equal(t, db.StatusFailed, rec.Status)
}

func TestRun_DirectPlanSkipsPlanRound(t *testing.T) {
	driver := &stubDriver{}
	orc := &fakeOracle{responses: []string{successVerdictJSON}}
	runner, _, _ := newTestRunner(t, driver, orc, 2)

	vd := runner.vd
	p, err := vd.ParsePlan([]byte(planJSON))
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), Task{Goal: "open the example page", Plan: p})
	require.NoError(t, err)
	require.Equal(t, db.StatusSuccess, res.Status)
	require.Equal(t, 1, orc.calls)
}

func TestRun_StepBudgetExceeded(t *testing.T) {
	driver := &stubDriver{}
	orc := &fakeOracle{}
	runner, store, _ := newTestRunner(t, driver, orc, 2)
	runner.cfg.Budgets.MaxSteps = 1

	vd := runner.vd
	p, err := vd.ParsePlan([]byte(`{"goal":"open two pages","steps":[{"op":"navigate","url":"https://example.com/"},{"op":"navigate","url":"https://example.com/about"}]}`))
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), Task{Goal: "open two pages", Plan: p})
	require.Error(t, err)
	require.Contains(t, err.Error(), "budget")
	require.Equal(t, 0, orc.calls)

	rec, err := store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, db.StatusFailed, rec.Status)
}

func TestNewRunID_Format(t *testing.T) {
	id, err := newRunID()
	require.NoError(t, err)
	require.Regexp(t, `^\d{8}-\d{6}-[0-9a-f]{6}$`, id)
}

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}
