package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/sonda/internal/plan"
	"github.com/metalagman/sonda/internal/state"
)

type fakeProbe struct {
	url     string
	urlErr  error
	title   string
	body    string
	texts   map[string]bool
	visible map[string]bool
}

func (f *fakeProbe) CurrentURL(context.Context) (string, error) { return f.url, f.urlErr }
func (f *fakeProbe) Title(context.Context) (string, error) { return f.title, nil }
func (f *fakeProbe) BodyText(context.Context) (string, error) { return f.body, nil }

func (f *fakeProbe) TextVisible(_ context.Context, text string) (bool, error) {
	return f.texts[text], nil
}

func (f *fakeProbe) VisibleMatch(_ context.Context, selector string) (bool, error) {
	return f.visible[selector], nil
}

func newRunner(p Probe, dir string) *Runner {
	return New(p, dir, zerolog.Nop())
}

func TestRunEvaluatesAllAssertionsIndependently(t *testing.T) {
	t.Parallel()

	probe := &fakeProbe{
		url:   "https://shop.example/orders/confirmation",
		title: "Order confirmed",
		body:  "Thank you for your order",
	}
	assertions := []plan.Assertion{
		{Kind: plan.AssertURLContains, Value: "/checkout"}, // fails
		{Kind: plan.AssertTitleContains, Value: "confirmed"},
		{Kind: plan.AssertTextPresent, Value: "Thank you"},
	}

	result := newRunner(probe, t.TempDir()).Run(context.Background(), assertions, nil)

	assert.False(t, result.Passed)
	require.Len(t, result.Records, 3)
	assert.False(t, result.Records[0].Passed)
	assert.Equal(t, "https://shop.example/orders/confirmation", result.Records[0].Actual)
	assert.True(t, result.Records[1].Passed)
	assert.True(t, result.Records[2].Passed)
}

func TestTitleAndTextMatchCaseSensitively(t *testing.T) {
	t.Parallel()

	probe := &fakeProbe{title: "Order confirmed", body: "Thank you"}
	assertions := []plan.Assertion{
		{Kind: plan.AssertTitleContains, Value: "CONFIRMED"},
		{Kind: plan.AssertTextPresent, Value: "THANK YOU"},
	}

	result := newRunner(probe, t.TempDir()).Run(context.Background(), assertions, nil)

	assert.False(t, result.Passed)
	require.Len(t, result.Records, 2)
	assert.False(t, result.Records[0].Passed)
	assert.False(t, result.Records[1].Passed)
}

func TestRunAllPassing(t *testing.T) {
	t.Parallel()

	probe := &fakeProbe{url: "https://example.com/done"}
	assertions := []plan.Assertion{
		{Kind: plan.AssertURLEquals, Value: "https://example.com/done"},
	}

	result := newRunner(probe, t.TempDir()).Run(context.Background(), assertions, nil)

	assert.True(t, result.Passed)
	require.Len(t, result.Records, 1)
	assert.True(t, result.Records[0].Passed)
}

func TestUnknownKindFails(t *testing.T) {
	t.Parallel()

	result := newRunner(&fakeProbe{}, t.TempDir()).Run(context.Background(),
		[]plan.Assertion{{Kind: "pixelPerfect", Value: "x"}}, nil)

	assert.False(t, result.Passed)
	require.Len(t, result.Records, 1)
	assert.Contains(t, result.Records[0].Error, "unknown assertion kind")
}

func TestProbeErrorRecordedNotRaised(t *testing.T) {
	t.Parallel()

	probe := &fakeProbe{urlErr: errors.New("page closed")}

	result := newRunner(probe, t.TempDir()).Run(context.Background(),
		[]plan.Assertion{{Kind: plan.AssertURLContains, Value: "x"}}, nil)

	assert.False(t, result.Passed)
	assert.Equal(t, "page closed", result.Records[0].Error)
}

func TestElementVisibleByText(t *testing.T) {
	t.Parallel()

	probe := &fakeProbe{texts: map[string]bool{"Sign out": true}}

	result := newRunner(probe, t.TempDir()).Run(context.Background(),
		[]plan.Assertion{{Kind: plan.AssertElementVisible, Value: "Sign out"}}, nil)

	assert.True(t, result.Passed)
	assert.Equal(t, "visible by text", result.Records[0].Actual)
}

func TestElementVisibleFallsBackToRefSelectors(t *testing.T) {
	t.Parallel()

	snap := &state.CompactState{
		Interactive: []state.InteractiveElement{
			{
				Ref: "e3",
				Selectors: state.SelectorSet{
					Primary:  `[data-testid="submit"]`,
					Fallback: []string{"#submit"},
				},
			},
		},
	}
	probe := &fakeProbe{visible: map[string]bool{"#submit": true}}

	result := newRunner(probe, t.TempDir()).Run(context.Background(),
		[]plan.Assertion{{Kind: plan.AssertElementVisible, Value: "Submit", Ref: "e3"}}, snap)

	assert.True(t, result.Passed)
	assert.Equal(t, "visible by selector #submit", result.Records[0].Actual)
}

func TestElementVisibleUnknownRef(t *testing.T) {
	t.Parallel()

	snap := &state.CompactState{}
	probe := &fakeProbe{}

	result := newRunner(probe, t.TempDir()).Run(context.Background(),
		[]plan.Assertion{{Kind: plan.AssertElementVisible, Ref: "e9"}}, snap)

	assert.False(t, result.Passed)
	assert.Contains(t, result.Records[0].Error, "e9")
}

func TestDownloadExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invoice-2026-08.pdf"), []byte("x"), 0o644))

	tests := []struct {
		name    string
		pattern string
		want    bool
	}{
		{"substring match", "invoice", true},
		{"regex match", `invoice-\d{4}-\d{2}\.pdf`, true},
		{"no match", "receipt", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result := newRunner(&fakeProbe{}, dir).Run(context.Background(),
				[]plan.Assertion{{Kind: plan.AssertDownloadExists, FilePattern: tc.pattern}}, nil)
			assert.Equal(t, tc.want, result.Passed)
		})
	}
}

func TestDownloadExistsEmptyPattern(t *testing.T) {
	t.Parallel()

	result := newRunner(&fakeProbe{}, t.TempDir()).Run(context.Background(),
		[]plan.Assertion{{Kind: plan.AssertDownloadExists}}, nil)

	assert.False(t, result.Passed)
	assert.Contains(t, result.Records[0].Error, "empty file pattern")
}
