package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/sonda/internal/errdefs"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func TestParsePlanFencedWithTrailingComma(t *testing.T) {
	t.Parallel()

	vd := newValidator(t)
	clean := []byte(`{
	  "goal": "open example",
	  "steps": [{"id": "s1", "op": "navigate", "url": "https://example.com"}],
	  "schemaVersion": 1
	}`)
	fenced := []byte("Here is the plan:\n```json\n{\n  \"goal\": \"open example\",\n  \"steps\": [{\"id\": \"s1\", \"op\": \"navigate\", \"url\": \"https://example.com\"},],\n  \"schemaVersion\": 1,\n}\n```\nLet me know.")

	want, err := vd.ParsePlan(clean)
	require.NoError(t, err)
	got, err := vd.ParsePlan(fenced)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParsePlanDefaultsOptionalFields(t *testing.T) {
	t.Parallel()

	vd := newValidator(t)
	p, err := vd.ParsePlan([]byte(`{"goal": "g", "steps": [{"op": "screenshot"}]}`))
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, p.SchemaVersion)
	assert.Equal(t, "s1", p.Steps[0].ID)
}

func TestParsePlanRejectsUnknownOp(t *testing.T) {
	t.Parallel()

	vd := newValidator(t)
	_, err := vd.ParsePlan([]byte(`{"goal": "g", "steps": [{"id": "s1", "op": "teleport"}], "schemaVersion": 1}`))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindSchemaValidation, errdefs.KindOf(err))
}

func TestParsePlanRejectsEmptySteps(t *testing.T) {
	t.Parallel()

	vd := newValidator(t)
	_, err := vd.ParsePlan([]byte(`{"goal": "g", "steps": [], "schemaVersion": 1}`))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindSchemaValidation, errdefs.KindOf(err))
}

func TestParseVerdictInfersNextFromStatus(t *testing.T) {
	t.Parallel()

	vd := newValidator(t)
	cases := map[VerdictStatus]NextAction{
		VerdictSuccess:  NextStop,
		VerdictPatch:    NextRunPatch,
		VerdictEscalate: NextEnterStepMode,
	}
	for status, next := range cases {
		v, err := vd.ParseVerdict([]byte(`{"status": "` + string(status) + `", "summary": "done"}`))
		require.NoError(t, err, "status %s", status)
		assert.Equal(t, next, v.Next)
	}
}

func TestParseVerdictKeepsExplicitNext(t *testing.T) {
	t.Parallel()

	vd := newValidator(t)
	v, err := vd.ParseVerdict([]byte(`{"status": "patch", "summary": "retry with new selector", "next": "stop"}`))
	require.NoError(t, err)
	assert.Equal(t, NextStop, v.Next)
}

func TestParseVerdictGarbageIsFatal(t *testing.T) {
	t.Parallel()

	vd := newValidator(t)
	_, err := vd.ParseVerdict([]byte("I could not produce a verdict, sorry."))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindSchemaValidation, errdefs.KindOf(err))
}

func TestExtractJSONBraceSlicing(t *testing.T) {
	t.Parallel()

	raw := []byte(`Sure! The answer is {"a": 1} as requested.`)
	assert.JSONEq(t, `{"a": 1}`, string(ExtractJSON(raw)))
}
