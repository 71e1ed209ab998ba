package macro

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/sonda/internal/db"
	"github.com/metalagman/sonda/internal/plan"
)

func loginPlan() plan.Plan {
	return plan.Plan{
		Goal: "log in as {username}",
		Steps: []plan.Step{
			{ID: "s1", Op: plan.OpNavigate, URL: "https://shop.example/login"},
			{ID: "s2", Op: plan.OpType, Ref: "e1", Role: "input", Label: "Email", Value: "{username}"},
			{ID: "s3", Op: plan.OpType, Ref: "e2", Role: "input", Label: "Password", Value: "{password}"},
			{ID: "s4", Op: plan.OpClick, Ref: "e3", Role: "button", Label: "Sign in"},
		},
		Assertions:    []plan.Assertion{{Kind: plan.AssertURLContains, Value: "/account"}},
		SchemaVersion: plan.SchemaVersion,
	}
}

func TestApplySubstitutesParams(t *testing.T) {
	t.Parallel()

	vd, err := plan.NewValidator()
	require.NoError(t, err)

	m := Macro{Name: "login", Params: []string{"username", "password"}, Plan: loginPlan()}
	applied, err := Apply(vd, m, map[string]string{
		"username": "ada@example.com",
		"password": "hunter2",
	})
	require.NoError(t, err)

	assert.Equal(t, "log in as ada@example.com", applied.Goal)
	assert.Equal(t, "ada@example.com", applied.Steps[1].Value)
	assert.Equal(t, "hunter2", applied.Steps[2].Value)
}

func TestApplyLeavesUnsuppliedPlaceholdersVerbatim(t *testing.T) {
	t.Parallel()

	vd, err := plan.NewValidator()
	require.NoError(t, err)

	m := Macro{Name: "login", Params: []string{"username", "password"}, Plan: loginPlan()}
	applied, err := Apply(vd, m, map[string]string{"username": "ada@example.com"})
	require.NoError(t, err)

	assert.Equal(t, "{password}", applied.Steps[2].Value)
}

func TestMissingParams(t *testing.T) {
	t.Parallel()

	m := Macro{Params: []string{"username", "password"}}
	missing := MissingParams(m, map[string]string{"username": "x"})
	assert.Equal(t, []string{"password"}, missing)
	assert.Nil(t, MissingParams(m, map[string]string{"username": "x", "password": "y"}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	handle, err := db.Open(filepath.Join(t.TempDir(), "sonda.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })
	return NewStore(handle)
}

func TestStoreSaveGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	key := Key{Hostname: "shop.example", PathPattern: "/login", Name: "login"}
	m := Macro{
		Hostname:    key.Hostname,
		PathPattern: key.PathPattern,
		Name:        key.Name,
		Params:      []string{"username", "password"},
		Plan:        loginPlan(),
	}
	require.NoError(t, store.Save(ctx, m))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"username", "password"}, got.Params)
	assert.Len(t, got.Plan.Steps, 4)
	assert.Equal(t, 0, got.Uses)

	require.NoError(t, store.MarkUsed(ctx, got.ID))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Uses)

	require.NoError(t, store.Delete(ctx, key))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreSaveReplacesSameKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	key := Key{Hostname: "shop.example", PathPattern: "/login", Name: "login"}
	m := Macro{Hostname: key.Hostname, PathPattern: key.PathPattern, Name: key.Name, Plan: loginPlan()}
	require.NoError(t, store.Save(ctx, m))

	m.Plan.Goal = "changed goal"
	require.NoError(t, store.Save(ctx, m))

	all, err := store.List(ctx, "shop.example")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "changed goal", all[0].Plan.Goal)
}

func TestStoreListFiltersByHostname(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.Save(ctx, Macro{Hostname: "a.example", PathPattern: "/x", Plan: loginPlan()}))
	require.NoError(t, store.Save(ctx, Macro{Hostname: "b.example", PathPattern: "/y", Plan: loginPlan()}))

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyA, err := store.List(ctx, "a.example")
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "a.example", onlyA[0].Hostname)
}
