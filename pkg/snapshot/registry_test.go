package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	id      string
	version int
	deps    []string
}

func (s stubProvider) ID() string   { return s.id }
func (s stubProvider) Version() int { return s.version }
func (s stubProvider) Describe() Descriptor {
	return Descriptor{Name: s.id, DependsOn: s.deps}
}
func (s stubProvider) Capture(ctx context.Context, ws string) (Fragment, error) {
	return NewFragment(s.id, s.version, map[string]any{}, 0)
}
func (s stubProvider) Diff(ctx context.Context, ws string, f Fragment) (Diff, error) {
	return Diff{ProviderID: s.id}, nil
}
func (s stubProvider) Restore(ctx context.Context, ws string, f Fragment) (int, error) {
	return 0, nil
}

func ids(levels [][]Provider) [][]string {
	out := make([][]string, 0, len(levels))
	for _, l := range levels {
		var row []string
		for _, p := range l {
			row = append(row, p.ID())
		}
		out = append(out, row)
	}
	return out
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r, err := NewRegistry(stubProvider{id: "a", version: 1}, stubProvider{id: "b", version: 2})
	require.NoError(t, err)

	p, ok := r.Resolve("b")
	require.True(t, ok)
	assert.Equal(t, 2, p.Version())

	_, ok = r.Resolve("missing")
	assert.False(t, ok)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID())

	assert.Error(t, r.Register(stubProvider{id: "a", version: 1}), "duplicate id")
	assert.Error(t, r.Register(stubProvider{id: "", version: 1}), "empty id")
	assert.Error(t, r.Register(stubProvider{id: "c", version: 0}), "zero version")
	assert.Error(t, r.Register(nil))
}

func TestRegistry_LevelsFollowDependencies(t *testing.T) {
	r, err := NewRegistry(
		stubProvider{id: "booking", version: 1, deps: []string{"workboard"}},
		stubProvider{id: "workboard", version: 1},
		stubProvider{id: "team_chat", version: 1},
	)
	require.NoError(t, err)

	levels, err := r.Levels(nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"workboard", "team_chat"}, {"booking"}}, ids(levels))

	// A dependency outside the restore set imposes no ordering.
	levels, err = r.Levels([]string{"booking", "team_chat"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"booking", "team_chat"}}, ids(levels))

	_, err = r.Levels([]string{"nope"})
	assert.Error(t, err)
}

func TestRegistry_RejectsCyclesAndUnknownDependencies(t *testing.T) {
	_, err := NewRegistry(
		stubProvider{id: "a", version: 1, deps: []string{"b"}},
		stubProvider{id: "b", version: 1, deps: []string{"a"}},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	_, err = NewRegistry(stubProvider{id: "a", version: 1, deps: []string{"ghost"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}
