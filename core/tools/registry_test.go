package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchDescriptor() Descriptor {
	return Descriptor{
		Name:        "search_elog",
		Description: "Search the operations logbook",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"query":       {Type: "string"},
				"category":    {Type: "string", Enum: []string{"Info", "Problem", "Pikett"}},
				"max_results": {Type: "integer", Default: 10},
				"verbose":     {Type: "boolean"},
			},
			Required: []string{"query"},
		},
	}
}

func newTestRegistry(t *testing.T, allow []string) *Registry {
	t.Helper()
	r, err := NewRegistry(allow, nil)
	require.NoError(t, err)
	return r
}

func TestMergeLastWins(t *testing.T) {
	r := newTestRegistry(t, nil)

	first := searchDescriptor()
	first.Description = "from server a"
	r.Merge("server-a", []Descriptor{first})

	second := searchDescriptor()
	second.Description = "from server b"
	r.Merge("server-b", []Descriptor{second})

	got, ok := r.Get("search_elog")
	require.True(t, ok)
	assert.Equal(t, "from server b", got.Description)
	assert.Equal(t, "server-b", got.ServerID)
	assert.Equal(t, 1, r.Len())
}

func TestAllowlistFiltersTools(t *testing.T) {
	r := newTestRegistry(t, []string{"search_*"})
	r.Merge("s", []Descriptor{
		searchDescriptor(),
		{Name: "get_elog_thread"},
	})

	_, ok := r.Get("search_elog")
	assert.True(t, ok)
	_, ok = r.Get("get_elog_thread")
	assert.False(t, ok)
}

func TestEmptyAllowlistAdmitsAll(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Merge("s", []Descriptor{searchDescriptor(), {Name: "anything"}})
	assert.Equal(t, 2, r.Len())
}

func TestInvalidAllowPattern(t *testing.T) {
	_, err := NewRegistry([]string{"[unclosed"}, nil)
	require.Error(t, err)
}

func TestListSortedByName(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Merge("s", []Descriptor{{Name: "zeta"}, {Name: "alpha"}, {Name: "mid"}})

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "mid", list[1].Name)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestValidateUnknownTool(t *testing.T) {
	r := newTestRegistry(t, nil)
	err := r.Validate("nope", nil)
	require.Error(t, err)

	var sv *SchemaViolationError
	require.ErrorAs(t, err, &sv)
	assert.Contains(t, sv.Problems, "unknown tool")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Merge("s", []Descriptor{searchDescriptor()})

	err := r.Validate("search_elog", map[string]any{
		"category":    "NotACategory",
		"max_results": 1.5,
		"bogus":       true,
	})
	require.Error(t, err)

	var sv *SchemaViolationError
	require.ErrorAs(t, err, &sv)
	assert.Len(t, sv.Problems, 4)
	assert.Contains(t, err.Error(), "missing required parameter \"query\"")
	assert.Contains(t, err.Error(), "not in allowed set")
	assert.Contains(t, err.Error(), "must be an integer")
	assert.Contains(t, err.Error(), "unknown parameter \"bogus\"")
}

func TestValidateAcceptsGoodArgs(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Merge("s", []Descriptor{searchDescriptor()})

	err := r.Validate("search_elog", map[string]any{
		"query":       "beam dump",
		"category":    "Problem",
		"max_results": float64(20),
		"verbose":     true,
	})
	assert.NoError(t, err)
}

func TestValidateTypeChecks(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.Merge("s", []Descriptor{searchDescriptor()})

	err := r.Validate("search_elog", map[string]any{"query": 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a string")

	err = r.Validate("search_elog", map[string]any{"query": "x", "verbose": "yes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a boolean")
}
