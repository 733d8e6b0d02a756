package blueprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/opsflow/internal/domain"
)

func TestRegistry_CodesUniqueAndDependenciesKnown(t *testing.T) {
	seen := make(map[string]bool)
	for _, b := range All() {
		require.False(t, seen[b.Code], "duplicate code %s", b.Code)
		seen[b.Code] = true
	}
	for _, b := range All() {
		for _, d := range b.Dependencies {
			assert.True(t, seen[d], "%s depends on unknown %s", b.Code, d)
		}
	}
}

func TestRegistry_WebhookNodesHaveTemplates(t *testing.T) {
	for _, b := range All() {
		switch b.Kind {
		case domain.NodeKindWebhook:
			assert.NotEmpty(t, b.EndpointTemplate, b.Code)
		case domain.NodeKindSourceSync:
			assert.Empty(t, b.EndpointTemplate, b.Code)
		default:
			t.Errorf("%s: unknown kind %q", b.Code, b.Kind)
		}
	}
}

func TestRegistry_OrderedBySequence(t *testing.T) {
	all := All()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Sequence, all[i].Sequence)
	}
	assert.Equal(t, CodeDropboxSync, Codes()[0])
}

func TestLookup_ReturnsCopy(t *testing.T) {
	b, ok := Lookup(CodePerformanceReport)
	require.True(t, ok)
	b.Dependencies[0] = "mutated"

	again, _ := Lookup(CodePerformanceReport)
	assert.Equal(t, CodeInstagramPublish, again.Dependencies[0])

	_, ok = Lookup("nope")
	assert.False(t, ok)
}

func TestTable_Lookup(t *testing.T) {
	table := NewTable([]domain.Blueprint{
		{Code: "b", Sequence: 2},
		{Code: "a", Sequence: 1},
	})
	require.Len(t, table.All(), 2)
	assert.Equal(t, "a", table.All()[0].Code)

	_, ok := table.Lookup("b")
	assert.True(t, ok)
}
