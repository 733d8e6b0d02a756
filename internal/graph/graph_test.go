package graph

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/djlord-it/opsflow/internal/blueprint"
	"github.com/djlord-it/opsflow/internal/domain"
)

func chain() []domain.Blueprint {
	return []domain.Blueprint{
		{Code: "A", Sequence: 1},
		{Code: "B", Dependencies: []string{"A"}, Sequence: 2},
		{Code: "C", Dependencies: []string{"B"}, Sequence: 3},
		{Code: "D", Dependencies: []string{"A"}, Sequence: 4},
		{Code: "E", Dependencies: []string{"C", "D"}, Sequence: 5},
		{Code: "X", Sequence: 6},
	}
}

func TestBuild_Edges(t *testing.T) {
	g := Build(chain())

	if diff := cmp.Diff([]string{"B", "D"}, g.Dependents("A")); diff != "" {
		t.Errorf("dependents(A) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"C", "D"}, g.Dependencies("E")); diff != "" {
		t.Errorf("dependencies(E) mismatch (-want +got):\n%s", diff)
	}
	if len(g.Dependents("X")) != 0 {
		t.Errorf("X should have no dependents, got %v", g.Dependents("X"))
	}
}

func TestReachableFrom(t *testing.T) {
	g := Build(chain())

	tests := []struct {
		start string
		want  []string
	}{
		{"A", []string{"A", "B", "D", "C", "E"}},
		{"B", []string{"B", "C", "E"}},
		{"D", []string{"D", "E"}},
		{"E", []string{"E"}},
		{"X", []string{"X"}},
		{"unknown", []string{"unknown"}},
	}

	for _, tt := range tests {
		t.Run(tt.start, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, g.ReachableFrom(tt.start)); diff != "" {
				t.Errorf("ReachableFrom(%s) mismatch (-want +got):\n%s", tt.start, diff)
			}
		})
	}
}

// For every node, the reachable set is exactly the node plus its transitive
// dependents, computed independently by walking dependency lists.
func TestReachableFrom_MatchesTransitiveDependents(t *testing.T) {
	bps := blueprint.All()
	g := Build(bps)

	dependsTransitively := func(code, on string) bool {
		var walk func(string) bool
		walk = func(c string) bool {
			for _, d := range g.Dependencies(c) {
				if d == on || walk(d) {
					return true
				}
			}
			return false
		}
		return walk(code)
	}

	for _, start := range bps {
		var want []string
		for _, b := range bps {
			if b.Code == start.Code || dependsTransitively(b.Code, start.Code) {
				want = append(want, b.Code)
			}
		}
		got := g.ReachableFrom(start.Code)
		sort.Strings(want)
		sorted := append([]string(nil), got...)
		sort.Strings(sorted)
		if diff := cmp.Diff(want, sorted); diff != "" {
			t.Errorf("ReachableFrom(%s) mismatch (-want +got):\n%s", start.Code, diff)
		}
		if got[0] != start.Code {
			t.Errorf("ReachableFrom(%s) should start with itself, got %v", start.Code, got)
		}
	}
}
