// Package graph derives the forward dependency graph of the automation
// pipeline. Edges point from a dependency to its dependents.
//
// Cycles are not detected: the pipeline is acyclic by construction and a
// cycle is a configuration error.
package graph

import "github.com/djlord-it/opsflow/internal/domain"

type Graph struct {
	dependents   map[string][]string
	dependencies map[string][]string
	sequence     map[string]int
}

// Build adds an edge d -> b.Code for every dependency d of every blueprint.
// Dependents are kept in blueprint sequence order.
func Build(blueprints []domain.Blueprint) *Graph {
	g := &Graph{
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string, len(blueprints)),
		sequence:     make(map[string]int, len(blueprints)),
	}
	ordered := make([]domain.Blueprint, len(blueprints))
	copy(ordered, blueprints)
	sortBySequence(ordered)

	for _, b := range ordered {
		g.sequence[b.Code] = b.Sequence
		g.dependencies[b.Code] = append([]string(nil), b.Dependencies...)
		for _, d := range b.Dependencies {
			g.dependents[d] = append(g.dependents[d], b.Code)
		}
	}
	return g
}

// Dependents returns the direct dependents of code.
func (g *Graph) Dependents(code string) []string {
	return g.dependents[code]
}

// Dependencies returns the declared dependencies of code.
func (g *Graph) Dependencies(code string) []string {
	return g.dependencies[code]
}

// Sequence returns the ordering hint of code, 0 if unknown.
func (g *Graph) Sequence(code string) int {
	return g.sequence[code]
}

// ReachableFrom returns start and every code transitively dependent on it,
// in breadth-first order.
func (g *Graph) ReachableFrom(start string) []string {
	visited := map[string]bool{start: true}
	order := []string{start}
	queue := []string{start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.dependents[current] {
			if visited[next] {
				continue
			}
			visited[next] = true
			order = append(order, next)
			queue = append(queue, next)
		}
	}
	return order
}

func sortBySequence(bs []domain.Blueprint) {
	// insertion sort: the table is small and mostly ordered
	for i := 1; i < len(bs); i++ {
		for j := i; j > 0 && bs[j].Sequence < bs[j-1].Sequence; j-- {
			bs[j], bs[j-1] = bs[j-1], bs[j]
		}
	}
}
