// Package graph provides dependency graph algorithms over task IDs.
package graph

import (
	"errors"
	"fmt"
)

// ErrCycleDetected indicates a circular dependency was found in the graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// Graph is a directed graph where an edge from -> to means "from depends on
// to". Nodes keep their insertion order so every traversal is deterministic.
// A Graph is not safe for concurrent mutation.
type Graph[K comparable] struct {
	order []K
	edges map[K][]K
}

// New creates an empty graph.
func New[K comparable]() *Graph[K] {
	return &Graph[K]{edges: make(map[K][]K)}
}

// AddNode registers id with the given dependencies. Dependencies that are
// not yet nodes are added as well. Calling AddNode for an existing node
// appends the dependencies.
func (g *Graph[K]) AddNode(id K, deps ...K) {
	g.ensure(id)
	for _, d := range deps {
		g.ensure(d)
		g.edges[id] = append(g.edges[id], d)
	}
}

// AddEdge adds the edge from -> to.
func (g *Graph[K]) AddEdge(from, to K) {
	g.AddNode(from, to)
}

func (g *Graph[K]) ensure(id K) {
	if _, ok := g.edges[id]; !ok {
		g.edges[id] = nil
		g.order = append(g.order, id)
	}
}

// Has reports whether id is a node.
func (g *Graph[K]) Has(id K) bool {
	_, ok := g.edges[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph[K]) Len() int { return len(g.order) }

// Nodes returns the nodes in insertion order.
func (g *Graph[K]) Nodes() []K {
	out := make([]K, len(g.order))
	copy(out, g.order)
	return out
}

// Deps returns the direct dependencies of id.
func (g *Graph[K]) Deps(id K) []K {
	return g.edges[id]
}

// Color states for DFS.
const (
	white = iota // unvisited
	gray         // on the recursion stack
	black        // finished
)

// HasCycle reports whether the graph contains a cycle.
func (g *Graph[K]) HasCycle() bool {
	return g.FindCycle() != nil
}

// FindCycle returns the nodes of one cycle (first node repeated at the end),
// or nil if the graph is acyclic.
func (g *Graph[K]) FindCycle() []K {
	colors := make(map[K]int, len(g.order))
	var stack []K

	var visit func(id K) []K
	visit = func(id K) []K {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle := append([]K{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, id := range g.order {
		if colors[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// WouldCreateCycle reports whether adding the edge from -> to would close a
// cycle. It runs a recursion-stack DFS from `from` over the graph with the
// hypothetical edge included. A self-edge is always a cycle.
func (g *Graph[K]) WouldCreateCycle(from, to K) bool {
	if from == to {
		return true
	}
	colors := make(map[K]int)

	deps := func(id K) []K {
		if id == from {
			return append(append([]K{}, g.edges[id]...), to)
		}
		return g.edges[id]
	}

	var visit func(id K) bool
	visit = func(id K) bool {
		colors[id] = gray
		for _, dep := range deps(id) {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}
	return visit(from)
}

// Levels assigns each node its longest-path depth: 0 for nodes with no
// dependencies, otherwise one more than the deepest dependency.
func (g *Graph[K]) Levels() (map[K]int, error) {
	levels := make(map[K]int, len(g.order))
	colors := make(map[K]int, len(g.order))

	var visit func(id K) (int, error)
	visit = func(id K) (int, error) {
		switch colors[id] {
		case black:
			return levels[id], nil
		case gray:
			return 0, fmt.Errorf("%w at %v", ErrCycleDetected, id)
		}
		colors[id] = gray
		level := 0
		for _, dep := range g.edges[id] {
			l, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if l+1 > level {
				level = l + 1
			}
		}
		colors[id] = black
		levels[id] = level
		return level, nil
	}

	for _, id := range g.order {
		if _, err := visit(id); err != nil {
			return nil, err
		}
	}
	return levels, nil
}

// TopologicalSort returns the nodes ordered so that every dependency comes
// before its dependents. Ties keep insertion order.
func (g *Graph[K]) TopologicalSort() ([]K, error) {
	if g.HasCycle() {
		return nil, ErrCycleDetected
	}
	visited := make(map[K]bool, len(g.order))
	result := make([]K, 0, len(g.order))

	var visit func(id K)
	visit = func(id K) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			visit(dep)
		}
		result = append(result, id)
	}
	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Reachable reports whether target can be reached from start by following
// dependency edges.
func (g *Graph[K]) Reachable(start, target K) bool {
	seen := make(map[K]bool)
	var walk func(id K) bool
	walk = func(id K) bool {
		if id == target {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		for _, dep := range g.edges[id] {
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(start)
}
