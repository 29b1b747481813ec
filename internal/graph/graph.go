// Package graph provides a small stage-graph executor: named stages wired by
// fixed and conditional edges over a single accumulated state. Stages that
// become ready together run concurrently; their deltas are merged through the
// reducer supplied at construction, so branch completion order must not matter.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// End is the terminal routing target. A router returning End (or a stage with
// no out-edges) finishes its branch of the run.
const End = "__end__"

var (
	ErrNoEntry       = errors.New("graph: entry stage not set")
	ErrUnknownStage  = errors.New("graph: unknown stage")
	ErrDuplicate     = errors.New("graph: duplicate stage")
	ErrMixedEdges    = errors.New("graph: stage has both fixed and conditional out-edges")
	ErrFixedCycle    = errors.New("graph: cycle through fixed edges")
	ErrBadRoute      = errors.New("graph: router returned undeclared target")
	ErrMissingRouter = errors.New("graph: conditional edge without router")
)

// StageFunc runs one stage against a snapshot of the accumulated state and
// returns a delta to merge. It must not retain s past its own invocation.
type StageFunc[S, D any] func(ctx context.Context, s S) (D, error)

// Router picks the next stage after its source completes, evaluated against
// the merged state. It must return one of the targets declared on the edge.
type Router[S any] func(s S) string

// Graph is the mutable builder. Validation happens in Compile, not at run time.
type Graph[S, D any] struct {
	apply   func(*S, D)
	stages  map[string]StageFunc[S, D]
	order   []string
	edges   map[string][]string
	routers map[string]conditional[S]
	entry   string
	dup     []string
}

type conditional[S any] struct {
	route   Router[S]
	targets map[string]struct{}
}

// New creates a graph whose deltas are merged into the state by apply.
// The domain declares per-field reducer behavior inside apply.
func New[S, D any](apply func(*S, D)) *Graph[S, D] {
	return &Graph[S, D]{
		apply:   apply,
		stages:  make(map[string]StageFunc[S, D]),
		edges:   make(map[string][]string),
		routers: make(map[string]conditional[S]),
	}
}

// AddStage registers a named stage.
func (g *Graph[S, D]) AddStage(name string, fn StageFunc[S, D]) *Graph[S, D] {
	if _, ok := g.stages[name]; ok {
		g.dup = append(g.dup, name)
		return g
	}
	g.stages[name] = fn
	g.order = append(g.order, name)
	return g
}

// AddEdge adds a fixed edge: to runs once every one of its fixed
// predecessors has completed and merged.
func (g *Graph[S, D]) AddEdge(from, to string) *Graph[S, D] {
	g.edges[from] = append(g.edges[from], to)
	return g
}

// AddConditionalEdge attaches a router to from. The declared target set is
// closed: Compile rejects unknown names and Run rejects undeclared routes.
// End is always an allowed route.
func (g *Graph[S, D]) AddConditionalEdge(from string, route Router[S], targets ...string) *Graph[S, D] {
	set := make(map[string]struct{}, len(targets)+1)
	for _, t := range targets {
		set[t] = struct{}{}
	}
	set[End] = struct{}{}
	g.routers[from] = conditional[S]{route: route, targets: set}
	return g
}

// SetEntry marks the stage the run starts from.
func (g *Graph[S, D]) SetEntry(name string) *Graph[S, D] {
	g.entry = name
	return g
}

// Compile validates the graph and returns an immutable Runnable.
// Rejected at compile time: duplicate or unknown stage names, a missing
// entry, a stage carrying both edge kinds, nil routers, and cycles through
// fixed edges (loops are only legal via conditional edges).
func (g *Graph[S, D]) Compile() (*Runnable[S, D], error) {
	if len(g.dup) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrDuplicate, g.dup)
	}
	if g.entry == "" {
		return nil, ErrNoEntry
	}
	if _, ok := g.stages[g.entry]; !ok {
		return nil, fmt.Errorf("%w: entry %q", ErrUnknownStage, g.entry)
	}
	for from, tos := range g.edges {
		if _, ok := g.stages[from]; !ok {
			return nil, fmt.Errorf("%w: edge source %q", ErrUnknownStage, from)
		}
		if _, ok := g.routers[from]; ok {
			return nil, fmt.Errorf("%w: %q", ErrMixedEdges, from)
		}
		for _, to := range tos {
			if to == End {
				continue
			}
			if _, ok := g.stages[to]; !ok {
				return nil, fmt.Errorf("%w: edge target %q", ErrUnknownStage, to)
			}
		}
	}
	for from, c := range g.routers {
		if _, ok := g.stages[from]; !ok {
			return nil, fmt.Errorf("%w: router source %q", ErrUnknownStage, from)
		}
		if c.route == nil {
			return nil, fmt.Errorf("%w: %q", ErrMissingRouter, from)
		}
		for t := range c.targets {
			if t == End {
				continue
			}
			if _, ok := g.stages[t]; !ok {
				return nil, fmt.Errorf("%w: router target %q", ErrUnknownStage, t)
			}
		}
	}
	indegree, err := g.fixedIndegrees()
	if err != nil {
		return nil, err
	}
	return &Runnable[S, D]{g: g, indegree: indegree}, nil
}

// fixedIndegrees counts fixed predecessors per stage and rejects fixed-edge
// cycles via Kahn's algorithm.
func (g *Graph[S, D]) fixedIndegrees() (map[string]int, error) {
	indegree := make(map[string]int, len(g.stages))
	for name := range g.stages {
		indegree[name] = 0
	}
	for _, tos := range g.edges {
		for _, to := range tos {
			if to != End {
				indegree[to]++
			}
		}
	}

	remaining := make(map[string]int, len(indegree))
	for k, v := range indegree {
		remaining[k] = v
	}
	queue := make([]string, 0, len(remaining))
	for _, name := range g.order {
		if remaining[name] == 0 {
			queue = append(queue, name)
		}
	}
	seen := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		seen++
		for _, to := range g.edges[cur] {
			if to == End {
				continue
			}
			remaining[to]--
			if remaining[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if seen != len(g.stages) {
		var stuck []string
		for name, n := range remaining {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %v", ErrFixedCycle, stuck)
	}
	return indegree, nil
}
