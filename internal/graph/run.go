package graph

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Hooks observe stage boundaries. Every field is optional; a nil Hooks or
// nil field is a no-op. Hooks are invoked synchronously from the run
// goroutine, never from stage goroutines.
type Hooks struct {
	// OnFrontier fires before a batch of ready stages launches.
	OnFrontier func(active []string)
	// OnStageStart fires once per stage invocation.
	OnStageStart func(stage string)
	// OnStageDone fires after a stage returns, err nil on success.
	OnStageDone func(stage string, took time.Duration, err error)
}

func (h *Hooks) frontier(active []string) {
	if h != nil && h.OnFrontier != nil {
		h.OnFrontier(active)
	}
}

func (h *Hooks) start(stage string) {
	if h != nil && h.OnStageStart != nil {
		h.OnStageStart(stage)
	}
}

func (h *Hooks) done(stage string, took time.Duration, err error) {
	if h != nil && h.OnStageDone != nil {
		h.OnStageDone(stage, took, err)
	}
}

// Runnable is a compiled graph. It is safe for concurrent Runs; all run
// state lives on the stack of Run.
type Runnable[S, D any] struct {
	g        *Graph[S, D]
	indegree map[string]int
}

type stageResult[D any] struct {
	name  string
	delta D
	took  time.Duration
	err   error
}

// Run executes the graph from the entry stage over initial and returns the
// final state. On a stage failure the run aborts: already-completed sibling
// deltas are merged, nothing downstream launches, and the partial state is
// returned with the error. On context cancellation the partial state is
// returned with ctx.Err(), so callers can tell cancellation from failure.
func (r *Runnable[S, D]) Run(ctx context.Context, initial S, hooks *Hooks) (S, error) {
	state := initial

	// pending counts unmet fixed predecessors per stage; it re-arms back to
	// the full indegree after firing so conditional back-edges can replay
	// downstream joins.
	pending := make(map[string]int, len(r.indegree))
	for k, v := range r.indegree {
		pending[k] = v
	}

	frontier := []string{r.g.entry}
	for len(frontier) > 0 {
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		default:
		}
		hooks.frontier(frontier)

		results := make(chan stageResult[D], len(frontier))
		for _, name := range frontier {
			hooks.start(name)
			go func(name string, snapshot S) {
				begin := time.Now()
				delta, err := r.g.stages[name](ctx, snapshot)
				results <- stageResult[D]{name: name, delta: delta, took: time.Since(begin), err: err}
			}(name, state)
		}

		// Join barrier: collect every launched stage in completion order.
		// Deltas merge as they arrive, which is exactly why reducers must be
		// commutative across a fan-out group.
		completed := make([]string, 0, len(frontier))
		var firstErr error
		for range frontier {
			res := <-results
			hooks.done(res.name, res.took, res.err)
			if res.err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("stage %s: %w", res.name, res.err)
				}
				continue
			}
			r.g.apply(&state, res.delta)
			completed = append(completed, res.name)
		}
		if firstErr != nil {
			return state, firstErr
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		next := make(map[string]struct{})
		for _, name := range completed {
			if c, ok := r.g.routers[name]; ok {
				target := c.route(state)
				if target == End {
					continue
				}
				if _, declared := c.targets[target]; !declared {
					return state, fmt.Errorf("%w: %s -> %q", ErrBadRoute, name, target)
				}
				next[target] = struct{}{}
				continue
			}
			for _, to := range r.g.edges[name] {
				if to == End {
					continue
				}
				pending[to]--
				if pending[to] == 0 {
					pending[to] = r.indegree[to]
					next[to] = struct{}{}
				}
			}
		}

		frontier = frontier[:0]
		for name := range next {
			frontier = append(frontier, name)
		}
		sort.Strings(frontier)
	}
	return state, nil
}
