// Package pipeline wires extraction, drafting, generation and review into
// the ingest and gated pipelines. Each pipeline is a small graph of named
// steps sharing one State.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// End terminates a run when used as an edge target or router result.
const End = "__end__"

// State is the shared pipeline state. Steps return partial updates that
// are merged into it: returned keys overwrite, the rest keep their values.
type State map[string]any

// Merge returns a copy of s with update applied.
func (s State) Merge(update State) State {
	out := make(State, len(s)+len(update))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

// Value reads a typed value from the state.
func Value[T any](s State, key string) (T, bool) {
	v, ok := s[key].(T)
	return v, ok
}

// Step runs one node. It returns the keys it changed.
type Step func(ctx context.Context, s State) (State, error)

// Router picks the next node from the current state.
type Router func(s State) string

// StepError wraps a failure with the node it happened in.
type StepError struct {
	Pipeline string
	Node     string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s pipeline: %s: %v", e.Pipeline, e.Node, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ErrStepLimit is returned when a run does not reach End in time.
var ErrStepLimit = errors.New("step limit reached")

// Graph is a set of named steps with static edges and conditional routers.
type Graph struct {
	name     string
	start    string
	nodes    map[string]Step
	edges    map[string]string
	routers  map[string]Router
	maxSteps int
	log      *slog.Logger
}

// NewGraph creates an empty graph.
func NewGraph(name string, logger *slog.Logger) *Graph {
	return &Graph{
		name:     name,
		nodes:    make(map[string]Step),
		edges:    make(map[string]string),
		routers:  make(map[string]Router),
		maxSteps: 32,
		log:      logger.With("pipeline", name),
	}
}

// AddNode registers a step. The first node added is the start node.
func (g *Graph) AddNode(name string, step Step) *Graph {
	g.nodes[name] = step
	if g.start == "" {
		g.start = name
	}
	return g
}

// AddEdge routes from one node to the next unconditionally.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

// AddRouter routes from a node by inspecting the state it produced.
func (g *Graph) AddRouter(from string, r Router) *Graph {
	g.routers[from] = r
	return g
}

// SetMaxSteps bounds the number of steps a run may take.
func (g *Graph) SetMaxSteps(n int) *Graph {
	g.maxSteps = n
	return g
}

// Validate checks that every edge and the start node refer to known nodes.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.start]; !ok {
		return fmt.Errorf("%s pipeline: no start node", g.name)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("%s pipeline: edge from unknown node %q", g.name, from)
		}
		if _, ok := g.nodes[to]; !ok && to != End {
			return fmt.Errorf("%s pipeline: edge to unknown node %q", g.name, to)
		}
	}
	for from := range g.routers {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("%s pipeline: router on unknown node %q", g.name, from)
		}
	}
	return nil
}

// Run executes the graph from its start node.
func (g *Graph) Run(ctx context.Context, s State) (State, error) {
	return g.RunFrom(ctx, g.start, s)
}

// RunFrom executes the graph from the named node until End.
func (g *Graph) RunFrom(ctx context.Context, node string, s State) (State, error) {
	if s == nil {
		s = State{}
	}
	for steps := 0; node != End; steps++ {
		if steps >= g.maxSteps {
			return s, &StepError{Pipeline: g.name, Node: node, Err: ErrStepLimit}
		}
		if err := ctx.Err(); err != nil {
			return s, &StepError{Pipeline: g.name, Node: node, Err: err}
		}

		step, ok := g.nodes[node]
		if !ok {
			return s, &StepError{Pipeline: g.name, Node: node, Err: errors.New("unknown node")}
		}

		g.log.DebugContext(ctx, "step start", slog.String("node", node))
		update, err := step(ctx, s)
		if err != nil {
			return s, &StepError{Pipeline: g.name, Node: node, Err: err}
		}
		s = s.Merge(update)

		node = g.next(node, s)
	}
	return s, nil
}

func (g *Graph) next(node string, s State) string {
	if r, ok := g.routers[node]; ok {
		return r(s)
	}
	if to, ok := g.edges[node]; ok {
		return to
	}
	return End
}
