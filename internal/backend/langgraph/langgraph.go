// Package langgraph adapts state-graph workflows: typed nodes joined by
// directed edges and walked from a start node.
package langgraph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seantiz/orchestra/internal/backend"
)

// ID is the backend id.
const ID = "langgraph"

const (
	initDuration = 100 * time.Millisecond
	llmDuration  = 800 * time.Millisecond
	nodeDuration = 150 * time.Millisecond
)

var descriptor = backend.Descriptor{
	ID:          ID,
	Name:        "LangGraph",
	Version:     "0.2.0",
	Description: "Stateful graph workflows with explicit nodes and edges",
	Capabilities: backend.Capabilities{
		CodeEditor:              true,
		Async:                   true,
		StatePersistence:        true,
		MaxConcurrentExecutions: 10,
	},
	DefaultResources: backend.Resources{CPU: 2, MemoryMB: 2048},
	Languages:        []string{"python"},
	Dependencies:     []string{"langgraph", "langchain"},
}

var schema = backend.MustCompileSchema("langgraph.json", `{
	"type": "object",
	"required": ["nodes", "edges", "startNode"],
	"properties": {
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "type", "data"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"data": {"type": "object"}
				}
			}
		},
		"edges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["source", "target"],
				"properties": {
					"source": {"type": "string", "minLength": 1},
					"target": {"type": "string", "minLength": 1}
				}
			}
		},
		"startNode": {"type": "string", "minLength": 1}
	}
}`)

// Adapter runs langgraph workflows.
type Adapter struct {
	*backend.Base
}

// New creates a langgraph adapter.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{Base: backend.NewBase(descriptor, logger)}
}

type graph struct {
	nodes []map[string]any
	edges []map[string]any
	start string
}

func parse(def backend.Definition) graph {
	return graph{
		nodes: backend.Maps(def, "nodes"),
		edges: backend.Maps(def, "edges"),
		start: backend.Str(def, "startNode"),
	}
}

// Validate checks node, edge and start node structure.
func (a *Adapter) Validate(def backend.Definition) backend.ValidationResult {
	d, err := backend.Normalize(def)
	if err != nil {
		return backend.Invalid(err.Error())
	}
	return validate(d)
}

func validate(d backend.Definition) backend.ValidationResult {
	if errs := backend.SchemaErrors(schema, d); len(errs) > 0 {
		return backend.Invalid(errs...)
	}

	g := parse(d)
	var errs []string
	known := make(map[string]bool, len(g.nodes))
	for _, n := range g.nodes {
		id := backend.Str(n, "id")
		if known[id] {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", id))
		}
		known[id] = true
	}
	for i, e := range g.edges {
		for _, end := range []string{"source", "target"} {
			if ref := backend.Str(e, end); !known[ref] {
				errs = append(errs, fmt.Sprintf("edge %d references unknown %s %q", i, end, ref))
			}
		}
	}
	if !known[g.start] {
		errs = append(errs, fmt.Sprintf("startNode %q is not a node", g.start))
	}
	return backend.Check(errs)
}

// order walks the graph breadth-first from the start node. Nodes the walk
// never reaches are appended in declaration order.
func (g graph) order() []map[string]any {
	byID := make(map[string]map[string]any, len(g.nodes))
	for _, n := range g.nodes {
		byID[backend.Str(n, "id")] = n
	}
	next := make(map[string][]string)
	for _, e := range g.edges {
		src := backend.Str(e, "source")
		next[src] = append(next[src], backend.Str(e, "target"))
	}

	seen := make(map[string]bool, len(g.nodes))
	out := make([]map[string]any, 0, len(g.nodes))
	queue := []string{g.start}
	seen[g.start] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if n, ok := byID[id]; ok {
			out = append(out, n)
		}
		for _, t := range next[id] {
			if !seen[t] {
				seen[t] = true
				queue = append(queue, t)
			}
		}
	}
	for _, n := range g.nodes {
		if !seen[backend.Str(n, "id")] {
			out = append(out, n)
		}
	}
	return out
}

func isLLM(nodeType string) bool {
	t := strings.ToLower(nodeType)
	return strings.Contains(t, "llm") || strings.Contains(t, "openai")
}

// Execute walks the graph, running one step per node.
func (a *Adapter) Execute(ctx context.Context, def backend.Definition, input map[string]any, ec backend.ExecutionContext) (backend.Result, error) {
	start := time.Now()
	d, err := backend.Normalize(def)
	if err != nil {
		return backend.Rejected(backend.Invalid(err.Error())), nil
	}
	if v := validate(d); !v.Valid {
		return backend.Rejected(v), nil
	}

	g := parse(d)
	order := g.order()
	est := estimate(g)

	plan := make([]backend.Step, 0, len(order)+2)
	plan = append(plan, backend.Step{
		ID:   "init",
		Name: "Initialize Graph",
		Run: func(ctx context.Context) (any, error) {
			return a.Work(ctx, backend.Unit{
				Local:     true,
				Simulated: initDuration,
				Output:    map[string]any{"nodes": len(g.nodes), "edges": len(g.edges)},
			})
		},
	})
	for _, n := range order {
		id, typ := backend.Str(n, "id"), backend.Str(n, "type")
		dur := nodeDuration
		if isLLM(typ) {
			dur = llmDuration
		}
		plan = append(plan, backend.Step{
			ID:   "node_" + id,
			Name: "Execute " + typ + " node " + id,
			Run: func(ctx context.Context) (any, error) {
				return a.Work(ctx, backend.Unit{
					ExecutionID: ec.ExecutionID,
					StepID:      "node_" + id,
					Config:      n,
					Input:       input,
					Simulated:   dur,
					Output:      map[string]any{"node": id, "type": typ},
				})
			},
		})
	}
	plan = append(plan, backend.FinalizeStep("Finalize Graph State", len(order)))

	steps, outputs, err := a.Run(ctx, ec, plan)
	var output any
	if err == nil {
		state := make(map[string]any, len(order))
		last := ""
		for _, n := range order {
			id := backend.Str(n, "id")
			state[id] = outputs["node_"+id]
			last = id
		}
		output = map[string]any{
			"message":    "LangGraph workflow executed successfully",
			"final_node": last,
			"state":      state,
			"input":      input,
		}
	}
	return a.Finish(start, est, steps, output, err), nil
}

// EstimateResources scales with node and edge counts and adds an
// accelerator for LLM nodes.
func (a *Adapter) EstimateResources(def backend.Definition) (backend.Resources, error) {
	d, err := backend.Normalize(def)
	if err != nil {
		return backend.DefaultEstimate, err
	}
	return estimate(parse(d)), nil
}

func estimate(g graph) backend.Resources {
	r := descriptor.DefaultResources
	if len(g.nodes) > 10 {
		r.CPU++
	}
	if len(g.nodes) > 20 {
		r.CPU++
	}
	if len(g.edges) > 15 {
		r.MemoryMB += 1024
	}
	if len(g.edges) > 30 {
		r.MemoryMB += 1024
	}
	for _, n := range g.nodes {
		if isLLM(backend.Str(n, "type")) {
			r.Accelerator = 1
			break
		}
	}
	return r
}

var _ backend.Adapter = (*Adapter)(nil)
