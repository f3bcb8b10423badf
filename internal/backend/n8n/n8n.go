// Package n8n adapts visual node workflows: trigger-started node graphs
// wired together by a connections map.
package n8n

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/seantiz/orchestra/internal/backend"
)

// ID is the backend id.
const ID = "n8n"

const (
	initDuration = 150 * time.Millisecond
	nodeDuration = 200 * time.Millisecond
)

// triggerTypes are the node types a workflow may start from.
var triggerTypes = map[string]bool{
	"n8n-nodes-base.webhook":         true,
	"n8n-nodes-base.schedule":        true,
	"n8n-nodes-base.manual":          true,
	"n8n-nodes-base.scheduleTrigger": true,
	"n8n-nodes-base.manualTrigger":   true,
}

var descriptor = backend.Descriptor{
	ID:          ID,
	Name:        "n8n",
	Version:     "1.0.0",
	Description: "Visual node-based workflow automation",
	Capabilities: backend.Capabilities{
		VisualDefinition:        true,
		Async:                   true,
		StatePersistence:        true,
		MaxConcurrentExecutions: 15,
	},
	DefaultResources: backend.Resources{CPU: 2, MemoryMB: 2048},
	Languages:        []string{"typescript", "javascript"},
	Dependencies:     []string{"n8n-workflow", "n8n-core"},
}

var schema = backend.MustCompileSchema("n8n.json", `{
	"type": "object",
	"required": ["nodes", "connections"],
	"properties": {
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "type", "parameters"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"type": {"type": "string", "minLength": 1},
					"parameters": {"type": "object"}
				}
			}
		},
		"connections": {
			"type": "object",
			"additionalProperties": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["node", "type", "index"],
					"properties": {
						"node": {"type": "string", "minLength": 1},
						"type": {"type": "string", "minLength": 1},
						"index": {"type": "integer", "minimum": 0}
					}
				}
			}
		}
	}
}`)

// Adapter runs n8n workflows.
type Adapter struct {
	*backend.Base
}

// New creates an n8n adapter.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{Base: backend.NewBase(descriptor, logger)}
}

type workflow struct {
	nodes       []map[string]any
	connections map[string][]map[string]any
}

func parse(d backend.Definition) workflow {
	w := workflow{
		nodes:       backend.Maps(d, "nodes"),
		connections: make(map[string][]map[string]any),
	}
	conns, _ := backend.AsMap(d["connections"])
	for src := range conns {
		w.connections[src] = backend.Maps(conns, src)
	}
	return w
}

// isAI reports whether a node calls a language model.
func isAI(nodeType string) bool {
	t := strings.ToLower(nodeType)
	if strings.Contains(t, "openai") || strings.Contains(t, "anthropic") || strings.Contains(t, "langchain") {
		return true
	}
	_, suffix, _ := strings.Cut(t, ".")
	return strings.HasPrefix(suffix, "ai")
}

func isHTTP(nodeType string) bool {
	return strings.Contains(strings.ToLower(nodeType), "http")
}

func isHeavy(nodeType string) bool {
	t := strings.ToLower(nodeType)
	return strings.Contains(t, "transform") || strings.Contains(t, "aggregate")
}

// Validate checks node and connection structure, the trigger node, AI
// credentials and that connections reference known nodes.
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

	w := parse(d)
	var errs []string
	known := make(map[string]bool, 2*len(w.nodes))
	hasTrigger := false
	for _, n := range w.nodes {
		id, typ := backend.Str(n, "id"), backend.Str(n, "type")
		known[id] = true
		if name := backend.Str(n, "name"); name != "" {
			known[name] = true
		}
		if triggerTypes[typ] {
			hasTrigger = true
		}
		if isAI(typ) {
			params, _ := backend.AsMap(n["parameters"])
			if !backend.Present(params, "apiKey") {
				errs = append(errs, fmt.Sprintf("AI node %s is missing API key", id))
			}
		}
	}
	if !hasTrigger {
		errs = append(errs, "workflow must have a start node (webhook, schedule, or manual trigger)")
	}

	sources := make([]string, 0, len(w.connections))
	for src := range w.connections {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		if !known[src] {
			errs = append(errs, fmt.Sprintf("connection from unknown node %q", src))
		}
		for _, c := range w.connections[src] {
			if target := backend.Str(c, "node"); !known[target] {
				errs = append(errs, fmt.Sprintf("connection from %s targets unknown node %q", src, target))
			}
		}
	}
	return backend.Check(errs)
}

// order visits nodes breadth-first from the trigger nodes along connections.
// Connections may name nodes by id or display name. Unreached nodes are
// appended in declaration order.
func (w workflow) order() []map[string]any {
	key := make(map[string]int, 2*len(w.nodes))
	for i, n := range w.nodes {
		key[backend.Str(n, "id")] = i
		if name := backend.Str(n, "name"); name != "" {
			key[name] = i
		}
	}
	next := func(i int) []int {
		var out []int
		for _, k := range []string{backend.Str(w.nodes[i], "id"), backend.Str(w.nodes[i], "name")} {
			for _, c := range w.connections[k] {
				if j, ok := key[backend.Str(c, "node")]; ok {
					out = append(out, j)
				}
			}
		}
		return out
	}

	seen := make([]bool, len(w.nodes))
	var queue []int
	for i, n := range w.nodes {
		if triggerTypes[backend.Str(n, "type")] {
			seen[i] = true
			queue = append(queue, i)
		}
	}
	out := make([]map[string]any, 0, len(w.nodes))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		out = append(out, w.nodes[i])
		for _, j := range next(i) {
			if !seen[j] {
				seen[j] = true
				queue = append(queue, j)
			}
		}
	}
	for i, n := range w.nodes {
		if !seen[i] {
			out = append(out, n)
		}
	}
	return out
}

func nodeCost(nodeType string) time.Duration {
	switch {
	case isAI(nodeType):
		return time.Second + rand.N(2*time.Second)
	case isHTTP(nodeType):
		return 500*time.Millisecond + rand.N(time.Second)
	}
	return nodeDuration
}

// Execute runs one step per node, starting from the triggers.
func (a *Adapter) Execute(ctx context.Context, def backend.Definition, input map[string]any, ec backend.ExecutionContext) (backend.Result, error) {
	start := time.Now()
	d, err := backend.Normalize(def)
	if err != nil {
		return backend.Rejected(backend.Invalid(err.Error())), nil
	}
	if v := validate(d); !v.Valid {
		return backend.Rejected(v), nil
	}

	w := parse(d)
	order := w.order()
	est := estimate(w)

	plan := []backend.Step{{
		ID:   "workflow_init",
		Name: "Initialize Workflow",
		Run: func(ctx context.Context) (any, error) {
			return a.Work(ctx, backend.Unit{
				Local:     true,
				Simulated: initDuration,
				Output:    map[string]any{"nodeCount": len(w.nodes), "connectionCount": len(w.connections)},
			})
		},
	}}
	for _, n := range order {
		id, typ := backend.Str(n, "id"), backend.Str(n, "type")
		label := backend.Str(n, "name")
		if label == "" {
			label = typ
		}
		plan = append(plan, backend.Step{
			ID:   "node_" + id,
			Name: "Execute " + label,
			Run: func(ctx context.Context) (any, error) {
				return a.Work(ctx, backend.Unit{
					ExecutionID: ec.ExecutionID,
					StepID:      "node_" + id,
					Config:      n,
					Input:       input,
					Simulated:   nodeCost(typ),
					Output:      map[string]any{"nodeType": typ, "items": 1},
				})
			},
		})
	}
	plan = append(plan, backend.FinalizeStep("Complete Workflow", len(order)))

	steps, outputs, err := a.Run(ctx, ec, plan)
	var output any
	if err == nil {
		results := make(map[string]any, len(order))
		var last any
		for _, n := range order {
			id := backend.Str(n, "id")
			results[id] = outputs["node_"+id]
			last = results[id]
		}
		output = map[string]any{
			"message":        "n8n workflow executed successfully",
			"nodes_executed": len(order),
			"data":           last,
			"results":        results,
		}
	}
	return a.Finish(start, est, steps, output, err), nil
}

// EstimateResources grows with node and connection counts, AI nodes and
// heavy transform nodes. CPU is rounded up to whole cores.
func (a *Adapter) EstimateResources(def backend.Definition) (backend.Resources, error) {
	d, err := backend.Normalize(def)
	if err != nil {
		return backend.DefaultEstimate, err
	}
	return estimate(parse(d)), nil
}

func estimate(w workflow) backend.Resources {
	r := descriptor.DefaultResources
	if len(w.nodes) > 10 {
		r.CPU++
	}
	if len(w.nodes) > 20 {
		r.CPU++
	}
	if len(w.connections) > 15 {
		r.MemoryMB += 512
	}
	if len(w.connections) > 30 {
		r.MemoryMB += 512
	}

	var ai, heavy bool
	for _, n := range w.nodes {
		typ := backend.Str(n, "type")
		ai = ai || isAI(typ)
		heavy = heavy || isHeavy(typ)
	}
	if ai {
		r.CPU++
		r.MemoryMB += 1024
		r.Accelerator = 1
	}
	if heavy {
		r.CPU += 0.5
		r.MemoryMB += 256
	}
	r.CPU = math.Ceil(r.CPU)
	return r
}

var _ backend.Adapter = (*Adapter)(nil)
