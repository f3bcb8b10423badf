// Package crewai adapts crews: role-playing agents that work through a list
// of tasks, optionally ordered by explicit task dependencies.
package crewai

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/seantiz/orchestra/internal/backend"
)

// ID is the backend id.
const ID = "crewai"

const (
	crewInitDuration  = 200 * time.Millisecond
	agentInitDuration = 100 * time.Millisecond
	taskBaseDuration  = 500 * time.Millisecond
	taskJitter        = time.Second
)

var descriptor = backend.Descriptor{
	ID:          ID,
	Name:        "CrewAI",
	Version:     "0.80.0",
	Description: "Role-based agent crews collaborating on tasks",
	Capabilities: backend.Capabilities{
		MultiAgent:              true,
		CodeEditor:              true,
		Async:                   true,
		StatePersistence:        true,
		MaxConcurrentExecutions: 8,
	},
	DefaultResources: backend.Resources{CPU: 3, MemoryMB: 3072},
	Languages:        []string{"python"},
	Dependencies:     []string{"crewai", "crewai-tools"},
}

var schema = backend.MustCompileSchema("crewai.json", `{
	"type": "object",
	"required": ["crew"],
	"properties": {
		"crew": {
			"type": "object",
			"required": ["agents", "tasks"],
			"properties": {
				"agents": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["role", "goal", "backstory"],
						"properties": {
							"role": {"type": "string", "minLength": 1},
							"goal": {"type": "string", "minLength": 1},
							"backstory": {"type": "string", "minLength": 1},
							"tools": {"type": "array"}
						}
					}
				},
				"tasks": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["description"],
						"properties": {
							"name": {"type": "string"},
							"description": {"type": "string", "minLength": 1}
						}
					}
				},
				"taskDependencies": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["task", "dependsOn"],
						"properties": {
							"task": {"type": "string", "minLength": 1},
							"dependsOn": {
								"oneOf": [
									{"type": "string", "minLength": 1},
									{"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
								]
							}
						}
					}
				}
			}
		}
	}
}`)

// Adapter runs crewai crews.
type Adapter struct {
	*backend.Base
}

// New creates a crewai adapter.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{Base: backend.NewBase(descriptor, logger)}
}

type crew struct {
	agents []map[string]any
	tasks  []map[string]any
	deps   map[string][]string
}

func parse(d backend.Definition) crew {
	c, _ := backend.AsMap(d["crew"])
	if c == nil {
		c = map[string]any{}
	}
	cr := crew{
		agents: backend.Maps(c, "agents"),
		tasks:  backend.Maps(c, "tasks"),
		deps:   make(map[string][]string),
	}
	for _, dep := range backend.Maps(c, "taskDependencies") {
		task := backend.Str(dep, "task")
		switch on := dep["dependsOn"].(type) {
		case string:
			cr.deps[task] = append(cr.deps[task], on)
		case []any:
			for _, v := range on {
				if s, ok := v.(string); ok {
					cr.deps[task] = append(cr.deps[task], s)
				}
			}
		}
	}
	return cr
}

// taskName is how dependencies refer to a task.
func taskName(i int, task map[string]any) string {
	if n := backend.Str(task, "name"); n != "" {
		return n
	}
	return fmt.Sprintf("task_%d", i)
}

// Validate checks agents, tasks and that dependencies name real tasks
// without forming a cycle.
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

	c := parse(d)
	var errs []string
	names := make(map[string]bool, len(c.tasks))
	for i, t := range c.tasks {
		n := taskName(i, t)
		if names[n] {
			errs = append(errs, fmt.Sprintf("duplicate task name %q", n))
		}
		names[n] = true
	}
	for task, on := range c.deps {
		if !names[task] {
			errs = append(errs, fmt.Sprintf("dependency names unknown task %q", task))
		}
		for _, o := range on {
			if !names[o] {
				errs = append(errs, fmt.Sprintf("task %q depends on unknown task %q", task, o))
			}
		}
	}
	if len(errs) == 0 {
		if _, ok := c.order(); !ok {
			errs = append(errs, "task dependencies form a cycle")
		}
	}
	return backend.Check(errs)
}

// order returns task indexes so that every task follows the tasks it depends
// on. Ties keep declaration order. ok is false when dependencies cycle.
func (c crew) order() ([]int, bool) {
	index := make(map[string]int, len(c.tasks))
	for i, t := range c.tasks {
		index[taskName(i, t)] = i
	}
	indegree := make([]int, len(c.tasks))
	dependents := make([][]int, len(c.tasks))
	for task, on := range c.deps {
		ti, ok := index[task]
		if !ok {
			continue
		}
		for _, o := range on {
			oi, ok := index[o]
			if !ok {
				continue
			}
			indegree[ti]++
			dependents[oi] = append(dependents[oi], ti)
		}
	}

	out := make([]int, 0, len(c.tasks))
	done := make([]bool, len(c.tasks))
	for len(out) < len(c.tasks) {
		progressed := false
		for i := range c.tasks {
			if done[i] || indegree[i] > 0 {
				continue
			}
			done[i] = true
			out = append(out, i)
			for _, dep := range dependents[i] {
				indegree[dep]--
			}
			progressed = true
			break
		}
		if !progressed {
			return out, false
		}
	}
	return out, true
}

// agentFor picks the agent whose role the task names, or rotates through
// the crew by position.
func (c crew) agentFor(pos int, task map[string]any) map[string]any {
	if role := backend.Str(task, "agent"); role != "" {
		for _, ag := range c.agents {
			if backend.Str(ag, "role") == role {
				return ag
			}
		}
	}
	return c.agents[pos%len(c.agents)]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Execute initializes the crew and each agent, then runs tasks in
// dependency order.
func (a *Adapter) Execute(ctx context.Context, def backend.Definition, input map[string]any, ec backend.ExecutionContext) (backend.Result, error) {
	start := time.Now()
	d, err := backend.Normalize(def)
	if err != nil {
		return backend.Rejected(backend.Invalid(err.Error())), nil
	}
	if v := validate(d); !v.Valid {
		return backend.Rejected(v), nil
	}

	c := parse(d)
	order, _ := c.order()
	est := estimate(c)

	plan := []backend.Step{{
		ID:   "init_crew",
		Name: "Initialize Crew",
		Run: func(ctx context.Context) (any, error) {
			return a.Work(ctx, backend.Unit{
				Local:     true,
				Simulated: crewInitDuration,
				Output:    map[string]any{"agentCount": len(c.agents), "taskCount": len(c.tasks)},
			})
		},
	}}
	for i, ag := range c.agents {
		role := backend.Str(ag, "role")
		plan = append(plan, backend.Step{
			ID:   fmt.Sprintf("init_agent_%d", i),
			Name: "Initialize " + role,
			Run: func(ctx context.Context) (any, error) {
				return a.Work(ctx, backend.Unit{
					Local:     true,
					Simulated: agentInitDuration,
					Output:    map[string]any{"role": role, "status": "ready"},
				})
			},
		})
	}
	for pos, ti := range order {
		task := c.tasks[ti]
		desc := backend.Str(task, "description")
		ag := c.agentFor(pos, task)
		id := fmt.Sprintf("task_%d", ti)
		plan = append(plan, backend.Step{
			ID:   id,
			Name: "Execute: " + truncate(desc, 50),
			Run: func(ctx context.Context) (any, error) {
				return a.Work(ctx, backend.Unit{
					ExecutionID: ec.ExecutionID,
					StepID:      id,
					Config:      map[string]any{"task": task, "agent": ag},
					Input:       input,
					Simulated:   taskBaseDuration + rand.N(taskJitter),
					Output: map[string]any{
						"task":   desc,
						"agent":  backend.Str(ag, "role"),
						"result": fmt.Sprintf("Task %d completed successfully", pos+1),
					},
				})
			},
		})
	}
	plan = append(plan, backend.FinalizeStep("Collect Crew Results", len(c.agents)+len(order)))

	steps, outputs, err := a.Run(ctx, ec, plan)
	var output any
	if err == nil {
		results := make([]any, 0, len(order))
		for _, ti := range order {
			results = append(results, outputs[fmt.Sprintf("task_%d", ti)])
		}
		output = map[string]any{
			"message": "CrewAI execution completed successfully",
			"crew":    map[string]any{"agents": len(c.agents), "tasks": len(c.tasks)},
			"results": results,
		}
	}
	return a.Finish(start, est, steps, output, err), nil
}

// EstimateResources grows with crew size and task count, and adds an
// accelerator when any agent carries a GPU or LLM tool.
func (a *Adapter) EstimateResources(def backend.Definition) (backend.Resources, error) {
	d, err := backend.Normalize(def)
	if err != nil {
		return backend.DefaultEstimate, err
	}
	return estimate(parse(d)), nil
}

func estimate(c crew) backend.Resources {
	agents := max(len(c.agents), 1)
	tasks := len(c.tasks)

	r := descriptor.DefaultResources
	r.CPU += float64(agents / 2)
	r.MemoryMB += agents * 512
	if tasks > 5 {
		r.CPU++
	}
	if tasks > 10 {
		r.CPU++
		r.MemoryMB += 1024
	}
	for _, ag := range c.agents {
		for _, tool := range backend.Maps(ag, "tools") {
			t := strings.ToLower(backend.Str(tool, "type"))
			if strings.Contains(t, "gpu") || strings.Contains(t, "llm") {
				r.Accelerator = 1
			}
		}
	}
	return r
}

var _ backend.Adapter = (*Adapter)(nil)
