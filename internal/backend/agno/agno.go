// Package agno adapts single-agent pipelines: a model-backed agent with
// optional tools, memory and multi-modal input.
package agno

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/orchestra/internal/backend"
)

// ID is the backend id.
const ID = "agno"

var descriptor = backend.Descriptor{
	ID:          ID,
	Name:        "Agno",
	Version:     "1.0.0",
	Description: "High-performance multi-modal agents with tools and memory",
	Capabilities: backend.Capabilities{
		MultiAgent:              true,
		CodeEditor:              true,
		Async:                   true,
		StatePersistence:        true,
		RequiresAccelerator:     true,
		MaxConcurrentExecutions: 5,
	},
	DefaultResources: backend.Resources{CPU: 4, MemoryMB: 4096, Accelerator: 1},
	Languages:        []string{"python"},
	Dependencies:     []string{"agno"},
}

var schema = backend.MustCompileSchema("agno.json", `{
	"type": "object",
	"required": ["agent"],
	"properties": {
		"agent": {
			"type": "object",
			"required": ["model"],
			"properties": {
				"model": {"type": "string", "minLength": 1}
			}
		},
		"tools": {"type": "array"},
		"memory": {"type": "object"},
		"multiModal": {"type": "boolean"}
	}
}`)

// pipeline is the fixed stage list every agent runs through.
var pipeline = []struct {
	id, name string
	dur      time.Duration
}{
	{"load_model", "Load Model", 200 * time.Millisecond},
	{"process_input", "Process Input", 300 * time.Millisecond},
}

const (
	initDuration     = 50 * time.Millisecond
	toolDuration     = 150 * time.Millisecond
	reasonDuration   = 500 * time.Millisecond
	generateDuration = 200 * time.Millisecond
)

// Adapter runs agno agents.
type Adapter struct {
	*backend.Base
}

// New creates an agno adapter.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{Base: backend.NewBase(descriptor, logger)}
}

// Validate checks the agent, tools, memory and multiModal sections.
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

	var errs []string
	for i, tool := range backend.Maps(d, "tools") {
		if !backend.Present(tool, "name") && !backend.Present(tool, "type") {
			errs = append(errs, fmt.Sprintf("tool %d needs a name or type", i))
		}
	}
	return backend.Check(errs)
}

func multiModal(d backend.Definition) bool {
	b, _ := d["multiModal"].(bool)
	return b
}

func modalities(d backend.Definition) []string {
	if multiModal(d) {
		return []string{"text", "image", "audio"}
	}
	return []string{"text"}
}

// Execute runs the agent pipeline, with one step per tool between input
// processing and reasoning.
func (a *Adapter) Execute(ctx context.Context, def backend.Definition, input map[string]any, ec backend.ExecutionContext) (backend.Result, error) {
	start := time.Now()
	d, err := backend.Normalize(def)
	if err != nil {
		return backend.Rejected(backend.Invalid(err.Error())), nil
	}
	if v := validate(d); !v.Valid {
		return backend.Rejected(v), nil
	}

	agent, _ := backend.AsMap(d["agent"])
	tools := backend.Maps(d, "tools")
	est := estimate(d)
	mods := modalities(d)

	local := func(id string, dur time.Duration, out any) backend.Step {
		return backend.Step{ID: id, Run: func(ctx context.Context) (any, error) {
			return a.Work(ctx, backend.Unit{Local: true, Simulated: dur, Output: out})
		}}
	}
	remote := func(id, name string, dur time.Duration, cfg map[string]any, out any) backend.Step {
		return backend.Step{ID: id, Name: name, Run: func(ctx context.Context) (any, error) {
			return a.Work(ctx, backend.Unit{
				ExecutionID: ec.ExecutionID,
				StepID:      id,
				Config:      cfg,
				Input:       input,
				Simulated:   dur,
				Output:      out,
			})
		}}
	}

	initStep := local("init", initDuration, map[string]any{"model": agent["model"]})
	initStep.Name = "Initialize Agent"
	plan := []backend.Step{initStep}
	for _, p := range pipeline {
		plan = append(plan, remote(p.id, p.name, p.dur, agent, map[string]any{"modalities": mods, "processed": true}))
	}
	for i, tool := range tools {
		name := backend.Str(tool, "name")
		if name == "" {
			name = backend.Str(tool, "type")
		}
		plan = append(plan, remote(fmt.Sprintf("tool_%d", i), "Invoke tool "+name, toolDuration, tool,
			map[string]any{"tool": name, "status": "ok"}))
	}
	plan = append(plan,
		remote("reason", "Execute Reasoning Pipeline", reasonDuration, agent,
			map[string]any{"reasoning_steps": 3, "confidence": 0.95}),
		remote("generate_output", "Generate Response", generateDuration, agent,
			map[string]any{"response": "Agno agent response", "modalities": mods}),
		backend.FinalizeStep("Finalize Agent Run", len(pipeline)+len(tools)+2),
	)

	steps, outputs, err := a.Run(ctx, ec, plan)
	var output any
	if err == nil {
		var vector any
		if _, ok := input["vectorQuery"]; ok {
			vector = map[string]any{"results": []any{}}
		}
		output = map[string]any{
			"message":       "Agno agent executed successfully",
			"response":      outputs["generate_output"],
			"modalities":    mods,
			"reasoning":     outputs["reason"],
			"tools_used":    len(tools),
			"vector_search": vector,
		}
	}
	return a.Finish(start, est, steps, output, err), nil
}

// EstimateResources starts from the accelerator-backed default and grows
// with multi-modality, tool count and vector memory.
func (a *Adapter) EstimateResources(def backend.Definition) (backend.Resources, error) {
	d, err := backend.Normalize(def)
	if err != nil {
		return backend.DefaultEstimate, err
	}
	return estimate(d), nil
}

func estimate(d backend.Definition) backend.Resources {
	r := descriptor.DefaultResources
	if multiModal(d) {
		r.CPU += 2
		r.MemoryMB += 2048
		r.Accelerator++
	}
	if backend.Count(d["tools"]) > 5 {
		r.CPU++
		r.MemoryMB += 1024
	}
	if mem, ok := backend.AsMap(d["memory"]); ok && backend.Str(mem, "type") == "vector" {
		r.MemoryMB += 2048
	}
	return r
}

var _ backend.Adapter = (*Adapter)(nil)
