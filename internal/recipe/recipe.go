// Package recipe defines the render_recipe contract and a concrete
// YAML-driven default renderer.
package recipe

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kosmos-sh/execore/internal/model"
)

// Rendered is what a Renderer hands back to ExecutionLifecycle: the two
// DAGs plus the task objects they reference, still carrying
// logical/string identity (stage name, task name) rather than the
// synthesized integer ids the store assigns on insert.
type Rendered struct {
	Stages []StageSpec
	Tasks  []TaskSpec
}

// StageSpec is one stage prior to persistence.
type StageSpec struct {
	Name      string
	DependsOn []string // other stage names
}

// TaskSpec is one task prior to persistence. output_dir and log_dir are
// not part of a recipe: ExecutionLifecycle derives both from the
// execution's output_dir, the task's stage, and its store-assigned id
// once the task has been committed (spec step 5).
type TaskSpec struct {
	Name        string
	Stage       string
	CPUReq      int
	MustSucceed bool
	NOOP        bool
	ToolKind    string
	Command     string
	OutputFiles []string
	DependsOn   []string // other task names, same recipe
}

// Renderer produces task_g/stage_g from a recipe document. Implementations
// must be side-effect free beyond reading their own input; ExecutionLifecycle
// owns all persistence.
type Renderer interface {
	Render(ctx context.Context, path string) (*Rendered, error)
}

// yamlDoc mirrors the on-disk recipe format.
type yamlDoc struct {
	Stages []struct {
		Name      string   `yaml:"name"`
		DependsOn []string `yaml:"depends_on"`
	} `yaml:"stages"`
	Tasks []struct {
		Name        string   `yaml:"name"`
		Stage       string   `yaml:"stage"`
		CPUReq      int      `yaml:"cpu_req"`
		MustSucceed bool     `yaml:"must_succeed"`
		NOOP        bool     `yaml:"noop"`
		ToolKind    string   `yaml:"tool_kind"`
		Command     string   `yaml:"command"`
		OutputFiles []string `yaml:"output_files"`
		DependsOn   []string `yaml:"depends_on"`
	} `yaml:"tasks"`
}

// YAMLRenderer is the default Renderer: a recipe is an ordinary YAML
// document listing stages and tasks plus their dependency names.
type YAMLRenderer struct{}

// Render implements Renderer.
func (YAMLRenderer) Render(ctx context.Context, path string) (*Rendered, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recipe: read %s: %w", path, err)
	}

	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("recipe: parse %s: %w", path, err)
	}

	out := &Rendered{}
	seenStage := map[string]bool{}
	for _, s := range doc.Stages {
		if seenStage[s.Name] {
			return nil, fmt.Errorf("recipe: duplicate stage name %q", s.Name)
		}
		seenStage[s.Name] = true
		out.Stages = append(out.Stages, StageSpec{Name: s.Name, DependsOn: s.DependsOn})
	}

	seenTask := map[string]bool{}
	for _, t := range doc.Tasks {
		if seenTask[t.Name] {
			return nil, fmt.Errorf("recipe: duplicate task name %q", t.Name)
		}
		seenTask[t.Name] = true
		if !t.NOOP && t.Command == "" {
			return nil, fmt.Errorf("recipe: task %q is not noop but has an empty command", t.Name)
		}
		if t.Stage != "" && !seenStage[t.Stage] {
			return nil, fmt.Errorf("recipe: task %q references unknown stage %q", t.Name, t.Stage)
		}
		out.Tasks = append(out.Tasks, TaskSpec{
			Name:        t.Name,
			Stage:       t.Stage,
			CPUReq:      t.CPUReq,
			MustSucceed: t.MustSucceed,
			NOOP:        t.NOOP,
			ToolKind:    t.ToolKind,
			Command:     t.Command,
			OutputFiles: t.OutputFiles,
			DependsOn:   t.DependsOn,
		})
	}

	// Deterministic order keeps InsertionOrder (and therefore tie-breaking
	// within equal cpu_req groups) stable across renders of the same file.
	sort.SliceStable(out.Tasks, func(i, j int) bool { return out.Tasks[i].Name < out.Tasks[j].Name })

	return out, nil
}

// Materialize builds task_g/stage_g and the model objects a Rendered
// document describes, assigning InsertionOrder by each task's position
// in r.Tasks.
func Materialize(r *Rendered, execID int64) (*model.Graph, []*model.Stage, []*model.Task, error) {
	stageGraph := model.NewGraph()
	stageIdx := map[string]model.NodeID{}
	stages := make([]*model.Stage, 0, len(r.Stages))
	for i, s := range r.Stages {
		id := model.NodeID(i + 1)
		stageGraph.AddNode(id)
		stageIdx[s.Name] = id
		stages = append(stages, &model.Stage{ExecutionID: execID, Name: s.Name})
	}
	for _, s := range r.Stages {
		for _, dep := range s.DependsOn {
			upstream, ok := stageIdx[dep]
			if !ok {
				return nil, nil, nil, fmt.Errorf("recipe: stage %q depends on unknown stage %q", s.Name, dep)
			}
			stageGraph.AddEdge(upstream, stageIdx[s.Name])
		}
	}

	taskGraph := model.NewGraph()
	taskIdx := map[string]model.NodeID{}
	tasks := make([]*model.Task, 0, len(r.Tasks))
	for i, t := range r.Tasks {
		id := model.NodeID(i + 1)
		taskGraph.AddNode(id)
		taskIdx[t.Name] = id
		tasks = append(tasks, &model.Task{
			ExecutionID:    execID,
			CPUReq:         t.CPUReq,
			MustSucceed:    t.MustSucceed,
			NOOP:           t.NOOP,
			ToolKind:       t.ToolKind,
			Command:        t.Command,
			Status:         model.TaskNoAttempt,
			InsertionOrder: i,
		})
	}
	for _, t := range r.Tasks {
		for _, dep := range t.DependsOn {
			upstream, ok := taskIdx[dep]
			if !ok {
				return nil, nil, nil, fmt.Errorf("recipe: task %q depends on unknown task %q", t.Name, dep)
			}
			taskGraph.AddEdge(upstream, taskIdx[t.Name])
		}
	}

	return taskGraph, stages, tasks, nil
}
