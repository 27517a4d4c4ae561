// Package lifecycle implements ExecutionLifecycle: resolving an
// execution name to one of Create/Resume/Restart, and driving a
// resolved execution through the scheduler loop to a terminal status.
package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kosmos-sh/execore/internal/admission"
	"github.com/kosmos-sh/execore/internal/graphview"
	"github.com/kosmos-sh/execore/internal/jobmanager"
	"github.com/kosmos-sh/execore/internal/model"
	"github.com/kosmos-sh/execore/internal/recipe"
	"github.com/kosmos-sh/execore/internal/scheduler"
	"github.com/kosmos-sh/execore/internal/signalhandler"
	"github.com/kosmos-sh/execore/internal/store"
)

// ConfigError marks a fatal configuration problem caught before any
// task runs: an invalid name, a pre-existing output_dir on a fresh
// start, or a mismatched output_dir on resume. No state changes once
// one of these is raised.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// Mode records which of the three start paths was taken, surfaced to
// callers for logging/CLI output.
type Mode string

const (
	ModeCreate  Mode = "create"
	ModeResume  Mode = "resume"
	ModeRestart Mode = "restart"
)

// Config is the start()/run() input surfaced by the CLI.
type Config struct {
	Name          string
	OutputDir     string
	RecipePath    string
	MaxCPUs       *int
	Restart       bool
	PromptConfirm bool
	DryRun        bool
}

// Lifecycle wires the store, recipe renderer, admission controller and
// JobManager into the start/run pair.
type Lifecycle struct {
	Store     *store.Store
	Renderer  recipe.Renderer
	Admission *admission.Controller
	JM        jobmanager.JobManager
}

// Plan is the resolved state handed from Start to Run.
type Plan struct {
	Mode     Mode
	Exec     *model.Execution
	GV       *graphview.GraphView
	Stages   map[int64]*model.Stage
	DryTasks []*model.Task // the full rendered task set on create and restart; empty on resume
}

type persistAdapter struct{ s *store.Store }

func (p persistAdapter) SaveTask(ctx context.Context, task *model.Task) error {
	return p.s.SaveTask(ctx, task)
}

// Start resolves cfg.Name against the store and produces a Plan,
// dispatching to Create, Resume, or Restart depending on whether an
// execution of that name already exists and whether a restart was
// requested.
func (l *Lifecycle) Start(ctx context.Context, cfg Config) (*Plan, error) {
	if err := model.ValidateName(cfg.Name); err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}

	existing, found, err := l.Store.FindExecutionByName(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: lookup execution %q: %w", cfg.Name, err)
	}

	switch {
	case !found:
		return l.startCreate(ctx, cfg)
	case cfg.Restart:
		return l.startRestart(ctx, cfg, existing)
	default:
		return l.startResume(ctx, cfg, existing)
	}
}

func (l *Lifecycle) startCreate(ctx context.Context, cfg Config) (*Plan, error) {
	if cfg.OutputDir == "" {
		return nil, &ConfigError{Msg: "lifecycle: output_dir is required to create a new execution"}
	}
	if _, statErr := os.Stat(cfg.OutputDir); statErr == nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("lifecycle: output_dir %q already exists", cfg.OutputDir)}
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("lifecycle: stat output_dir %q: %w", cfg.OutputDir, statErr)
	}
	inUse, err := l.Store.OutputDirInUse(ctx, cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: check output_dir uniqueness: %w", err)
	}
	if inUse {
		return nil, &ConfigError{Msg: fmt.Sprintf("lifecycle: output_dir %q is already used by another execution", cfg.OutputDir)}
	}

	rendered, err := l.Renderer.Render(ctx, cfg.RecipePath)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("lifecycle: create output_dir %q: %w", cfg.OutputDir, err)
	}

	now := time.Now()
	exec, _, err := l.Store.GetOrCreateExecution(ctx, cfg.Name, func() *model.Execution {
		return &model.Execution{
			Name:      cfg.Name,
			OutputDir: cfg.OutputDir,
			MaxCPUs:   cfg.MaxCPUs,
			CreatedOn: now,
			Status:    model.ExecutionNoAttempt,
			Info:      map[string]any{},
		}
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create execution: %w", err)
	}

	return l.persistFreshGraph(ctx, ModeCreate, exec, cfg, rendered)
}

func (l *Lifecycle) startRestart(ctx context.Context, cfg Config, exec *model.Execution) (*Plan, error) {
	if cfg.PromptConfirm {
		if !confirm(fmt.Sprintf("restart will discard all progress for execution %q, continue? [y/N] ", exec.Name)) {
			return nil, fmt.Errorf("lifecycle: restart of %q aborted by operator", exec.Name)
		}
	}

	rendered, err := l.Renderer.Render(ctx, cfg.RecipePath)
	if err != nil {
		return nil, err
	}

	if err := l.Store.WipeGraph(ctx, exec.ID); err != nil {
		return nil, fmt.Errorf("lifecycle: wipe graph for restart: %w", err)
	}

	outputDir := exec.OutputDir
	if cfg.OutputDir != "" {
		outputDir = cfg.OutputDir
	}
	if outputDir != "" {
		if err := os.RemoveAll(outputDir); err != nil {
			return nil, fmt.Errorf("lifecycle: rm -rf output_dir %q: %w", outputDir, err)
		}
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return nil, fmt.Errorf("lifecycle: recreate output_dir %q: %w", outputDir, err)
		}
	}

	exec.OutputDir = outputDir
	if cfg.MaxCPUs != nil {
		exec.MaxCPUs = cfg.MaxCPUs
	}
	exec.StartedOn = nil
	exec.FinishedOn = nil
	exec.Successful = false
	exec.Status = model.ExecutionNoAttempt

	return l.persistFreshGraph(ctx, ModeRestart, exec, cfg, rendered)
}

func (l *Lifecycle) persistFreshGraph(ctx context.Context, mode Mode, exec *model.Execution, cfg Config, rendered *recipe.Rendered) (*Plan, error) {
	stageByName := map[string]*model.Stage{}
	for _, spec := range rendered.Stages {
		st := &model.Stage{ExecutionID: exec.ID, Name: spec.Name}
		if err := l.Store.InsertStage(ctx, st); err != nil {
			return nil, fmt.Errorf("lifecycle: insert stage %q: %w", spec.Name, err)
		}
		stageByName[spec.Name] = st
	}

	taskByName := map[string]*model.Task{}
	taskGraph := model.NewGraph()
	for i, spec := range rendered.Tasks {
		t := &model.Task{
			ExecutionID:    exec.ID,
			CPUReq:         spec.CPUReq,
			MustSucceed:    spec.MustSucceed,
			NOOP:           spec.NOOP,
			ToolKind:       spec.ToolKind,
			Command:        spec.Command,
			Status:         model.TaskNoAttempt,
			InsertionOrder: i,
		}
		for _, basename := range spec.OutputFiles {
			t.OutputFiles = append(t.OutputFiles, model.TaskFile{Basename: basename, Name: basename})
		}
		if spec.Stage != "" {
			t.StageID = stageByName[spec.Stage].ID
		}
		// Committed here to get an id (step 4) -- task_output_dir and
		// task_log_output_dir below need it.
		if err := l.Store.InsertTask(ctx, t); err != nil {
			return nil, fmt.Errorf("lifecycle: insert task %q: %w", spec.Name, err)
		}
		taskByName[spec.Name] = t
		taskGraph.AddNode(model.NodeID(t.ID))
	}

	// Step 5: now that every task has a store-assigned id, derive its
	// output_dir and log_dir from the execution's output_dir, its stage
	// name, and that id. SaveTask re-enforces log_dir uniqueness across
	// the whole execution, successful tasks included.
	for _, spec := range rendered.Tasks {
		t := taskByName[spec.Name]
		t.OutputDir = defaultTaskOutputDir(exec.OutputDir, spec.Stage, t.ID)
		t.LogDir = defaultTaskLogDir(exec.OutputDir, spec.Stage, t.ID)
		for i, f := range t.OutputFiles {
			if f.Path == nil {
				p := filepath.Join(t.OutputDir, f.Basename)
				t.OutputFiles[i].Path = &p
			}
		}
		if err := l.Store.SaveTask(ctx, t); err != nil {
			return nil, fmt.Errorf("lifecycle: assign output_dir/log_dir for task %q: %w", spec.Name, err)
		}
	}

	var edges []store.Edge
	for _, spec := range rendered.Tasks {
		dependent := taskByName[spec.Name]
		for _, dep := range spec.DependsOn {
			upstream, ok := taskByName[dep]
			if !ok {
				return nil, fmt.Errorf("lifecycle: task %q depends on unknown task %q", spec.Name, dep)
			}
			taskGraph.AddEdge(model.NodeID(upstream.ID), model.NodeID(dependent.ID))
			edges = append(edges, store.Edge{Upstream: upstream.ID, Dependent: dependent.ID})
		}
	}
	if err := l.Store.SaveEdges(ctx, exec.ID, edges); err != nil {
		return nil, fmt.Errorf("lifecycle: save edges: %w", err)
	}

	tasks := make(map[model.NodeID]*model.Task, len(taskByName))
	dryTasks := make([]*model.Task, 0, len(taskByName))
	for _, t := range taskByName {
		tasks[model.NodeID(t.ID)] = t
		dryTasks = append(dryTasks, t)
	}

	if err := stampRunUUID(ctx, l.Store, exec); err != nil {
		return nil, err
	}

	return &Plan{
		Mode:     mode,
		Exec:     exec,
		GV:       graphview.New(taskGraph, tasks),
		Stages:   indexStagesByID(stageByName),
		DryTasks: dryTasks,
	}, nil
}

// defaultTaskOutputDir is the default task_output_dir function: a task's
// outputs live under <execution output_dir>/<stage>/<task id>.
func defaultTaskOutputDir(execOutputDir, stage string, taskID int64) string {
	return filepath.Join(execOutputDir, stage, strconv.FormatInt(taskID, 10))
}

// defaultTaskLogDir is the default task_log_output_dir function: a
// task's logs live under <execution output_dir>/log/<stage>/<task id>.
func defaultTaskLogDir(execOutputDir, stage string, taskID int64) string {
	return filepath.Join(execOutputDir, "log", stage, strconv.FormatInt(taskID, 10))
}

func (l *Lifecycle) startResume(ctx context.Context, cfg Config, exec *model.Execution) (*Plan, error) {
	if cfg.OutputDir != "" && cfg.OutputDir != exec.OutputDir {
		return nil, &ConfigError{Msg: fmt.Sprintf(
			"lifecycle: cannot change the output_dir of execution %q being resumed (stored %q, got %q)",
			exec.Name, exec.OutputDir, cfg.OutputDir)}
	}

	stages, err := l.Store.ListStages(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load stages for resume: %w", err)
	}
	tasksList, err := l.Store.ListTasks(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load tasks for resume: %w", err)
	}
	edges, err := l.Store.LoadEdges(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load edges for resume: %w", err)
	}

	taskGraph := model.NewGraph()
	tasks := make(map[model.NodeID]*model.Task, len(tasksList))
	for _, t := range tasksList {
		taskGraph.AddNode(model.NodeID(t.ID))
		tasks[model.NodeID(t.ID)] = t
	}
	for _, e := range edges {
		taskGraph.AddEdge(model.NodeID(e.Upstream), model.NodeID(e.Dependent))
	}

	stageByID := map[int64]*model.Stage{}
	for _, st := range stages {
		stageByID[st.ID] = st
	}

	if cfg.MaxCPUs != nil {
		exec.MaxCPUs = cfg.MaxCPUs
	}

	if err := stampRunUUID(ctx, l.Store, exec); err != nil {
		return nil, err
	}

	return &Plan{
		Mode:   ModeResume,
		Exec:   exec,
		GV:     graphview.New(taskGraph, tasks),
		Stages: stageByID,
	}, nil
}

func indexStagesByID(byName map[string]*model.Stage) map[int64]*model.Stage {
	out := make(map[int64]*model.Stage, len(byName))
	for _, st := range byName {
		out[st.ID] = st
	}
	return out
}

// stampRunUUID writes a fresh run correlation id into exec.Info, sets
// started_on if unset and the status to running, and saves the
// execution. The id is persisted only in Info; it is not added to log
// lines or spans.
func stampRunUUID(ctx context.Context, s *store.Store, exec *model.Execution) error {
	if exec.Info == nil {
		exec.Info = map[string]any{}
	}
	exec.Info["run_uuid"] = uuid.NewString()
	if exec.StartedOn == nil {
		now := time.Now()
		exec.StartedOn = &now
	}
	exec.SetStatus(model.ExecutionRunning, time.Now())
	return s.SaveExecution(ctx, exec)
}

// Run drives a resolved Plan to completion. Dry runs never touch the
// JobManager: they return an empty Result at once without altering the
// execution's status; the rendered tasks are in plan.DryTasks.
func (l *Lifecycle) Run(ctx context.Context, plan *Plan, dryRun bool) (scheduler.Result, error) {
	if dryRun {
		return scheduler.Result{}, nil
	}

	sched := &scheduler.Scheduler{
		Admission: l.Admission,
		JM:        l.JM,
		Persist:   persistAdapter{l.Store},
		Stages:    func(id int64) *model.Stage { return plan.Stages[id] },
	}

	handler := signalhandler.Install(func() { sched.RequestTermination(scheduler.CauseSignal) })
	defer handler.Close()

	result, runErr := sched.Run(ctx, plan.Exec, plan.GV)
	now := time.Now()

	var failedTask *scheduler.ExecutionFailed
	switch {
	case asExecutionFailed(runErr, &failedTask):
		_ = sched.Terminate(ctx, plan.GV)
		plan.Exec.SetStatus(model.ExecutionFailed, now)
	case runErr != nil:
		return result, runErr
	case result.Terminated:
		_ = sched.Terminate(ctx, plan.GV)
		if result.Cause == scheduler.CauseSignal {
			plan.Exec.SetStatus(model.ExecutionKilled, now)
		} else {
			plan.Exec.SetStatus(model.ExecutionFailed, now)
		}
	default:
		status := model.ExecutionSuccessful
		if result.HadSoftFailure {
			status = model.ExecutionFailed
		}
		plan.Exec.SetStatus(status, now)
	}

	if err := l.Store.SaveExecution(ctx, plan.Exec); err != nil {
		return result, fmt.Errorf("lifecycle: save final execution status: %w", err)
	}
	return result, runErr
}

func asExecutionFailed(err error, target **scheduler.ExecutionFailed) bool {
	ef, ok := err.(*scheduler.ExecutionFailed)
	if ok {
		*target = ef
	}
	return ok
}

func confirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
