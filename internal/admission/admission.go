// Package admission implements the global CPU admission controller: a
// stateless sweep over the ready set that decides which tasks may start
// now given the running set and the CPU budget.
package admission

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/kosmos-sh/execore/internal/graphview"
	"github.com/kosmos-sh/execore/internal/model"
	"github.com/kosmos-sh/execore/internal/statemachine"
)

// Submitter is the slice of JobManager Admission needs: the
// running-task snapshot to sum cpu_req, and submit itself.
type Submitter interface {
	Submit(ctx context.Context, task *model.Task) error
	RunningTasks() []*model.Task
}

// PolicyGate is the optional second admission filter layered on top of
// the CPU budget. A nil PolicyGate in Controller.Gate means "no gate
// configured"; Allow is never called on it.
type PolicyGate interface {
	Allow(ctx context.Context, task *model.Task, stage *model.Stage, exec *model.Execution) (bool, error)
}

// Controller runs the admission sweep.
type Controller struct {
	Gate PolicyGate // nil disables the policy layer entirely
}

// Sweep performs one admission pass: it walks the GraphView's ready set
// in ascending cpu_req order, stops submitting real tasks at the first
// one that would exceed maxCPUs (the ordering guarantees later ones
// would also be rejected), and submits everything before that point
// which also clears the optional policy gate. NOOP candidates that clear
// the gate are completed in place wherever they fall in the ordering. It
// returns the tasks it submitted plus the NOOP tasks it completed.
//
// stages is left as a bare function type (not a named one) so callers
// in other packages -- e.g. scheduler.StageLookup -- can pass their own
// equivalently-shaped function without a conversion.
func (c *Controller) Sweep(
	ctx context.Context,
	exec *model.Execution,
	gv *graphview.GraphView,
	jm Submitter,
	stages func(stageID int64) *model.Stage,
) ([]*model.Task, error) {
	ready := gv.Ready()
	if len(ready) == 0 {
		return nil, nil
	}

	var submitted []*model.Task
	// budgetExhausted latches once a real task's cpu_req would exceed the
	// remaining budget. ready is sorted ascending by cpu_req, so no later
	// real candidate would fit either -- but a NOOP consumes no DRM
	// resource at all, so it must keep completing regardless of where it
	// falls in that ordering.
	budgetExhausted := false
	for _, candidate := range ready {
		if !candidate.NOOP {
			if budgetExhausted {
				continue
			}
			inFlight := 0
			for _, running := range jm.RunningTasks() {
				inFlight += running.CPUReq
			}
			if !exec.Unbounded() && candidate.CPUReq+inFlight > *exec.MaxCPUs {
				slog.Info("admission: cpu budget reached, stopping sweep",
					"execution", exec.Name, "candidate_task", candidate.ID,
					"candidate_cpu", candidate.CPUReq, "in_flight", inFlight, "max_cpus", *exec.MaxCPUs)
				budgetExhausted = true
				continue
			}
		}

		if c.Gate != nil {
			var stage *model.Stage
			if stages != nil {
				stage = stages(candidate.StageID)
			}
			allow, err := c.Gate.Allow(ctx, candidate, stage, exec)
			if err != nil {
				return submitted, err
			}
			if !allow {
				slog.Info("admission: policy gate rejected candidate", "task", candidate.ID)
				continue
			}
		}

		if candidate.NOOP {
			// §4.1: NOOP skips command generation and DRM submission
			// entirely -- it succeeds the instant it's selected.
			if err := statemachine.CompleteNOOP(candidate); err != nil {
				return submitted, err
			}
			submitted = append(submitted, candidate)
			continue
		}

		finalizeTaskFilePaths(candidate)

		if err := jm.Submit(ctx, candidate); err != nil {
			return submitted, err
		}
		if err := statemachine.MarkSubmitted(candidate); err != nil {
			return submitted, err
		}
		submitted = append(submitted, candidate)
	}
	return submitted, nil
}

// finalizeTaskFilePaths assigns any still-null TaskFile.Path as
// join(task.output_dir, basename).
func finalizeTaskFilePaths(t *model.Task) {
	for i := range t.OutputFiles {
		if t.OutputFiles[i].Path == nil {
			p := filepath.Join(t.OutputDir, t.OutputFiles[i].Basename)
			t.OutputFiles[i].Path = &p
		}
	}
}
