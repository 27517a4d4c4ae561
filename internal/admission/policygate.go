package admission

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/open-policy-agent/opa/rego"

	"github.com/kosmos-sh/execore/internal/model"
)

// OPAGate evaluates a compiled OPA bundle's data.execore.allow rule per
// candidate task (rego.New + PrepareForEval), reduced to the one
// decision this admission gate needs instead of a general-purpose query
// cache.
type OPAGate struct {
	query rego.PreparedEvalQuery
}

// NewOPAGate compiles every *.rego file under dir into one prepared
// query against data.execore.allow. A dir with no *.rego files is an
// error; with no policy directory, the caller constructs no gate.
func NewOPAGate(ctx context.Context, dir string) (*OPAGate, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("glob admission policies: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .rego files found under %s", dir)
	}

	var opts []func(*rego.Rego)
	opts = append(opts, rego.Query("data.execore.allow"))
	for _, f := range files {
		opts = append(opts, rego.Load([]string{f}, nil))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare admission policy: %w", err)
	}
	return &OPAGate{query: prepared}, nil
}

// Allow evaluates the policy for one candidate task. A query with no
// results, or whose bound value isn't truthy, denies admission.
func (g *OPAGate) Allow(ctx context.Context, task *model.Task, stage *model.Stage, exec *model.Execution) (bool, error) {
	input := map[string]any{
		"task": map[string]any{
			"id":           task.ID,
			"tool_kind":    task.ToolKind,
			"cpu_req":      task.CPUReq,
			"must_succeed": task.MustSucceed,
		},
		"execution": map[string]any{
			"name": exec.Name,
		},
	}
	if stage != nil {
		input["stage"] = map[string]any{"name": stage.Name}
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate admission policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allow, _ := results[0].Expressions[0].Value.(bool)
	return allow, nil
}
