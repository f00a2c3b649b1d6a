package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/reqflow/internal/logging"
	"github.com/rendis/reqflow/internal/variables"
	"github.com/rendis/reqflow/pkg/schema"
)

// Loop variables written to the store before every iteration.
const (
	varIteration = "_iteration"
	varIndex     = "_index"
)

// runStep executes a step once, or once per iteration when it loops. Every
// iteration is its own result; the caller reports all of them.
func (r *Runner) runStep(ctx context.Context, in StepInput) []schema.StepResult {
	step := in.Step
	kind := step.LoopKind()
	if kind == "" {
		return []schema.StepResult{r.executor.Execute(ctx, in)}
	}
	logger := logging.LogWith(logging.WithStep(ctx, step.Name), r.logger)

	limit := step.IterationLimit()
	var items []any
	if kind == "foreach" {
		var err error
		if items, err = r.foreachItems(ctx, step, in.Vars); err != nil {
			return []schema.StepResult{r.loopErrored(ctx, in, err, nil)}
		}
		if len(items) > schema.MaxIterations {
			logger.Warn("foreach truncated", "items", len(items), "max", schema.MaxIterations)
			items = items[:schema.MaxIterations]
		}
		limit = len(items)
	}

	var out []schema.StepResult
iterations:
	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			break
		}
		// The while condition already sees the index of the iteration it guards.
		in.Vars.Set(varIteration, i)
		in.Vars.Set(varIndex, i)
		switch kind {
		case "foreach":
			in.Vars.Set(step.LoopVar(), items[i])
		case "while":
			ok, err := r.resolver.EvalCondition(ctx, step.While, in.Vars)
			if err != nil {
				out = append(out, r.loopErrored(ctx, in, err, &i))
				return out
			}
			if !ok {
				break iterations
			}
		}

		res := r.executor.Execute(ctx, in)
		iteration := i
		res.Iteration = &iteration
		out = append(out, res)
		if res.Status.Unsuccessful() && step.StopsOnFailure() {
			logger.Info("loop stopped on failure", "loop", kind, "iteration", i)
			break
		}
	}
	if kind == "while" && len(out) == limit && ctx.Err() == nil {
		logger.Warn("while loop hit its iteration limit", "max_iterations", limit)
	}

	if len(out) == 0 {
		if ctx.Err() != nil {
			return []schema.StepResult{r.skipStep(ctx, in.RunID, step.Name, schema.SkipReasonCancelled,
				schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithStep(step.Name))}
		}
		logger.Info("loop ran no iterations", "loop", kind)
		return []schema.StepResult{r.skipStep(ctx, in.RunID, step.Name, schema.SkipReasonNoIterations, nil)}
	}
	return out
}

// foreachItems resolves the foreach source. A list is used as is, a
// single {{ reference }} keeps its type, text that parses as a JSON array
// is decoded and a bare name is looked up in the store. Any other value
// is a single item; null is none.
func (r *Runner) foreachItems(ctx context.Context, step *schema.StepDefinition, vars *variables.Store) ([]any, error) {
	v, err := r.resolver.ResolveValue(ctx, step.Foreach, vars)
	if err != nil {
		return nil, err
	}
	if s, ok := v.(string); ok {
		trimmed := strings.TrimSpace(s)
		var arr []any
		switch {
		case strings.HasPrefix(trimmed, "[") && json.Unmarshal([]byte(trimmed), &arr) == nil:
			return arr, nil
		case trimmed == "":
			return nil, nil
		}
		if named, ok := vars.Get(trimmed); ok {
			v = named
		}
	}
	switch val := variables.Normalize(v).(type) {
	case nil:
		return nil, nil
	case []any:
		return val, nil
	default:
		return []any{val}, nil
	}
}

// loopErrored records a loop that could not evaluate its source or
// condition.
func (r *Runner) loopErrored(ctx context.Context, in StepInput, err error, iteration *int) schema.StepResult {
	name := in.Step.Name
	fsm := NewStepFSM(in.RunID, name, r.events)
	if terr := fsm.Transition(context.WithoutCancel(ctx), PhaseErrored); terr != nil {
		r.logger.Warn("step transition failed", "step", name, "error", terr)
	}
	res := schema.StepResult{
		Name:      name,
		Status:    schema.StepStatusErrored,
		Error:     asStepError(err, name),
		StartedAt: time.Now(),
	}
	if iteration != nil {
		i := *iteration
		res.Iteration = &i
	}
	return res
}

// loopVerdict is the result dependents see: the first unsuccessful
// iteration, otherwise the last one.
func loopVerdict(results []schema.StepResult) schema.StepResult {
	for _, res := range results {
		if res.Status.Unsuccessful() {
			return res
		}
	}
	return results[len(results)-1]
}
