package service

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/vidforge/coordinator/common/models"
)

// TaskFilter evaluates claim-time filter expressions using CEL (Common
// Expression Language). Workers pass expressions like
//
//	task_type == "video" && !("skip" in snapshot)
//
// to restrict which backlog runs they will accept. Compiled programs are
// cached; the same worker fleet tends to submit a handful of distinct
// expressions forever.
type TaskFilter struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewTaskFilter creates a new filter evaluator with caching
func NewTaskFilter() *TaskFilter {
	return &TaskFilter{
		cache: make(map[string]cel.Program),
	}
}

// Compile validates an expression and returns a predicate over runs. An empty
// expression returns a nil predicate, meaning accept everything.
//
// Compilation happens before the claim transaction opens, so a malformed
// expression fails fast without ever touching row locks.
func (f *TaskFilter) Compile(expr string) (func(*models.Run) bool, error) {
	if expr == "" {
		return nil, nil
	}

	prg, err := f.program(expr)
	if err != nil {
		return nil, err
	}

	return func(run *models.Run) bool {
		out, _, err := prg.Eval(map[string]interface{}{
			"task_type": run.TaskType,
			"entity_id": run.EntityID,
			"status":    string(run.Status),
			"snapshot":  run.ContextSnapshot,
		})
		if err != nil {
			// A filter that errors on a candidate rejects it; the claim
			// moves on to the next locked row
			return false
		}
		result, ok := out.Value().(bool)
		return ok && result
	}, nil
}

func (f *TaskFilter) program(expr string) (cel.Program, error) {
	f.mu.RLock()
	prg, exists := f.cache[expr]
	f.mu.RUnlock()
	if exists {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("task_type", cel.StringType),
		cel.Variable("entity_id", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("snapshot", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid task filter: %w", issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	f.mu.Lock()
	f.cache[expr] = prg
	f.mu.Unlock()

	return prg, nil
}

// CacheSize returns the number of cached expressions
func (f *TaskFilter) CacheSize() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.cache)
}
