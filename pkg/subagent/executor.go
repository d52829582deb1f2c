// Package subagent runs bounded, isolated sub-loops for delegated sub-tasks.
// A sub-loop always gets strictly smaller budgets than its parent, runs
// unsupervised, and cannot delegate further.
package subagent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keel-ai/keel/internal/tracing"
	"github.com/keel-ai/keel/pkg/backend"
	"github.com/keel-ai/keel/pkg/loop"
	"github.com/keel-ai/keel/pkg/tool"
	"github.com/keel-ai/keel/pkg/trace"
)

// ToolName is the catalog name parents use to delegate
const ToolName = "delegate"

// SubTask describes one delegated unit of work
type SubTask struct {
	ParentTaskID string
	TenantID     string
	Goal         string
	SystemPrompt string
}

// SubResult is a successful delegation outcome
type SubResult struct {
	RunID  string
	Output string
	Turns  int
	Tier   backend.Tier
}

// Failure carries the terminal outcome of an unsuccessful sub-loop along
// with whatever partial output it produced. Budget exhaustion inside the
// sub-loop surfaces here instead of propagating the parent's timeout.
type Failure struct {
	RunID   string
	Outcome loop.Outcome
	Partial string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("sub-task %s: %s: %v", f.RunID, f.Outcome, f.Err)
	}
	return fmt.Sprintf("sub-task %s: %s", f.RunID, f.Outcome)
}

func (f *Failure) Unwrap() error { return f.Err }

// Config configures the executor
type Config struct {
	Router  loop.Router
	Limiter loop.Limiter
	Invoker loop.Invoker
	// Specs supplies the parent's tool catalog. Sub-loops see it minus the
	// delegation tool, which caps delegation depth at one.
	Specs    func() []backend.ToolSpec
	Recorder *trace.Recorder
	// ParentLoop is the parent loop configuration; sub-loop budgets are
	// clamped strictly below its MaxTurns and AbsoluteTimeout.
	ParentLoop loop.Config
	// DefaultMaxTurns and DefaultTimeout apply when a delegation does not
	// name its budgets.
	DefaultMaxTurns int
	DefaultTimeout  time.Duration
	// OnFinish fires on every terminal run record.
	OnFinish func(RunRecord)
}

// Executor delegates sub-tasks into fresh unsupervised loops
type Executor struct {
	cfg      Config
	registry *Registry
}

// NewExecutor creates an executor
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Router == nil || cfg.Limiter == nil || cfg.Invoker == nil {
		return nil, fmt.Errorf("router, limiter, and invoker are required")
	}
	if err := cfg.ParentLoop.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parent loop config: %w", err)
	}
	if cfg.DefaultMaxTurns <= 0 {
		cfg.DefaultMaxTurns = cfg.ParentLoop.MaxTurns / 2
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = cfg.ParentLoop.AbsoluteTimeout / 2
	}
	if cfg.Specs == nil {
		cfg.Specs = func() []backend.ToolSpec { return nil }
	}

	return &Executor{
		cfg:      cfg,
		registry: NewRegistry(),
	}, nil
}

// Registry exposes the run registry for inspection
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Delegate runs a sub-task to completion in its own loop. Budgets are
// clamped strictly below the parent's; exhaustion returns a *Failure with
// partial output, never a hang past the sub-loop's own ceiling.
func (e *Executor) Delegate(ctx context.Context, sub SubTask, tier backend.Tier, maxTurns int, timeout time.Duration) (*SubResult, error) {
	if sub.ParentTaskID == "" || sub.Goal == "" {
		return nil, fmt.Errorf("parent task ID and goal are required")
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown tier: %s", tier)
	}

	maxTurns, timeout = e.clampBudgets(maxTurns, timeout)

	runID, subTaskID, err := e.registry.RegisterRun(sub.ParentTaskID, sub.Goal, string(tier))
	if err != nil {
		return nil, err
	}

	subLoop, err := e.buildLoop(maxTurns, timeout)
	if err != nil {
		return nil, err
	}

	if err := e.registry.UpdateStatus(runID, StatusRunning, "", ""); err != nil {
		return nil, err
	}

	log.Info().
		Str("run_id", runID).
		Str("parent_task_id", sub.ParentTaskID).
		Str("tier", string(tier)).
		Int("max_turns", maxTurns).
		Dur("timeout", timeout).
		Msg("Delegating sub-task")

	// The sub-loop keeps the parent's trace ID but runs on its own budgets;
	// the parent's cancellation and deadline do not reach into it.
	ctx = tracing.PropagateToSubTask(ctx, subTaskID)

	result := subLoop.Run(ctx, loop.Task{
		ID:           subTaskID,
		TenantID:     sub.TenantID,
		Goal:         sub.Goal,
		SystemPrompt: sub.SystemPrompt,
		Tier:         tier,
	})

	if result.Outcome == loop.OutcomeSuccess {
		e.finish(runID, StatusCompleted, result.Output, "")
		return &SubResult{
			RunID:  runID,
			Output: result.Output,
			Turns:  result.Turns,
			Tier:   result.FinalTier,
		}, nil
	}

	failure := &Failure{
		RunID:   runID,
		Outcome: result.Outcome,
		Partial: result.Output,
		Err:     result.Err,
	}
	status := StatusFailed
	if result.Outcome == loop.OutcomeAborted {
		status = StatusAborted
	}
	e.finish(runID, status, result.Output, failure.Error())

	return nil, failure
}

// ToolDefinition exposes delegation as a registrable tool. The handler reads
// the parent task identity from the call context. The per-tool timeout is
// the parent loop's ceiling: sub-budgets clamp strictly below it, so the
// sub-loop's own timeout always fires first and its result is never
// discarded by the invoker.
func (e *Executor) ToolDefinition() tool.Definition {
	return tool.Definition{
		Name:        ToolName,
		Description: "Delegate a focused sub-task to an isolated agent with its own smaller turn and time budget. Returns the sub-agent's final answer.",
		Timeout:     e.cfg.ParentLoop.AbsoluteTimeout,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"goal": map[string]interface{}{
					"type":        "string",
					"description": "What the sub-agent should accomplish",
				},
				"tier": map[string]interface{}{
					"type":        "string",
					"description": "Capability tier to run the sub-task on",
				},
				"max_turns": map[string]interface{}{
					"type":        "integer",
					"description": "Turn budget for the sub-task",
				},
				"timeout_sec": map[string]interface{}{
					"type":        "integer",
					"description": "Time budget for the sub-task, in seconds",
				},
			},
			"required":             []interface{}{"goal"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			parentTaskID := tracing.GetTaskID(ctx)
			if parentTaskID == "" {
				return "", fmt.Errorf("delegation requires a task-scoped context")
			}
			// Sub-tasks cannot delegate further, even if a sub-loop's model
			// names this tool despite it being absent from its catalog.
			if e.registry.IsSubTask(parentTaskID) {
				return "", fmt.Errorf("delegation depth limit reached: %s is itself a delegated sub-task", parentTaskID)
			}

			goal, _ := args["goal"].(string)
			tier := backend.TierDefault
			if name, ok := args["tier"].(string); ok && name != "" {
				parsed, err := backend.ParseTier(name)
				if err != nil {
					return "", err
				}
				tier = parsed
			}
			maxTurns := 0
			if n, ok := args["max_turns"].(float64); ok {
				maxTurns = int(n)
			}
			var timeout time.Duration
			if n, ok := args["timeout_sec"].(float64); ok {
				timeout = time.Duration(n) * time.Second
			}

			res, err := e.Delegate(ctx, SubTask{
				ParentTaskID: parentTaskID,
				TenantID:     tracing.GetTenantID(ctx),
				Goal:         goal,
			}, tier, maxTurns, timeout)
			if err != nil {
				return "", err
			}
			return res.Output, nil
		},
	}
}

// clampBudgets applies defaults and forces both budgets strictly below the
// parent's.
func (e *Executor) clampBudgets(maxTurns int, timeout time.Duration) (int, time.Duration) {
	if maxTurns <= 0 {
		maxTurns = e.cfg.DefaultMaxTurns
	}
	if maxTurns >= e.cfg.ParentLoop.MaxTurns {
		maxTurns = e.cfg.ParentLoop.MaxTurns - 1
	}
	if maxTurns < 1 {
		maxTurns = 1
	}

	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout >= e.cfg.ParentLoop.AbsoluteTimeout {
		timeout = e.cfg.ParentLoop.AbsoluteTimeout / 2
	}

	return maxTurns, timeout
}

// buildLoop assembles the sub-loop: parent settings with smaller budgets, no
// supervisor, and a catalog without the delegation tool.
func (e *Executor) buildLoop(maxTurns int, timeout time.Duration) (*loop.Loop, error) {
	cfg := e.cfg.ParentLoop
	cfg.MaxTurns = maxTurns
	cfg.AbsoluteTimeout = timeout

	return loop.New(loop.Options{
		Router:   e.cfg.Router,
		Limiter:  e.cfg.Limiter,
		Invoker:  e.cfg.Invoker,
		Specs:    e.filteredSpecs,
		Recorder: e.cfg.Recorder,
		Config:   cfg,
	})
}

// filteredSpecs is the parent catalog minus the delegation tool
func (e *Executor) filteredSpecs() []backend.ToolSpec {
	all := e.cfg.Specs()
	specs := make([]backend.ToolSpec, 0, len(all))
	for _, spec := range all {
		if spec.Name == ToolName {
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}

func (e *Executor) finish(runID string, status RunStatus, output, errMsg string) {
	if err := e.registry.UpdateStatus(runID, status, output, errMsg); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("Failed to finalize run record")
	}
	if e.cfg.OnFinish != nil {
		if record, ok := e.registry.GetRun(runID); ok {
			e.cfg.OnFinish(record)
		}
	}
}
