package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/keel-ai/keel/pkg/backend"
	"github.com/keel-ai/keel/pkg/ratelimit"
	"github.com/keel-ai/keel/pkg/supervisor"
	"github.com/keel-ai/keel/pkg/tool"
	"github.com/keel-ai/keel/pkg/trace"
)

// Router resolves tiers to backends and routes completions
type Router interface {
	Route(tier backend.Tier) (backend.Route, error)
	Complete(ctx context.Context, tier backend.Tier, req backend.Request) (*backend.Completion, error)
}

// Limiter gates outbound backend calls. Cost weights the acquire; model
// turns spend one token each.
type Limiter interface {
	Acquire(ctx context.Context, tier, backendName string, cost float64) error
}

// Invoker executes tool calls
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}) tool.Result
}

// Checkpointer is the supervisory hook. Nil disables supervision, which is
// how delegated sub-tasks run.
type Checkpointer interface {
	Checkpoint(state supervisor.LoopState) supervisor.Decision
	ObserveTranscript(taskID, text string)
}

// Config bounds one loop execution. Zero values are rejected rather than
// defaulted so behavior never varies silently between environments.
type Config struct {
	MaxTurns        int
	AbsoluteTimeout time.Duration
	// MaxMessages and MaxPayloadBytes bound the model request context.
	MaxMessages     int
	MaxPayloadBytes int
	// CumulativeToolBytes bounds total tool output appended across the task.
	CumulativeToolBytes int
	// Checkpoints fire every N turns or every interval, whichever first.
	CheckpointEveryTurns int
	CheckpointEvery      time.Duration
	// BackendRetries bounds same-tier retries of transient backend errors.
	BackendRetries int
	MaxTokens      int
	Temperature    float64
}

// Validate rejects incomplete configurations
func (c Config) Validate() error {
	if c.MaxTurns <= 0 {
		return fmt.Errorf("max turns must be positive")
	}
	if c.AbsoluteTimeout <= 0 {
		return fmt.Errorf("absolute timeout must be positive")
	}
	if c.MaxMessages <= 0 || c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("context window limits must be positive")
	}
	if c.CumulativeToolBytes <= 0 {
		return fmt.Errorf("cumulative tool byte limit must be positive")
	}
	if c.CheckpointEveryTurns <= 0 || c.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint cadence must be positive")
	}
	if c.BackendRetries <= 0 {
		return fmt.Errorf("backend retries must be positive")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	return nil
}

// Task is the loop's input
type Task struct {
	ID           string
	TenantID     string
	Goal         string
	SystemPrompt string
	Tier         backend.Tier
}

// Loop builds executions over shared process-wide components
type Loop struct {
	router   Router
	limiter  Limiter
	invoker  Invoker
	specs    func() []backend.ToolSpec
	sup      Checkpointer
	recorder *trace.Recorder
	cfg      Config
}

// Options wires a loop's dependencies
type Options struct {
	Router  Router
	Limiter Limiter
	Invoker Invoker
	// Specs supplies the tool catalog advertised to the model. The catalog
	// is data, never compiled in.
	Specs func() []backend.ToolSpec
	// Supervisor is optional.
	Supervisor Checkpointer
	// Recorder is optional.
	Recorder *trace.Recorder
	Config   Config
}

// New creates a loop factory
func New(opts Options) (*Loop, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if opts.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loop config: %w", err)
	}

	specs := opts.Specs
	if specs == nil {
		specs = func() []backend.ToolSpec { return nil }
	}

	return &Loop{
		router:   opts.Router,
		limiter:  opts.Limiter,
		invoker:  opts.Invoker,
		specs:    specs,
		sup:      opts.Supervisor,
		recorder: opts.Recorder,
		cfg:      opts.Config,
	}, nil
}

// execution is the per-run state machine
type execution struct {
	loop *Loop
	task Task

	conv      *conversation
	tier      backend.Tier
	turns     int
	startedAt time.Time

	consecutiveToolErrors int
	usedCodeTools         bool
	cumulativeToolBytes   int
	stuck                 stuckDetector

	lastCheckpoint    time.Time
	lastAssistantText string
	usage             backend.Usage
	blockingAmbiguity string
}

// Run executes the task to a terminal outcome. The absolute timeout is a
// hard ceiling: the loop always returns within a bounded grace period of
// it, carrying partial progress.
func (l *Loop) Run(ctx context.Context, task Task) FinalResult {
	if !task.Tier.Valid() {
		return FinalResult{
			TaskID:  task.ID,
			Outcome: OutcomeFailed,
			Err:     fmt.Errorf("unknown tier: %s", task.Tier),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.AbsoluteTimeout)
	defer cancel()

	e := &execution{
		loop:           l,
		task:           task,
		conv:           newConversation(l.cfg.MaxMessages, l.cfg.MaxPayloadBytes),
		tier:           task.Tier,
		startedAt:      time.Now(),
		lastCheckpoint: time.Now(),
	}

	system := task.SystemPrompt
	if system == "" {
		system = "You are a capable autonomous agent. Work the task to completion, using tools when needed, and reply with plain text once done."
	}
	// Instructions and the task goal are pinned: trimming never drops them.
	e.conv.append(backend.Message{Role: "system", Content: system, Pinned: true})
	e.conv.append(backend.Message{Role: "user", Content: task.Goal, Pinned: true})

	result := e.run(runCtx)
	result.TaskID = task.ID
	result.Turns = e.turns
	result.FinalTier = e.tier
	result.Usage = e.usage
	result.Duration = time.Since(e.startedAt)

	if result.Output == "" {
		result.Output = e.lastAssistantText
	}

	e.recordSpan("loop", e.startedAt, string(result.Outcome), result.Err, map[string]interface{}{
		"turns":      e.turns,
		"final_tier": string(e.tier),
	})

	log.Info().
		Str("task_id", task.ID).
		Str("outcome", string(result.Outcome)).
		Int("turns", e.turns).
		Str("final_tier", string(e.tier)).
		Dur("duration", result.Duration).
		Msg("Loop finished")

	return result
}

func (e *execution) run(ctx context.Context) FinalResult {
	for e.turns < e.loop.cfg.MaxTurns {
		if res, done := e.checkDeadline(ctx); done {
			return res
		}

		e.turns++
		turnStart := time.Now()

		completion, res, done := e.modelTurn(ctx)
		if done {
			return res
		}

		// Plain text ends the loop.
		if !completion.HasToolCalls() {
			e.lastAssistantText = completion.Text
			e.conv.append(backend.Message{Role: "assistant", Content: completion.Text})
			e.observeTranscript()
			e.recordSpan("turn", turnStart, "success", nil, map[string]interface{}{
				"turn": e.turns,
				"tier": string(e.tier),
			})
			return FinalResult{Outcome: OutcomeSuccess, Output: completion.Text}
		}

		if completion.Text != "" {
			e.lastAssistantText = completion.Text
		}

		// Loop detection fires on the third identical call, before it runs.
		for _, call := range completion.ToolCalls {
			if e.stuck.observe(call) {
				e.recordSpan("turn", turnStart, "stuck", ErrStuck, map[string]interface{}{
					"turn": e.turns,
					"tool": call.Name,
				})
				return FinalResult{
					Outcome: OutcomeStuck,
					Err:     fmt.Errorf("%w: %s", ErrStuck, call.Name),
				}
			}
		}

		e.conv.append(backend.Message{
			Role:      "assistant",
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})

		if res, done := e.executeTools(ctx, completion.ToolCalls); done {
			e.recordSpan("turn", turnStart, string(res.Outcome), res.Err, map[string]interface{}{
				"turn": e.turns,
			})
			return res
		}

		e.observeTranscript()
		e.recordSpan("turn", turnStart, "tools_executed", nil, map[string]interface{}{
			"turn":       e.turns,
			"tier":       string(e.tier),
			"tool_calls": len(completion.ToolCalls),
		})

		// Checkpoint between turns, never mid-turn.
		if res, done := e.maybeCheckpoint(ctx); done {
			return res
		}
	}

	return FinalResult{Outcome: OutcomeFailed, Err: ErrMaxTurns}
}

// checkDeadline translates context termination into the loop's taxonomy
func (e *execution) checkDeadline(ctx context.Context) (FinalResult, bool) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return FinalResult{
			Outcome: OutcomeTimedOut,
			Output:  e.lastAssistantText,
			Err:     context.DeadlineExceeded,
		}, true
	case ctx.Err() != nil:
		return FinalResult{
			Outcome: OutcomeAborted,
			Output:  e.lastAssistantText,
			Reason:  "cancelled by caller",
		}, true
	}
	return FinalResult{}, false
}

// modelTurn assembles the request and calls the backend, handling trimming
// failures, degenerate responses, and tier-exhausted escalation.
func (e *execution) modelTurn(ctx context.Context) (*backend.Completion, FinalResult, bool) {
	retriedDegenerate := false

	for {
		messages, ok := e.conv.trimmed()
		if !ok {
			return nil, FinalResult{Outcome: OutcomeFailed, Err: ErrContextTooLarge}, true
		}

		completion, err := e.callBackend(ctx, messages)
		if err != nil {
			if res, done := e.checkDeadline(ctx); done {
				return nil, res, true
			}
			if backend.ClassOf(err) == backend.ClassTierExhausted {
				if e.escalate("tier_exhausted") {
					continue
				}
			}
			return nil, FinalResult{Outcome: OutcomeFailed, Err: err}, true
		}

		if completion.Usage != nil {
			e.usage.InputTokens += completion.Usage.InputTokens
			e.usage.OutputTokens += completion.Usage.OutputTokens
		}

		// Empty response: escalate immediately and retry once.
		if completion.Degenerate() {
			if !retriedDegenerate && e.escalate("degenerate_response") {
				retriedDegenerate = true
				continue
			}
			return nil, FinalResult{
				Outcome: OutcomeFailed,
				Err:     fmt.Errorf("backend returned an empty response at tier %s", e.tier),
			}, true
		}

		return completion, FinalResult{}, false
	}
}

// callBackend acquires rate-limit capacity and calls the current tier with
// bounded retries and exponential backoff on transient errors.
func (e *execution) callBackend(ctx context.Context, messages []backend.Message) (*backend.Completion, error) {
	route, err := e.loop.router.Route(e.tier)
	if err != nil {
		return nil, err
	}

	req := backend.Request{
		Messages:    messages,
		Tools:       e.loop.specs(),
		MaxTokens:   e.loop.cfg.MaxTokens,
		Temperature: e.loop.cfg.Temperature,
	}

	var lastErr error
	for attempt := 0; attempt < e.loop.cfg.BackendRetries; attempt++ {
		if err := e.loop.limiter.Acquire(ctx, string(e.tier), route.Backend.Name(), 1); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
				log.Warn().
					Str("task_id", e.task.ID).
					Str("tier", string(e.tier)).
					Str("backend", route.Backend.Name()).
					Msg("Rate limit wait ceiling exceeded")
			}
			return nil, err
		}

		callStart := time.Now()
		completion, err := e.loop.router.Complete(ctx, e.tier, req)
		e.recordSpan("backend_call", callStart, outcomeOf(err), err, map[string]interface{}{
			"tier":    string(e.tier),
			"backend": route.Backend.Name(),
			"attempt": attempt + 1,
		})
		if err == nil {
			return completion, nil
		}

		lastErr = err
		if !backend.Retryable(err) {
			return nil, err
		}
		if attempt == e.loop.cfg.BackendRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s...
		delay := time.Duration(1<<attempt) * time.Second
		log.Debug().
			Str("task_id", e.task.ID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying backend call")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("backend retries exhausted: %w", lastErr)
}

// executeTools fans the turn's tool calls out concurrently and joins before
// the next model call. Sibling calls have no ordering guarantee; results
// append in request order for a deterministic transcript.
func (e *execution) executeTools(ctx context.Context, calls []backend.ToolCall) (FinalResult, bool) {
	results := make([]tool.Result, len(calls))

	g, toolCtx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = e.loop.invoker.Invoke(toolCtx, call.Name, call.Arguments)
			return nil
		})
	}
	_ = g.Wait()

	if res, done := e.checkDeadline(ctx); done {
		return res, true
	}

	for i, call := range calls {
		result := results[i]

		if isCodeTool(call.Name) {
			e.usedCodeTools = true
		}

		if result.IsError {
			e.consecutiveToolErrors++
			log.Debug().
				Str("task_id", e.task.ID).
				Str("tool", call.Name).
				Int("consecutive_errors", e.consecutiveToolErrors).
				Msg("Tool call failed")
		} else {
			e.consecutiveToolErrors = 0
		}

		e.cumulativeToolBytes += result.Bytes()
		if e.cumulativeToolBytes > e.loop.cfg.CumulativeToolBytes {
			return FinalResult{
				Outcome: OutcomeFailed,
				Err:     fmt.Errorf("%w: cumulative tool output %d bytes", ErrContextTooLarge, e.cumulativeToolBytes),
			}, true
		}

		e.conv.append(backend.Message{
			Role:       "tool",
			Content:    result.Content,
			ToolCallID: call.ID,
		})

		var callErr error
		if result.IsError {
			callErr = &ToolError{Tool: call.Name, Cause: result.Content}
		}
		e.recordSpan("tool_call", time.Now().Add(-result.Duration), outcomeOfBool(!result.IsError), callErr, map[string]interface{}{
			"tool":      call.Name,
			"truncated": result.Truncated,
		})
	}

	// Three consecutive errors escalate immediately, independent of the
	// supervisor, with recovery context for the next request.
	if e.consecutiveToolErrors >= 3 {
		if e.escalate("consecutive_tool_errors") {
			e.consecutiveToolErrors = 0
		}
	}

	return FinalResult{}, false
}

// maybeCheckpoint yields to the supervisor when the cadence is due and
// applies the decision before the next turn.
func (e *execution) maybeCheckpoint(ctx context.Context) (FinalResult, bool) {
	if e.loop.sup == nil {
		return FinalResult{}, false
	}

	turnsDue := e.turns%e.loop.cfg.CheckpointEveryTurns == 0
	timeDue := time.Since(e.lastCheckpoint) >= e.loop.cfg.CheckpointEvery
	if !turnsDue && !timeDue {
		return FinalResult{}, false
	}
	e.lastCheckpoint = time.Now()

	decision := e.loop.sup.Checkpoint(supervisor.LoopState{
		TaskID:                e.task.ID,
		Tier:                  e.tier,
		Turns:                 e.turns,
		StartedAt:             e.startedAt,
		ConsecutiveToolErrors: e.consecutiveToolErrors,
		UsedCodeTools:         e.usedCodeTools,
		TranscriptDigest:      e.conv.digest(),
		BlockingAmbiguity:     e.blockingAmbiguity,
	})

	switch decision.Kind {
	case supervisor.DecisionContinue:

	case supervisor.DecisionIntervene:
		e.conv.append(backend.Message{
			Role:    "system",
			Content: "Course correction: " + decision.Guidance,
		})

	case supervisor.DecisionReplan:
		e.conv.append(backend.Message{
			Role:    "system",
			Content: "Progress has stalled. Restate your plan for the remaining work, then continue with a different approach.",
		})

	case supervisor.DecisionEscalate:
		e.escalateTo(decision.TargetTier, "supervisor")

	case supervisor.DecisionAskUser:
		return FinalResult{
			Outcome:  OutcomeAskUser,
			Output:   e.lastAssistantText,
			Question: decision.Question,
		}, true

	case supervisor.DecisionAbort:
		return FinalResult{
			Outcome: OutcomeAborted,
			Output:  e.lastAssistantText,
			Reason:  decision.Reason,
		}, true
	}

	return FinalResult{}, false
}

// escalate raises the tier one step. Returns false at the top of the order.
func (e *execution) escalate(trigger string) bool {
	next, ok := e.tier.Next()
	if !ok {
		return false
	}
	return e.escalateTo(next, trigger)
}

// escalateTo moves to a strictly higher tier; downgrades are rejected. The
// next model request carries the recovery context.
func (e *execution) escalateTo(target backend.Tier, trigger string) bool {
	if !target.Valid() || !target.Above(e.tier) {
		log.Warn().
			Str("task_id", e.task.ID).
			Str("current", string(e.tier)).
			Str("target", string(target)).
			Msg("Rejected non-upward tier change")
		return false
	}

	from := e.tier
	e.tier = target
	e.conv.append(backend.Message{
		Role:    "system",
		Content: fmt.Sprintf("Escalated from tier %s to %s (%s). Prior context is retained; account for earlier failures in your next step.", from, target, trigger),
	})

	log.Info().
		Str("task_id", e.task.ID).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("trigger", trigger).
		Msg("Tier escalated")

	return true
}

// observeTranscript feeds new assistant output to the supervisor's plan
// judgment and refreshes the blocking-ambiguity signal.
func (e *execution) observeTranscript() {
	if e.lastAssistantText == "" {
		return
	}
	e.blockingAmbiguity = detectAmbiguity(e.lastAssistantText)
	if e.loop.sup != nil {
		e.loop.sup.ObserveTranscript(e.task.ID, e.lastAssistantText)
	}
}

// detectAmbiguity spots an unresolved question the model directed at the
// requester. Returns the question sentence, or empty when none.
func detectAmbiguity(text string) string {
	lower := strings.ToLower(text)
	asking := false
	for _, marker := range []string{"should i", "which one", "do you want", "please confirm", "need to know", "clarify"} {
		if strings.Contains(lower, marker) {
			asking = true
			break
		}
	}
	if !asking {
		return ""
	}

	// Pull out the question sentence itself.
	if idx := strings.LastIndex(text, "?"); idx >= 0 {
		start := strings.LastIndexAny(text[:idx], ".!\n") + 1
		return strings.TrimSpace(text[start : idx+1])
	}
	return ""
}

func (e *execution) recordSpan(name string, start time.Time, outcome string, err error, attrs map[string]interface{}) {
	if e.loop.recorder == nil {
		return
	}
	span := trace.NewSpan(e.task.ID, name)
	span.TenantID = e.task.TenantID
	span.StartedAt = start.UTC()
	span.EndedAt = time.Now().UTC()
	span.Outcome = outcome
	span.Attrs = attrs
	if err != nil {
		span.Error = err.Error()
	}
	if recordErr := e.loop.recorder.Record(span); recordErr != nil {
		log.Warn().Err(recordErr).Str("task_id", e.task.ID).Msg("Failed to record span")
	}
}

// isCodeTool flags tools that execute code, an input to checkpoint policy
func isCodeTool(name string) bool {
	switch name {
	case "exec", "shell", "bash", "run_code", "python", "eval":
		return true
	}
	return false
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func outcomeOfBool(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
