package loop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-ai/keel/pkg/backend"
	"github.com/keel-ai/keel/pkg/supervisor"
	"github.com/keel-ai/keel/pkg/tool"
)

// namedBackend satisfies backend.Backend for routing; Complete goes through
// the scripted router instead.
type namedBackend struct{ name string }

func (n namedBackend) Name() string { return n.name }

func (n namedBackend) Complete(ctx context.Context, req backend.Request) (*backend.Completion, error) {
	return nil, fmt.Errorf("not used")
}

// scriptedRouter replays a scripted sequence of completions
type scriptedRouter struct {
	mu     sync.Mutex
	calls  int
	script func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error)
}

func (s *scriptedRouter) Route(tier backend.Tier) (backend.Route, error) {
	return backend.Route{Backend: namedBackend{name: "stub"}, Model: "stub-model"}, nil
}

func (s *scriptedRouter) Complete(ctx context.Context, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.mu.Unlock()
	return s.script(call, tier, req)
}

type nopLimiter struct{}

func (nopLimiter) Acquire(ctx context.Context, tier, backendName string, cost float64) error {
	return nil
}

// scriptedInvoker runs a function per tool call
type scriptedInvoker struct {
	fn func(name string, args map[string]interface{}) tool.Result
}

func (s *scriptedInvoker) Invoke(ctx context.Context, name string, args map[string]interface{}) tool.Result {
	return s.fn(name, args)
}

// recordingSupervisor records checkpoint states and replays decisions
type recordingSupervisor struct {
	mu        sync.Mutex
	states    []supervisor.LoopState
	decisions []supervisor.Decision
}

func (r *recordingSupervisor) Checkpoint(state supervisor.LoopState) supervisor.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	if len(r.decisions) > 0 {
		d := r.decisions[0]
		r.decisions = r.decisions[1:]
		return d
	}
	return supervisor.Decision{Kind: supervisor.DecisionContinue}
}

func (r *recordingSupervisor) ObserveTranscript(taskID, text string) {}

func (r *recordingSupervisor) checkpointTurns() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	turns := []int{}
	for _, s := range r.states {
		turns = append(turns, s.Turns)
	}
	return turns
}

func testConfig() Config {
	return Config{
		MaxTurns:             10,
		AbsoluteTimeout:      10 * time.Second,
		MaxMessages:          50,
		MaxPayloadBytes:      1 << 20,
		CumulativeToolBytes:  1 << 20,
		CheckpointEveryTurns: 3,
		CheckpointEvery:      time.Hour,
		BackendRetries:       3,
		MaxTokens:            1024,
	}
}

func newTestLoop(t *testing.T, router Router, invoker Invoker, sup Checkpointer, mutate func(*Config)) *Loop {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if invoker == nil {
		invoker = &scriptedInvoker{fn: func(name string, args map[string]interface{}) tool.Result {
			return tool.Result{Content: "ok"}
		}}
	}
	l, err := New(Options{
		Router:     router,
		Limiter:    nopLimiter{},
		Invoker:    invoker,
		Supervisor: sup,
		Config:     cfg,
	})
	require.NoError(t, err)
	return l
}

func testTask() Task {
	return Task{ID: "task-1", TenantID: "tenant-a", Goal: "do the thing", Tier: backend.TierDefault}
}

func textCompletion(text string) *backend.Completion {
	return &backend.Completion{Text: text}
}

func toolCompletion(calls ...backend.ToolCall) *backend.Completion {
	return &backend.Completion{ToolCalls: calls}
}

func TestRunSuccess(t *testing.T) {
	t.Run("should finish on a plain text response", func(t *testing.T) {
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			return textCompletion("all done"), nil
		}}
		l := newTestLoop(t, router, nil, nil, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.Equal(t, "all done", res.Output)
		assert.Equal(t, 1, res.Turns)
		assert.Equal(t, backend.TierDefault, res.FinalTier)
	})

	t.Run("should run tools then finish", func(t *testing.T) {
		var invoked []string
		var mu sync.Mutex
		invoker := &scriptedInvoker{fn: func(name string, args map[string]interface{}) tool.Result {
			mu.Lock()
			invoked = append(invoked, name)
			mu.Unlock()
			return tool.Result{Content: "result of " + name}
		}}
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			if call == 0 {
				return toolCompletion(
					backend.ToolCall{ID: "1", Name: "search", Arguments: map[string]interface{}{"q": "a"}},
					backend.ToolCall{ID: "2", Name: "read", Arguments: map[string]interface{}{"path": "f"}},
				), nil
			}
			// Tool results must be back in the context by the second call.
			for _, msg := range req.Messages {
				if msg.Role == "tool" && strings.Contains(msg.Content, "result of search") {
					return textCompletion("done with tools"), nil
				}
			}
			return nil, fmt.Errorf("tool results missing from context")
		}}
		l := newTestLoop(t, router, invoker, nil, nil)

		res := l.Run(context.Background(), testTask())
		require.NoError(t, res.Err)
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.Equal(t, 2, res.Turns)
		assert.ElementsMatch(t, []string{"search", "read"}, invoked)
	})
}

func TestRunStuck(t *testing.T) {
	t.Run("should terminate stuck on the third identical call", func(t *testing.T) {
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			return toolCompletion(fetchCall("https://same")), nil
		}}
		l := newTestLoop(t, router, nil, nil, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeStuck, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrStuck)
		// Third turn requests the third identical call; it must not execute.
		assert.Equal(t, 3, res.Turns)
	})

	t.Run("should not trip when the third call differs", func(t *testing.T) {
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			switch call {
			case 0, 1:
				return toolCompletion(fetchCall("https://same")), nil
			case 2:
				return toolCompletion(fetchCall("https://different")), nil
			default:
				return textCompletion("done"), nil
			}
		}}
		l := newTestLoop(t, router, nil, nil, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeSuccess, res.Outcome)
	})
}

func TestRunEscalation(t *testing.T) {
	t.Run("should escalate after three consecutive tool errors", func(t *testing.T) {
		invoker := &scriptedInvoker{fn: func(name string, args map[string]interface{}) tool.Result {
			return tool.Result{Content: "boom", IsError: true}
		}}
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			switch call {
			case 0:
				return toolCompletion(
					backend.ToolCall{ID: "1", Name: "a", Arguments: map[string]interface{}{"n": 1}},
					backend.ToolCall{ID: "2", Name: "b", Arguments: map[string]interface{}{"n": 2}},
					backend.ToolCall{ID: "3", Name: "c", Arguments: map[string]interface{}{"n": 3}},
				), nil
			default:
				return textCompletion("recovered at " + string(tier)), nil
			}
		}}
		l := newTestLoop(t, router, invoker, nil, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.True(t, res.FinalTier.Above(backend.TierDefault))
		assert.Equal(t, "recovered at "+string(res.FinalTier), res.Output)
	})

	t.Run("should escalate and retry once on a degenerate response", func(t *testing.T) {
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			if tier == backend.TierDefault {
				return &backend.Completion{}, nil
			}
			return textCompletion("substantive answer"), nil
		}}
		l := newTestLoop(t, router, nil, nil, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.True(t, res.FinalTier.Above(backend.TierDefault))
	})

	t.Run("should fail when degenerate persists after escalation", func(t *testing.T) {
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			return &backend.Completion{}, nil
		}}
		l := newTestLoop(t, router, nil, nil, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.Error(t, res.Err)
	})

	t.Run("should escalate on a tier-exhausted backend error", func(t *testing.T) {
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			if tier == backend.TierDefault {
				return nil, &backend.Error{Class: backend.ClassTierExhausted, Backend: "stub", Message: "too big"}
			}
			return textCompletion("served above"), nil
		}}
		l := newTestLoop(t, router, nil, nil, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.True(t, res.FinalTier.Above(backend.TierDefault))
	})

	t.Run("should reject a supervisor downgrade and keep the tier", func(t *testing.T) {
		sup := &recordingSupervisor{decisions: []supervisor.Decision{
			{Kind: supervisor.DecisionEscalate, TargetTier: backend.TierFast},
		}}
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			if call < 3 {
				return toolCompletion(backend.ToolCall{ID: fmt.Sprint(call), Name: "t", Arguments: map[string]interface{}{"n": call}}), nil
			}
			return textCompletion("done"), nil
		}}
		l := newTestLoop(t, router, nil, sup, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.Equal(t, backend.TierDefault, res.FinalTier)
	})
}

func TestRunCheckpointCadence(t *testing.T) {
	t.Run("should checkpoint after turns 3 and 6 over a 7 turn run", func(t *testing.T) {
		sup := &recordingSupervisor{}
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			if call < 6 {
				return toolCompletion(backend.ToolCall{ID: fmt.Sprint(call), Name: "step", Arguments: map[string]interface{}{"n": call}}), nil
			}
			return textCompletion("done"), nil
		}}
		l := newTestLoop(t, router, nil, sup, nil)

		res := l.Run(context.Background(), testTask())
		require.Equal(t, OutcomeSuccess, res.Outcome)
		require.Equal(t, 7, res.Turns)
		assert.Equal(t, []int{3, 6}, sup.checkpointTurns())
	})
}

func TestRunSupervisorDecisions(t *testing.T) {
	toolTurns := func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
		if call < 8 {
			return toolCompletion(backend.ToolCall{ID: fmt.Sprint(call), Name: "step", Arguments: map[string]interface{}{"n": call}}), nil
		}
		return textCompletion("done"), nil
	}

	t.Run("should terminate with the question on ask_user", func(t *testing.T) {
		sup := &recordingSupervisor{decisions: []supervisor.Decision{
			{Kind: supervisor.DecisionAskUser, Question: "which region?"},
		}}
		l := newTestLoop(t, &scriptedRouter{script: toolTurns}, nil, sup, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeAskUser, res.Outcome)
		assert.Equal(t, "which region?", res.Question)
		assert.Equal(t, 3, res.Turns)
	})

	t.Run("should terminate with the reason on abort", func(t *testing.T) {
		sup := &recordingSupervisor{decisions: []supervisor.Decision{
			{Kind: supervisor.DecisionAbort, Reason: "soft ceiling"},
		}}
		l := newTestLoop(t, &scriptedRouter{script: toolTurns}, nil, sup, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeAborted, res.Outcome)
		assert.Equal(t, "soft ceiling", res.Reason)
	})

	t.Run("should inject guidance on intervene and keep going", func(t *testing.T) {
		sup := &recordingSupervisor{decisions: []supervisor.Decision{
			{Kind: supervisor.DecisionIntervene, Guidance: "try the smaller dataset"},
		}}
		seen := false
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			for _, msg := range req.Messages {
				if strings.Contains(msg.Content, "try the smaller dataset") {
					seen = true
				}
			}
			if call < 4 {
				return toolCompletion(backend.ToolCall{ID: fmt.Sprint(call), Name: "step", Arguments: map[string]interface{}{"n": call}}), nil
			}
			return textCompletion("done"), nil
		}}
		l := newTestLoop(t, router, nil, sup, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeSuccess, res.Outcome)
		assert.True(t, seen)
	})
}

func TestRunBudgets(t *testing.T) {
	t.Run("should time out at the absolute ceiling with partial output", func(t *testing.T) {
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			return toolCompletion(backend.ToolCall{ID: fmt.Sprint(call), Name: "slow", Arguments: map[string]interface{}{"n": call}}), nil
		}}
		invoker := &scriptedInvoker{fn: func(name string, args map[string]interface{}) tool.Result {
			time.Sleep(200 * time.Millisecond)
			return tool.Result{Content: "slow result"}
		}}
		l := newTestLoop(t, router, invoker, nil, func(c *Config) {
			c.AbsoluteTimeout = 100 * time.Millisecond
		})

		start := time.Now()
		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeTimedOut, res.Outcome)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("should report aborted when the caller cancels", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			cancel()
			return toolCompletion(backend.ToolCall{ID: "1", Name: "t", Arguments: map[string]interface{}{}}), nil
		}}
		l := newTestLoop(t, router, nil, nil, nil)

		res := l.Run(ctx, testTask())
		assert.Equal(t, OutcomeAborted, res.Outcome)
	})

	t.Run("should fail with context too large when tool output exceeds the budget", func(t *testing.T) {
		invoker := &scriptedInvoker{fn: func(name string, args map[string]interface{}) tool.Result {
			return tool.Result{Content: strings.Repeat("x", 600)}
		}}
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			return toolCompletion(backend.ToolCall{ID: fmt.Sprint(call), Name: "big", Arguments: map[string]interface{}{"n": call}}), nil
		}}
		l := newTestLoop(t, router, invoker, nil, func(c *Config) {
			c.CumulativeToolBytes = 1000
		})

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrContextTooLarge)
	})

	t.Run("should fail when the turn budget runs out", func(t *testing.T) {
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			return toolCompletion(backend.ToolCall{ID: fmt.Sprint(call), Name: "step", Arguments: map[string]interface{}{"n": call}}), nil
		}}
		l := newTestLoop(t, router, nil, nil, func(c *Config) {
			c.MaxTurns = 2
		})

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, ErrMaxTurns)
	})

	t.Run("should not retry permanent backend errors", func(t *testing.T) {
		router := &scriptedRouter{script: func(call int, tier backend.Tier, req backend.Request) (*backend.Completion, error) {
			return nil, &backend.Error{Class: backend.ClassInvalidRequest, Backend: "stub", Message: "bad request"}
		}}
		l := newTestLoop(t, router, nil, nil, nil)

		res := l.Run(context.Background(), testTask())
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.Equal(t, 1, router.calls)
	})
}
