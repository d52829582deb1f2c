package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Rule names for the configurable precedence order
const (
	RuleConsecutiveErrors = "consecutive_errors"
	RulePlanSatisfied     = "plan_satisfied"
	RuleStagnation        = "stagnation"
	RuleBlockingAmbiguity = "blocking_ambiguity"
	RuleSoftCeiling       = "soft_ceiling"
)

// DefaultRulePrecedence is the default evaluation order, first match wins
var DefaultRulePrecedence = []string{
	RuleConsecutiveErrors,
	RulePlanSatisfied,
	RuleStagnation,
	RuleBlockingAmbiguity,
	RuleSoftCeiling,
}

// KnownRule reports whether a rule name is recognized
func KnownRule(name string) bool {
	switch name {
	case RuleConsecutiveErrors, RulePlanSatisfied, RuleStagnation,
		RuleBlockingAmbiguity, RuleSoftCeiling:
		return true
	}
	return false
}

// Config configures the supervisor
type Config struct {
	// SoftCeiling bounds elapsed time before an abort is considered. Must be
	// well below the loop's absolute timeout.
	SoftCeiling time.Duration
	// RulePrecedence overrides the default rule evaluation order.
	RulePrecedence []string
	// StagnationCheckpoints is how many consecutive unchanged checkpoints
	// count as no progress. Defaults to 2.
	StagnationCheckpoints int
}

// taskState tracks per-task checkpoint history
type taskState struct {
	plan *Plan
	// lastFingerprint and lastDecision make checkpoints idempotent: an
	// unchanged loop state returns the cached decision without advancing
	// the stagnation counter.
	lastFingerprint string
	lastDecision    Decision
	hasDecision     bool

	lastDigest    string
	stagnantCount int
}

// Supervisor evaluates checkpoints for many concurrent loops
type Supervisor struct {
	cfg Config

	mu    sync.Mutex
	tasks map[string]*taskState
}

// New creates a supervisor
func New(cfg Config) (*Supervisor, error) {
	if cfg.SoftCeiling <= 0 {
		return nil, fmt.Errorf("soft ceiling must be positive, got %v", cfg.SoftCeiling)
	}
	if len(cfg.RulePrecedence) == 0 {
		cfg.RulePrecedence = DefaultRulePrecedence
	}
	for _, rule := range cfg.RulePrecedence {
		if !KnownRule(rule) {
			return nil, fmt.Errorf("unknown supervisor rule: %s", rule)
		}
	}
	if cfg.StagnationCheckpoints <= 0 {
		cfg.StagnationCheckpoints = 2
	}

	return &Supervisor{
		cfg:   cfg,
		tasks: make(map[string]*taskState),
	}, nil
}

// CreatePlan decomposes a task into sub-goals. Only tasks flagged complex by
// upstream classification get a plan; others run unplanned.
func (s *Supervisor) CreatePlan(taskID, goal string, complex bool) *Plan {
	if !complex {
		return nil
	}

	plan := buildPlan(taskID, goal)

	s.mu.Lock()
	s.stateFor(taskID).plan = plan
	s.mu.Unlock()

	log.Debug().
		Str("task_id", taskID).
		Int("goals", len(plan.Goals)).
		Msg("Plan created")

	return plan
}

// Plan returns the task's plan, if one was created
func (s *Supervisor) Plan(taskID string) *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateFor(taskID).plan
}

// Checkpoint evaluates the policy rules against a loop snapshot. Rules fire
// in the configured precedence order; the first match wins. Re-running with
// an unchanged state returns the same decision without side effects.
func (s *Supervisor) Checkpoint(state LoopState) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.stateFor(state.TaskID)
	fp := fingerprint(state)

	if ts.hasDecision && ts.lastFingerprint == fp {
		return ts.lastDecision
	}

	// Advance the stagnation counter once per distinct checkpoint.
	if state.TranscriptDigest != "" && state.TranscriptDigest == ts.lastDigest {
		ts.stagnantCount++
	} else {
		ts.stagnantCount = 0
	}
	ts.lastDigest = state.TranscriptDigest

	decision := s.evaluate(ts, state)

	// A replan replaces the plan wholesale; the plan is immutable otherwise.
	// The stagnation counter restarts so the restated approach gets room
	// before the next replan can fire.
	if decision.Kind == DecisionReplan {
		ts.stagnantCount = 0
		if ts.plan != nil {
			ts.plan = ts.plan.replaced()
		}
	}

	ts.lastFingerprint = fp
	ts.lastDecision = decision
	ts.hasDecision = true

	log.Debug().
		Str("task_id", state.TaskID).
		Int("turns", state.Turns).
		Str("decision", string(decision.Kind)).
		Str("rule", decision.Rule).
		Msg("Checkpoint evaluated")

	return decision
}

func (s *Supervisor) evaluate(ts *taskState, state LoopState) Decision {
	for _, rule := range s.cfg.RulePrecedence {
		switch rule {
		case RuleConsecutiveErrors:
			if state.ConsecutiveToolErrors >= 3 {
				if next, ok := state.Tier.Next(); ok {
					return Decision{
						Kind:       DecisionEscalate,
						Rule:       rule,
						TargetTier: next,
					}
				}
				// Already at the top tier; a hint is all that's left.
				return Decision{
					Kind:     DecisionIntervene,
					Rule:     rule,
					Guidance: "repeated tool failures at the highest tier; reconsider the approach before the next tool call",
				}
			}

		case RulePlanSatisfied:
			if ts.plan.Satisfied() {
				// The loop terminates naturally on its next plain-text
				// response; no force-termination here.
				return Decision{Kind: DecisionContinue, Rule: rule}
			}

		case RuleStagnation:
			if ts.stagnantCount >= s.cfg.StagnationCheckpoints {
				return Decision{Kind: DecisionReplan, Rule: rule}
			}

		case RuleBlockingAmbiguity:
			if state.BlockingAmbiguity != "" {
				return Decision{
					Kind:     DecisionAskUser,
					Rule:     rule,
					Question: state.BlockingAmbiguity,
				}
			}

		case RuleSoftCeiling:
			elapsed := time.Since(state.StartedAt)
			if elapsed > s.cfg.SoftCeiling {
				return Decision{
					Kind:   DecisionAbort,
					Rule:   rule,
					Reason: fmt.Sprintf("no end in sight after %s (soft ceiling %s)", elapsed.Round(time.Second), s.cfg.SoftCeiling),
				}
			}
		}
	}

	return Decision{Kind: DecisionContinue}
}

// ObserveTranscript updates the plan's goal statuses from fresh assistant
// output. The judgment is deliberately lightweight: a goal counts as
// satisfied once most of its significant words have shown up in the
// transcript, not on exact matching.
func (s *Supervisor) ObserveTranscript(taskID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan := s.stateFor(taskID).plan
	if plan == nil {
		return
	}

	lower := strings.ToLower(text)
	for i := range plan.Goals {
		goal := &plan.Goals[i]
		if goal.Status == GoalSatisfied {
			continue
		}
		if goalAppearsSatisfied(goal.Description, lower) {
			goal.Status = GoalSatisfied
			log.Debug().
				Str("task_id", taskID).
				Str("goal", goal.ID).
				Msg("Plan goal satisfied")
		}
	}
}

// goalAppearsSatisfied checks whether most of the goal's significant words
// occur in the transcript text.
func goalAppearsSatisfied(goal, transcript string) bool {
	significant := 0
	matched := 0
	for _, word := range strings.Fields(strings.ToLower(goal)) {
		word = strings.Trim(word, ".,;:!?\"'")
		if len(word) < 4 {
			continue
		}
		significant++
		if strings.Contains(transcript, word) {
			matched++
		}
	}
	if significant == 0 {
		return false
	}
	return matched*2 > significant
}

// Forget drops a finished task's checkpoint history
func (s *Supervisor) Forget(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
}

// stateFor returns the task's tracking state. Callers hold s.mu.
func (s *Supervisor) stateFor(taskID string) *taskState {
	ts, ok := s.tasks[taskID]
	if !ok {
		ts = &taskState{}
		s.tasks[taskID] = ts
	}
	return ts
}

// fingerprint condenses a loop snapshot for idempotence checks
func fingerprint(state LoopState) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%t|%s|%s",
		state.TaskID,
		state.Tier,
		state.Turns,
		state.ConsecutiveToolErrors,
		state.UsedCodeTools,
		state.TranscriptDigest,
		state.BlockingAmbiguity,
	)))
	return hex.EncodeToString(sum[:])
}
