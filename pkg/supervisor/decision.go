// Package supervisor steers running loops through periodic checkpoint
// decisions. Decisions are plain values the loop consumes at a fixed point
// between turns, never asynchronous interrupts.
package supervisor

import (
	"time"

	"github.com/keel-ai/keel/pkg/backend"
)

// DecisionKind enumerates the supervisor's possible verdicts
type DecisionKind string

const (
	// DecisionContinue lets the loop proceed unchanged
	DecisionContinue DecisionKind = "continue"
	// DecisionIntervene injects a course-correction hint without discarding turns
	DecisionIntervene DecisionKind = "intervene"
	// DecisionReplan asks the loop to restate its approach
	DecisionReplan DecisionKind = "replan"
	// DecisionEscalate raises the loop's tier one step
	DecisionEscalate DecisionKind = "escalate"
	// DecisionAskUser surfaces a blocking question to the requester
	DecisionAskUser DecisionKind = "ask_user"
	// DecisionAbort terminates the loop early with a stated reason
	DecisionAbort DecisionKind = "abort"
)

// Decision is the outcome of one checkpoint evaluation
type Decision struct {
	Kind DecisionKind
	// Rule names the policy rule that produced the decision.
	Rule string
	// Guidance carries the hint for DecisionIntervene.
	Guidance string
	// TargetTier carries the destination for DecisionEscalate.
	TargetTier backend.Tier
	// Question carries the requester-facing question for DecisionAskUser.
	Question string
	// Reason carries the explanation for DecisionAbort.
	Reason string
}

// LoopState is the checkpoint input: a read-only snapshot of a running loop.
// The supervisor never mutates loop state directly.
type LoopState struct {
	TaskID    string
	Tier      backend.Tier
	Turns     int
	StartedAt time.Time
	// ConsecutiveToolErrors counts tool failures with no success in between.
	ConsecutiveToolErrors int
	// UsedCodeTools reports whether the current turn touched code-execution tools.
	UsedCodeTools bool
	// TranscriptDigest fingerprints the transcript's substance. An unchanged
	// digest across checkpoints means no measurable progress.
	TranscriptDigest string
	// BlockingAmbiguity, when non-empty, is a required input the loop is
	// about to act without.
	BlockingAmbiguity string
}
