// Package loop runs one task to completion as a sequence of model turns:
// call the backend, execute requested tools, feed results back, repeat until
// a plain-text response or a terminal condition. Turns are strictly
// sequential; only tool calls within one turn fan out concurrently.
package loop

import (
	"errors"
	"fmt"
	"time"

	"github.com/keel-ai/keel/pkg/backend"
)

// Outcome classifies how a loop ended
type Outcome string

const (
	// OutcomeSuccess is a plain-text final response
	OutcomeSuccess Outcome = "success"
	// OutcomeAborted is an intentional early termination with a reason
	OutcomeAborted Outcome = "aborted"
	// OutcomeTimedOut means the absolute wall-clock ceiling fired
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeStuck means the loop repeated an identical tool call three times
	OutcomeStuck Outcome = "stuck"
	// OutcomeAskUser means a blocking question must go back to the requester
	OutcomeAskUser Outcome = "ask_user"
	// OutcomeFailed is a typed failure
	OutcomeFailed Outcome = "failed"
)

// Structural errors terminate the loop without retry
var (
	// ErrStuck marks three consecutive identical tool calls
	ErrStuck = errors.New("repeated identical tool call")
	// ErrContextTooLarge means trimming could not fit the context in budget
	ErrContextTooLarge = errors.New("context too large")
	// ErrMaxTurns means the turn budget ran out before a final response
	ErrMaxTurns = errors.New("maximum turns exceeded")
)

// ToolError wraps a tool failure for the loop's error taxonomy
type ToolError struct {
	Tool  string
	Cause string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool execution failed: %s: %s", e.Tool, e.Cause)
}

// FinalResult is what the loop hands back to its caller. Timed-out and
// aborted loops still carry whatever partial output exists.
type FinalResult struct {
	TaskID    string
	Outcome   Outcome
	Output    string
	Question  string
	Reason    string
	Err       error
	Turns     int
	FinalTier backend.Tier
	Usage     backend.Usage
	Duration  time.Duration
}
