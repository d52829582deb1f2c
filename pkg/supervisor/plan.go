package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GoalStatus tracks one sub-goal
type GoalStatus string

const (
	GoalPending   GoalStatus = "pending"
	GoalSatisfied GoalStatus = "satisfied"
)

// Goal is one sub-goal of a plan
type Goal struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      GoalStatus `json:"status"`
}

// Plan is the supervisor's decomposition of a complex task
type Plan struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Goals     []Goal    `json:"goals"`
	CreatedAt time.Time `json:"created_at"`
}

// Satisfied reports whether every goal appears satisfied
func (p *Plan) Satisfied() bool {
	if p == nil || len(p.Goals) == 0 {
		return false
	}
	for _, g := range p.Goals {
		if g.Status != GoalSatisfied {
			return false
		}
	}
	return true
}

// MarkSatisfied sets a goal's status by ID
func (p *Plan) MarkSatisfied(goalID string) {
	for i := range p.Goals {
		if p.Goals[i].ID == goalID {
			p.Goals[i].Status = GoalSatisfied
			return
		}
	}
}

// replaced returns a wholesale replacement for this plan: a fresh plan ID
// and every goal back to pending, so progress judgments restart from the
// loop's restated approach rather than the stale statuses.
func (p *Plan) replaced() *Plan {
	next := &Plan{
		ID:        uuid.New().String(),
		TaskID:    p.TaskID,
		CreatedAt: time.Now(),
	}
	for _, g := range p.Goals {
		next.Goals = append(next.Goals, Goal{
			ID:          g.ID,
			Description: g.Description,
			Status:      GoalPending,
		})
	}
	return next
}

// buildPlan splits a task goal into sub-goals. Splitting is deliberately
// lightweight: newline- or semicolon-separated clauses become goals, a
// single clause becomes a one-goal plan.
func buildPlan(taskID, goal string) *Plan {
	parts := []string{}
	for _, chunk := range strings.FieldsFunc(goal, func(r rune) bool {
		return r == '\n' || r == ';'
	}) {
		chunk = strings.TrimSpace(chunk)
		if chunk != "" {
			parts = append(parts, chunk)
		}
	}
	if len(parts) == 0 {
		parts = []string{goal}
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		CreatedAt: time.Now(),
	}
	for i, part := range parts {
		plan.Goals = append(plan.Goals, Goal{
			ID:          fmt.Sprintf("goal-%d", i+1),
			Description: part,
			Status:      GoalPending,
		})
	}
	return plan
}
