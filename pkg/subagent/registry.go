package subagent

import (
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// Registry tracks delegated runs in memory
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*RunRecord
}

// NewRegistry creates an empty run registry
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*RunRecord)}
}

// RegisterRun records a new delegation. The sub-task ID derives from the
// parent's so traces group naturally.
func (r *Registry) RegisterRun(parentTaskID, goal, tier string) (runID, subTaskID string, err error) {
	runID, err = gonanoid.New()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate run ID: %w", err)
	}
	subTaskID = parentTaskID + "." + runID

	record := &RunRecord{
		ID:           runID,
		ParentTaskID: parentTaskID,
		SubTaskID:    subTaskID,
		Goal:         goal,
		Tier:         tier,
		Status:       StatusPending,
		StartedAt:    time.Now(),
	}

	r.mu.Lock()
	r.runs[runID] = record
	r.mu.Unlock()

	log.Debug().
		Str("run_id", runID).
		Str("parent_task_id", parentTaskID).
		Str("sub_task_id", subTaskID).
		Msg("Delegation registered")

	return runID, subTaskID, nil
}

// UpdateStatus moves a run to a new status, stamping completion for terminal
// states and storing output or error text.
func (r *Registry) UpdateStatus(runID string, status RunStatus, output, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}

	record.Status = status
	if status.IsTerminal() {
		now := time.Now()
		record.CompletedAt = &now
	}
	if output != "" {
		record.Output = output
	}
	if errMsg != "" {
		record.Error = errMsg
	}

	return nil
}

// GetRun retrieves a copy of a run record by ID
func (r *Registry) GetRun(runID string) (RunRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.runs[runID]
	if !ok {
		return RunRecord{}, false
	}
	return *record, true
}

// IsSubTask reports whether a task ID belongs to a delegated run
func (r *Registry) IsSubTask(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, record := range r.runs {
		if record.SubTaskID == taskID {
			return true
		}
	}
	return false
}

// ListChildren returns all runs delegated by a parent task
func (r *Registry) ListChildren(parentTaskID string) []RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	children := []RunRecord{}
	for _, record := range r.runs {
		if record.ParentTaskID == parentTaskID {
			children = append(children, *record)
		}
	}
	return children
}

// CountActive counts non-terminal runs for a parent task
func (r *Registry) CountActive(parentTaskID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, record := range r.runs {
		if record.ParentTaskID == parentTaskID && !record.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// Stats returns registry statistics
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{TotalRuns: len(r.runs)}
	for _, record := range r.runs {
		switch record.Status {
		case StatusPending, StatusRunning:
			stats.ActiveRuns++
		case StatusCompleted:
			stats.CompletedRuns++
		case StatusFailed:
			stats.FailedRuns++
		case StatusAborted:
			stats.AbortedRuns++
		}
	}
	return stats
}

// Cleanup removes terminal runs older than the retention window and returns
// how many were removed.
func (r *Registry) Cleanup(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	removed := 0
	for runID, record := range r.runs {
		if !record.Status.IsTerminal() {
			continue
		}
		if record.CompletedAt != nil && record.CompletedAt.Before(cutoff) {
			delete(r.runs, runID)
			removed++
		}
	}

	return removed
}
