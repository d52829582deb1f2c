// Package schedule submits recurring tasks into the request queue on cron
// expressions.
package schedule

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/keel-ai/keel/pkg/backend"
	"github.com/keel-ai/keel/pkg/queue"
)

// Submitter accepts tasks for execution. Satisfied by *queue.Queue.
type Submitter interface {
	Submit(task *queue.Task) (*queue.Handle, error)
}

// Entry is one recurring task definition
type Entry struct {
	// Name identifies the entry in logs and lookups.
	Name string
	// Spec is a standard five-field cron expression.
	Spec     string
	TenantID string
	Priority queue.Priority
	Goal     string
	Tier     backend.Tier
}

// Scheduler fires entries on their cron schedules. Each firing submits a
// fresh task; admission rejections are logged and dropped, never retried,
// so a backed-up tenant does not accumulate stale scheduled work.
type Scheduler struct {
	submitter Submitter
	runner    *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler
func NewScheduler(submitter Submitter) (*Scheduler, error) {
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}

	return &Scheduler{
		submitter: submitter,
		runner:    cron.New(),
		entries:   make(map[string]cron.EntryID),
	}, nil
}

// Add registers a recurring entry. The spec is validated up front.
func (s *Scheduler) Add(entry Entry) error {
	if entry.Name == "" {
		return fmt.Errorf("entry name is required")
	}
	if entry.TenantID == "" || entry.Goal == "" {
		return fmt.Errorf("entry tenant and goal are required")
	}
	if !entry.Tier.Valid() {
		return fmt.Errorf("unknown tier: %s", entry.Tier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.Name]; exists {
		return fmt.Errorf("entry already registered: %s", entry.Name)
	}

	id, err := s.runner.AddFunc(entry.Spec, func() { s.fire(entry) })
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", entry.Spec, err)
	}
	s.entries[entry.Name] = id

	log.Info().
		Str("entry", entry.Name).
		Str("spec", entry.Spec).
		Str("tenant_id", entry.TenantID).
		Msg("Scheduled entry added")

	return nil
}

// Remove drops an entry by name
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.runner.Remove(id)
		delete(s.entries, name)
	}
}

// Names returns the registered entry names
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start begins firing entries
func (s *Scheduler) Start() {
	s.runner.Start()
}

// Stop halts firing and waits for in-flight submissions
func (s *Scheduler) Stop() {
	<-s.runner.Stop().Done()
}

// fire submits one occurrence of an entry
func (s *Scheduler) fire(entry Entry) {
	task := &queue.Task{
		ID:       uuid.New().String(),
		TenantID: entry.TenantID,
		Priority: entry.Priority,
		Goal:     entry.Goal,
		Tier:     entry.Tier,
	}

	if _, err := s.submitter.Submit(task); err != nil {
		log.Warn().
			Err(err).
			Str("entry", entry.Name).
			Str("tenant_id", entry.TenantID).
			Msg("Scheduled submission rejected")
		return
	}

	log.Debug().
		Str("entry", entry.Name).
		Str("task_id", task.ID).
		Msg("Scheduled task submitted")
}
