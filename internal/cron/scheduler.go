// Package cron implements the cron tool's backing scheduler: named jobs on standard cron expressions
// that, when due, publish a synthetic inbound message back onto the bus
// addressed to the job's origin channel/chat.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus/internal/bus"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Job is one registered schedule.
type Job struct {
	ID            string    `json:"id"`
	Schedule      string    `json:"schedule"`
	Prompt        string    `json:"prompt"`
	SessionKey    string    `json:"session_key"`
	OriginChannel string    `json:"origin_channel"`
	OriginChatID  string    `json:"origin_chat_id"`
	CreatedAt     time.Time `json:"created_at"`

	entryID robfigcron.EntryID
}

// Execution records one firing of a job, for the "executions" tool action.
type Execution struct {
	JobID     string    `json:"job_id"`
	FiredAt   time.Time `json:"fired_at"`
	Error     string    `json:"error,omitempty"`
}

// Scheduler wraps a robfig/cron/v3 Cron instance, publishing a synthetic
// inbound message to bus each time a job fires.
type Scheduler struct {
	cron   *robfigcron.Cron
	bus    *bus.Bus
	logger *slog.Logger

	mu         sync.Mutex
	jobs       map[string]*Job
	executions []Execution
}

// New creates a Scheduler publishing fired jobs onto b. It does not start
// running until Start is called.
func New(b *bus.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   robfigcron.New(robfigcron.WithSeconds()),
		bus:    b,
		logger: logger.With("component", "cron"),
		jobs:   make(map[string]*Job),
	}
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job fire to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Jobs returns every registered job, for the "list"/"status" tool actions.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// RegisterJob adds a new schedule, returning the stored Job (with CreatedAt
// populated).
func (s *Scheduler) RegisterJob(job Job) (*Job, error) {
	if job.ID == "" {
		return nil, fmt.Errorf("cron: job id is required")
	}
	if job.Schedule == "" {
		return nil, fmt.Errorf("cron: schedule is required")
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("cron: job %q already registered", job.ID)
	}
	s.mu.Unlock()

	stored := job
	stored.CreatedAt = time.Now()

	entryID, err := s.cron.AddFunc(job.Schedule, func() { s.fire(&stored) })
	if err != nil {
		return nil, fmt.Errorf("cron: invalid schedule: %w", err)
	}
	stored.entryID = entryID

	s.mu.Lock()
	s.jobs[job.ID] = &stored
	s.mu.Unlock()
	return &stored, nil
}

// UnregisterJob removes a job by ID, reporting whether it existed.
func (s *Scheduler) UnregisterJob(id string) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.cron.Remove(job.entryID)
	return true
}

// RunJob fires a registered job immediately, independent of its schedule.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: job %q not found", id)
	}
	s.fire(job)
	return nil
}

func (s *Scheduler) fire(job *Job) {
	msg := models.InboundMessage{
		Channel:    models.ChannelType(job.OriginChannel),
		ChatID:     job.OriginChatID,
		Content:    job.Prompt,
		SessionKey: job.SessionKey,
		Metadata:   map[string]any{models.MetaToolHint: "cron"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.bus.PublishInbound(ctx, msg)

	exec := Execution{JobID: job.ID, FiredAt: time.Now()}
	if err != nil {
		exec.Error = err.Error()
		s.logger.Warn("cron job publish failed", "job_id", job.ID, "error", err)
	}

	s.mu.Lock()
	s.executions = append(s.executions, exec)
	if len(s.executions) > 1000 {
		s.executions = s.executions[len(s.executions)-1000:]
	}
	s.mu.Unlock()
}

// Executions returns the most recent fire records for jobID (or all jobs
// when jobID is empty), newest last, honoring limit/offset (0 limit means
// unbounded).
func (s *Scheduler) Executions(jobID string, limit, offset int) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []Execution
	for _, e := range s.executions {
		if jobID != "" && e.JobID != jobID {
			continue
		}
		filtered = append(filtered, e)
	}
	if offset > 0 && offset < len(filtered) {
		filtered = filtered[offset:]
	} else if offset >= len(filtered) {
		return nil
	}
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}
	return filtered
}

// Prune drops execution records older than olderThan, returning how many
// were removed.
func (s *Scheduler) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.executions[:0]
	removed := 0
	for _, e := range s.executions {
		if e.FiredAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.executions = kept
	return removed
}
