// Package scheduler starts workflow instances from the schedule section of
// their definitions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowcore/pkg/schema"
)

// DefaultInterval is how often due jobs are checked.
const DefaultInterval = time.Second

// Run outcomes recorded on a job.
const (
	StatusStarted = "started"
	StatusError   = "error"
)

// Starter starts a workflow instance in the background. *engine.Runner
// satisfies it.
type Starter interface {
	Start(ctx context.Context, def *schema.Workflow, input any) (*schema.WorkflowInstance, error)
}

// Job is a workflow definition started on a schedule.
type Job struct {
	ID             string           `json:"id"`
	Definition     *schema.Workflow `json:"-"`
	Input          map[string]any   `json:"input,omitempty"`
	Cron           string           `json:"cron,omitempty"`
	Every          time.Duration    `json:"every,omitempty"`
	NextRunAt      *time.Time       `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time       `json:"last_run_at,omitempty"`
	LastRunStatus  string           `json:"last_run_status,omitempty"`
	LastInstanceID string           `json:"last_instance_id,omitempty"`
	Runs           int              `json:"runs"`
}

// Scheduler checks its jobs on a fixed interval and starts those that are due.
type Scheduler struct {
	runner   Starter
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a scheduler starting instances through runner.
// A non-positive interval selects DefaultInterval.
func NewScheduler(runner Starter, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// Add schedules def, replacing any job with the same qualified name. The
// definition must carry a schedule with exactly one of cron and every.
func (s *Scheduler) Add(def *schema.Workflow, input map[string]any) (*Job, error) {
	if def == nil || def.Schedule == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow has no schedule")
	}
	sched := def.Schedule
	job := &Job{
		ID:         def.Document.QualifiedName(),
		Definition: def,
		Input:      input,
		Cron:       sched.Cron,
	}
	if sched.Every != nil {
		job.Every = sched.Every.Duration
	}
	switch {
	case job.Cron != "" && job.Every > 0:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "schedule of %s sets both cron and every", job.ID)
	case job.Cron == "" && job.Every <= 0:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "schedule of %s sets neither cron nor every", job.ID)
	}
	next, err := s.CalculateNextRun(job, s.now())
	if err != nil {
		return nil, err
	}
	job.NextRunAt = &next

	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()
	s.logger.Info("workflow scheduled",
		slog.String("job_id", job.ID),
		slog.Time("next_run_at", next))
	cp := *job
	return &cp, nil
}

// Remove unschedules a job and reports whether it existed.
func (s *Scheduler) Remove(id string) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok
}

// Jobs returns copies of the scheduled jobs ordered by ID.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.jobsMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, id := range s.due(now) {
		if !s.tryAcquire(id) {
			continue
		}
		if err := s.runJob(ctx, id, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", id),
				slog.String("error", err.Error()))
		}
		s.releaseJob(id)
	}
}

func (s *Scheduler) due(now time.Time) []string {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var ids []string
	for id, j := range s.jobs {
		if j.NextRunAt == nil || !j.NextRunAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// runJob starts one instance of the job and schedules its next run.
func (s *Scheduler) runJob(ctx context.Context, id string, now time.Time) error {
	s.jobsMu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.jobsMu.Unlock()
		return nil
	}
	def, input := job.Definition, job.Input
	s.jobsMu.Unlock()

	s.logger.Info("running scheduled job", slog.String("job_id", id))
	var in any
	if input != nil {
		in = input
	}
	inst, err := s.runner.Start(ctx, def, in)
	status := StatusStarted
	if err != nil {
		status = StatusError
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", id),
			slog.String("error", err.Error()))
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok = s.jobs[id]
	if !ok {
		return nil
	}
	next, nerr := s.CalculateNextRun(job, now)
	if nerr != nil {
		return nerr
	}
	job.LastRunAt = &now
	job.NextRunAt = &next
	job.LastRunStatus = status
	job.Runs++
	if inst != nil {
		job.LastInstanceID = inst.ID
	}
	return nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the first run of job after from.
func (s *Scheduler) CalculateNextRun(job *Job, from time.Time) (time.Time, error) {
	if job.Every > 0 {
		return from.Add(job.Every), nil
	}
	schedule, err := s.parser.Parse(job.Cron)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "parse cron expression %q: %s", job.Cron, err.Error()).
			WithCause(err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
