package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/tradeflow/internal/engine"
	"github.com/rendis/tradeflow/internal/store"
	"github.com/rendis/tradeflow/pkg/schema"
)

// statusPrefix namespaces persisted job status away from completion markers.
const statusPrefix = "scheduler/"

// WorkflowRunner is the interface the scheduler uses to run workflows.
// Satisfied by engine.Executor.
type WorkflowRunner interface {
	Execute(ctx context.Context, def *schema.WorkflowDefinition, ectx *engine.ExecutionContext) (*engine.ExecutionResult, error)
}

// Job runs a workflow on a cron schedule.
type Job struct {
	ID       string
	Cron     string
	Workflow *schema.WorkflowDefinition
}

// JobStatus is the persisted bookkeeping of a job.
type JobStatus struct {
	JobID         string           `json:"job_id"`
	WorkflowID    string           `json:"workflow_id"`
	Cron          string           `json:"cron"`
	LastRunAt     *time.Time       `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time       `json:"next_run_at,omitempty"`
	LastRunStatus schema.RunStatus `json:"last_run_status,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	Runs          int              `json:"runs"`
	Skipped       int              `json:"skipped"`
}

type entry struct {
	job     Job
	cronID  cron.EntryID
	sched   cron.Schedule
	status  JobStatus
	running bool
}

// Scheduler fires workflow runs from cron expressions. A job whose previous
// run is still in flight is skipped for that tick.
type Scheduler struct {
	runner WorkflowRunner
	store  store.StateStore
	parser cron.Parser
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a Scheduler. st may be nil, in which case job status
// lives in memory only.
func NewScheduler(runner WorkflowRunner, st store.StateStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		runner:  runner,
		store:   st,
		parser:  parser,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Add registers a job. When the scheduler is running the job starts firing
// immediately.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job id is required")
	}
	if job.Workflow == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "scheduled job %q has no workflow", job.ID)
	}
	sched, err := s.parser.Parse(job.Cron)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "scheduled job %q: parse cron expression %q: %s", job.ID, job.Cron, err.Error()).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}

	e := &entry{
		job:   job,
		sched: sched,
		status: JobStatus{
			JobID:      job.ID,
			WorkflowID: job.Workflow.ID,
			Cron:       job.Cron,
		},
	}
	if persisted, err := s.loadStatus(context.Background(), job.ID); err != nil {
		s.logger.Warn("failed to load scheduled job status",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else if persisted != nil && persisted.Cron == job.Cron {
		e.status = *persisted
	}
	s.entries[job.ID] = e

	if s.cron != nil {
		if err := s.register(e); err != nil {
			delete(s.entries, job.ID)
			return err
		}
	}
	return nil
}

// Remove unregisters a job. A run already in flight finishes.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", jobID)
	}
	if s.cron != nil && e.cronID != 0 {
		s.cron.Remove(e.cronID)
	}
	delete(s.entries, jobID)
	return nil
}

// Status returns a copy of a job's bookkeeping.
func (s *Scheduler) Status(jobID string) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	if !ok {
		return JobStatus{}, false
	}
	return e.status, true
}

// Jobs lists registered job ids in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start launches the cron loop. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(cronLogger{s.logger}),
	)
	for _, e := range s.entries {
		if err := s.register(e); err != nil {
			s.cancel()
			s.cron = nil
			return err
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.entries)))
	return nil
}

// Stop halts the cron loop, cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cron == nil {
		s.mu.Unlock()
		return nil
	}
	stopped := s.cron.Stop()
	s.cancel()
	s.cron = nil
	for _, e := range s.entries {
		e.cronID = 0
	}
	s.mu.Unlock()

	<-stopped.Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// RunNow runs a job synchronously. It returns CONFLICT when the job's
// previous run is still in flight.
func (s *Scheduler) RunNow(ctx context.Context, jobID string) (*engine.ExecutionResult, error) {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", jobID)
	}
	if !s.tryAcquire(e) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q is already running", jobID)
	}
	defer s.releaseJob(e)
	return s.runJob(ctx, e)
}

// RecoverMissed runs once every job whose persisted next run lies in the past.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	now := s.now().UTC()
	s.mu.Lock()
	due := make([]*entry, 0)
	for _, e := range s.entries {
		if e.status.NextRunAt != nil && e.status.NextRunAt.Before(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	recovered := 0
	for _, e := range due {
		if !s.tryAcquire(e) {
			continue
		}
		_, err := s.runJob(ctx, e)
		s.releaseJob(e)
		if err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", e.job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// register must be called with s.mu held.
func (s *Scheduler) register(e *entry) error {
	id, err := s.cron.AddFunc(e.job.Cron, func() { s.fire(e) })
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "scheduled job %q: %s", e.job.ID, err.Error()).WithCause(err)
	}
	e.cronID = id
	next := e.sched.Next(s.now()).UTC()
	e.status.NextRunAt = &next
	return nil
}

// fire is the cron callback.
func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if !s.tryAcquire(e) {
		s.mu.Lock()
		e.status.Skipped++
		skipped := e.status.Skipped
		s.mu.Unlock()
		s.logger.Warn("skipping scheduled run, previous run still in flight",
			slog.String("job_id", e.job.ID),
			slog.Int("skipped", skipped),
		)
		return
	}

	defer s.releaseJob(e)
	if _, err := s.runJob(ctx, e); err != nil {
		s.logger.Error("failed to run scheduled job",
			slog.String("job_id", e.job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// runJob executes one run of a job and records its outcome.
func (s *Scheduler) runJob(ctx context.Context, e *entry) (*engine.ExecutionResult, error) {
	s.logger.Info("running scheduled job",
		slog.String("job_id", e.job.ID),
		slog.String("workflow_id", e.job.Workflow.ID),
	)

	started := s.now().UTC()
	result, err := s.runner.Execute(ctx, e.job.Workflow, engine.ContextFor(e.job.Workflow, ""))

	s.mu.Lock()
	e.status.Runs++
	e.status.LastRunAt = &started
	next := e.sched.Next(s.now()).UTC()
	e.status.NextRunAt = &next
	e.status.LastError = ""
	switch {
	case err != nil:
		e.status.LastRunStatus = schema.RunStatusFailed
		e.status.LastError = err.Error()
	case result != nil:
		e.status.LastRunStatus = result.Status
		if result.Error != nil {
			e.status.LastError = result.Error.Error()
		}
	}
	status := e.status
	s.mu.Unlock()

	if perr := s.saveStatus(context.WithoutCancel(ctx), &status); perr != nil {
		s.logger.Warn("failed to persist scheduled job status",
			slog.String("job_id", e.job.ID),
			slog.String("error", perr.Error()),
		)
	}
	if err != nil {
		return nil, err
	}
	if result != nil && result.Status != schema.RunStatusCompleted {
		s.logger.Warn("scheduled run did not complete",
			slog.String("job_id", e.job.ID),
			slog.String("status", string(result.Status)),
		)
	}
	return result, nil
}

// tryAcquire marks the job as in flight unless it already is.
func (s *Scheduler) tryAcquire(e *entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	return true
}

func (s *Scheduler) releaseJob(e *entry) {
	s.mu.Lock()
	e.running = false
	s.mu.Unlock()
}

func (s *Scheduler) loadStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	if s.store == nil {
		return nil, nil
	}
	data, err := s.store.Get(ctx, statusPrefix+jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load status %s: %w", jobID, err)
	}
	var st JobStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", jobID, err)
	}
	return &st, nil
}

func (s *Scheduler) saveStatus(ctx context.Context, st *JobStatus) error {
	if s.store == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status %s: %w", st.JobID, err)
	}
	return s.store.Set(ctx, statusPrefix+st.JobID, data, 0)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
