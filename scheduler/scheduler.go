// SPDX-License-Identifier: GPL-3.0-or-later

// Package scheduler wraps a background job scheduler (C9, spec §4.9). Jobs
// are triggered on an interval, a cron-like recurring schedule, or a single
// future date; at most one execution of a given job runs at a time (spec
// property P8). No scheduler library ships among this module's dependencies,
// so triggers are expressed as a small [Trigger] interface over time.Timer
// rather than reaching for a cron parser nobody in the retrieval pack uses.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wumode/mitmpilot-core/obslog"
	"golang.org/x/sync/errgroup"
)

// Status is a scheduled job's run state (spec §4.11 "Scheduled task" state machine).
type Status string

const (
	StatusWaiting Status = "Waiting"
	StatusRunning Status = "Running"
)

// JobFunc is a scheduled job's body.
type JobFunc func(ctx context.Context) error

// Trigger computes the next time a job should fire, given the last fire time
// (the zero [time.Time] on first call).
type Trigger interface {
	Next(last time.Time) time.Time
	// Describe returns a human-readable trigger description for [Scheduler.List].
	Describe() string
}

// IntervalTrigger fires every Period, starting Period after registration.
type IntervalTrigger struct{ Period time.Duration }

func (t IntervalTrigger) Next(last time.Time) time.Time {
	if last.IsZero() {
		return time.Now().Add(t.Period)
	}
	return last.Add(t.Period)
}
func (t IntervalTrigger) Describe() string { return fmt.Sprintf("every %s", t.Period) }

// DateTrigger fires exactly once, at At.
type DateTrigger struct{ At time.Time }

func (t DateTrigger) Next(last time.Time) time.Time {
	if !last.IsZero() {
		return time.Time{} // already fired; never again
	}
	return t.At
}
func (t DateTrigger) Describe() string { return "at " + t.At.Format(time.RFC3339) }

// CronTrigger fires once per day at Hour:Minute local time. The source's
// APScheduler cron trigger supports the full cron grammar; here it backs an
// addon service's "cron" trigger (hour and minute only), and no day-of-week
// or day-of-month fields are supported — see DESIGN.md.
type CronTrigger struct {
	Hour, Minute int
}

func (t CronTrigger) Next(last time.Time) time.Time {
	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
func (t CronTrigger) Describe() string { return fmt.Sprintf("daily at %02d:%02d", t.Hour, t.Minute) }

// job is one registered, schedulable unit.
type job struct {
	id      string
	name    string
	ownerID string // addon id, "" for built-in jobs
	trigger Trigger
	fn      JobFunc

	mu      sync.Mutex
	running bool
	lastRun time.Time
	nextRun time.Time
	timer   *time.Timer
}

// JobInfo is the read-only view [Scheduler.List] returns (spec §4.9 "list()").
type JobInfo struct {
	ID      string
	Name    string
	Trigger string
	Status  Status
	NextRun time.Time
}

// Scheduler is the job registry and dispatcher (C9).
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	pool    chan struct{} // bounds concurrently running jobs
	logger  obslog.SLogger
	classify obslog.ErrClassifier
	stopped bool
	wg      sync.WaitGroup
}

// Config tunes the [Scheduler]'s worker pool.
type Config struct {
	PoolSize int
	Logger   obslog.SLogger
	Classify obslog.ErrClassifier
}

// NewConfig returns the scheduler's defaults: a pool of 10 concurrent jobs.
func NewConfig() Config {
	return Config{PoolSize: 10, Logger: obslog.DefaultSLogger(), Classify: obslog.DefaultErrClassifier}
}

// New constructs a [Scheduler] from cfg.
func New(cfg Config) *Scheduler {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = obslog.DefaultSLogger()
	}
	if cfg.Classify == nil {
		cfg.Classify = obslog.DefaultErrClassifier
	}
	return &Scheduler{
		jobs:     make(map[string]*job),
		pool:     make(chan struct{}, cfg.PoolSize),
		logger:   cfg.Logger,
		classify: cfg.Classify,
	}
}

// Register adds a job and arms its trigger (spec §4.9 register(jobId,
// trigger, func, kwargs); kwargs are folded into fn's closure by the caller).
func (s *Scheduler) Register(ctx context.Context, id, name, ownerID string, trigger Trigger, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	j := &job{id: id, name: name, ownerID: ownerID, trigger: trigger, fn: fn}
	s.jobs[id] = j
	s.armLocked(ctx, j)
}

func (s *Scheduler) armLocked(ctx context.Context, j *job) {
	j.mu.Lock()
	next := j.trigger.Next(j.lastRun)
	j.nextRun = next
	j.mu.Unlock()
	if next.IsZero() {
		return
	}
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	// Add happens-before time.AfterFunc starts the timer goroutine that will
	// eventually call Done, satisfying sync.WaitGroup's contract that Add
	// must precede any concurrent Wait observing a zero counter (spec §5
	// graceful shutdown: Stop must never return while a fire is pending).
	s.wg.Add(1)
	j.timer = time.AfterFunc(delay, func() { s.fire(ctx, j) })
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	defer s.wg.Done()

	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		s.logger.Warn("scheduler: job already running, skipping", "job_id", j.id)
		s.rearm(ctx, j)
		return
	}
	j.running = true
	j.mu.Unlock()

	s.pool <- struct{}{}
	func() {
		defer func() { <-s.pool }()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduler: job panicked", "job_id", j.id, "panic", r)
			}
		}()
		if err := j.fn(ctx); err != nil {
			class := s.classify.Classify(err)
			s.logger.Error("scheduler: job failed", "job_id", j.id, "error", err, "class", class)
		}
	}()

	j.mu.Lock()
	j.running = false
	j.lastRun = time.Now()
	j.mu.Unlock()

	s.rearm(ctx, j)
}

func (s *Scheduler) rearm(ctx context.Context, j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.jobs[j.id]; !ok {
		return // removed while running
	}
	s.armLocked(ctx, j)
}

// Start runs one occurrence of jobID immediately, outside its normal
// schedule. If the job is already running, logs and returns without
// executing (spec §4.9 start(jobId)).
func (s *Scheduler) Start(ctx context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", jobID)
	}
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		s.logger.Warn("scheduler: start requested while already running", "job_id", jobID)
		return nil
	}
	j.running = true
	j.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pool <- struct{}{}
		func() {
			defer func() { <-s.pool }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("scheduler: job panicked", "job_id", j.id, "panic", r)
				}
			}()
			if err := j.fn(ctx); err != nil {
				class := s.classify.Classify(err)
				s.logger.Error("scheduler: job failed", "job_id", j.id, "error", err, "class", class)
			}
		}()

		j.mu.Lock()
		j.running = false
		j.lastRun = time.Now()
		j.mu.Unlock()
	}()
	return nil
}

// Remove drops jobID and stops its timer.
func (s *Scheduler) Remove(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		if j.timer != nil && j.timer.Stop() {
			s.wg.Done() // the stopped fire will never run to release its count
		}
		delete(s.jobs, jobID)
	}
}

// RemoveByOwner drops every job owned by ownerID (an addon being stopped,
// spec §4.9 "removeByOwner(addonId)").
func (s *Scheduler) RemoveByOwner(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if j.ownerID == ownerID {
			if j.timer != nil && j.timer.Stop() {
				s.wg.Done()
			}
			delete(s.jobs, id)
		}
	}
}

// List returns state for every registered job (spec §4.9 list()).
func (s *Scheduler) List() []JobInfo {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		status := StatusWaiting
		if j.running {
			status = StatusRunning
		}
		out = append(out, JobInfo{ID: j.id, Name: j.name, Trigger: j.trigger.Describe(), Status: status, NextRun: j.nextRun})
		j.mu.Unlock()
	}
	return out
}

// Stop prevents further job firings and awaits any job currently in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, j := range s.jobs {
		if j.timer != nil && j.timer.Stop() {
			s.wg.Done()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// RunAll invokes a set of callables concurrently via errgroup and returns
// the first error, without canceling the others.
func RunAll(ctx context.Context, fns ...func(ctx context.Context) error) error {
	var g errgroup.Group
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}
