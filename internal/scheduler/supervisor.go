// Package scheduler runs the periodic lifecycle tasks (queue drain, sweep,
// health probe) under one supervisor with a shared shutdown.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-sales-quotes/internal/metrics"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

// Task is a unit of periodic work.
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the task immediately instead of after the first interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Supervisor owns one goroutine per task. Runs of the same task never overlap;
// a run that outlasts its interval delays the next tick.
type Supervisor struct {
	tasks []Task
	log   *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewSupervisor creates a supervisor for tasks.
func NewSupervisor(log *logger.Logger, tasks ...Task) *Supervisor {
	return &Supervisor{tasks: tasks, log: log.Component("scheduler")}
}

// Start launches every task. It fails if a task has no interval or the
// supervisor is already running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler: already started")
	}
	for _, task := range s.tasks {
		if task.Interval <= 0 {
			return fmt.Errorf("scheduler: task %s has no interval", task.Name)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(runCtx, task)
	}

	s.log.Info().Int("tasks", len(s.tasks)).Msg("Scheduler started")
	return nil
}

// Stop cancels every task and waits for in-flight runs, or until ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// RunOnce runs the named task synchronously.
func (s *Supervisor) RunOnce(ctx context.Context, name string) error {
	for _, task := range s.tasks {
		if task.Name == name {
			return s.run(ctx, task)
		}
	}
	return fmt.Errorf("scheduler: unknown task %s", name)
}

func (s *Supervisor) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	if task.RunOnStart {
		_ = s.run(ctx, task)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.run(ctx, task)
		}
	}
}

func (s *Supervisor) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
			metrics.TaskRunsTotal.WithLabelValues(task.Name, "panic").Inc()
			s.log.Error().Str("task", task.Name).Interface("panic", r).Msg("Scheduled task panicked")
		}
	}()

	start := time.Now()
	err = task.Run(ctx)
	if err != nil {
		metrics.TaskRunsTotal.WithLabelValues(task.Name, "error").Inc()
		if ctx.Err() == nil {
			s.log.Error().Err(err).Str("task", task.Name).Msg("Scheduled task failed")
		}
		return err
	}

	metrics.TaskRunsTotal.WithLabelValues(task.Name, "ok").Inc()
	s.log.Debug().Str("task", task.Name).Dur("took", time.Since(start)).Msg("Scheduled task completed")
	return nil
}
