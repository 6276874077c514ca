package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Func is the body of a scheduled task. ctx is cancelled when the task or the
// scheduler stops.
type Func func(ctx context.Context)

// Scheduler owns timers and loops so they can all be cancelled on teardown.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]*Task

	stopOnce sync.Once
}

// Task is a handle to one scheduled timer or loop.
type Task struct {
	id     uint64
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	owner  *Scheduler
	done   chan struct{}
}

// NewScheduler creates a scheduler bound to parent.
func NewScheduler(parent context.Context, logger zerolog.Logger) *Scheduler {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tasks:  make(map[uint64]*Task),
	}
}

// After runs fn once after delay unless cancelled first.
func (s *Scheduler) After(name string, delay time.Duration, fn Func) *Task {
	task := s.newTask(name)
	if task == nil {
		return nil
	}

	go func() {
		defer s.wg.Done()
		defer s.finish(task)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			s.run(task, fn)
		case <-task.ctx.Done():
		}
	}()
	return task
}

// Every runs fn every interval until cancelled. Runs never overlap; a tick
// that fires while fn is still running is skipped.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func) *Task {
	if interval <= 0 {
		return nil
	}
	task := s.newTask(name)
	if task == nil {
		return nil
	}

	go func() {
		defer s.wg.Done()
		defer s.finish(task)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.run(task, fn)
			case <-task.ctx.Done():
				return
			}
		}
	}()
	return task
}

// Go runs fn once immediately as a tracked task.
func (s *Scheduler) Go(name string, fn Func) *Task {
	return s.After(name, 0, fn)
}

// Len returns the number of live tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every task and waits for running bodies to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// Context is cancelled when the scheduler stops.
func (s *Scheduler) Context() context.Context {
	return s.ctx
}

func (s *Scheduler) newTask(name string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil
	}
	s.nextID++
	ctx, cancel := context.WithCancel(s.ctx)
	task := &Task{
		id:     s.nextID,
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		owner:  s,
		done:   make(chan struct{}),
	}
	s.tasks[task.id] = task
	s.wg.Add(1)
	return task
}

func (s *Scheduler) finish(task *Task) {
	task.cancel()
	s.mu.Lock()
	delete(s.tasks, task.id)
	s.mu.Unlock()
	close(task.done)
}

func (s *Scheduler) run(task *Task, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("task", task.name).
				Str("panic", fmt.Sprint(r)).
				Msg("scheduled task panicked")
		}
	}()
	fn(task.ctx)
}

// Cancel stops the task. Safe to call more than once and on a nil task.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancel()
}

// Done is closed after the task has finished or been cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Name returns the label given at scheduling time.
func (t *Task) Name() string {
	return t.name
}

// Generation is a liveness counter. Work captures the value when it starts and
// drops its result if Valid reports false when it finishes.
type Generation struct {
	value atomic.Uint64
}

// Current returns the live generation.
func (g *Generation) Current() uint64 {
	return g.value.Load()
}

// Valid reports whether gen is still the live generation.
func (g *Generation) Valid(gen uint64) bool {
	return g.value.Load() == gen
}

// Advance invalidates all outstanding work and returns the new generation.
func (g *Generation) Advance() uint64 {
	return g.value.Add(1)
}
