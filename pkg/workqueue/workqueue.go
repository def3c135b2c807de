// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package workqueue runs tasks from a FIFO queue on a fixed number of
// worker goroutines.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

const (
	lTask    = "task"
	lWorkers = "workers"
	lDropped = "dropped"
)

var (
	// ErrStopped is returned by Submit after Stop, and passed to OnFailure
	// for tasks that never started.
	ErrStopped = errors.New("work queue stopped")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("work queue already started")

	// ErrNoWorkers is returned by Start for a worker count below one.
	ErrNoWorkers = errors.New("work queue needs at least one worker")
)

// Task is a unit of work. Exactly one of OnSuccess and OnFailure is called
// for every task accepted by Submit.
type Task interface {
	Name() string
	Run(ctx context.Context) error
	OnSuccess()
	OnFailure(err error)
}

// Func is a Task built from closures. Nil callbacks are skipped.
type Func struct {
	TaskName string
	RunFunc  func(ctx context.Context) error
	Success  func()
	Failure  func(err error)
}

func (f *Func) Name() string {
	return f.TaskName
}

func (f *Func) Run(ctx context.Context) error {
	if f.RunFunc == nil {
		return nil
	}

	return f.RunFunc(ctx)
}

func (f *Func) OnSuccess() {
	if f.Success != nil {
		f.Success()
	}
}

func (f *Func) OnFailure(err error) {
	if f.Failure != nil {
		f.Failure(err)
	}
}

// PanicError wraps a panic raised by a task.
type PanicError struct {
	Task  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}

// Queue is a bounded-concurrency task runner.
type Queue struct {
	mu sync.Mutex
	// work is signaled when tasks are queued or the queue stops.
	work *sync.Cond
	// idle is signaled when a task finishes or the queue stops.
	idle *sync.Cond

	tasks   []Task
	working int
	started bool
	stopped bool

	ctx    context.Context //nolint:containedctx // Shared by all running tasks.
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log zerolog.Logger
}

// New returns a Queue. Tasks may be submitted before Start.
func New(logger *zerolog.Logger) *Queue {
	q := &Queue{
		log: logger.With().Str("pkg", "workqueue").Logger(),
	}

	q.work = sync.NewCond(&q.mu)
	q.idle = sync.NewCond(&q.mu)
	q.ctx, q.cancel = context.WithCancel(context.Background())

	return q
}

// Start launches n workers.
func (q *Queue) Start(n int) error {
	if n < 1 {
		return ErrNoWorkers
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}

	if q.started {
		return ErrAlreadyStarted
	}

	q.started = true

	q.wg.Add(n)

	for i := 0; i < n; i++ {
		go q.worker()
	}

	q.log.Debug().Int(lWorkers, n).Msg("work queue started")

	return nil
}

// Submit appends a task to the queue. It may be called from inside a
// running task.
func (q *Queue) Submit(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrStopped
	}

	q.tasks = append(q.tasks, t)
	q.work.Signal()

	q.log.Trace().Str(lTask, t.Name()).Msg("work added")

	return nil
}

// WaitAll blocks until the queue is empty and no task is running, or until
// the queue is stopped. Tasks submitted before Start keep it blocked until
// workers run them.
func (q *Queue) WaitAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.stopped && (len(q.tasks) > 0 || q.working > 0) {
		q.idle.Wait()
	}
}

// Stop cancels the context of running tasks, waits for workers to exit and
// fails every task that never started with ErrStopped. It is safe to call
// more than once.
func (q *Queue) Stop() {
	q.mu.Lock()

	if q.stopped {
		q.mu.Unlock()

		return
	}

	q.stopped = true
	dropped := q.tasks
	q.tasks = nil

	q.work.Broadcast()
	q.idle.Broadcast()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	for _, t := range dropped {
		q.finish(t, ErrStopped)
	}

	q.log.Debug().Int(lDropped, len(dropped)).Msg("work queue stopped")
}

// Working returns the number of running tasks.
func (q *Queue) Working() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.working
}

// Pending returns the number of queued tasks that have not started.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tasks)
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		q.mu.Lock()

		for len(q.tasks) == 0 && !q.stopped {
			q.work.Wait()
		}

		if q.stopped {
			q.mu.Unlock()

			return
		}

		t := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.working++
		q.mu.Unlock()

		q.log.Trace().Str(lTask, t.Name()).Msg("got work")

		q.finish(t, q.run(t))

		q.mu.Lock()
		q.working--
		q.idle.Broadcast()
		q.mu.Unlock()
	}
}

// run calls t.Run, turning a panic into a *PanicError.
func (q *Queue) run(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Task: t.Name(), Value: r, Stack: debug.Stack()}
		}
	}()

	return t.Run(q.ctx)
}

// finish routes the outcome of a task to its callbacks. A panicking
// callback is logged and otherwise ignored.
func (q *Queue) finish(t Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Str(lTask, t.Name()).Interface("panic", r).Msg("task completion panicked")
		}
	}()

	if err == nil {
		t.OnSuccess()

		return
	}

	var pErr *PanicError
	if errors.As(err, &pErr) {
		q.log.Error().Str(lTask, t.Name()).Err(err).Bytes("stack", pErr.Stack).Msg("work exception")
	} else if !errors.Is(err, ErrStopped) {
		q.log.Warn().Str(lTask, t.Name()).Err(err).Msg("work failed")
	}

	t.OnFailure(err)
}
