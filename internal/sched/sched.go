// Package sched provides the deferred-work primitives both governors are
// built on: a Worker that executes task functions one at a time, and
// cancelable Tasks that can be armed with a delay or run immediately.
//
// Cancellation comes in two strengths. Cancel is best-effort: it unarms
// the task but an execution that already started keeps running.
// CancelAndWait additionally blocks until any in-flight execution has
// finished and guarantees the task cannot fire afterwards, including
// re-arms the task function issued while it was draining.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

var (
	testHookStopLoop func() bool
)

// Worker executes submitted task functions serially on a single
// goroutine. Tasks bound to the same Worker never overlap.
type Worker struct {
	log       logr.Logger
	queue     chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
}

func NewWorker(name string, log logr.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		log:    log.WithName(name),
		queue:  make(chan func(), 32),
		ctx:    ctx,
		cancel: cancel,
	}

	w.waitGroup.Add(1)
	go w.runLoop(ctx)

	return w
}

// Stop shuts the worker down and waits for the currently executing task
// function, if any, to finish.
func (w *Worker) Stop() {
	w.cancel()
	w.waitGroup.Wait()
	w.log.V(5).Info("worker stopped")
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.waitGroup.Done()

	for {
		if testHookStopLoop != nil {
			if testHookStopLoop() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case fn := <-w.queue:
			fn()
		}
	}
}

func (w *Worker) submit(fn func()) {
	select {
	case w.queue <- fn:
	case <-w.ctx.Done():
		w.log.V(5).Info("dropping submission, worker stopped")
	}
}

// Task is a named unit of deferrable work bound to a Worker. A task has
// at most one pending arming at a time; re-arming supersedes the
// previous one.
type Task struct {
	name   string
	worker *Worker
	fn     func()

	mu      sync.Mutex
	idle    *sync.Cond
	timer   *time.Timer
	gen     uint64
	pending bool
	running bool
}

// NewTask binds fn to the worker under the given name. The task starts
// unarmed.
func (w *Worker) NewTask(name string, fn func()) *Task {
	t := &Task{
		name:   name,
		worker: w,
		fn:     fn,
	}
	t.idle = sync.NewCond(&t.mu)

	return t
}

// Schedule arms the task to execute after the given delay, superseding
// any previous arming.
func (t *Task) Schedule(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	gen := t.gen
	t.pending = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delay, func() {
		t.worker.submit(func() { t.run(gen) })
	})
}

// Now enqueues the task for immediate execution, superseding any
// previous arming.
func (t *Task) Now() {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.pending = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	t.worker.submit(func() { t.run(gen) })
}

// Cancel unarms the task and reports whether it was pending. An
// execution that has already started is not interrupted.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasPending := t.pending
	t.unarmLocked()

	return wasPending
}

// CancelAndWait unarms the task and blocks until no execution of it is
// in flight. On return the task cannot fire until it is armed again.
//
// Safe to call from a task function on the same worker: executions are
// serialized, so the target cannot be mid-run while the caller's own
// task function is running.
func (t *Task) CancelAndWait() {
	t.mu.Lock()
	for {
		t.unarmLocked()
		if !t.running {
			break
		}
		t.idle.Wait()
		// Loop to unarm anything the task function re-armed while we
		// were waiting for it to drain.
	}
	t.mu.Unlock()
}

// Pending reports whether the task is armed and has not started
// executing yet.
func (t *Task) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.pending
}

func (t *Task) unarmLocked() {
	t.pending = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Task) run(gen uint64) {
	t.mu.Lock()
	if !t.pending || gen != t.gen {
		// Canceled or superseded after this execution was queued.
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.running = true
	t.mu.Unlock()

	t.fn()

	t.mu.Lock()
	t.running = false
	t.idle.Broadcast()
	t.mu.Unlock()
}
