// Package microtask provides the deferred-flush primitive used in place of a
// JavaScript microtask checkpoint. Work scheduled during a synchronous turn
// runs, in order, when the host loop drains the queue at the end of the turn.
package microtask

import (
	"fmt"
	"log/slog"
	"sync"
)

// Scheduler defers fn to the next checkpoint.
type Scheduler interface {
	Schedule(fn func())
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(fn func())

func (f SchedulerFunc) Schedule(fn func()) { f(fn) }

// Immediate runs scheduled work synchronously.
var Immediate Scheduler = SchedulerFunc(func(fn func()) { fn() })

// Queue is a FIFO of deferred tasks. Schedule may be called from any
// goroutine; Drain runs tasks on the calling goroutine.
type Queue struct {
	mu       sync.Mutex
	tasks    []func()
	draining bool
	logger   *slog.Logger
}

func NewQueue() *Queue {
	return &Queue{}
}

// WithLogger sets the logger used to report panicking tasks.
func (q *Queue) WithLogger(logger *slog.Logger) *Queue {
	q.mu.Lock()
	q.logger = logger
	q.mu.Unlock()
	return q
}

func (q *Queue) Schedule(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
}

// Pending returns the number of tasks waiting for the next Drain.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Drain runs queued tasks until none remain, including tasks scheduled by the
// tasks themselves, and returns how many ran. A nested call made from inside
// a running task returns 0; the outer Drain picks the work up.
func (q *Queue) Drain() int {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return 0
	}
	q.draining = true
	q.mu.Unlock()

	ran := 0
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.draining = false
			q.mu.Unlock()
			return ran
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(task)
		ran++
	}
}

// Turn runs fn and drains the queue afterwards, the way an event loop ends a
// synchronous turn.
func (q *Queue) Turn(fn func()) {
	fn()
	q.Drain()
}

func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log().Error("microtask panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	task()
}

func (q *Queue) log() *slog.Logger {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.logger != nil {
		return q.logger
	}
	return slog.Default()
}

var (
	defaultOnce  sync.Once
	defaultQueue *Queue
)

// Default returns the process-wide queue, created on first use.
func Default() *Queue {
	defaultOnce.Do(func() {
		defaultQueue = NewQueue()
	})
	return defaultQueue
}
