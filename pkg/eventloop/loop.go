// Package eventloop provides the single logical thread on which all protocol
// state is mutated. Network goroutines and timers never touch protocol state
// directly: they post tasks onto a Loop, which runs them one at a time in the
// order they were posted.
package eventloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrLoopStopped is returned when waiting on a task posted to a stopped
	// loop.
	ErrLoopStopped = fmt.Errorf("event loop is stopped")
)

// Loop executes posted tasks sequentially on a dedicated goroutine.
type Loop struct {
	lock    sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

// New creates and starts a Loop.
func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.lock)
	go l.run()
	return l
}

// Execute posts fn to the loop. It never blocks the caller, the queue is
// unbounded so that network readers can't deadlock against the loop.
func (l *Loop) Execute(fn func()) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.stopped {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// ExecuteAndWait posts fn and blocks until it has run, the context is done
// or the loop is stopped.
func (l *Loop) ExecuteAndWait(ctx context.Context, fn func()) error {
	executed := make(chan struct{})

	l.lock.Lock()
	if l.stopped {
		l.lock.Unlock()
		return ErrLoopStopped
	}
	l.queue = append(l.queue, func() {
		defer close(executed)
		fn()
	})
	l.cond.Signal()
	l.lock.Unlock()

	select {
	case <-executed:
		return nil
	case <-l.done:
		select {
		case <-executed:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAfter schedules fn to be executed on the loop once d has elapsed.
func (l *Loop) RunAfter(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.timer = time.AfterFunc(d, func() {
		l.Execute(func() {
			if t.isStopped() {
				return
			}
			t.Stop()
			fn()
		})
	})
	return t
}

// RunPeriodically schedules fn to be executed on the loop every d until the
// returned timer is stopped.
func (l *Loop) RunPeriodically(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}

	var tick func()
	tick = func() {
		l.Execute(func() {
			if t.isStopped() {
				return
			}
			fn()
		})

		t.lock.Lock()
		defer t.lock.Unlock()
		if !t.stopped {
			t.timer = time.AfterFunc(d, tick)
		}
	}

	t.lock.Lock()
	t.timer = time.AfterFunc(d, tick)
	t.lock.Unlock()
	return t
}

// Stop terminates the loop. Tasks already queued are drained before the
// loop goroutine exits, anything posted afterwards is discarded.
func (l *Loop) Stop() {
	l.lock.Lock()
	if l.stopped {
		l.lock.Unlock()
		return
	}
	l.stopped = true
	l.cond.Signal()
	l.lock.Unlock()

	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.lock.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.stopped {
			l.lock.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.lock.Unlock()

		l.safeRun(task)
	}
}

func (l *Loop) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("event loop: recovered from panic in task: %v", r)
		}
	}()
	task()
}

// Timer is a handle to a task scheduled on the loop.
type Timer struct {
	loop *Loop

	lock    sync.Mutex
	timer   *time.Timer
	stopped bool
}

// Stop cancels the timer. It is idempotent and, once it returned, the task
// is guaranteed not to run, even if the underlying timer has already fired
// and the task is sitting in the loop queue.
func (t *Timer) Stop() {
	if t == nil {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *Timer) isStopped() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.stopped
}
