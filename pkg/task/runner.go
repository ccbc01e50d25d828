// Package task provides the single-threaded cooperative domain the producer
// runs on. Every lifecycle, flush and propagation operation executes on one
// goroutine in posting order, so the producer needs no internal locking.
package task

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner executes posted functions sequentially on a single goroutine.
type Runner struct {
	logger *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []func()
	quitting bool

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}

	done chan struct{}
}

// New creates a runner and starts its goroutine.
func New(logger *zap.Logger) *Runner {
	r := &Runner{
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.loop()
	return r
}

// Post schedules fn to run on the runner goroutine. Safe to call from any
// goroutine, including the runner's own. Tasks posted after Quit are dropped.
func (r *Runner) Post(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quitting {
		r.logger.Debug("Dropping task posted after runner quit")
		return
	}
	r.queue = append(r.queue, fn)
	r.cond.Signal()
}

// PostDelayed schedules fn to run on the runner goroutine after d elapses.
func (r *Runner) PostDelayed(fn func(), d time.Duration) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.timerMu.Lock()
		delete(r.timers, t)
		r.timerMu.Unlock()
		r.Post(fn)
	})
	r.timers[t] = struct{}{}
}

// Quit stops the runner after the currently queued tasks have run and waits
// for the goroutine to exit. Pending delayed tasks are cancelled.
func (r *Runner) Quit() {
	r.timerMu.Lock()
	for t := range r.timers {
		t.Stop()
	}
	r.timers = make(map[*time.Timer]struct{})
	r.timerMu.Unlock()

	r.mu.Lock()
	if r.quitting {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.quitting = true
	r.cond.Signal()
	r.mu.Unlock()
	<-r.done
}

func (r *Runner) loop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.quitting {
			r.cond.Wait()
		}
		if len(r.queue) == 0 && r.quitting {
			r.mu.Unlock()
			return
		}
		fn := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		fn()
	}
}
