package watchdog

import (
	"time"

	"go.uber.org/zap"
)

// FatalTimer is a one-shot dead-man's switch: if it is not disarmed before
// the deadline, the process is terminated with SIGABRT. It has no dependency
// on the polling loop and fires even if every other goroutine is stuck.
type FatalTimer struct {
	timer *time.Timer
}

// CreateFatalTimer arms a fatal deadline d from now.
func (w *Watchdog) CreateFatalTimer(d time.Duration) *FatalTimer {
	w.mu.Lock()
	logger := w.logger
	terminate := w.terminate
	w.mu.Unlock()

	t := time.AfterFunc(d, func() {
		logger.Error("Fatal watchdog timer elapsed", zap.Duration("deadline", d))
		terminate()
	})
	return &FatalTimer{timer: t}
}

// Dispose disarms the timer. Safe to call more than once. There is
// deliberately no way to recover a timer that has already fired.
func (ft *FatalTimer) Dispose() {
	if ft == nil || ft.timer == nil {
		return
	}
	ft.timer.Stop()
	ft.timer = nil
}
