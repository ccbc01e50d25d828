// Package watchdog enforces hard resource ceilings on the producer process.
// A background polling goroutine samples memory and CPU usage over sliding
// windows and unconditionally terminates the process when a full window's
// mean exceeds a configured limit. The package also provides one-shot fatal
// deadline timers that abort the process if not disarmed in time.
//
// Termination is deliberately not cooperative: the whole point of the
// watchdog is to act when the normal control flow is stuck.
package watchdog

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultPollingInterval is how often the watchdog samples resource usage.
const DefaultPollingInterval = 30 * time.Second

// ErrInvalidWindow is returned when a nonzero limit is configured with a
// window that is not an exact multiple of the polling interval. Callers
// treat it as a fatal configuration error.
type ErrInvalidWindow struct {
	Window   time.Duration
	Interval time.Duration
}

func (e *ErrInvalidWindow) Error() string {
	return "watchdog window " + e.Window.String() +
		" is not a multiple of the polling interval " + e.Interval.String()
}

// ErrInvalidCPULimit is returned for CPU limits above 100 percent.
type ErrInvalidCPULimit struct{ Percent uint32 }

func (e *ErrInvalidCPULimit) Error() string {
	return "cpu limit must be between 0 and 100 percent"
}

// Watchdog is the process-wide resource watchdog. Obtain it via GetInstance.
type Watchdog struct {
	pollingInterval time.Duration

	mu               sync.Mutex
	logger           *zap.Logger
	started          bool
	quit             chan struct{}
	done             chan struct{}
	memoryWindow     WindowedInterval
	memoryLimitBytes uint64
	cpuWindow        WindowedInterval
	cpuLimitPercent  uint32

	// Test seams. source defaults to /proc/self/stat, terminate to SIGABRT.
	source    statSource
	terminate func()
}

var (
	instance     *Watchdog
	instanceOnce sync.Once
)

// GetInstance returns the process-wide watchdog, creating it lazily on first
// access.
func GetInstance() *Watchdog {
	instanceOnce.Do(func() {
		instance = newWatchdog(DefaultPollingInterval, nil, abortProcess, zap.NewNop())
	})
	return instance
}

func newWatchdog(interval time.Duration, source statSource, terminate func(), logger *zap.Logger) *Watchdog {
	return &Watchdog{
		pollingInterval: interval,
		logger:          logger,
		source:          source,
		terminate:       terminate,
	}
}

// SetLogger replaces the watchdog logger. Call once during bootstrap, before
// Start.
func (w *Watchdog) SetLogger(logger *zap.Logger) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger = logger
}

// SetPollingInterval changes the sampling cadence. Call during bootstrap,
// before any limit is armed and before Start; later calls are ignored.
func (w *Watchdog) SetPollingInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || d <= 0 {
		return
	}
	w.pollingInterval = d
}

// Start spawns the polling goroutine. Idempotent.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	go w.pollLoop()
}

// Shutdown signals the polling goroutine to exit and waits for it. Tolerates
// a never-started watchdog. The process-wide instance is torn down at most
// once, at process exit.
func (w *Watchdog) Shutdown() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.quit)
	done := w.done
	w.mu.Unlock()
	<-done
}

// SetMemoryLimit arms the memory ceiling: once the mean resident size over
// the window exceeds bytes, the process is terminated. A zero limit disables
// enforcement and always succeeds; otherwise the window must be an exact
// multiple of the polling interval.
func (w *Watchdog) SetMemoryLimit(bytes uint64, window time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bytes != 0 && !isMultipleOf(window, w.pollingInterval) {
		return &ErrInvalidWindow{Window: window, Interval: w.pollingInterval}
	}
	size := 0
	if bytes != 0 {
		size = int(window/w.pollingInterval) + 1
	}
	w.memoryWindow.Reset(size)
	w.memoryLimitBytes = bytes
	return nil
}

// SetCPULimit arms the CPU ceiling as a percentage (0..100) of one CPU over
// the window. A zero limit disables enforcement and always succeeds.
func (w *Watchdog) SetCPULimit(percent uint32, window time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if percent > 100 {
		return &ErrInvalidCPULimit{Percent: percent}
	}
	if percent != 0 && !isMultipleOf(window, w.pollingInterval) {
		return &ErrInvalidWindow{Window: window, Interval: w.pollingInterval}
	}
	size := 0
	if percent != 0 {
		size = int(window/w.pollingInterval) + 1
	}
	w.cpuWindow.Reset(size)
	w.cpuLimitPercent = percent
	return nil
}

func (w *Watchdog) pollLoop() {
	defer close(w.done)

	src := w.source
	if src == nil {
		s, err := newProcfsStatSource()
		if err != nil {
			// Fail open: without a stat source the limits cannot be
			// enforced, but the producer keeps running.
			w.logger.Error("Failed to open stat source, resource limits not enforced", zap.Error(err))
			return
		}
		src = s
	}

	for {
		select {
		case <-w.quit:
			return
		case <-time.After(w.pollingInterval):
		}

		sample, err := src.read()
		if err != nil {
			// The stat format is a stable kernel ABI. A read failing after
			// the source opened means a broken platform assumption.
			w.logger.Fatal("Failed to read process stat", zap.Error(err))
		}

		w.mu.Lock()
		w.checkMemory(sample.rssBytes)
		w.checkCPU(sample.cpuTicks)
		w.mu.Unlock()
	}
}

func (w *Watchdog) checkMemory(rssBytes uint64) {
	if w.memoryLimitBytes == 0 {
		return
	}
	if !w.memoryWindow.Push(rssBytes) {
		return
	}
	mean := w.memoryWindow.Mean()
	if mean > float64(w.memoryLimitBytes) {
		w.logger.Error("Memory watchdog triggered",
			zap.Float64("mean_bytes", mean),
			zap.Uint64("limit_bytes", w.memoryLimitBytes))
		w.terminate()
	}
}

func (w *Watchdog) checkCPU(cpuTicks uint64) {
	if w.cpuLimitPercent == 0 {
		return
	}
	if !w.cpuWindow.Push(cpuTicks) {
		return
	}
	usedTicks := w.cpuWindow.NewestWhenFull() - w.cpuWindow.OldestWhenFull()
	windowTime := time.Duration(w.cpuWindow.Size()-1) * w.pollingInterval
	windowTicks := windowTime.Seconds() * clockTicksPerSecond
	percent := float64(usedTicks) / windowTicks * 100
	if percent > float64(w.cpuLimitPercent) {
		w.logger.Error("CPU watchdog triggered",
			zap.Float64("used_percent", percent),
			zap.Uint32("limit_percent", w.cpuLimitPercent))
		w.terminate()
	}
}

func isMultipleOf(window, interval time.Duration) bool {
	return window >= interval && window%interval == 0
}

func abortProcess() {
	_ = unix.Kill(os.Getpid(), unix.SIGABRT)
}
