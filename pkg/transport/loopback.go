package transport

import (
	"sync"

	"github.com/yairfalse/probed/pkg/domain"
	"github.com/yairfalse/probed/pkg/task"
)

// Loopback is an in-process stand-in for the tracing service. It connects
// immediately, records every producer-side call, and discards trace data.
// cmd/probed uses it for dry runs; the producer tests drive full
// connect/setup/start/flush cycles through it.
//
// All recorded state is mutex-guarded because the producer calls in from the
// runner goroutine while tests inspect from their own.
type Loopback struct {
	// SharedMemoryBytes, when nonzero, is reported via SharedMemorySize.
	// The zero default models in-process setups with no shared buffer.
	SharedMemoryBytes uint64

	// FailConnections makes the next n Connect attempts fail with an
	// immediate disconnect, to exercise the retry path.
	FailConnections int

	// HoldFlushes suppresses TraceWriter flush completion callbacks so
	// flush-timeout behavior can be observed.
	HoldFlushes bool

	mu            sync.Mutex
	cbs           Callbacks
	runner        *task.Runner
	connected     bool
	registered    []domain.DataSourceDescriptor
	started       []domain.InstanceID
	stopped       []domain.InstanceID
	flushComplete []domain.FlushRequestID
	triggers      []string
	writers       []*LoopbackWriter
}

// Connect implements ConnectFunc.
func (l *Loopback) Connect(endpoint string, cbs Callbacks, runner *task.Runner, opts Options) Endpoint {
	l.mu.Lock()
	l.cbs = cbs
	l.runner = runner
	fail := l.FailConnections > 0
	if fail {
		l.FailConnections--
	}
	l.mu.Unlock()

	if fail {
		runner.Post(cbs.OnDisconnect)
		return &loopbackEndpoint{parent: l}
	}

	runner.Post(func() {
		l.mu.Lock()
		l.connected = true
		l.mu.Unlock()
		cbs.OnConnect()
		cbs.OnTracingSetup()
	})
	return &loopbackEndpoint{parent: l}
}

// DropConnection severs the session from the service side, as a transport
// failure would.
func (l *Loopback) DropConnection() {
	l.mu.Lock()
	cbs := l.cbs
	runner := l.runner
	l.connected = false
	l.mu.Unlock()
	runner.Post(cbs.OnDisconnect)
}

// Registered returns the descriptors registered so far, in order.
func (l *Loopback) Registered() []domain.DataSourceDescriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.DataSourceDescriptor, len(l.registered))
	copy(out, l.registered)
	return out
}

// StartedInstances returns the ids for which a start notification arrived.
func (l *Loopback) StartedInstances() []domain.InstanceID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.InstanceID, len(l.started))
	copy(out, l.started)
	return out
}

// StoppedInstances returns the ids for which a stop notification arrived.
func (l *Loopback) StoppedInstances() []domain.InstanceID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.InstanceID, len(l.stopped))
	copy(out, l.stopped)
	return out
}

// FlushesCompleted returns the flush request ids acknowledged so far.
func (l *Loopback) FlushesCompleted() []domain.FlushRequestID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.FlushRequestID, len(l.flushComplete))
	copy(out, l.flushComplete)
	return out
}

// Triggers returns the trigger names activated so far.
func (l *Loopback) Triggers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.triggers))
	copy(out, l.triggers)
	return out
}

// Writers returns every trace writer handed out so far.
func (l *Loopback) Writers() []*LoopbackWriter {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*LoopbackWriter, len(l.writers))
	copy(out, l.writers)
	return out
}

type loopbackEndpoint struct {
	parent *Loopback
	closed bool
}

func (e *loopbackEndpoint) RegisterDataSource(desc domain.DataSourceDescriptor) {
	e.parent.mu.Lock()
	defer e.parent.mu.Unlock()
	e.parent.registered = append(e.parent.registered, desc)
}

func (e *loopbackEndpoint) NotifyDataSourceStarted(id domain.InstanceID) {
	e.parent.mu.Lock()
	defer e.parent.mu.Unlock()
	e.parent.started = append(e.parent.started, id)
}

func (e *loopbackEndpoint) NotifyDataSourceStopped(id domain.InstanceID) {
	e.parent.mu.Lock()
	defer e.parent.mu.Unlock()
	e.parent.stopped = append(e.parent.stopped, id)
}

func (e *loopbackEndpoint) NotifyFlushComplete(id domain.FlushRequestID) {
	e.parent.mu.Lock()
	defer e.parent.mu.Unlock()
	e.parent.flushComplete = append(e.parent.flushComplete, id)
}

func (e *loopbackEndpoint) ActivateTriggers(names []string) error {
	e.parent.mu.Lock()
	defer e.parent.mu.Unlock()
	e.parent.triggers = append(e.parent.triggers, names...)
	return nil
}

func (e *loopbackEndpoint) CreateTraceWriter(buf domain.BufferID) TraceWriter {
	w := &LoopbackWriter{parent: e.parent, Buffer: buf}
	e.parent.mu.Lock()
	defer e.parent.mu.Unlock()
	e.parent.writers = append(e.parent.writers, w)
	return w
}

func (e *loopbackEndpoint) SharedMemorySize() (uint64, bool) {
	if e.parent.SharedMemoryBytes == 0 {
		return 0, false
	}
	return e.parent.SharedMemoryBytes, true
}

func (e *loopbackEndpoint) Close() error {
	e.closed = true
	return nil
}

// LoopbackWriter records writes instead of transporting them.
type LoopbackWriter struct {
	parent *Loopback
	Buffer domain.BufferID

	mu       sync.Mutex
	payloads [][]byte
	held     []func()
}

func (w *LoopbackWriter) Write(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	w.payloads = append(w.payloads, buf)
	return nil
}

func (w *LoopbackWriter) Flush(done func()) {
	if done == nil {
		return
	}
	w.parent.mu.Lock()
	hold := w.parent.HoldFlushes
	w.parent.mu.Unlock()
	if hold {
		w.mu.Lock()
		w.held = append(w.held, done)
		w.mu.Unlock()
		return
	}
	done()
}

// ReleaseHeldFlushes invokes completion callbacks withheld by HoldFlushes.
func (w *LoopbackWriter) ReleaseHeldFlushes() {
	w.mu.Lock()
	held := w.held
	w.held = nil
	w.mu.Unlock()
	for _, done := range held {
		done()
	}
}

// Payloads returns the records written so far.
func (w *LoopbackWriter) Payloads() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.payloads))
	copy(out, w.payloads)
	return out
}

func (w *LoopbackWriter) Close() error { return nil }
