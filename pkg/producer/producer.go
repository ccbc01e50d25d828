// Package producer implements the resilience core of the tracing-probe
// producer: the connection state machine toward the tracing service and the
// orchestrator that routes lifecycle, flush and incremental-state commands
// to probe instances, arms per-probe fatal deadlines, and propagates derived
// metadata between cooperating probes within a session.
//
// Connection state transition diagram:
//
//	                  +----------------------------+
//	                  v                            +
//	NotStarted -> NotConnected -> Connecting -> Connected
//	                  ^              +
//	                  +--------------+
//
// Everything here runs on a single task runner; the transport and the kernel
// event controller marshal their callbacks onto it, so no locking is needed.
package producer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/probed/pkg/domain"
	"github.com/yairfalse/probed/pkg/probes"
	"github.com/yairfalse/probed/pkg/probes/filemap"
	"github.com/yairfalse/probed/pkg/probes/kernelevents"
	"github.com/yairfalse/probed/pkg/probes/procmeta"
	"github.com/yairfalse/probed/pkg/probes/selftrace"
	"github.com/yairfalse/probed/pkg/task"
	"github.com/yairfalse/probed/pkg/transport"
	"github.com/yairfalse/probed/pkg/watchdog"
)

const (
	initialConnectionBackoff = 100 * time.Millisecond
	maxConnectionBackoff     = 30 * time.Second

	// startStopTimeoutBase pads the fatal stop deadline derived from a
	// bounded trace duration.
	startStopTimeoutBase = 5 * time.Second

	sharedMemSizeHint     = 1024 * 1024
	sharedMemPageSizeHint = 32 * 1024

	// Memory ceiling applied once the shared transport buffer is known:
	// buffer size plus slack, enforced over a fixed window.
	watchdogMemorySlack  = 32 * 1024 * 1024
	watchdogMemoryWindow = 30 * time.Second
)

// State is the connection state toward the tracing service.
type State int

const (
	StateNotStarted State = iota
	StateNotConnected
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateNotConnected:
		return "not_connected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Config holds the producer's static configuration.
type Config struct {
	// Identity names this producer to the tracing service.
	Identity string

	// TraceFSRoot locates the kernel event facility. Empty selects the
	// platform default.
	TraceFSRoot string

	// FlushTimeout bounds how long a flush request may stay pending before
	// it is force-completed.
	FlushTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Identity:     "probed.producer",
		FlushTimeout: time.Second,
	}
}

// Producer is the top-level coordinator. Not safe for concurrent use: every
// method except ActivateTrigger must be invoked on the task runner.
type Producer struct {
	logger *zap.Logger
	runner *task.Runner
	dial   transport.ConnectFunc
	cfg    Config

	state        State
	endpointAddr string
	endpoint     transport.Endpoint
	backoff      *backoff.ExponentialBackOff

	// dataSources owns every live probe instance, keyed by the id the
	// service assigned. sessionDataSources is a side index: per session,
	// instances grouped by descriptor pointer for cross-probe lookup.
	dataSources        map[domain.InstanceID]probes.DataSource
	sessionDataSources map[domain.SessionID]map[*probes.Descriptor][]probes.DataSource

	pendingFlushes map[domain.FlushRequestID]map[domain.InstanceID]struct{}
	watchdogs      map[domain.InstanceID]*watchdog.FatalTimer

	kernelController     *kernelevents.Controller
	kernelCreationFailed bool

	reconnectAttempts metric.Int64Counter
	flushTimeouts     metric.Int64Counter
	triggersActivated metric.Int64Counter
	triggerFailures   metric.Int64Counter
}

// New creates a producer bound to the given runner and transport dialer.
func New(logger *zap.Logger, runner *task.Runner, dial transport.ConnectFunc, cfg Config) *Producer {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	if cfg.Identity == "" {
		cfg.Identity = DefaultConfig().Identity
	}
	p := &Producer{
		logger: logger,
		runner: runner,
		dial:   dial,
		cfg:    cfg,
	}
	p.initMetrics()
	p.resetState()
	return p
}

func (p *Producer) initMetrics() {
	meter := otel.Meter("probed.producer")
	var err error
	p.reconnectAttempts, err = meter.Int64Counter("producer_reconnect_attempts_total",
		metric.WithDescription("Connection attempts scheduled after a failure"))
	if err != nil {
		p.logger.Warn("Failed to create reconnect counter", zap.Error(err))
	}
	p.flushTimeouts, err = meter.Int64Counter("producer_flush_timeouts_total",
		metric.WithDescription("Flush requests force-completed after timing out"))
	if err != nil {
		p.logger.Warn("Failed to create flush timeout counter", zap.Error(err))
	}
	p.triggersActivated, err = meter.Int64Counter("producer_triggers_activated_total",
		metric.WithDescription("Triggers successfully forwarded to the service"))
	if err != nil {
		p.logger.Warn("Failed to create trigger counter", zap.Error(err))
	}
	p.triggerFailures, err = meter.Int64Counter("producer_trigger_failures_total",
		metric.WithDescription("Triggers dropped or rejected"))
	if err != nil {
		p.logger.Warn("Failed to create trigger failure counter", zap.Error(err))
	}
}

// resetState rebuilds every owned collection from empty. Only the externally
// supplied dialer, runner, logger and endpoint address survive a reset.
func (p *Producer) resetState() {
	for _, t := range p.watchdogs {
		t.Dispose()
	}
	p.dataSources = make(map[domain.InstanceID]probes.DataSource)
	p.sessionDataSources = make(map[domain.SessionID]map[*probes.Descriptor][]probes.DataSource)
	p.pendingFlushes = make(map[domain.FlushRequestID]map[domain.InstanceID]struct{})
	p.watchdogs = make(map[domain.InstanceID]*watchdog.FatalTimer)
	p.kernelController = nil
	p.kernelCreationFailed = false

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialConnectionBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxConnectionBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	p.backoff = b
}

// State returns the current connection state.
func (p *Producer) State() State { return p.state }

// ConnectWithRetries starts the connection loop toward the given endpoint.
// Valid only once, before any connection has been attempted; reconnection
// after failures is handled internally.
func (p *Producer) ConnectWithRetries(endpointAddr string) {
	if p.state != StateNotStarted {
		p.logger.DPanic("ConnectWithRetries called twice", zap.String("state", p.state.String()))
		return
	}
	p.state = StateNotConnected
	p.backoff.Reset()
	p.endpointAddr = endpointAddr
	p.connect()
}

func (p *Producer) connect() {
	if p.state != StateNotConnected {
		p.logger.DPanic("connect in unexpected state", zap.String("state", p.state.String()))
		return
	}
	p.state = StateConnecting
	p.endpoint = p.dial(p.endpointAddr, p, p.runner, transport.Options{
		Identity:                 p.cfg.Identity,
		ScrapingMode:             transport.ScrapingDisabled,
		SharedMemorySizeHint:     sharedMemSizeHint,
		SharedMemoryPageSizeHint: sharedMemPageSizeHint,
	})
}

// OnConnect implements transport.Callbacks.
func (p *Producer) OnConnect() {
	if p.state != StateConnecting {
		p.logger.DPanic("OnConnect in unexpected state", zap.String("state", p.state.String()))
		return
	}
	p.state = StateConnected
	p.backoff.Reset()
	p.logger.Info("Connected to the tracing service", zap.String("endpoint", p.endpointAddr))

	// Generate all descriptors first, register second: if filling one
	// descriptor stalls, we don't want a half-registered producer.
	descs := make([]domain.DataSourceDescriptor, 0, len(allDataSources))
	for _, traits := range allDataSources {
		d := domain.DataSourceDescriptor{
			Name:              traits.desc.Name,
			WillNotifyOnStart: true,
			WillNotifyOnStop:  true,
		}
		if traits.desc.Flags&probes.FlagHandlesIncrementalState != 0 {
			d.HandlesIncrementalStateClear = true
		}
		if traits.desc.FillDescriptor != nil {
			traits.desc.FillDescriptor(&d)
		}
		descs = append(descs, d)
	}
	for _, d := range descs {
		p.endpoint.RegisterDataSource(d)
	}
}

// OnDisconnect implements transport.Callbacks. Losing an established
// connection triggers a full restart; a failed attempt schedules a retry
// with doubled backoff.
func (p *Producer) OnDisconnect() {
	if p.state != StateConnected && p.state != StateConnecting {
		p.logger.DPanic("OnDisconnect in unexpected state", zap.String("state", p.state.String()))
		return
	}
	p.logger.Info("Disconnected from the tracing service")
	if p.state == StateConnected {
		p.runner.Post(p.restart)
		return
	}

	p.state = StateNotConnected
	delay := p.backoff.NextBackOff()
	if p.reconnectAttempts != nil {
		p.reconnectAttempts.Add(context.Background(), 1)
	}
	p.logger.Info("Scheduling reconnection", zap.Duration("backoff", delay))
	p.runner.PostDelayed(p.connect, delay)
}

// restart discards every session, instance and derived cache and rebuilds
// the producer from empty state before reconnecting to the same endpoint.
// Handling a partial recovery in place is error prone; accepting a brief
// collection gap is the simpler contract.
func (p *Producer) restart() {
	p.logger.Warn("Restarting producer after losing the service connection")
	if p.endpoint != nil {
		_ = p.endpoint.Close()
		p.endpoint = nil
	}
	addr := p.endpointAddr
	p.resetState()
	p.state = StateNotStarted
	p.ConnectWithRetries(addr)
}

// SetupDataSource implements transport.Callbacks. On factory failure no
// instance is registered; later Start/Stop calls for the id degrade to
// logged no-ops.
func (p *Producer) SetupDataSource(id domain.InstanceID, cfg *probes.Config) {
	p.logger.Debug("Setting up data source",
		zap.Uint64("instance", uint64(id)), zap.String("name", cfg.Name))
	if _, dup := p.dataSources[id]; dup {
		p.logger.DPanic("Duplicate data source instance id", zap.Uint64("instance", uint64(id)))
		return
	}
	if cfg.SessionID == 0 {
		p.logger.DPanic("Setup without a session id", zap.String("name", cfg.Name))
		return
	}

	var ds probes.DataSource
	if traits := traitsByName(cfg.Name); traits != nil {
		ds = traits.create(p, cfg.SessionID, cfg)
	}
	if ds == nil {
		p.logger.Error("Failed to create data source",
			zap.String("name", cfg.Name), zap.Uint64("instance", uint64(id)))
		return
	}

	idx := p.sessionDataSources[cfg.SessionID]
	if idx == nil {
		idx = make(map[*probes.Descriptor][]probes.DataSource)
		p.sessionDataSources[cfg.SessionID] = idx
	}
	desc := ds.ProbeBase().Desc
	idx[desc] = append(idx[desc], ds)
	p.dataSources[id] = ds
}

// StartDataSource implements transport.Callbacks. For bounded sessions it
// arms a fatal deadline sized base + 2x the trace duration; a probe still
// running past it takes the whole process down.
func (p *Producer) StartDataSource(id domain.InstanceID, cfg *probes.Config) {
	ds, ok := p.dataSources[id]
	if !ok {
		// Happens when setup failed, e.g. the kernel facility was busy.
		p.logger.Error("Cannot start data source, not found", zap.Uint64("instance", uint64(id)))
		return
	}
	base := ds.ProbeBase()
	if base.Started {
		return
	}
	if cfg.TraceDuration > 0 {
		deadline := startStopTimeoutBase + 2*cfg.TraceDuration
		p.watchdogs[id] = watchdog.GetInstance().CreateFatalTimer(deadline)
	}
	base.Started = true
	ds.Start()
	p.endpoint.NotifyDataSourceStarted(id)
}

// StopDataSource implements transport.Callbacks.
func (p *Producer) StopDataSource(id domain.InstanceID) {
	ds, ok := p.dataSources[id]
	if !ok {
		p.logger.Error("Cannot stop data source, not found", zap.Uint64("instance", uint64(id)))
		return
	}
	p.logger.Info("Stopping data source", zap.Uint64("instance", uint64(id)))

	base := ds.ProbeBase()

	// The self-tracing probe gets one last synchronous flush so the other
	// probes' flushes around this stop are themselves recorded.
	if base.Desc == &selftrace.Descriptor {
		ds.Flush(0, func() {})
	}

	p.endpoint.NotifyDataSourceStopped(id)

	if idx, ok := p.sessionDataSources[base.Session]; ok {
		list := idx[base.Desc]
		for i, candidate := range list {
			if candidate == ds {
				idx[base.Desc] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(idx[base.Desc]) == 0 {
			delete(idx, base.Desc)
		}
		if len(idx) == 0 {
			delete(p.sessionDataSources, base.Session)
		}
	}

	ds.Stop()
	delete(p.dataSources, id)
	if t, ok := p.watchdogs[id]; ok {
		t.Dispose()
		delete(p.watchdogs, id)
	}
}

// Flush implements transport.Callbacks. Pending entries are recorded for
// every eligible instance before any probe is asked to flush, so a
// synchronous ack cannot complete the request early.
func (p *Producer) Flush(req domain.FlushRequestID, instances []domain.InstanceID) {
	eligible := make([]domain.InstanceID, 0, len(instances))
	for _, id := range instances {
		ds, ok := p.dataSources[id]
		if !ok || !ds.ProbeBase().Started {
			continue
		}
		pending := p.pendingFlushes[req]
		if pending == nil {
			pending = make(map[domain.InstanceID]struct{})
			p.pendingFlushes[req] = pending
		}
		pending[id] = struct{}{}
		eligible = append(eligible, id)
	}

	// Nothing to flush: ack immediately.
	if len(eligible) == 0 {
		p.endpoint.NotifyFlushComplete(req)
		return
	}

	for _, id := range eligible {
		ds := p.dataSources[id]
		instance := id
		ds.Flush(req, func() {
			p.runner.Post(func() { p.onDataSourceFlushComplete(req, instance) })
		})
	}

	p.runner.PostDelayed(func() { p.onFlushTimeout(req) }, p.cfg.FlushTimeout)
}

func (p *Producer) onDataSourceFlushComplete(req domain.FlushRequestID, id domain.InstanceID) {
	p.logger.Debug("Flush acked",
		zap.Uint64("request", uint64(req)), zap.Uint64("instance", uint64(id)))
	pending, ok := p.pendingFlushes[req]
	if !ok {
		// Already force-completed by the timeout, or wiped by a restart.
		return
	}
	delete(pending, id)
	if len(pending) > 0 {
		return
	}
	delete(p.pendingFlushes, req)
	p.endpoint.NotifyFlushComplete(req)
}

func (p *Producer) onFlushTimeout(req domain.FlushRequestID) {
	pending, ok := p.pendingFlushes[req]
	if !ok {
		return // All acked in time.
	}
	p.logger.Error("Flush timed out",
		zap.Uint64("request", uint64(req)), zap.Int("pending", len(pending)))
	if p.flushTimeouts != nil {
		p.flushTimeouts.Add(context.Background(), 1)
	}
	delete(p.pendingFlushes, req)
	p.endpoint.NotifyFlushComplete(req)
}

// ClearIncrementalState implements transport.Callbacks. Unknown or stopped
// instances are silently skipped.
func (p *Producer) ClearIncrementalState(instances []domain.InstanceID) {
	for _, id := range instances {
		ds, ok := p.dataSources[id]
		if !ok || !ds.ProbeBase().Started {
			continue
		}
		ds.ClearIncrementalState()
	}
}

// OnTracingSetup implements transport.Callbacks. Once the shared transport
// buffer exists, its size plus slack becomes the process memory ceiling.
func (p *Producer) OnTracingSetup() {
	// No shared memory in in-process setups.
	size, ok := p.endpoint.SharedMemorySize()
	if !ok {
		return
	}
	if err := watchdog.GetInstance().SetMemoryLimit(size+watchdogMemorySlack, watchdogMemoryWindow); err != nil {
		p.logger.Fatal("Invalid watchdog memory window", zap.Error(err))
	}
}

// ActivateTrigger forwards a trigger to the service. Fire-and-forget: safe
// to call from any goroutine, the outcome is only logged and counted.
func (p *Producer) ActivateTrigger(name string) {
	p.runner.Post(func() {
		if p.state != StateConnected || p.endpoint == nil {
			p.logger.Warn("Dropping trigger, not connected", zap.String("trigger", name))
			if p.triggerFailures != nil {
				p.triggerFailures.Add(context.Background(), 1)
			}
			return
		}
		if err := p.endpoint.ActivateTriggers([]string{name}); err != nil {
			p.logger.Warn("Failed to activate trigger", zap.String("trigger", name), zap.Error(err))
			if p.triggerFailures != nil {
				p.triggerFailures.Add(context.Background(), 1)
			}
			return
		}
		p.logger.Debug("Trigger activated", zap.String("trigger", name))
		if p.triggersActivated != nil {
			p.triggersActivated.Add(context.Background(), 1)
		}
	})
}

// OnKernelEventsWritten runs after a kernel-event batch has been written
// into trace buffers. For every session it drains each started kernel-event
// instance's metadata and multicasts it to the cooperating probes of that
// session: renames before new pids to the process-metadata probes that opted
// in, file mappings to the file-mapping probes. This is the only place where
// probes are coupled to each other.
func (p *Producer) OnKernelEventsWritten() {
	for _, idx := range p.sessionDataSources {
		kernelList := idx[&kernelevents.Descriptor]
		procMetaList := idx[&procmeta.Descriptor]
		fileMapList := idx[&filemap.Descriptor]

		// More than one kernel-event instance can exist per session; each
		// one's metadata is drained independently.
		for _, kds := range kernelList {
			kernel := kds.(*kernelevents.DataSource)
			if !kernel.ProbeBase().Started {
				continue
			}
			md := kernel.MutableMetadata()

			for _, pds := range procMetaList {
				pm := pds.(*procmeta.DataSource)
				if !pm.ProbeBase().Started || !pm.OnDemandDumpsEnabled() {
					continue
				}
				// Renames first, so a renamed process is re-scraped under
				// its new identity by the new-pid pass.
				if len(md.RenamePids) > 0 {
					pm.OnRenamePids(md.RenamePids)
				}
				if len(md.NewPids) > 0 {
					pm.OnNewPids(md.NewPids)
				}
			}

			for _, fds := range fileMapList {
				fm := fds.(*filemap.DataSource)
				if !fm.ProbeBase().Started {
					continue
				}
				if len(md.FileMappings) > 0 {
					fm.OnFileMappings(md.FileMappings)
				}
			}

			md.Clear()
		}
	}
}

// Close tears the producer down: disarms deadlines and closes the endpoint.
// Must run on the task runner, before the runner itself quits.
func (p *Producer) Close() {
	for id, t := range p.watchdogs {
		t.Dispose()
		delete(p.watchdogs, id)
	}
	if p.endpoint != nil {
		_ = p.endpoint.Close()
		p.endpoint = nil
	}
}
