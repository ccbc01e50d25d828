// Package transport defines the producer-side view of the IPC channel to the
// tracing service. The wire protocol itself lives behind the Endpoint
// interface; this package only fixes the surface the producer consumes and
// the callbacks the service drives.
package transport

import (
	"github.com/yairfalse/probed/pkg/domain"
	"github.com/yairfalse/probed/pkg/probes"
	"github.com/yairfalse/probed/pkg/task"
)

// ScrapingMode controls whether the service may scrape the shared memory
// buffer on flush on the producer's behalf.
type ScrapingMode int

const (
	ScrapingDisabled ScrapingMode = iota
	ScrapingEnabled
)

// Options carries the connection parameters beyond the endpoint address.
type Options struct {
	// Identity names this producer to the service.
	Identity string

	ScrapingMode ScrapingMode

	// SharedMemorySizeHint and SharedMemoryPageSizeHint size the shared
	// buffer the service allocates for this producer, in bytes.
	SharedMemorySizeHint     int
	SharedMemoryPageSizeHint int
}

// TraceWriter writes serialized trace records into one service-side buffer.
type TraceWriter interface {
	// Write appends one serialized record.
	Write(payload []byte) error

	// Flush commits buffered records and invokes done when they have
	// reached the service buffer. done may run synchronously.
	Flush(done func())

	Close() error
}

// Callbacks is the service-driven surface the producer implements. All
// callbacks are delivered on the producer's task runner.
type Callbacks interface {
	OnConnect()
	OnDisconnect()

	// OnTracingSetup fires once the shared transport buffer is available.
	OnTracingSetup()

	SetupDataSource(id domain.InstanceID, cfg *probes.Config)
	StartDataSource(id domain.InstanceID, cfg *probes.Config)
	StopDataSource(id domain.InstanceID)
	Flush(id domain.FlushRequestID, instances []domain.InstanceID)
	ClearIncrementalState(instances []domain.InstanceID)
}

// Endpoint is the connected producer session with the tracing service.
type Endpoint interface {
	RegisterDataSource(desc domain.DataSourceDescriptor)
	NotifyDataSourceStarted(id domain.InstanceID)
	NotifyDataSourceStopped(id domain.InstanceID)
	NotifyFlushComplete(id domain.FlushRequestID)
	ActivateTriggers(names []string) error
	CreateTraceWriter(buf domain.BufferID) TraceWriter

	// SharedMemorySize reports the shared buffer size in bytes. ok is false
	// when no shared memory exists, e.g. for in-process test setups.
	SharedMemorySize() (bytes uint64, ok bool)

	Close() error
}

// ConnectFunc asynchronously establishes a session. It returns the endpoint
// handle immediately; connection outcome arrives via cbs.OnConnect or
// cbs.OnDisconnect on the runner.
type ConnectFunc func(endpoint string, cbs Callbacks, runner *task.Runner, opts Options) Endpoint
