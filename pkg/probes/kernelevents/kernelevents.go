// Package kernelevents implements the kernel-event probe: it batches
// low-level event records from the shared kernel facility into its session's
// trace buffer and collects derived metadata (process identity changes,
// file-to-storage-object mappings) for other probes in the same session.
package kernelevents

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/yairfalse/probed/pkg/domain"
	"github.com/yairfalse/probed/pkg/probes"
	"github.com/yairfalse/probed/pkg/transport"
)

// Descriptor is the static descriptor for the kernel-event probe type.
var Descriptor = probes.Descriptor{
	Name:  "linux.kernel_events",
	Flags: probes.FlagHandlesIncrementalState,
	FillDescriptor: func(d *domain.DataSourceDescriptor) {
		d.Capabilities = append(d.Capabilities, "batch_metadata")
	},
}

// DataSource is one kernel-event probe instance.
type DataSource struct {
	probes.Base

	logger     *zap.Logger
	controller *Controller
	writer     transport.TraceWriter
	cfg        probes.KernelEventsConfig

	metadata Metadata

	// seenPids dedups new-pid metadata within incremental state.
	seenPids map[int32]struct{}
}

// New creates an instance attached to the shared controller. Only the
// producer's factory calls it, after controller creation succeeded.
func New(controller *Controller, session domain.SessionID, cfg *probes.Config, writer transport.TraceWriter, logger *zap.Logger) *DataSource {
	return &DataSource{
		Base:       probes.Base{Session: session, Desc: &Descriptor},
		logger:     logger,
		controller: controller,
		writer:     writer,
		cfg:        cfg.KernelEvents,
		seenPids:   make(map[int32]struct{}),
	}
}

// Attach applies this instance's event configuration to the shared facility.
// Called by the factory; a false return aborts setup recoverably.
func (ds *DataSource) Attach() bool {
	return ds.controller.AddDataSource(ds)
}

// Start begins event collection for this instance.
func (ds *DataSource) Start() {
	ds.logger.Info("Kernel event collection started",
		zap.Uint64("session", uint64(ds.Session)),
		zap.Strings("events", ds.cfg.Events))
}

// Stop detaches from the shared facility.
func (ds *DataSource) Stop() {
	ds.controller.RemoveDataSource(ds)
}

// Flush commits buffered event pages and acks via done.
func (ds *DataSource) Flush(id domain.FlushRequestID, done func()) {
	ds.writer.Flush(done)
}

// ClearIncrementalState drops the pid dedup cache so the next batch reports
// every process as newly seen.
func (ds *DataSource) ClearIncrementalState() {
	ds.seenPids = make(map[int32]struct{})
}

// MutableMetadata exposes the pending per-batch metadata for the producer's
// propagation pass. The producer clears it after delivery.
func (ds *DataSource) MutableMetadata() *Metadata {
	return &ds.metadata
}

// kernelEventRecord is the serialized form of one batched event.
type kernelEventRecord struct {
	Type   string `json:"type"`
	Pid    int32  `json:"pid,omitempty"`
	Comm   string `json:"comm,omitempty"`
	Device uint64 `json:"device,omitempty"`
	Inode  uint64 `json:"inode,omitempty"`
}

// ObserveProcess records a process sighting from the event stream: first
// sightings become new-pid metadata, renames become rename metadata. Renames
// bypass the dedup cache so the identity change always propagates.
func (ds *DataSource) ObserveProcess(pid int32, comm string, renamed bool) {
	rec := kernelEventRecord{Type: "sched_process", Pid: pid, Comm: comm}
	if renamed {
		rec.Type = "sched_process_rename"
		ds.metadata.AddRenamePid(pid)
	} else if _, seen := ds.seenPids[pid]; !seen {
		ds.seenPids[pid] = struct{}{}
		ds.metadata.AddNewPid(pid)
	}
	ds.write(rec)
}

// ObserveFileAccess records a file access and, when configured, collects the
// file-to-storage-object mapping for file-mapping probes.
func (ds *DataSource) ObserveFileAccess(device, inode uint64) {
	ds.write(kernelEventRecord{Type: "file_access", Device: device, Inode: inode})
	if ds.cfg.CollectFileMappings {
		ds.metadata.AddFileMapping(FileMapping{Device: device, Inode: inode})
	}
}

func (ds *DataSource) write(rec kernelEventRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		ds.logger.Warn("Failed to encode kernel event record", zap.Error(err))
		return
	}
	if err := ds.writer.Write(payload); err != nil {
		ds.logger.Warn("Failed to write kernel event record", zap.Error(err))
	}
}
