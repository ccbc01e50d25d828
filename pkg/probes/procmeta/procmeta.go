// Package procmeta implements the process-metadata probe. It scrapes process
// identity (command line, thread-group mapping) from procfs, either for the
// whole process table at start or on demand for pids propagated from
// kernel-event probes in the same session.
package procmeta

import (
	"encoding/json"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/yairfalse/probed/pkg/domain"
	"github.com/yairfalse/probed/pkg/probes"
	"github.com/yairfalse/probed/pkg/transport"
)

// Descriptor is the static descriptor for the process-metadata probe type.
var Descriptor = probes.Descriptor{
	Name:  "linux.process_metadata",
	Flags: probes.FlagHandlesIncrementalState,
}

// DataSource is one process-metadata probe instance.
type DataSource struct {
	probes.Base

	logger *zap.Logger
	writer transport.TraceWriter
	cfg    probes.ProcessMetadataConfig
	fs     procfs.FS

	// scraped dedups pids already written since the last incremental-state
	// clear; renames punch through so the new identity is re-scraped.
	scraped map[int32]struct{}
}

// New creates an instance. A procfs mount failure is a recoverable
// construction failure surfaced as a nil instance by the factory.
func New(session domain.SessionID, cfg *probes.Config, writer transport.TraceWriter, logger *zap.Logger) (*DataSource, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &DataSource{
		Base:    probes.Base{Session: session, Desc: &Descriptor},
		logger:  logger,
		writer:  writer,
		cfg:     cfg.ProcessMetadata,
		fs:      fs,
		scraped: make(map[int32]struct{}),
	}, nil
}

// OnDemandDumpsEnabled reports whether this instance opted in to pid
// notifications from kernel-event probes.
func (ds *DataSource) OnDemandDumpsEnabled() bool {
	return ds.cfg.OnDemandDumps
}

// Start performs nothing eagerly; scraping happens on demand. An instance
// without on-demand dumps only answers explicit flushes.
func (ds *DataSource) Start() {
	ds.logger.Info("Process metadata collection started",
		zap.Uint64("session", uint64(ds.Session)),
		zap.Bool("on_demand_dumps", ds.cfg.OnDemandDumps))
}

func (ds *DataSource) Stop() {}

// Flush commits scraped records and acks via done.
func (ds *DataSource) Flush(id domain.FlushRequestID, done func()) {
	ds.writer.Flush(done)
}

// ClearIncrementalState drops the scrape dedup cache.
func (ds *DataSource) ClearIncrementalState() {
	ds.scraped = make(map[int32]struct{})
}

// OnRenamePids re-scrapes processes whose identity changed. Delivered before
// OnNewPids for the same batch so the new identity wins.
func (ds *DataSource) OnRenamePids(pids []int32) {
	for _, pid := range pids {
		delete(ds.scraped, pid)
		ds.scrapePid(pid, "proc_rename")
	}
}

// OnNewPids scrapes processes first seen in a kernel-event batch. Pids
// already scraped since the last clear are skipped.
func (ds *DataSource) OnNewPids(pids []int32) {
	for _, pid := range pids {
		if _, done := ds.scraped[pid]; done {
			continue
		}
		ds.scrapePid(pid, "proc_new")
	}
}

// processRecord is the serialized form of one scraped process.
type processRecord struct {
	Type string `json:"type"`
	Pid  int32  `json:"pid"`
	Ppid int    `json:"ppid,omitempty"`
	Comm string `json:"comm,omitempty"`
}

func (ds *DataSource) scrapePid(pid int32, recordType string) {
	proc, err := ds.fs.Proc(int(pid))
	if err != nil {
		// The process can be gone by the time the metadata arrives.
		return
	}
	stat, err := proc.Stat()
	if err != nil {
		return
	}
	ds.scraped[pid] = struct{}{}
	payload, err := json.Marshal(processRecord{
		Type: recordType,
		Pid:  pid,
		Ppid: stat.PPID,
		Comm: stat.Comm,
	})
	if err != nil {
		ds.logger.Warn("Failed to encode process record", zap.Error(err))
		return
	}
	if err := ds.writer.Write(payload); err != nil {
		ds.logger.Warn("Failed to write process record", zap.Error(err))
	}
}
