// Package filemap implements the file-mapping probe. It turns
// file-to-storage-object pairs collected by kernel-event probes in the same
// session into trace records, deduplicating per incremental-state epoch.
package filemap

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/yairfalse/probed/pkg/domain"
	"github.com/yairfalse/probed/pkg/probes"
	"github.com/yairfalse/probed/pkg/probes/kernelevents"
	"github.com/yairfalse/probed/pkg/transport"
)

// Descriptor is the static descriptor for the file-mapping probe type.
var Descriptor = probes.Descriptor{
	Name:  "linux.file_mappings",
	Flags: probes.FlagHandlesIncrementalState,
}

// DataSource is one file-mapping probe instance.
type DataSource struct {
	probes.Base

	logger *zap.Logger
	writer transport.TraceWriter

	seen map[kernelevents.FileMapping]struct{}
}

// New creates an instance.
func New(session domain.SessionID, cfg *probes.Config, writer transport.TraceWriter, logger *zap.Logger) *DataSource {
	return &DataSource{
		Base:   probes.Base{Session: session, Desc: &Descriptor},
		logger: logger,
		writer: writer,
		seen:   make(map[kernelevents.FileMapping]struct{}),
	}
}

func (ds *DataSource) Start() {
	ds.logger.Info("File mapping collection started",
		zap.Uint64("session", uint64(ds.Session)))
}

func (ds *DataSource) Stop() {}

func (ds *DataSource) Flush(id domain.FlushRequestID, done func()) {
	ds.writer.Flush(done)
}

// ClearIncrementalState drops the dedup set so every mapping is re-emitted.
func (ds *DataSource) ClearIncrementalState() {
	ds.seen = make(map[kernelevents.FileMapping]struct{})
}

type mappingRecord struct {
	Type   string `json:"type"`
	Device uint64 `json:"device"`
	Inode  uint64 `json:"inode"`
}

// OnFileMappings receives a propagation batch from the producer.
func (ds *DataSource) OnFileMappings(mappings []kernelevents.FileMapping) {
	for _, m := range mappings {
		if _, dup := ds.seen[m]; dup {
			continue
		}
		ds.seen[m] = struct{}{}
		payload, err := json.Marshal(mappingRecord{Type: "file_mapping", Device: m.Device, Inode: m.Inode})
		if err != nil {
			ds.logger.Warn("Failed to encode file mapping", zap.Error(err))
			continue
		}
		if err := ds.writer.Write(payload); err != nil {
			ds.logger.Warn("Failed to write file mapping", zap.Error(err))
		}
	}
}
