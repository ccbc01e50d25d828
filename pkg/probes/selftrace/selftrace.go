// Package selftrace implements the self-tracing probe: it records the
// producer's own lifecycle milestones so the service can see what the
// producer was doing around the events it collects. On stop the producer
// gives it one final synchronous flush so the flushes of the other probes in
// the session are themselves recorded.
package selftrace

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/probed/pkg/domain"
	"github.com/yairfalse/probed/pkg/probes"
	"github.com/yairfalse/probed/pkg/transport"
)

// Descriptor is the static descriptor for the self-tracing probe type.
var Descriptor = probes.Descriptor{
	Name: "probed.selftrace",
}

// DataSource is one self-tracing probe instance.
type DataSource struct {
	probes.Base

	logger *zap.Logger
	writer transport.TraceWriter
}

// New creates an instance.
func New(session domain.SessionID, cfg *probes.Config, writer transport.TraceWriter, logger *zap.Logger) *DataSource {
	return &DataSource{
		Base:   probes.Base{Session: session, Desc: &Descriptor},
		logger: logger,
		writer: writer,
	}
}

type milestone struct {
	Type string `json:"type"`
	Name string `json:"name"`
	TS   int64  `json:"ts_unix_nano"`
}

// RecordMilestone writes one producer lifecycle event.
func (ds *DataSource) RecordMilestone(name string) {
	payload, err := json.Marshal(milestone{Type: "milestone", Name: name, TS: time.Now().UnixNano()})
	if err != nil {
		ds.logger.Warn("Failed to encode milestone", zap.Error(err))
		return
	}
	if err := ds.writer.Write(payload); err != nil {
		ds.logger.Warn("Failed to write milestone", zap.Error(err))
	}
}

func (ds *DataSource) Start() {
	ds.RecordMilestone("selftrace_started")
}

func (ds *DataSource) Stop() {}

func (ds *DataSource) Flush(id domain.FlushRequestID, done func()) {
	ds.writer.Flush(done)
}

func (ds *DataSource) ClearIncrementalState() {}
