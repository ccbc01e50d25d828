package producer

import (
	"go.uber.org/zap"

	"github.com/yairfalse/probed/pkg/domain"
	"github.com/yairfalse/probed/pkg/probes"
	"github.com/yairfalse/probed/pkg/probes/filemap"
	"github.com/yairfalse/probed/pkg/probes/kernelevents"
	"github.com/yairfalse/probed/pkg/probes/procmeta"
	"github.com/yairfalse/probed/pkg/probes/selftrace"
)

// dataSourceTraits binds one probe type's static descriptor to its factory.
// A factory returns nil on a recoverable construction failure; the producer
// logs it and leaves no instance registered.
type dataSourceTraits struct {
	desc   *probes.Descriptor
	create func(p *Producer, session domain.SessionID, cfg *probes.Config) probes.DataSource
}

// allDataSources is the static catalog of probe types this producer can
// instantiate. Built at compile time, never mutated. Lookup is a linear scan;
// the table is small and setup is not a hot path.
var allDataSources = []dataSourceTraits{
	{&filemap.Descriptor, (*Producer).createFileMap},
	{&kernelevents.Descriptor, (*Producer).createKernelEvents},
	{&procmeta.Descriptor, (*Producer).createProcMeta},
	{&selftrace.Descriptor, (*Producer).createSelfTrace},
}

func traitsByName(name string) *dataSourceTraits {
	for i := range allDataSources {
		if allDataSources[i].desc.Name == name {
			return &allDataSources[i]
		}
	}
	return nil
}

func (p *Producer) createKernelEvents(session domain.SessionID, cfg *probes.Config) probes.DataSource {
	// Don't retry controller creation once it has failed: on locked-down
	// hosts the facility stays unreachable for the process lifetime.
	if p.kernelCreationFailed {
		return nil
	}
	if p.kernelController == nil {
		ctrl, err := kernelevents.NewController(p.cfg.TraceFSRoot, p.runner, p.logger, p.OnKernelEventsWritten)
		if err != nil {
			p.logger.Error("Failed to create kernel event controller", zap.Error(err))
			p.kernelCreationFailed = true
			return nil
		}
		ctrl.DisableAllEvents()
		ctrl.ClearTrace()
		p.kernelController = ctrl
	}

	ds := kernelevents.New(p.kernelController, session, cfg,
		p.endpoint.CreateTraceWriter(cfg.TargetBuffer), p.logger)
	if !ds.Attach() {
		p.logger.Error("Failed to attach kernel event data source",
			zap.Uint64("session", uint64(session)))
		return nil
	}
	return ds
}

func (p *Producer) createProcMeta(session domain.SessionID, cfg *probes.Config) probes.DataSource {
	ds, err := procmeta.New(session, cfg, p.endpoint.CreateTraceWriter(cfg.TargetBuffer), p.logger)
	if err != nil {
		p.logger.Error("Failed to create process metadata data source", zap.Error(err))
		return nil
	}
	return ds
}

func (p *Producer) createFileMap(session domain.SessionID, cfg *probes.Config) probes.DataSource {
	return filemap.New(session, cfg, p.endpoint.CreateTraceWriter(cfg.TargetBuffer), p.logger)
}

func (p *Producer) createSelfTrace(session domain.SessionID, cfg *probes.Config) probes.DataSource {
	return selftrace.New(session, cfg, p.endpoint.CreateTraceWriter(cfg.TargetBuffer), p.logger)
}
