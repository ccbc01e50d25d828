// Package probes defines the minimal surface every data-source probe exposes
// to the producer: an immutable per-type descriptor, a per-instance base
// record, and the lifecycle operations the producer drives.
package probes

import (
	"time"

	"github.com/yairfalse/probed/pkg/domain"
)

// DescriptorFlags declares static capabilities of a probe type.
type DescriptorFlags uint32

const (
	// FlagHandlesIncrementalState marks probe types that keep incremental
	// state (dedup caches, interned tables) the service may ask to clear.
	FlagHandlesIncrementalState DescriptorFlags = 1 << iota
)

// Descriptor is the static, immutable description of one probe type.
// Exactly one Descriptor value exists per probe type; the producer indexes
// instances by descriptor pointer, not by name, once a lookup has resolved.
type Descriptor struct {
	Name  string
	Flags DescriptorFlags

	// FillDescriptor, when non-nil, decorates the wire descriptor sent to
	// the service at registration time.
	FillDescriptor func(*domain.DataSourceDescriptor)
}

// Base carries the per-instance bookkeeping shared by all probes. Probe
// implementations embed it; the producer owns the started flag and never
// touches anything else inside the probe.
type Base struct {
	Session domain.SessionID
	Desc    *Descriptor
	Started bool
}

// ProbeBase returns the embedded base record.
func (b *Base) ProbeBase() *Base { return b }

// DataSource is one activated probe instance. All methods are invoked on the
// producer's task runner; implementations need no internal locking for state
// that is only touched from these callbacks.
type DataSource interface {
	ProbeBase() *Base

	// Start begins collection. The producer sets the started flag before
	// calling it.
	Start()

	// Stop tears the instance down. After Stop returns the producer drops
	// its reference and the instance is gone.
	Stop()

	// Flush commits all data collected so far and invokes done once the
	// data has reached the trace buffer. done may be called synchronously.
	Flush(id domain.FlushRequestID, done func())

	// ClearIncrementalState drops any incremental caches so the next write
	// is self-contained. Only called on started instances.
	ClearIncrementalState()
}

// Config is the per-instance configuration the service sends with a setup
// request.
type Config struct {
	// Name selects the probe type in the registry.
	Name string

	// SessionID is the owning tracing session. Always nonzero.
	SessionID domain.SessionID

	// TargetBuffer is the trace buffer instances write into.
	TargetBuffer domain.BufferID

	// TraceDuration bounds the session when nonzero. The producer derives a
	// fatal stop deadline from it.
	TraceDuration time.Duration

	KernelEvents    KernelEventsConfig
	ProcessMetadata ProcessMetadataConfig
}

// KernelEventsConfig configures a kernel-event probe instance.
type KernelEventsConfig struct {
	// Events lists the kernel event groups to enable.
	Events []string

	// CollectFileMappings makes the probe collect file-to-storage-object
	// mappings for delivery to file-mapping probes in the same session.
	CollectFileMappings bool
}

// ProcessMetadataConfig configures a process-metadata probe instance.
type ProcessMetadataConfig struct {
	// OnDemandDumps opts the instance in to pid notifications propagated
	// from kernel-event probes in the same session.
	OnDemandDumps bool
}
