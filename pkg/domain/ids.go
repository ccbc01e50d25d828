// Package domain holds the identifiers and wire-facing types shared between
// the producer, the probes and the transport.
package domain

// SessionID identifies a tracing session. Assigned by the tracing service;
// zero is never a valid session.
type SessionID uint64

// InstanceID identifies one activated probe instance within the producer.
// Assigned by the tracing service.
type InstanceID uint64

// FlushRequestID identifies one service-initiated flush request.
type FlushRequestID uint64

// BufferID identifies a shared-memory trace buffer on the service side.
type BufferID uint16

// DataSourceDescriptor is the registration record sent to the tracing
// service for each probe type the producer can instantiate.
type DataSourceDescriptor struct {
	Name                         string
	WillNotifyOnStart            bool
	WillNotifyOnStop             bool
	HandlesIncrementalStateClear bool

	// Capabilities holds probe-specific capability strings filled in by the
	// descriptor-fill hook, if the probe type declares one.
	Capabilities []string
}
