package kernelevents

// FileMapping is one file-to-storage-object association observed in the
// kernel event stream.
type FileMapping struct {
	Device uint64
	Inode  uint64
}

// Metadata is the per-batch derived metadata a kernel-event probe hands off
// to cooperating probes in the same session. The producer drains and clears
// it after every batch write.
type Metadata struct {
	// RenamePids holds processes whose identity changed during the batch.
	// They must be delivered before NewPids so a renamed process is
	// re-scraped under its new identity.
	RenamePids []int32

	// NewPids holds processes first seen during the batch.
	NewPids []int32

	// FileMappings holds file-to-storage-object pairs collected during the
	// batch, for file-mapping probes.
	FileMappings []FileMapping
}

// AddRenamePid records a renamed process.
func (m *Metadata) AddRenamePid(pid int32) {
	m.RenamePids = append(m.RenamePids, pid)
}

// AddNewPid records a newly seen process.
func (m *Metadata) AddNewPid(pid int32) {
	m.NewPids = append(m.NewPids, pid)
}

// AddFileMapping records a file-to-storage-object pair.
func (m *Metadata) AddFileMapping(fm FileMapping) {
	m.FileMappings = append(m.FileMappings, fm)
}

// Empty reports whether the batch carries nothing to propagate.
func (m *Metadata) Empty() bool {
	return len(m.RenamePids) == 0 && len(m.NewPids) == 0 && len(m.FileMappings) == 0
}

// Clear resets the batch in place, keeping the backing arrays.
func (m *Metadata) Clear() {
	m.RenamePids = m.RenamePids[:0]
	m.NewPids = m.NewPids[:0]
	m.FileMappings = m.FileMappings[:0]
}
