package watchdog

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// The kernel exports scheduler times in USER_HZ units, fixed at 100 on every
// architecture Linux supports through the userspace ABI.
const clockTicksPerSecond = 100

// procSample is one reading of the process resource usage the watchdog
// enforces limits on.
type procSample struct {
	// cpuTicks is user plus system time, in clock ticks.
	cpuTicks uint64

	// rssBytes is the resident set size in bytes.
	rssBytes uint64
}

// statSource yields resource samples for the current process. The procfs
// implementation re-reads /proc/self/stat on every call; tests substitute a
// scripted source.
type statSource interface {
	read() (procSample, error)
}

type procfsStatSource struct {
	proc procfs.Proc
}

func newProcfsStatSource() (*procfsStatSource, error) {
	proc, err := procfs.Self()
	if err != nil {
		return nil, fmt.Errorf("opening process stat source: %w", err)
	}
	return &procfsStatSource{proc: proc}, nil
}

func (s *procfsStatSource) read() (procSample, error) {
	stat, err := s.proc.Stat()
	if err != nil {
		return procSample{}, fmt.Errorf("reading process stat: %w", err)
	}
	return procSample{
		cpuTicks: uint64(stat.UTime) + uint64(stat.STime),
		rssBytes: uint64(stat.ResidentMemory()),
	}, nil
}
