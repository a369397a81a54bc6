// Package sysmem reads this process's resident memory and the host's
// overall memory pressure via /proc, backing the lifecycle sweeper's
// memory guard (spec component J).
package sysmem

import "github.com/prometheus/procfs"

// Snapshot is one reading of process and system memory state.
type Snapshot struct {
	ProcessRSSBytes   int64
	SystemUsedPercent float64
}

// Read samples the current process's RSS and the system-wide used-memory
// percentage. On any procfs error the returned Snapshot is zero-valued and
// the error is returned so the caller can treat the reading as
// inconclusive rather than act on bad data.
func Read() (Snapshot, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return Snapshot{}, err
	}

	proc, err := fs.Self()
	if err != nil {
		return Snapshot{}, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return Snapshot{}, err
	}

	mem, err := fs.Meminfo()
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{ProcessRSSBytes: int64(stat.ResidentMemory())}

	if mem.MemTotal != nil && mem.MemAvailable != nil && *mem.MemTotal > 0 {
		totalKB := float64(*mem.MemTotal)
		availableKB := float64(*mem.MemAvailable)
		snap.SystemUsedPercent = (totalKB - availableKB) / totalKB * 100
	}

	return snap, nil
}
