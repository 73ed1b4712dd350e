package scan

import "sync/atomic"

// Progress holds live counters updated by the scan driver. All fields are
// atomic so a CLI progress bar can read them from another goroutine.
type Progress struct {
	TotalIssues     atomic.Int64
	ProcessedIssues atomic.Int64
	TotalFiles      atomic.Int64
	TotalSize       atomic.Int64
	DuplicateFiles  atomic.Int64
	DuplicateSize   atomic.Int64
}

// Snapshot is a point-in-time copy of the progress counters.
type Snapshot struct {
	TotalIssues     int64
	ProcessedIssues int64
	TotalFiles      int64
	TotalSize       int64
	DuplicateFiles  int64
	DuplicateSize   int64
}

// Snapshot returns a consistent-enough copy for display purposes.
func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		TotalIssues:     p.TotalIssues.Load(),
		ProcessedIssues: p.ProcessedIssues.Load(),
		TotalFiles:      p.TotalFiles.Load(),
		TotalSize:       p.TotalSize.Load(),
		DuplicateFiles:  p.DuplicateFiles.Load(),
		DuplicateSize:   p.DuplicateSize.Load(),
	}
}
