package render

import (
	"time"

	"github.com/matzehuels/sheetpress/pkg/host"
)

// JobState is the render state of one sheet.
type JobState int

const (
	Pending JobState = iota
	Submitted
	Completed
	TimedOut
	Failed
)

func (s JobState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Submitted:
		return "submitted"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == Completed || s == TimedOut || s == Failed
}

// Job tracks one sheet through the renderer.
type Job struct {
	Page       host.Page
	OutputPath string
	State      JobState
	Attempts   int // poll waits spent before the terminal state
	Err        error
	Duration   time.Duration
}

// BatchResult is the outcome of a sequential render run.
type BatchResult struct {
	Jobs    []*Job   // every job started, in order
	Outputs []string // paths of completed jobs, in submission order
}

// Count returns how many jobs ended in state s.
func (r *BatchResult) Count(s JobState) int {
	n := 0
	for _, j := range r.Jobs {
		if j.State == s {
			n++
		}
	}
	return n
}

// Skipped returns the jobs that timed out and were left out of Outputs.
func (r *BatchResult) Skipped() []*Job {
	var out []*Job
	for _, j := range r.Jobs {
		if j.State == TimedOut {
			out = append(out, j)
		}
	}
	return out
}
