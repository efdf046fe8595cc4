// Package deposit implements the SWORD deposit lifecycle: creation, batched
// content retrieval, file management and finalization into a pipeline.
package deposit

import (
	"time"
)

// State is the lifecycle position of a deposit, derived from its row.
type State string

const (
	StateCreated              State = "created"
	StateAwaitingContent      State = "awaiting_content"
	StateReadyForFinalization State = "ready_for_finalization"
	StateFinalized            State = "finalized"
)

// Deposit is a SWORD deposit: a location in a SWORD space plus its intake state.
type Deposit struct {
	UUID                 string
	SpaceUUID            string
	Name                 string
	RelativePath         string
	Path                 string
	Source               string
	CreatedAt            time.Time
	ReadyForFinalization bool
	CompletionTime       *time.Time
	LastIntakeAt         *time.Time
	SubmittedAt          *time.Time
	SubmittedPath        string
}

// State derives the deposit's lifecycle state.
func (d Deposit) State() State {
	switch {
	case d.CompletionTime != nil:
		return StateFinalized
	case d.ReadyForFinalization:
		return StateReadyForFinalization
	case d.LastIntakeAt != nil:
		return StateAwaitingContent
	default:
		return StateCreated
	}
}

// Submitted reports whether the content has been handed to a pipeline.
func (d Deposit) Submitted() bool {
	return d.SubmittedAt != nil || d.CompletionTime != nil
}

// Task records one batch download for a deposit. Tasks outlive their deposit.
type Task struct {
	UUID           string
	DepositUUID    string
	Attempted      int
	Completed      int
	Failed         bool
	FailureReason  string
	CreatedAt      time.Time
	CompletionTime *time.Time
}

// DownloadStatus aggregates a deposit's tasks.
type DownloadStatus string

const (
	DownloadComplete   DownloadStatus = "complete"
	DownloadIncomplete DownloadStatus = "incomplete"
	DownloadFailed     DownloadStatus = "failed"
	// DownloadNone is reported for deposits that never had a task.
	DownloadNone DownloadStatus = "none"
)

// Aggregate computes the downloading status of tasks. A deposit with no
// tasks is complete.
func Aggregate(tasks []Task) DownloadStatus {
	incomplete := false
	for _, t := range tasks {
		if t.Failed {
			return DownloadFailed
		}
		if t.Completed < t.Attempted || t.CompletionTime == nil {
			incomplete = true
		}
	}
	if incomplete {
		return DownloadIncomplete
	}
	return DownloadComplete
}

// Describe is Aggregate, except that no tasks at all reads as DownloadNone.
func Describe(tasks []Task) DownloadStatus {
	if len(tasks) == 0 {
		return DownloadNone
	}
	return Aggregate(tasks)
}
