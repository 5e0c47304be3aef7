package orchestrator

import (
	"time"

	"github.com/lltools/ll/pkg/models"
)

// EventType identifies an orchestrator event.
type EventType string

const (
	// EventIssueAdmitted fires when an issue enters the queue.
	EventIssueAdmitted EventType = "issue_admitted"
	// EventIssueStarted fires when a pipeline begins.
	EventIssueStarted EventType = "issue_started"
	// EventIssueCompleted fires when a pipeline succeeds.
	EventIssueCompleted EventType = "issue_completed"
	// EventIssueFailed fires when a pipeline fails or is cascade-failed.
	EventIssueFailed EventType = "issue_failed"
	// EventMergeDone fires when a merge request reaches a terminal status.
	EventMergeDone EventType = "merge_done"
	// EventRunFinished fires once when the run ends.
	EventRunFinished EventType = "run_finished"
)

// Event is a progress notification for the TUI and progress printers.
type Event struct {
	// Type is the event kind.
	Type EventType
	// IssueID is the subject issue, when applicable.
	IssueID string
	// Message is a human-readable summary.
	Message string
	// Result carries the worker outcome on completion events.
	Result *models.WorkerResult
	// MergeStatus carries the terminal merge status on merge events.
	MergeStatus models.MergeStatus
	// Timestamp is when the event was emitted.
	Timestamp time.Time
}

// emit sends an event without blocking; a full channel drops the event
// and bumps the counter.
func (o *Orchestrator) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case o.events <- ev:
	default:
		o.droppedEvents.Add(1)
	}
}

// Events returns the event stream. The channel closes when the run ends.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// DroppedEventCount reports events dropped due to a slow consumer.
func (o *Orchestrator) DroppedEventCount() uint64 {
	return o.droppedEvents.Load()
}
