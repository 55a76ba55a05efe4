package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTaskCreated   Stage = "TASK_CREATED"
	StageTaskRejected  Stage = "TASK_REJECTED"
	StageTaskStarted   Stage = "TASK_STARTED"
	StageTaskProgress  Stage = "TASK_PROGRESS"
	StageTaskCompleted Stage = "TASK_COMPLETED"
	StageTaskFailed    Stage = "TASK_FAILED"
	StageTaskCancelled Stage = "TASK_CANCELLED"
	StageTaskEvicted   Stage = "TASK_EVICTED"
	StageDocumentDone  Stage = "DOCUMENT_DONE"
	StageDocumentError Stage = "DOCUMENT_ERROR"
)

// Event captures a single milestone in a task's or document's life.
type Event struct {
	// TaskID identifies the task; empty only for rejected admissions.
	TaskID string
	// TaskType is the kind of work, e.g. "crawl".
	TaskType string
	// OwnerID is the user the work runs for.
	OwnerID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Percent carries task progress for TASK_PROGRESS.
	Percent float64
	// Bytes carries document size for document events.
	Bytes int64
	// Dur captures run time for terminal events.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskRejected:
		if e.TaskType == "" {
			return errors.New("rejected event requires task type")
		}
	case StageTaskCreated, StageTaskStarted, StageTaskCompleted, StageTaskFailed,
		StageTaskCancelled, StageTaskEvicted, StageDocumentDone, StageDocumentError:
		if e.TaskID == "" {
			return errors.New("task id is required")
		}
	case StageTaskProgress:
		if e.TaskID == "" {
			return errors.New("task id is required")
		}
		if e.Percent < 0 || e.Percent > 100 {
			return fmt.Errorf("percent %v out of range", e.Percent)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a task.
func (s Stage) Terminal() bool {
	switch s {
	case StageTaskCompleted, StageTaskFailed, StageTaskCancelled:
		return true
	default:
		return false
	}
}
