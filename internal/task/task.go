// Package task runs cancellable background work and keeps a bounded,
// in-memory history of it.
package task

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Status is a task's lifecycle state.
type Status string

// Task states. Completed, failed and cancelled are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StatusMessageKey is the metadata key UpdateProgress writes to.
const StatusMessageKey = "status_message"

var (
	// ErrNotPending is returned when Start is called on a task that already
	// left the pending state.
	ErrNotPending = errors.New("task is not pending")
	// ErrAdmissionRejected is returned when the active task cap is reached.
	ErrAdmissionRejected = errors.New("too many active tasks")
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrServiceClosed is returned after Shutdown.
	ErrServiceClosed = errors.New("task service is shut down")
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Work is the body of a task. It should return promptly once ctx is done and
// may report progress through t.
type Work func(ctx context.Context, t *Task) (any, error)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Snapshot is a point-in-time copy of a task's exposed fields.
type Snapshot struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	OwnerID     string         `json:"owner_id"`
	Status      Status         `json:"status"`
	Progress    float64        `json:"progress"`
	Metadata    map[string]any `json:"metadata"`
	Result      any            `json:"result"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Task is one cancellable unit of background work.
type Task struct {
	id       string
	taskType string
	ownerID  string
	clock    Clock

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	status      Status
	progress    float64
	metadata    map[string]any
	result      any
	err         string
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	onChange    func(Snapshot)
	onFinish    func(*Task)
}

// New creates a pending task.
func New(id, taskType, ownerID string, metadata map[string]any, clock Clock) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	md := make(map[string]any, len(metadata))
	maps.Copy(md, metadata)
	return &Task{
		id:        id,
		taskType:  taskType,
		ownerID:   ownerID,
		clock:     clock,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusPending,
		metadata:  md,
		createdAt: clock.Now(),
	}
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Type returns the task type.
func (t *Task) Type() string { return t.taskType }

// OwnerID returns the owner the task runs for.
func (t *Task) OwnerID() string { return t.ownerID }

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Start moves the task to running and blocks until work finishes or the
// task is cancelled, whichever happens first. The work's error is captured on
// the task, never returned. Cancellation of parent also cancels the task.
func (t *Task) Start(parent context.Context, work Work) error {
	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return fmt.Errorf("start %s: %w", t.id, ErrNotPending)
	}
	t.status = StatusRunning
	now := t.clock.Now()
	t.startedAt = &now
	notify := t.onChange
	snap := t.snapshotLocked()
	t.mu.Unlock()
	if notify != nil {
		notify(snap)
	}

	if parent != nil {
		stop := context.AfterFunc(parent, t.Cancel)
		defer stop()
	}

	type outcome struct {
		result any
		err    error
	}
	finished := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				finished <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		res, err := work(t.ctx, t)
		finished <- outcome{result: res, err: err}
	}()

	select {
	case <-t.ctx.Done():
		t.finish(StatusCancelled, nil, "")
	case out := <-finished:
		if out.err != nil {
			t.finish(StatusFailed, nil, out.err.Error())
		} else {
			t.finish(StatusCompleted, out.result, "")
		}
	}
	return nil
}

// Cancel signals cancellation. A pending or running task becomes cancelled
// immediately; terminal tasks are left untouched.
func (t *Task) Cancel() {
	t.finish(StatusCancelled, nil, "")
}

// IsCancelled reports whether cancellation has been requested. It never
// blocks and is meant for cooperative checkpoints.
func (t *Task) IsCancelled() bool {
	return t.ctx.Err() != nil
}

// UpdateProgress clamps percent into [0, 100] and records message under
// metadata["status_message"] when non-empty. Ignored once terminal.
func (t *Task) UpdateProgress(percent float64, message string) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.progress = max(0, min(100, percent))
	if message != "" {
		t.metadata[StatusMessageKey] = message
	}
	notify := t.onChange
	snap := t.snapshotLocked()
	t.mu.Unlock()
	if notify != nil {
		notify(snap)
	}
}

// SetMetadata stores a metadata value. Ignored once terminal.
func (t *Task) SetMetadata(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.metadata[key] = value
}

// Status returns the current state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Snapshot copies the task's exposed fields.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// finishedAt returns CompletedAt, falling back to CreatedAt.
func (t *Task) finishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completedAt != nil {
		return *t.completedAt
	}
	return t.createdAt
}

// observe registers a callback for state changes. Set before Start.
func (t *Task) observe(fn func(Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// whenFinished registers a callback that runs after the terminal transition
// and before Done is closed. Set before Start.
func (t *Task) whenFinished(fn func(*Task)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFinish = fn
}

// finish performs the single terminal transition. Later calls are no-ops.
func (t *Task) finish(status Status, result any, errText string) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status = status
	now := t.clock.Now()
	t.completedAt = &now
	if status == StatusCompleted {
		t.result = result
	}
	t.err = errText
	notify := t.onChange
	finished := t.onFinish
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.cancel()
	if finished != nil {
		finished(t)
	}
	close(t.done)
	if notify != nil {
		notify(snap)
	}
}

func (t *Task) snapshotLocked() Snapshot {
	md := make(map[string]any, len(t.metadata))
	maps.Copy(md, t.metadata)
	return Snapshot{
		TaskID:      t.id,
		TaskType:    t.taskType,
		OwnerID:     t.ownerID,
		Status:      t.status,
		Progress:    t.progress,
		Metadata:    md,
		Result:      t.result,
		Error:       t.err,
		CreatedAt:   t.createdAt,
		StartedAt:   copyTime(t.startedAt),
		CompletedAt: copyTime(t.completedAt),
	}
}

func copyTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}
