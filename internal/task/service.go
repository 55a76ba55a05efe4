package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/metrics"
	"github.com/JakeFAU/bulletin-crawler/internal/progress"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxActiveTasks    = 50
	DefaultMaxCompletedTasks = 100
	DefaultMaxTaskAge        = 30 * time.Minute
	DefaultCleanupInterval   = 3 * time.Minute
	DefaultShutdownGrace     = 5 * time.Second
	DefaultListLimit         = 50

	// sweepThreshold is the fraction of MaxCompletedTasks that triggers an
	// opportunistic cleanup after a task finishes.
	sweepThreshold = 0.8
)

// Config bounds the service's memory and concurrency.
type Config struct {
	MaxActiveTasks    int           `mapstructure:"max_active_tasks"`
	MaxCompletedTasks int           `mapstructure:"max_completed_tasks"`
	MaxTaskAge        time.Duration `mapstructure:"max_task_age"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
}

func (c Config) withDefaults() Config {
	if c.MaxActiveTasks <= 0 {
		c.MaxActiveTasks = DefaultMaxActiveTasks
	}
	if c.MaxCompletedTasks <= 0 {
		c.MaxCompletedTasks = DefaultMaxCompletedTasks
	}
	if c.MaxTaskAge <= 0 {
		c.MaxTaskAge = DefaultMaxTaskAge
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// IDGenerator allocates task ids of the form prefix_xxxxxxxx.
type IDGenerator interface {
	NewPrefixedID(prefix string) (string, error)
}

// Stats reports the store sizes.
type Stats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

// Service creates, tracks and evicts background tasks. A task id lives in
// exactly one of the active or completed maps from creation until eviction.
type Service struct {
	cfg     Config
	ids     IDGenerator
	clock   Clock
	emitter progress.Emitter
	logger  *zap.Logger

	mu        sync.Mutex
	active    map[string]*Task
	completed map[string]*Task
	closed    bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	cron       *cron.Cron
}

// NewService builds a Service. Call Start to enable periodic cleanup.
func NewService(cfg Config, ids IDGenerator, clock Clock, emitter progress.Emitter, logger *zap.Logger) *Service {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg.withDefaults(),
		ids:        ids,
		clock:      clock,
		emitter:    emitter,
		logger:     logger,
		active:     make(map[string]*Task),
		completed:  make(map[string]*Task),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Start schedules the periodic cleanup sweep. The schedule stops on Shutdown
// or when ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %s", s.cfg.CleanupInterval)
	if _, err := c.AddFunc(spec, func() { s.Cleanup() }); err != nil {
		return fmt.Errorf("schedule task cleanup: %w", err)
	}
	c.Start()
	s.cron = c
	context.AfterFunc(ctx, func() { c.Stop() })
	s.logger.Info("task cleanup scheduled", zap.Duration("interval", s.cfg.CleanupInterval))
	return nil
}

// Create admits a new task and starts work in the background. When the
// active cap is reached it returns ErrAdmissionRejected and no id.
func (s *Service) Create(ctx context.Context, taskType, ownerID string, work Work) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrServiceClosed
	}
	if active := s.runningLocked(); active >= s.cfg.MaxActiveTasks {
		s.mu.Unlock()
		s.logger.Warn("task admission rejected",
			zap.String("task_type", taskType),
			zap.Int("active", active),
			zap.Int("max_active", s.cfg.MaxActiveTasks),
		)
		metrics.ObserveTaskRejected(taskType)
		s.emitter.Emit(progress.Event{TaskType: taskType, OwnerID: ownerID, Stage: progress.StageTaskRejected})
		return "", ErrAdmissionRejected
	}
	id, err := s.allocateIDLocked(taskType)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	t := New(id, taskType, ownerID, nil, s.clock)
	t.observe(s.observer(t))
	t.whenFinished(s.migrate)
	s.active[id] = t
	s.wg.Add(1)
	s.publishCountsLocked()
	s.mu.Unlock()

	s.emitter.Emit(progress.Event{TaskID: id, TaskType: taskType, OwnerID: ownerID, Stage: progress.StageTaskCreated})
	s.logger.Info("task created", zap.String("task_id", id), zap.String("task_type", taskType), zap.String("owner_id", ownerID))

	go s.run(t, work)
	return id, nil
}

// run drives the task. Migration happens in the task's terminal transition.
func (s *Service) run(t *Task, work Work) {
	defer s.wg.Done()
	if err := t.Start(s.baseCtx, work); err != nil {
		s.logger.Debug("task did not start", zap.String("task_id", t.ID()), zap.Error(err))
	}
}

func (s *Service) allocateIDLocked(taskType string) (string, error) {
	for range 8 {
		id, err := s.ids.NewPrefixedID(taskType)
		if err != nil {
			return "", fmt.Errorf("allocate task id: %w", err)
		}
		_, inActive := s.active[id]
		_, inCompleted := s.completed[id]
		if !inActive && !inCompleted {
			return id, nil
		}
	}
	return "", errors.New("allocate task id: too many collisions")
}

// migrate moves a terminal task from active to completed and may trigger an
// opportunistic sweep. It runs before the task's Done channel closes, so a
// caller that saw Done never finds the task in the active store.
func (s *Service) migrate(t *Task) {
	if !t.Status().Terminal() {
		return
	}
	s.mu.Lock()
	if _, ok := s.active[t.ID()]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, t.ID())
	s.completed[t.ID()] = t
	overThreshold := float64(len(s.completed)) > sweepThreshold*float64(s.cfg.MaxCompletedTasks)
	s.publishCountsLocked()
	s.mu.Unlock()

	snap := t.Snapshot()
	metrics.ObserveTaskFinished(snap.TaskType, string(snap.Status))
	s.logger.Info("task finished",
		zap.String("task_id", snap.TaskID),
		zap.String("status", string(snap.Status)),
		zap.String("error", snap.Error),
	)
	if overThreshold {
		s.Cleanup()
	}
}

// observer converts task state changes into progress events.
func (s *Service) observer(t *Task) func(Snapshot) {
	return func(snap Snapshot) {
		evt := progress.Event{
			TaskID:   snap.TaskID,
			TaskType: snap.TaskType,
			OwnerID:  snap.OwnerID,
			Percent:  snap.Progress,
		}
		switch snap.Status {
		case StatusRunning:
			evt.Stage = progress.StageTaskProgress
			if snap.Progress == 0 && snap.Metadata[StatusMessageKey] == nil {
				evt.Stage = progress.StageTaskStarted
			}
		case StatusCompleted:
			evt.Stage = progress.StageTaskCompleted
		case StatusFailed:
			evt.Stage = progress.StageTaskFailed
			evt.Note = snap.Error
		case StatusCancelled:
			evt.Stage = progress.StageTaskCancelled
		default:
			return
		}
		if snap.Status.Terminal() && snap.StartedAt != nil && snap.CompletedAt != nil {
			evt.Dur = snap.CompletedAt.Sub(*snap.StartedAt)
		}
		s.emitter.Emit(evt)
	}
}

// Get returns a snapshot from the active store, then the completed store.
func (s *Service) Get(id string) (Snapshot, bool) {
	s.mu.Lock()
	t, ok := s.active[id]
	if !ok {
		t, ok = s.completed[id]
	}
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Wait blocks until the task reaches a terminal state or ctx is done and
// returns its final snapshot.
func (s *Service) Wait(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	t, ok := s.active[id]
	if !ok {
		t, ok = s.completed[id]
	}
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	select {
	case <-t.Done():
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}

// ListActive returns active tasks, optionally filtered by owner, oldest first.
func (s *Service) ListActive(ownerID string) []Snapshot {
	s.mu.Lock()
	tasks := filterOwner(s.active, ownerID)
	s.mu.Unlock()
	out := make([]Snapshot, 0, len(tasks))
	for _, snap := range snapshots(tasks) {
		if !snap.Status.Terminal() {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListCompleted returns finished tasks, most recent first, capped at limit
// (DefaultListLimit when limit <= 0).
func (s *Service) ListCompleted(ownerID string, limit int) []Snapshot {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	tasks := filterOwner(s.completed, ownerID)
	s.mu.Unlock()
	out := snapshots(tasks)
	sort.Slice(out, func(i, j int) bool { return finishedTime(out[i]).After(finishedTime(out[j])) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cancel signals an active task and reports whether one was found.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.Cancel()
	s.logger.Info("task cancel requested", zap.String("task_id", id))
	return true
}

// Cleanup evicts completed tasks older than MaxTaskAge, then trims the
// completed store to MaxCompletedTasks, oldest first. It returns the number
// of evicted records.
func (s *Service) Cleanup() int {
	now := s.clock.Now()
	var evicted []*Task

	s.mu.Lock()
	for id, t := range s.completed {
		if now.Sub(t.finishedAt()) > s.cfg.MaxTaskAge {
			evicted = append(evicted, t)
			delete(s.completed, id)
		}
	}
	if excess := len(s.completed) - s.cfg.MaxCompletedTasks; excess > 0 {
		ordered := make([]*Task, 0, len(s.completed))
		for _, t := range s.completed {
			ordered = append(ordered, t)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].finishedAt().Before(ordered[j].finishedAt()) })
		for _, t := range ordered[:excess] {
			evicted = append(evicted, t)
			delete(s.completed, t.ID())
		}
	}
	s.publishCountsLocked()
	s.mu.Unlock()

	for _, t := range evicted {
		s.emitter.Emit(progress.Event{TaskID: t.ID(), TaskType: t.Type(), OwnerID: t.OwnerID(), Stage: progress.StageTaskEvicted})
	}
	if len(evicted) > 0 {
		metrics.ObserveTasksEvicted(len(evicted))
		s.logger.Info("evicted completed tasks", zap.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Stats returns the current store sizes.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Active: len(s.active), Completed: len(s.completed)}
}

// Shutdown cancels every active task, stops the cleanup schedule and waits
// up to ShutdownGrace (or ctx) for task goroutines to settle.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := make([]*Task, 0, len(s.active))
	for _, t := range s.active {
		active = append(active, t)
	}
	c := s.cron
	s.mu.Unlock()

	s.logger.Info("shutting down task service", zap.Int("active", len(active)))
	for _, t := range active {
		t.Cancel()
	}
	s.baseCancel()

	var cronDone context.Context
	if c != nil {
		cronDone = c.Stop()
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	settled := make(chan struct{})
	go func() {
		s.wg.Wait()
		if cronDone != nil {
			<-cronDone.Done()
		}
		close(settled)
	}()
	select {
	case <-settled:
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("task service shutdown: %w", waitCtx.Err())
	}
}

// runningLocked counts active tasks that have not reached a terminal state.
// A task that just finished stays in the active map until migrate runs.
func (s *Service) runningLocked() int {
	n := 0
	for _, t := range s.active {
		if !t.Status().Terminal() {
			n++
		}
	}
	return n
}

func (s *Service) publishCountsLocked() {
	metrics.SetTaskCounts(len(s.active), len(s.completed))
}

func filterOwner(src map[string]*Task, ownerID string) []*Task {
	out := make([]*Task, 0, len(src))
	for _, t := range src {
		if ownerID == "" || t.OwnerID() == ownerID {
			out = append(out, t)
		}
	}
	return out
}

func snapshots(tasks []*Task) []Snapshot {
	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

func finishedTime(s Snapshot) time.Time {
	if s.CompletedAt != nil {
		return *s.CompletedAt
	}
	return s.CreatedAt
}
