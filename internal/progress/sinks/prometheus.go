package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bulletin-crawler/internal/progress"
)

// PrometheusSink exports task lifecycle metrics via Prometheus. It owns the
// collectors for tasks created/finished/running and processed documents.
type PrometheusSink struct {
	tasksCreated  *prometheus.CounterVec
	tasksRejected *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	tasksEvicted  prometheus.Counter
	taskRuntime   *prometheus.HistogramVec

	documents     *prometheus.CounterVec
	documentBytes prometheus.Counter

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulletin_tasks_created_total",
			Help: "Total tasks admitted, partitioned by type.",
		}, []string{"task_type"}),
		tasksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulletin_tasks_rejected_total",
			Help: "Total task creations refused by admission control.",
		}, []string{"task_type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulletin_tasks_finished_total",
			Help: "Total tasks that reached a terminal state, partitioned by result.",
		}, []string{"task_type", "result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulletin_tasks_running",
			Help: "Current number of running tasks.",
		}),
		tasksEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulletin_tasks_evicted_total",
			Help: "Completed task records removed by cleanup.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulletin_task_runtime_seconds",
			Help:    "Wall time per finished task.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"task_type", "result"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulletin_documents_processed_total",
			Help: "Documents handled by processing workers, partitioned by result.",
		}, []string{"result"}),
		documentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulletin_document_bytes_total",
			Help: "Bytes of successfully processed documents.",
		}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksCreated,
		s.tasksRejected,
		s.tasksFinished,
		s.tasksRunning,
		s.tasksEvicted,
		s.taskRuntime,
		s.documents,
		s.documentBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	taskType := evt.TaskType
	if taskType == "" {
		taskType = "unknown"
	}
	switch evt.Stage {
	case progress.StageTaskCreated:
		s.tasksCreated.WithLabelValues(taskType).Inc()
	case progress.StageTaskRejected:
		s.tasksRejected.WithLabelValues(taskType).Inc()
	case progress.StageTaskStarted:
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageTaskCompleted, progress.StageTaskFailed, progress.StageTaskCancelled:
		result := resultLabel(evt.Stage)
		s.tasksFinished.WithLabelValues(taskType, result).Inc()
		if evt.Dur > 0 {
			s.taskRuntime.WithLabelValues(taskType, result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.TaskID) {
			s.tasksRunning.Dec()
		}
	case progress.StageTaskEvicted:
		s.tasksEvicted.Inc()
	case progress.StageDocumentDone:
		s.documents.WithLabelValues("success").Inc()
		if evt.Bytes > 0 {
			s.documentBytes.Add(float64(evt.Bytes))
		}
	case progress.StageDocumentError:
		s.documents.WithLabelValues("error").Inc()
	}
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageTaskCompleted:
		return "completed"
	case progress.StageTaskFailed:
		return "failed"
	default:
		return "cancelled"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
