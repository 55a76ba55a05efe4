package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return s.err
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, len(b))
	}
	return out
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func crawlEvent(stage Stage) Event {
	return Event{
		TaskID:   "crawl_0a1b2c3d",
		TaskType: "crawl",
		OwnerID:  "owner-1",
		TS:       time.Now(),
		Stage:    stage,
	}
}

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	hub.Emit(crawlEvent(StageTaskStarted))
	hub.Emit(crawlEvent(StageTaskProgress))
	require.Eventually(t, func() bool {
		sizes := sink.sizes()
		return len(sizes) == 1 && sizes[0] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesAfterMaxBatchWait(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	hub.Emit(crawlEvent(StageTaskStarted))
	require.Eventually(t, func() bool { return len(sink.sizes()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnTerminalStage(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 100, MaxBatchWait: time.Hour}, sink)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	hub.Emit(crawlEvent(StageTaskStarted))
	hub.Emit(crawlEvent(StageTaskCompleted))
	require.Eventually(t, func() bool {
		sizes := sink.sizes()
		return len(sizes) == 1 && sizes[0] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Hour}, sink)

	hub.Emit(crawlEvent(StageTaskStarted))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	assert.Equal(t, []int{1}, sink.sizes())
	assert.True(t, sink.closed)

	hub.Emit(crawlEvent(StageTaskProgress))
	assert.Equal(t, []int{1}, sink.sizes())
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan Event),
		logger: zaptest.NewLogger(t),
	}
	start := time.Now()
	for range 3 {
		hub.Emit(crawlEvent(StageTaskStarted))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(3), hub.Dropped())
}

func TestHubStampsMissingTimestamp(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 4}, sink)

	evt := crawlEvent(StageTaskCreated)
	evt.TS = time.Time{}
	hub.Emit(evt)
	require.NoError(t, hub.Close(context.Background()))

	events := sink.events()
	require.Len(t, events, 1)
	assert.False(t, events[0].TS.IsZero())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 4}, sink)

	hub.Emit(Event{Stage: StageTaskStarted})
	hub.Emit(Event{TaskID: "x", Stage: StageTaskProgress, Percent: 150})
	hub.Emit(Event{TaskID: "x", Stage: "BOGUS"})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.sizes())
	assert.Zero(t, hub.Dropped())
}

func TestHubFailingSinkDoesNotStarveOthers(t *testing.T) {
	t.Parallel()

	failing := &recordingSink{err: errors.New("sink down")}
	healthy := &recordingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, Logger: zaptest.NewLogger(t)}, failing, nil, healthy)

	hub.Emit(crawlEvent(StageTaskStarted))
	hub.Emit(crawlEvent(StageTaskFailed))
	require.NoError(t, hub.Close(context.Background()))

	assert.Equal(t, []int{1, 1}, failing.sizes())
	assert.Equal(t, []int{1, 1}, healthy.sizes())
}

func TestNilHubIsInert(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(crawlEvent(StageTaskStarted))
	assert.Zero(t, hub.Dropped())
	assert.NoError(t, hub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"rejected needs type", Event{Stage: StageTaskRejected, TS: now}, true},
		{"rejected without id", Event{Stage: StageTaskRejected, TaskType: "crawl", TS: now}, false},
		{"progress in range", Event{Stage: StageTaskProgress, TaskID: "a", Percent: 42, TS: now}, false},
		{"document without id", Event{Stage: StageDocumentDone, TS: now}, true},
		{"negative duration", Event{Stage: StageTaskCompleted, TaskID: "a", Dur: -time.Second, TS: now}, true},
		{"missing timestamp", Event{Stage: StageTaskCompleted, TaskID: "a"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
	assert.True(t, StageTaskCancelled.Terminal())
	assert.False(t, StageTaskProgress.Terminal())
	assert.False(t, StageDocumentDone.Terminal())
}
