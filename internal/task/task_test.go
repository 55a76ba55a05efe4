package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulletin-crawler/internal/clock"
)

func newTestTask() *Task {
	return New("crawl_0000abcd", "crawl", "owner-1", map[string]any{"site": "biwase"}, clock.NewManual(time.Unix(1_700_000_000, 0)))
}

func TestTaskStartCompletes(t *testing.T) {
	t.Parallel()

	tk := newTestTask()
	require.Equal(t, StatusPending, tk.Status())

	err := tk.Start(context.Background(), func(_ context.Context, tk *Task) (any, error) {
		tk.UpdateProgress(42, "halfway")
		return "ok", nil
	})
	require.NoError(t, err)

	snap := tk.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "ok", snap.Result)
	assert.InDelta(t, 42.0, snap.Progress, 1e-9)
	assert.Equal(t, "halfway", snap.Metadata[StatusMessageKey])
	assert.Equal(t, "biwase", snap.Metadata["site"])
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.CompletedAt)

	select {
	case <-tk.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestTaskStartFails(t *testing.T) {
	t.Parallel()

	tk := newTestTask()
	require.NoError(t, tk.Start(context.Background(), func(context.Context, *Task) (any, error) {
		return "partial", errors.New("boom")
	}))

	snap := tk.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "boom", snap.Error)
	assert.Nil(t, snap.Result)
}

func TestTaskPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	tk := newTestTask()
	require.NoError(t, tk.Start(context.Background(), func(context.Context, *Task) (any, error) {
		panic("kaboom")
	}))

	snap := tk.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "kaboom")
}

func TestTaskStartTwice(t *testing.T) {
	t.Parallel()

	tk := newTestTask()
	work := func(context.Context, *Task) (any, error) { return nil, nil }
	require.NoError(t, tk.Start(context.Background(), work))
	require.ErrorIs(t, tk.Start(context.Background(), work), ErrNotPending)
}

func TestTaskCancelWhileRunning(t *testing.T) {
	t.Parallel()

	tk := newTestTask()
	started := make(chan struct{})
	release := make(chan struct{})
	returned := make(chan error, 1)

	go func() {
		returned <- tk.Start(context.Background(), func(ctx context.Context, _ *Task) (any, error) {
			close(started)
			<-release
			return "late", nil
		})
	}()

	<-started
	tk.Cancel()
	assert.Equal(t, StatusCancelled, tk.Status(), "cancel is immediate")
	assert.True(t, tk.IsCancelled())

	require.NoError(t, <-returned)
	close(release)

	snap := tk.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Nil(t, snap.Result, "cancelled tasks keep no result")
}

func TestTaskCancelPending(t *testing.T) {
	t.Parallel()

	tk := newTestTask()
	tk.Cancel()
	require.Equal(t, StatusCancelled, tk.Status())
	require.ErrorIs(t, tk.Start(context.Background(), func(context.Context, *Task) (any, error) {
		t.Fatal("work must not run")
		return nil, nil
	}), ErrNotPending)
}

func TestTaskParentContextCancels(t *testing.T) {
	t.Parallel()

	tk := newTestTask()
	parent, cancel := context.WithCancel(context.Background())
	returned := make(chan error, 1)
	go func() {
		returned <- tk.Start(parent, func(ctx context.Context, _ *Task) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}()

	require.Eventually(t, func() bool { return tk.Status() == StatusRunning }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-returned)
	require.Equal(t, StatusCancelled, tk.Status())
}

func TestTaskTerminalIsFinal(t *testing.T) {
	t.Parallel()

	tk := newTestTask()
	require.NoError(t, tk.Start(context.Background(), func(context.Context, *Task) (any, error) {
		return 1, nil
	}))
	tk.Cancel()
	tk.UpdateProgress(10, "ignored")
	tk.SetMetadata("late", true)

	snap := tk.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.InDelta(t, 0.0, snap.Progress, 1e-9)
	assert.NotContains(t, snap.Metadata, "late")
}

func TestTaskUpdateProgressClamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{name: "negative", in: -5, want: 0},
		{name: "in range", in: 55.5, want: 55.5},
		{name: "over", in: 250, want: 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tk := newTestTask()
			tk.UpdateProgress(tc.in, "")
			snap := tk.Snapshot()
			assert.InDelta(t, tc.want, snap.Progress, 1e-9)
			assert.NotContains(t, snap.Metadata, StatusMessageKey)
		})
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	tk := newTestTask()
	snap := tk.Snapshot()
	snap.Metadata["site"] = "changed"
	assert.Equal(t, "biwase", tk.Snapshot().Metadata["site"])
}
