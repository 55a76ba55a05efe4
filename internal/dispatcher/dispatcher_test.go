package dispatcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context) {
	r.started <- struct{}{}
	<-ctx.Done()
}

type countingRunner struct {
	runs *atomic.Int32
}

func (r countingRunner) Run(context.Context) {
	r.runs.Add(1)
}

type panickingRunner struct{}

func (panickingRunner) Run(context.Context) {
	panic("boom")
}

func TestNewRequiresWorkers(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestDispatcherRunsAllWorkersUntilCancel(t *testing.T) {
	t.Parallel()

	a := &blockingRunner{started: make(chan struct{}, 1)}
	b := &blockingRunner{started: make(chan struct{}, 1)}
	d, err := New([]Runner{a, b}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, d.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for _, r := range []*blockingRunner{a, b} {
		select {
		case <-r.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

func TestDispatcherReturnsWhenWorkersFinish(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	d, err := New([]Runner{countingRunner{&runs}, countingRunner{&runs}, countingRunner{&runs}}, nil)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background()))
	assert.Equal(t, int32(3), runs.Load())
}

func TestDispatcherReportsPanics(t *testing.T) {
	t.Parallel()

	blocker := &blockingRunner{started: make(chan struct{}, 1)}
	d, err := New([]Runner{blocker, panickingRunner{}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.ErrorContains(t, err, "worker 1 panicked: boom")
}
