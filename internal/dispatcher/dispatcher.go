// Package dispatcher fans processing work out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner consumes work until its context ends or its source is exhausted.
// *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher runs a fixed pool of workers.
type Dispatcher struct {
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher over workers.
func New(workers []Runner, logger *zap.Logger) (*Dispatcher, error) {
	if len(workers) == 0 {
		return nil, errors.New("at least one worker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, logger: logger}, nil
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts every worker and blocks until all of them return. A panicking
// worker is reported as an error and cancels the rest.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range d.workers {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker %d panicked: %v", i, r)
				}
			}()
			w.Run(gctx)
			return nil
		})
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	err := g.Wait()
	if err != nil {
		d.logger.Error("dispatcher stopped", zap.Error(err))
		return err
	}
	d.logger.Info("dispatcher stopped")
	return nil
}
