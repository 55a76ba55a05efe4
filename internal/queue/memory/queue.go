// Package memory provides the in-process document processing queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/bulletin-crawler/internal/crawler"
)

var (
	// ErrQueueFull is returned when Enqueue finds no free slot.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is a bounded in-memory queue. Enqueue never waits for space so a
// crawl is never held up by slow processing.
type Queue struct {
	ch     chan crawler.DocumentDescriptor
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan crawler.DocumentDescriptor, capacity),
	}
}

// Enqueue adds doc or fails with ErrQueueFull, ErrQueueClosed or the
// context's error.
func (q *Queue) Enqueue(ctx context.Context, doc crawler.DocumentDescriptor) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- doc:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", doc.Filename, ErrQueueFull)
	}
}

// Dequeue pops the next descriptor, respecting context cancellation. Items
// queued before Close are still delivered.
func (q *Queue) Dequeue(ctx context.Context) (crawler.DocumentDescriptor, error) {
	select {
	case <-ctx.Done():
		return crawler.DocumentDescriptor{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case doc, ok := <-q.ch:
		if !ok {
			return crawler.DocumentDescriptor{}, ErrQueueClosed
		}
		return doc, nil
	}
}

// Len reports queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops intake. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
